// Package runqueue implements the filesystem-backed admission queue that
// bounds how many samples are processed concurrently. Work items live as
// one-line record files in exactly one of three directories, staged,
// admitted, or done, and move between them by rename. A single exclusive
// lock file serializes the admitted/done transitions, so the queue survives
// process restarts without a database.
package runqueue

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/seqflow/sample"
)

// Location identifies which queue directory a work item occupies.
type Location int

const (
	// Staged items wait for an admission slot.
	Staged Location = iota
	// Admitted items are being processed, at most the queue bound at once.
	Admitted
	// Done items have finished, successfully or not.
	Done
)

var locationNames = [...]string{"staged", "admitted", "done"}

// String returns the queue directory name of the location.
func (l Location) String() string { return locationNames[l] }

// Locations lists the queue locations in lifecycle order.
var Locations = []Location{Staged, Admitted, Done}

// Store is the on-disk work item store rooted at one queue directory.
type Store struct {
	root string
	skip *sample.SkipList
}

// OpenStore opens (creating if needed) the queue layout under root.
// Skip-listed samples are dropped quietly by Write. A nil skip list skips
// nothing.
func OpenStore(root string, skip *sample.SkipList) (*Store, error) {
	s := &Store{root: root, skip: skip}
	for _, loc := range Locations {
		if err := os.MkdirAll(s.Dir(loc), 0777); err != nil {
			return nil, errors.E(err, "create queue directory "+s.Dir(loc))
		}
	}
	return s, nil
}

// Root returns the queue root directory.
func (s *Store) Root() string { return s.root }

// Dir returns the directory holding the given location's work items.
func (s *Store) Dir(loc Location) string { return filepath.Join(s.root, loc.String()) }

// LockPath returns the path of the queue's exclusive lock file.
func (s *Store) LockPath() string { return filepath.Join(s.root, "lock") }

// Write persists desc as a staged work item. Skip-listed samples and
// samples already tracked in any location are dropped without error, so
// re-enumerating after a restart never duplicates or revives work.
func (s *Store) Write(desc sample.Descriptor) error {
	if err := sample.ValidateID(desc.ID); err != nil {
		return err
	}
	if s.skip.Skip(desc.ID) {
		log.Debug.Printf("queue: %s is skip-listed, dropping", desc.ID)
		return nil
	}
	if loc, ok, err := s.locate(desc.ID); err != nil {
		return err
	} else if ok {
		log.Debug.Printf("queue: %s already %s, dropping", desc.ID, loc)
		return nil
	}
	tmp, err := ioutil.TempFile(s.root, ".item-")
	if err != nil {
		return errors.E(err, "stage "+desc.ID)
	}
	if _, err := tmp.Write(desc.Record()); err != nil {
		tmp.Close()           // nolint: errcheck
		os.Remove(tmp.Name()) // nolint: errcheck
		return errors.E(err, "stage "+desc.ID)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) // nolint: errcheck
		return errors.E(err, "stage "+desc.ID)
	}
	if err := os.Rename(tmp.Name(), s.path(Staged, desc.ID)); err != nil {
		os.Remove(tmp.Name()) // nolint: errcheck
		return errors.E(err, "stage "+desc.ID)
	}
	log.Debug.Printf("queue: staged %s", desc.ID)
	return nil
}

// ListIDs returns the IDs at loc in lexicographic order, the queue's
// admission order.
func (s *Store) ListIDs(loc Location) ([]string, error) {
	infos, err := ioutil.ReadDir(s.Dir(loc))
	if err != nil {
		return nil, errors.E(err, "list "+loc.String())
	}
	var ids []string
	for _, info := range infos {
		if info.IsDir() || isForeignName(info.Name()) {
			continue
		}
		ids = append(ids, info.Name())
	}
	return ids, nil
}

// List returns the descriptors at loc in lexicographic ID order. Items
// retired by a concurrent transition are skipped, not errors.
func (s *Store) List(loc Location) ([]sample.Descriptor, error) {
	ids, err := s.ListIDs(loc)
	if err != nil {
		return nil, err
	}
	descs := make([]sample.Descriptor, 0, len(ids))
	for _, id := range ids {
		desc, err := s.Read(loc, id)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

// Read loads the descriptor of the work item id at loc.
func (s *Store) Read(loc Location, id string) (sample.Descriptor, error) {
	b, err := ioutil.ReadFile(s.path(loc, id))
	if err != nil {
		if os.IsNotExist(err) {
			return sample.Descriptor{}, err
		}
		return sample.Descriptor{}, errors.E(err, "read work item "+id)
	}
	desc, err := sample.ParseRecord(b)
	if err != nil {
		return sample.Descriptor{}, errors.E(err, "corrupt work item "+s.path(loc, id))
	}
	return desc, nil
}

// Move transitions the work item id from one location to another by rename,
// so an item is never visible in two locations at once.
func (s *Store) Move(id string, from, to Location) error {
	if err := os.Rename(s.path(from, id), s.path(to, id)); err != nil {
		return errors.E(err, "move "+id+" "+from.String()+" -> "+to.String())
	}
	log.Debug.Printf("queue: %s %s -> %s", id, from, to)
	return nil
}

func (s *Store) path(loc Location, id string) string {
	return filepath.Join(s.Dir(loc), id)
}

// locate finds which location, if any, currently holds id.
func (s *Store) locate(id string) (Location, bool, error) {
	for _, loc := range Locations {
		if _, err := os.Stat(s.path(loc, id)); err == nil {
			return loc, true, nil
		} else if !os.IsNotExist(err) {
			return loc, false, errors.E(err, "locate "+id)
		}
	}
	return Staged, false, nil
}

// isForeignName reports whether a directory entry can never be a work item.
// Work item names never start with a dot (sample.ValidateID), so dot entries
// are editor or OS droppings left in a hand-editable directory.
func isForeignName(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
