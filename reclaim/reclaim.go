// Package reclaim frees the disk space held by large intermediate artifacts
// without deleting them. Files are hollowed out: truncated to zero and then
// re-extended to their original length, leaving a sparse file of unchanged
// apparent size whose content reads as zeros. Access and modification times
// are restored afterwards. Execution engines that key their result caches
// off (size, mtime) keep treating the artifact as present, so completed
// stages are not re-run after space is reclaimed.
package reclaim

import (
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sys/unix"
)

// File hollows out the file at path and returns an estimate of the bytes
// freed. The file's size, atime, and mtime are preserved; its data blocks
// are released and read back as zeros. Reclaiming an already-sparse file is
// harmless.
func File(path string) (freed int64, err error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, errors.E(err, "reclaim: stat "+path)
	}
	atime, mtime := statTimes(&st)
	if err := os.Truncate(path, 0); err != nil {
		return 0, errors.E(err, "reclaim: truncate "+path)
	}
	if err := os.Truncate(path, st.Size); err != nil {
		return 0, errors.E(err, "reclaim: extend "+path)
	}
	if err := os.Chtimes(path, atime, mtime); err != nil {
		return 0, errors.E(err, "reclaim: restore times of "+path)
	}
	return st.Blocks * 512, nil
}

// A Reclaimer applies the run's publish policy to artifact classes. A
// published class keeps its data on disk; everything else is hollowed out
// once its last consumer has finished.
type Reclaimer struct {
	publish map[string]bool
}

// New returns a Reclaimer keeping the classes marked true in publish.
func New(publish map[string]bool) *Reclaimer {
	return &Reclaimer{publish: publish}
}

// Published reports whether class is retained by policy.
func (r *Reclaimer) Published(class string) bool {
	return r != nil && r.publish[class]
}

// Class reclaims the files of one artifact class, honoring the publish
// policy. Reclamation failures are logged, not returned: losing a chance
// to free space must not fail the run.
func (r *Reclaimer) Class(class string, paths ...string) {
	if r.Published(class) {
		log.Debug.Printf("reclaim: class %s is published, keeping %d files", class, len(paths))
		return
	}
	var total int64
	for _, path := range paths {
		freed, err := File(path)
		if err != nil {
			log.Error.Printf("reclaim: %v", err)
			continue
		}
		total += freed
	}
	log.Printf("reclaim: class %s: freed %d bytes across %d files", class, total, len(paths))
}
