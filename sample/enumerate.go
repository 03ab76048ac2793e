package sample

import (
	"context"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
)

// A Source names where samples are enumerated from. Either or both of the
// samplesheet and run list may be set.
type Source struct {
	// SheetPath is a samplesheet of local samples, or "".
	SheetPath string
	// RunsPath is a list of remote run accessions, or "".
	RunsPath string
	// Resolver groups the run accessions into samples. Required when
	// RunsPath is set.
	Resolver Resolver
}

// Enumerate builds the full set of sample descriptors for a run, merging
// local samplesheet entries with resolved remote run groupings. Sample IDs
// must be unique across both sources.
//
// Skip-listed samples are still returned; exclusion happens when work items
// are enqueued. Enumerate only cross-checks the skip list, warning about
// entries that match no enumerated sample so stale lists are noticed.
func Enumerate(ctx context.Context, src Source, skip *SkipList) ([]Descriptor, error) {
	var descs []Descriptor
	if src.SheetPath != "" {
		locals, err := ReadSheet(src.SheetPath)
		if err != nil {
			return nil, err
		}
		descs = append(descs, locals...)
	}
	if src.RunsPath != "" {
		if src.Resolver == nil {
			return nil, errors.New("run list given but no resolver configured")
		}
		runs, err := ReadRunList(src.RunsPath)
		if err != nil {
			return nil, err
		}
		remotes, err := src.Resolver.Resolve(ctx, runs)
		if err != nil {
			return nil, err
		}
		descs = append(descs, remotes...)
	}
	ids := make(map[string]bool, len(descs))
	for _, d := range descs {
		if ids[d.ID] {
			return nil, errors.Errorf("sample %s appears in both the samplesheet and the run groupings", d.ID)
		}
		ids[d.ID] = true
	}
	warnStaleSkips(skip, ids)
	log.Printf("enumerated %d samples (%d skip-listed)", len(descs), skip.Len())
	return descs, nil
}

// warnStaleSkips flags skip entries that match no enumerated sample,
// suggesting the closest real ID for likely typos.
func warnStaleSkips(skip *SkipList, ids map[string]bool) {
	for _, entry := range skip.IDs() {
		if ids[entry] {
			continue
		}
		closest, best := "", -1
		for id := range ids {
			if d := matchr.Levenshtein(entry, id); best < 0 || d < best {
				closest, best = id, d
			}
		}
		if closest != "" {
			log.Error.Printf("skip list entry %q matches no sample (closest is %q)", entry, closest)
		} else {
			log.Error.Printf("skip list entry %q matches no sample", entry)
		}
	}
}
