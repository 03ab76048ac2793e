package main

import (
	"fmt"

	"github.com/grailbio/seqflow/reclaim"
	"v.io/x/lib/cmdline"
)

// reclaimPaths hollows out each named file in place, reporting the bytes
// freed. Useful for recovering space from published artifacts once they
// have been copied elsewhere.
func reclaimPaths(env *cmdline.Env, paths []string) error {
	var total int64
	for _, path := range paths {
		freed, err := reclaim.File(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "%s\t%d\n", path, freed)
		total += freed
	}
	fmt.Fprintf(env.Stdout, "total\t%d\n", total)
	return nil
}
