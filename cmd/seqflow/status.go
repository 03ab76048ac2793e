package main

import (
	"fmt"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/seqflow/pipeline"
	"github.com/grailbio/seqflow/runqueue"
	"v.io/x/lib/cmdline"
)

// status prints the work queue as TSV, one row per work item: location,
// sample ID, origin.
func status(env *cmdline.Env, configPath string) error {
	cfg, err := pipeline.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Workdir == "" {
		return fmt.Errorf("%s: workdir is not set", configPath)
	}
	store, err := runqueue.OpenStore(pipeline.NewLayout(cfg).QueueDir(), nil)
	if err != nil {
		return err
	}
	w := tsv.NewWriter(env.Stdout)
	for _, loc := range []runqueue.Location{runqueue.Staged, runqueue.Admitted, runqueue.Done} {
		descs, err := store.List(loc)
		if err != nil {
			return err
		}
		for _, desc := range descs {
			w.WriteString(loc.String())
			w.WriteString(desc.ID)
			w.WriteString(desc.Origin.String())
			if err := w.EndLine(); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}
