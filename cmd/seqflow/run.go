package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/seqflow/engine"
	"github.com/grailbio/seqflow/pipeline"
)

type runFlags struct {
	queueSize *int
	workdir   *string
}

// run loads the configuration, applies command line overrides, and drives
// the pipeline to completion. SIGINT and SIGTERM cancel the run; admitted
// samples stay in the queue and are requeued by the next run.
func run(flags runFlags, configPath string) error {
	cfg, err := pipeline.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if *flags.queueSize > 0 {
		cfg.QueueSize = *flags.queueSize
	}
	if *flags.workdir != "" {
		cfg.Workdir = *flags.workdir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(vcontext.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-stop:
			log.Error.Printf("received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	layout := pipeline.NewLayout(cfg)
	eng := engine.NewLocal(engine.LocalOpts{
		Parallelism: cfg.Engine.Parallelism,
		Retries:     cfg.Engine.Retries,
		LogDir:      layout.LogDir(),
	})
	p, err := pipeline.New(cfg, eng)
	if err != nil {
		return err
	}
	return p.Run(ctx)
}
