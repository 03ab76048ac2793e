package main

// seqflow schedules RNA-seq sample pipelines: it admits samples from an
// on-disk work queue, carries each through download, merge, QC, and
// quantification, and reclaims intermediate disk space as stages finish.
//
// Usage: seqflow run config.yaml

import (
	"fmt"
	"log"

	"github.com/grailbio/base/cmdutil"
	"v.io/x/lib/cmdline"
)

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "run",
		Short:    "Run the pipeline over the configured samples",
		ArgsName: "config.yaml",
	}
	flags := runFlags{
		queueSize: cmd.Flags.Int("queue-size", 0, "Override the configured admission bound"),
		workdir:   cmd.Flags.String("workdir", "", "Override the configured work directory"),
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("run takes one config argument, but got %v", argv)
		}
		return run(flags, argv[0])
	})
	return cmd
}

func newCmdStatus() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "status",
		Short:    "Show the work queue occupancy",
		ArgsName: "config.yaml",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 1 {
			return fmt.Errorf("status takes one config argument, but got %v", argv)
		}
		return status(env, argv[0])
	})
	return cmd
}

func newCmdReclaim() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "reclaim",
		Short:    "Free the disk space of files while keeping their size and timestamps",
		ArgsName: "path...",
	}
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) == 0 {
			return fmt.Errorf("reclaim takes one or more paths")
		}
		return reclaimPaths(env, argv)
	})
	return cmd
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(
		&cmdline.Command{
			Name:     "seqflow",
			Short:    "Scheduler for RNA-seq sample pipelines",
			LookPath: false,
			Children: []*cmdline.Command{
				newCmdRun(),
				newCmdStatus(),
				newCmdReclaim(),
			},
		})
}
