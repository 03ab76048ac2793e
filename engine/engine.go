// Package engine runs the pipeline's black-box stage commands. The core
// scheduler decides when a sample may run and what must happen to its
// artifacts; the engine only executes the named commands with bounded
// parallelism and per-stage retry.
package engine

import (
	"context"
	"strings"
)

// A Task is one stage invocation on behalf of a sample.
type Task struct {
	// Sample is the owning sample ID ("aggregate" for whole-run stages).
	Sample string
	// Stage is the short stage name, e.g. "hisat2" or "merge".
	Stage string
	// Argv is the command and its arguments.
	Argv []string
	// Dir is the working directory; "" inherits the process directory.
	Dir string
	// Stdout, when set, captures the command's standard output into the
	// named file. Tools like samtools flagstat report results on stdout.
	Stdout string
}

// String returns "sample:stage".
func (t Task) String() string { return t.Sample + ":" + t.Stage }

// Command returns the argv as a printable command line.
func (t Task) Command() string { return strings.Join(t.Argv, " ") }

// An Engine runs tasks to completion. Run blocks until the task finishes,
// is abandoned after retries, or ctx is done. Implementations must be safe
// for concurrent use.
type Engine interface {
	Run(ctx context.Context, task Task) error
}
