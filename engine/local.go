package engine

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// LocalOpts configures a Local engine.
type LocalOpts struct {
	// Parallelism bounds how many tasks run at once. It is independent of
	// the admission bound: a single admitted sample can fan out into
	// several concurrent stages.
	Parallelism int
	// Retries is the number of additional attempts after a failure.
	Retries int
	// RetryInitial and RetryMax shape the backoff between attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// LogDir receives one combined-output log per task. "" discards
	// command output.
	LogDir string
}

// DefaultLocalOpts is a reasonable configuration for a workstation run.
var DefaultLocalOpts = LocalOpts{
	Parallelism:  runtime.NumCPU(),
	Retries:      1,
	RetryInitial: 10 * time.Second,
	RetryMax:     2 * time.Minute,
}

// Local runs tasks as local subprocesses.
type Local struct {
	opts    LocalOpts
	sem     chan struct{}
	policy  retry.Policy
	session string

	mkdir    sync.Once
	mkdirErr error
}

// NewLocal returns a Local engine. Zero opts fields take defaults.
func NewLocal(opts LocalOpts) *Local {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultLocalOpts.Parallelism
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = DefaultLocalOpts.RetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultLocalOpts.RetryMax
	}
	return &Local{
		opts:    opts,
		sem:     make(chan struct{}, opts.Parallelism),
		policy:  retry.Backoff(opts.RetryInitial, opts.RetryMax, 2),
		session: uuid.New().String()[:8],
	}
}

// Run implements Engine.
func (l *Local) Run(ctx context.Context, task Task) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()
	for attempt := 0; ; attempt++ {
		err := l.runOnce(ctx, task, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= l.opts.Retries {
			if l.opts.Retries > 0 {
				return errors.E(err, fmt.Sprintf("%s: failed %d attempts", task, attempt+1))
			}
			return err
		}
		log.Error.Printf("%s: attempt %d failed: %v", task, attempt+1, err)
		if werr := retry.Wait(ctx, l.policy, attempt); werr != nil {
			return werr
		}
	}
}

func (l *Local) runOnce(ctx context.Context, task Task, attempt int) error {
	if len(task.Argv) == 0 {
		return errors.E("empty command for " + task.String())
	}
	cmd := exec.CommandContext(ctx, task.Argv[0], task.Argv[1:]...)
	cmd.Dir = task.Dir

	logw, closeLog, err := l.logWriter(task, attempt)
	if err != nil {
		return err
	}
	defer closeLog()
	cmd.Stderr = logw
	cmd.Stdout = logw
	if task.Stdout != "" {
		out, err := os.Create(task.Stdout)
		if err != nil {
			return errors.E(err, task.String()+": create stdout file")
		}
		defer out.Close() // nolint: errcheck
		cmd.Stdout = out
	}

	log.Printf("%s: exec: %s", task, task.Command())
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return errors.E(err, fmt.Sprintf("%s: %s", task, task.Argv[0]))
	}
	log.Debug.Printf("%s: done in %s", task, time.Since(start).Round(time.Millisecond))
	return nil
}

// logWriter returns the combined-output destination for one attempt. All
// attempts of a task append to the same file under a session-scoped
// directory, separated by headers.
func (l *Local) logWriter(task Task, attempt int) (io.Writer, func(), error) {
	if l.opts.LogDir == "" {
		return ioutil.Discard, func() {}, nil
	}
	dir := filepath.Join(l.opts.LogDir, l.session)
	l.mkdir.Do(func() { l.mkdirErr = os.MkdirAll(dir, 0777) })
	if l.mkdirErr != nil {
		return nil, nil, errors.E(l.mkdirErr, "create log directory "+dir)
	}
	path := filepath.Join(dir, task.Sample+"."+task.Stage+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, nil, errors.E(err, "open task log "+path)
	}
	fmt.Fprintf(f, "=== attempt %d: %s\n", attempt+1, task.Command())
	return f, func() { f.Close() }, nil // nolint: errcheck
}

// LogPath returns where the task's output log lives, for error messages.
func (l *Local) LogPath(task Task) string {
	if l.opts.LogDir == "" {
		return ""
	}
	return filepath.Join(l.opts.LogDir, l.session, task.Sample+"."+task.Stage+".log")
}
