package runqueue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// LockOpts bounds how long an acquisition may poll for a held lock.
type LockOpts struct {
	// Attempts caps the number of acquisition tries. Exhausting the cap is
	// a fatal condition for the run.
	Attempts int
	// Initial and Max shape the exponential backoff between tries.
	Initial time.Duration
	Max     time.Duration
}

// DefaultLockOpts waits on the order of hours before declaring the queue
// lock unobtainable.
var DefaultLockOpts = LockOpts{
	Attempts: 6000,
	Initial:  time.Second,
	Max:      15 * time.Second,
}

// A Lock is an exclusive, crash-visible lock backed by an O_EXCL-created
// file. It guards the queue's admitted/done transitions across processes.
// A lock left behind by a dead process is removed by Break during resume
// repair, never during acquisition.
type Lock struct {
	path   string
	opts   LockOpts
	policy retry.Policy
}

// NewLock returns a lock at path. Zero opts fields take defaults.
func NewLock(path string, opts LockOpts) *Lock {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultLockOpts.Attempts
	}
	if opts.Initial <= 0 {
		opts.Initial = DefaultLockOpts.Initial
	}
	if opts.Max <= 0 {
		opts.Max = DefaultLockOpts.Max
	}
	return &Lock{
		path:   path,
		opts:   opts,
		policy: retry.Backoff(opts.Initial, opts.Max, 1.5),
	}
}

// Acquire takes the lock, polling with backoff while another holder exists.
// It fails when the attempt cap is exhausted or ctx is done; callers must
// treat that as fatal to the run, not retry around it.
func (l *Lock) Acquire(ctx context.Context) error {
	for n := 0; ; n++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0666)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			if n > 0 {
				log.Debug.Printf("queue lock: acquired after %d attempts", n+1)
			}
			return f.Close()
		}
		if !os.IsExist(err) {
			return errors.E(err, "create queue lock "+l.path)
		}
		if n+1 >= l.opts.Attempts {
			return errors.E(fmt.Sprintf("could not obtain queue lock %s after %d attempts", l.path, l.opts.Attempts))
		}
		if err := retry.Wait(ctx, l.policy, n); err != nil {
			return errors.E(err, "waiting for queue lock "+l.path)
		}
	}
}

// Release drops the lock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil {
		return errors.E(err, "release queue lock "+l.path)
	}
	return nil
}

// Break removes a leftover lock file, reporting whether one existed. Only
// resume repair may call this, before any concurrent holder can exist.
func (l *Lock) Break() (bool, error) {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.E(err, "break queue lock "+l.path)
	}
	return true, nil
}
