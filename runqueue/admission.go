package runqueue

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/seqflow/sample"
)

// Controller enforces the admission bound: at most queueSize samples hold
// an admitted slot at any instant.
type Controller struct {
	store *Store
	lock  *Lock
	size  int
}

// NewController returns a controller over store guarded by lock.
func NewController(store *Store, lock *Lock, queueSize int) *Controller {
	return &Controller{store: store, lock: lock, size: queueSize}
}

// Seed performs the cold-start admission: it moves up to the queue bound of
// staged items, in admission order, into admitted. Seeding runs before any
// concurrent completions exist, so it does not take the lock.
func (c *Controller) Seed(ctx context.Context) ([]sample.Descriptor, error) {
	staged, err := c.store.List(Staged)
	if err != nil {
		return nil, err
	}
	n := c.size
	if len(staged) < n {
		n = len(staged)
	}
	for _, desc := range staged[:n] {
		if err := c.store.Move(desc.ID, Staged, Admitted); err != nil {
			return nil, err
		}
	}
	log.Printf("admission: seeded %d of %d staged samples (queue size %d)", n, len(staged), c.size)
	return staged[:n], nil
}

// Advance retires one completed sample and admits the next staged one, all
// under the queue lock. The retire precedes the admit, so the admitted
// count never exceeds the bound even transiently. Advance reports terminal
// true when, after the retire, no staged or admitted work remains.
//
// A lock acquisition failure is fatal: the caller must stop the run. Work
// already in done stays valid for a later resume.
func (c *Controller) Advance(ctx context.Context, completed string) (next *sample.Descriptor, terminal bool, err error) {
	if err := c.lock.Acquire(ctx); err != nil {
		return nil, false, err
	}
	defer func() {
		if rerr := c.lock.Release(); rerr != nil && err == nil {
			next, terminal, err = nil, false, rerr
		}
	}()
	if err := c.store.Move(completed, Admitted, Done); err != nil {
		return nil, false, err
	}
	staged, err := c.store.ListIDs(Staged)
	if err != nil {
		return nil, false, err
	}
	if len(staged) > 0 {
		id := staged[0]
		desc, err := c.store.Read(Staged, id)
		if err != nil {
			return nil, false, err
		}
		if err := c.store.Move(id, Staged, Admitted); err != nil {
			return nil, false, err
		}
		log.Printf("admission: %s admitted after %s", id, completed)
		return &desc, false, nil
	}
	admitted, err := c.store.ListIDs(Admitted)
	if err != nil {
		return nil, false, err
	}
	if len(admitted) == 0 {
		log.Printf("admission: %s was the last sample, queue drained", completed)
		return nil, true, nil
	}
	return nil, false, nil
}

// QueueSize returns the admission bound.
func (c *Controller) QueueSize() int { return c.size }
