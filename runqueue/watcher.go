package runqueue

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/seqflow/sample"
)

const defaultRescan = 5 * time.Second

// Watcher observes the admitted directory and emits each admitted sample
// exactly once on its output channel. It reacts to filesystem notifications
// and also rescans on a coarse ticker, so a missed notification only delays
// an emission, never loses it.
type Watcher struct {
	store    *Store
	interval time.Duration
	out      chan sample.Descriptor
	seen     map[string]bool
}

// NewWatcher returns a watcher over store's admitted directory. rescan <= 0
// takes a default.
func NewWatcher(store *Store, rescan time.Duration) *Watcher {
	if rescan <= 0 {
		rescan = defaultRescan
	}
	return &Watcher{
		store:    store,
		interval: rescan,
		out:      make(chan sample.Descriptor, 16),
		seen:     make(map[string]bool),
	}
}

// C returns the channel of admitted samples. It is closed when Watch
// returns.
func (w *Watcher) C() <-chan sample.Descriptor { return w.out }

// Watch blocks, emitting admitted samples until ctx is done. Cancellation
// is the normal shutdown path and returns nil.
func (w *Watcher) Watch(ctx context.Context) error {
	defer close(w.out)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.E(err, "queue watcher")
	}
	defer fsw.Close() // nolint: errcheck
	dir := w.store.Dir(Admitted)
	if err := fsw.Add(dir); err != nil {
		return errors.E(err, "watch "+dir)
	}
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	// The initial scan picks up items admitted before the watch started,
	// the seeded batch in particular.
	if err := w.emit(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-fsw.Events:
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.emit(ctx); err != nil {
				return err
			}
		case err := <-fsw.Errors:
			log.Error.Printf("queue watcher: %v", err)
		case <-tick.C:
			if err := w.emit(ctx); err != nil {
				return err
			}
		}
	}
}

// emit sends every not-yet-seen admitted item. Items a concurrent Advance
// retires mid-scan are skipped by List and picked up as done; items moved
// in are found by the next event or tick.
func (w *Watcher) emit(ctx context.Context) error {
	descs, err := w.store.List(Admitted)
	if err != nil {
		return err
	}
	for _, desc := range descs {
		if w.seen[desc.ID] {
			continue
		}
		w.seen[desc.ID] = true
		log.Debug.Printf("queue watcher: observed %s", desc.ID)
		select {
		case w.out <- desc:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
