package runqueue

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/seqflow/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectOne(t *testing.T, c <-chan sample.Descriptor) sample.Descriptor {
	t.Helper()
	select {
	case d, ok := <-c:
		require.True(t, ok, "watcher channel closed early")
		return d
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for admitted sample")
	}
	panic("unreachable")
}

func TestWatcherEmitsExactlyOnce(t *testing.T) {
	store, cleanup := tempStore(t, nil)
	defer cleanup()
	stageN(t, store, 3)
	ctrl := NewController(store, testLock(store), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := ctrl.Seed(ctx)
	require.NoError(t, err)

	w := NewWatcher(store, 20*time.Millisecond)
	watchDone := make(chan error, 1)
	go func() { watchDone <- w.Watch(ctx) }()

	var got []string
	d := collectOne(t, w.C())
	got = append(got, d.ID)

	// Each completion admits the next sample; the watcher must emit it
	// exactly once, with no re-emission of earlier items on rescans.
	for i := 0; i < 2; i++ {
		next, _, err := ctrl.Advance(ctx, d.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		d = collectOne(t, w.C())
		got = append(got, d.ID)
	}
	_, terminal, err := ctrl.Advance(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, terminal)

	// Give the rescan ticker a few rounds to prove nothing re-emits.
	select {
	case extra, ok := <-w.C():
		if ok {
			t.Fatalf("unexpected re-emission of %s", extra.ID)
		}
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, []string{"s01", "s02", "s03"}, got)

	cancel()
	require.NoError(t, <-watchDone)
	_, ok := <-w.C()
	assert.False(t, ok, "channel must close after Watch returns")
}

func TestWatcherSeesPreexistingItems(t *testing.T) {
	store, cleanup := tempStore(t, nil)
	defer cleanup()
	stageN(t, store, 2)
	ctrl := NewController(store, testLock(store), 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Admissions happen before the watcher starts; the initial scan must
	// pick them all up.
	_, err := ctrl.Seed(ctx)
	require.NoError(t, err)

	w := NewWatcher(store, time.Hour) // rescans disabled in practice
	go w.Watch(ctx)                   // nolint: errcheck

	ids := map[string]bool{}
	for i := 0; i < 2; i++ {
		ids[collectOne(t, w.C()).ID] = true
	}
	assert.True(t, ids["s01"] && ids["s02"])
}
