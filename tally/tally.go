// Package tally counts completion signals against expected consumer counts.
//
// Every large artifact a sample produces (merged FASTQ, SAM, sorted BAM) is
// read by a known number of downstream consumers. That number is derived
// from the active branch configuration when the sample is admitted, and a
// callback, typically disk reclamation, must fire exactly once when the
// last consumer finishes, no matter how consumer completions interleave
// across goroutines. Whole-sample completion uses the same mechanism with
// an expected count of one.
package tally

import (
	"sort"
	"sync"
	"time"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
)

const numShards = 256

// Key identifies one reference-counted artifact class of one sample.
type Key struct {
	Sample string
	Class  string
}

// String returns "sample/class".
func (k Key) String() string { return k.Sample + "/" + k.Class }

func (k Key) shard() int {
	h := seahash.Sum64(gunsafe.StringToBytes(k.Sample)) ^ seahash.Sum64(gunsafe.StringToBytes(k.Class))
	return int(h % uint64(numShards))
}

type counter struct {
	expected int
	received int
	fire     func()
	created  time.Time
}

type shard struct {
	mu       sync.Mutex
	counters map[Key]*counter
}

// A Tally is a sharded arena of completion counters. Keys on different
// shards never contend; signals for the same key serialize on one mutex.
type Tally struct {
	shards [numShards]shard
}

// New returns an empty tally.
func New() *Tally {
	t := &Tally{}
	for i := 0; i < len(t.shards); i++ {
		t.shards[i].counters = make(map[Key]*counter)
	}
	return t
}

// Expect registers key with the number of completion signals it must
// receive. fire is invoked exactly once, by the goroutine delivering the
// final signal, after the counter has been removed; a fire that signals
// other keys therefore cannot deadlock. Registering a live key again is a
// programming error.
func (t *Tally) Expect(key Key, expected int, fire func()) {
	if expected <= 0 {
		log.Panicf("tally: expectation for %s must be positive, got %d", key, expected)
	}
	s := &t.shards[key.shard()]
	s.mu.Lock()
	if _, ok := s.counters[key]; ok {
		s.mu.Unlock()
		log.Panicf("tally: duplicate expectation for %s", key)
	}
	s.counters[key] = &counter{expected: expected, fire: fire, created: time.Now()}
	s.mu.Unlock()
}

// Signal records one consumer completion for key. The signal completing the
// expectation removes the counter and fires its callback; later signals for
// the same key are unknown. Signals for unknown keys are logged loudly and
// dropped: they indicate a consumer the expectation table does not know
// about, but they must not take down the run.
func (t *Tally) Signal(key Key) {
	s := &t.shards[key.shard()]
	s.mu.Lock()
	c, ok := s.counters[key]
	if !ok {
		s.mu.Unlock()
		log.Error.Printf("tally: signal for unknown key %s", key)
		return
	}
	c.received++
	received, done := c.received, c.received == c.expected
	if done {
		delete(s.counters, key)
	}
	s.mu.Unlock()
	log.Debug.Printf("tally: %s %d/%d", key, received, c.expected)
	if done && c.fire != nil {
		c.fire()
	}
}

// Forget drops every pending expectation belonging to sample and returns
// how many were dropped. It is used when a sample fails permanently, so
// its dangling counters neither fire nor trip the stall watchdog.
func (t *Tally) Forget(sampleID string) int {
	n := 0
	for i := 0; i < len(t.shards); i++ {
		s := &t.shards[i]
		s.mu.Lock()
		for k := range s.counters {
			if k.Sample == sampleID {
				delete(s.counters, k)
				n++
			}
		}
		s.mu.Unlock()
	}
	return n
}

// A Pending describes one unfinished expectation.
type Pending struct {
	Key      Key
	Expected int
	Received int
	Age      time.Duration
}

// Pending returns the expectations that have been outstanding for at least
// olderThan, oldest first.
func (t *Tally) Pending(olderThan time.Duration) []Pending {
	now := time.Now()
	var out []Pending
	for i := 0; i < len(t.shards); i++ {
		s := &t.shards[i]
		s.mu.Lock()
		for k, c := range s.counters {
			if age := now.Sub(c.created); age >= olderThan {
				out = append(out, Pending{Key: k, Expected: c.expected, Received: c.received, Age: age})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Age != out[j].Age {
			return out[i].Age > out[j].Age
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Len returns the number of live expectations. It is exact only when no
// other goroutine is using the tally.
func (t *Tally) Len() int {
	n := 0
	for i := 0; i < len(t.shards); i++ {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.counters)
		s.mu.Unlock()
	}
	return n
}
