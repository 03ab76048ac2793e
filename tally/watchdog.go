package tally

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
)

// A Watchdog periodically reports expectations that have stalled: keys that
// stopped receiving signals long before reaching their expected count. A
// stalled key would otherwise hang its sample silently, since the tally
// itself has no timeouts.
//
// By default the watchdog only warns, because legitimate stages (large
// archive downloads in particular) can run for a long time. Setting Fail
// makes a sufficiently old stall abort the run through OnFail.
type Watchdog struct {
	Tally *Tally
	// Warn is the age at which a pending key is logged. <= 0 takes a
	// default of 30 minutes.
	Warn time.Duration
	// Fail, if positive, is the age at which OnFail is invoked.
	Fail time.Duration
	// Period is the check interval. <= 0 takes one minute.
	Period time.Duration
	// OnFail receives the over-age keys. The watchdog stops afterwards.
	OnFail func([]Pending)
}

// Run blocks until ctx is done or OnFail fires.
func (w *Watchdog) Run(ctx context.Context) {
	warn := w.Warn
	if warn <= 0 {
		warn = 30 * time.Minute
	}
	period := w.Period
	if period <= 0 {
		period = time.Minute
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		pending := w.Tally.Pending(warn)
		for _, p := range pending {
			log.Error.Printf("tally: %s stalled for %s (%d of %d signals)",
				p.Key, p.Age.Round(time.Second), p.Received, p.Expected)
		}
		if w.Fail <= 0 || w.OnFail == nil {
			continue
		}
		var late []Pending
		for _, p := range pending {
			if p.Age >= w.Fail {
				late = append(late, p)
			}
		}
		if len(late) > 0 {
			w.OnFail(late)
			return
		}
	}
}
