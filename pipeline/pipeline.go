package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/seqflow/engine"
	"github.com/grailbio/seqflow/fastq"
	"github.com/grailbio/seqflow/reclaim"
	"github.com/grailbio/seqflow/runqueue"
	"github.com/grailbio/seqflow/sample"
	"github.com/grailbio/seqflow/tally"
)

// Pipeline owns one run: the admission queue, the completion tally, the
// reclaimer, and the engine executing the stages.
type Pipeline struct {
	cfg    *Config
	tool   Tool
	layout Layout
	stages stageSet
	skip   *sample.SkipList

	store *runqueue.Store
	lock  *runqueue.Lock
	ctrl  *runqueue.Controller
	tally *tally.Tally
	recl  *reclaim.Reclaimer
	eng   engine.Engine

	// check probes the sorted BAM's structure; tests substitute it.
	check func(string) error

	stop     context.CancelFunc
	fatal    errors.Once
	terminal int32
	failed   int32
	wg       sync.WaitGroup
}

// New builds a pipeline from a validated configuration, creating the queue
// layout under the work directory if missing.
func New(cfg *Config, eng engine.Engine) (*Pipeline, error) {
	tool, err := cfg.Tool()
	if err != nil {
		return nil, err
	}
	skip, err := sample.ReadSkipList(cfg.Skiplist)
	if err != nil {
		return nil, err
	}
	layout := NewLayout(cfg)
	store, err := runqueue.OpenStore(layout.QueueDir(), skip)
	if err != nil {
		return nil, err
	}
	lock := runqueue.NewLock(store.LockPath(), runqueue.DefaultLockOpts)
	return &Pipeline{
		cfg:    cfg,
		tool:   tool,
		layout: layout,
		stages: stageSet{cfg: cfg, layout: layout, tool: tool},
		skip:   skip,
		store:  store,
		lock:   lock,
		ctrl:   runqueue.NewController(store, lock, cfg.QueueSize),
		tally:  tally.New(),
		recl:   reclaim.New(cfg.Publish),
		eng:    eng,
		check:  quickCheck,
	}, nil
}

// Layout returns the pipeline's file layout.
func (p *Pipeline) Layout() Layout { return p.layout }

// Run drives the whole run: queue repair, enumeration, seeding, watching,
// per-sample flows, and post-processing. It returns once every sample has
// been retired and the aggregate outputs are assembled, or on the first
// fatal error.
func (p *Pipeline) Run(ctx context.Context) error {
	requeued, err := runqueue.Repair(p.store, p.lock)
	if err != nil {
		return err
	}
	if len(requeued) > 0 {
		log.Printf("requeued %d samples interrupted by the previous run", len(requeued))
	}
	if err := p.enqueue(ctx); err != nil {
		return err
	}
	staged, err := p.store.ListIDs(runqueue.Staged)
	if err != nil {
		return err
	}
	if len(staged) == 0 {
		done, err := p.store.ListIDs(runqueue.Done)
		if err != nil {
			return err
		}
		if len(done) == 0 {
			return errors.E("no samples to process")
		}
		// A previous run retired every sample; only the aggregate
		// outputs remain.
		log.Printf("all %d samples already done, skipping to post-processing", len(done))
		return p.postprocess(ctx)
	}
	if _, err := p.ctrl.Seed(ctx); err != nil {
		return err
	}

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()
	p.stop = stop

	dog := &tally.Watchdog{
		Tally: p.tally,
		Warn:  p.cfg.Stall.Warn,
		Fail:  p.cfg.Stall.Fail,
		OnFail: func(late []tally.Pending) {
			p.abort(fmt.Errorf("%d artifacts stalled past %s, aborting", len(late), p.cfg.Stall.Fail))
		},
	}
	go dog.Run(watchCtx)

	w := runqueue.NewWatcher(p.store, p.cfg.RescanInterval)
	watchErr := make(chan error, 1)
	go func() { watchErr <- w.Watch(watchCtx) }()

	for desc := range w.C() {
		p.wg.Add(1)
		go p.runSample(watchCtx, desc)
	}
	p.wg.Wait()
	if err := <-watchErr; err != nil {
		p.fatal.Set(err)
	}
	if err := p.fatal.Err(); err != nil {
		return err
	}
	if atomic.LoadInt32(&p.terminal) == 0 {
		// The watcher stopped without the queue draining, so the outer
		// context was canceled.
		return ctx.Err()
	}
	if err := p.postprocess(ctx); err != nil {
		return err
	}
	if n := atomic.LoadInt32(&p.failed); n > 0 {
		return fmt.Errorf("%d samples failed, see the stage logs under %s", n, p.layout.LogDir())
	}
	return nil
}

// enqueue enumerates the configured sources and writes every descriptor
// into the staged queue. Writes are idempotent across restarts, and the
// skip list is applied by the store.
func (p *Pipeline) enqueue(ctx context.Context) error {
	src := sample.Source{SheetPath: p.cfg.Samplesheet, RunsPath: p.cfg.Runlist}
	if len(p.cfg.Resolver) > 0 {
		src.Resolver = sample.NewCommandResolver(p.cfg.Resolver)
	}
	descs, err := sample.Enumerate(ctx, src, p.skip)
	if err != nil {
		return err
	}
	return traverse.Each(len(descs), func(i int) error {
		return p.store.Write(descs[i])
	})
}

// abort records the run's fatal error and stops the watcher and all
// per-sample flows.
func (p *Pipeline) abort(err error) {
	p.fatal.Set(err)
	p.stop()
}

// runSample carries one admitted sample from raw data to branch
// completion. It runs in its own goroutine; a stage failure retires the
// sample as failed while the rest of the run continues.
func (p *Pipeline) runSample(ctx context.Context, desc sample.Descriptor) {
	defer p.wg.Done()
	id := desc.ID
	log.Printf("sample %s: started (%s origin)", id, desc.Origin)
	for _, dir := range []string{p.layout.RunDir(id), p.layout.QCDir(id), p.layout.QuantDir(id)} {
		if err := os.MkdirAll(dir, 0777); err != nil {
			p.fail(ctx, id, errors.E(err, "sample "+id))
			return
		}
	}
	ready := make(chan struct{})
	for class, n := range expectations(p.tool, desc) {
		p.tally.Expect(tally.Key{Sample: id, Class: class}, n, p.fireFor(ctx, desc, class, ready))
	}

	// Metadata and raw-data preparation run concurrently. The branch
	// waits on the rendezvous, not on the goroutines: ready closes only
	// once both halves have signaled, in whichever order they land.
	prepCtx, cancelPrep := context.WithCancel(ctx)
	defer cancelPrep()
	var prepErr errors.Once
	var prep sync.WaitGroup
	prep.Add(2)
	go func() {
		defer prep.Done()
		if err := p.prepareMeta(prepCtx, desc); err != nil {
			prepErr.Set(err)
			cancelPrep()
		}
	}()
	go func() {
		defer prep.Done()
		if err := p.prepareData(prepCtx, desc); err != nil {
			prepErr.Set(err)
			cancelPrep()
		}
	}()
	select {
	case <-ready:
	case <-prepCtx.Done():
		prep.Wait()
		if err := prepErr.Err(); err != nil {
			p.fail(ctx, id, err)
		}
		return
	}
	prep.Wait()

	if err := p.runBranch(ctx, desc); err != nil {
		p.fail(ctx, id, err)
		return
	}
	p.tally.Signal(tally.Key{Sample: id, Class: ClassSample})
}

// fireFor returns the callback run when class's last consumer signals.
func (p *Pipeline) fireFor(ctx context.Context, desc sample.Descriptor, class string, ready chan struct{}) func() {
	id := desc.ID
	switch class {
	case ClassReady:
		return func() { close(ready) }
	case ClassSample:
		return func() {
			log.Printf("sample %s: completed", id)
			p.complete(ctx, id)
		}
	case ClassSRA:
		paths := p.layout.SRAPaths(id, desc.Runs())
		return func() { p.recl.Class(ClassSRA, paths...) }
	case ClassParts:
		paths := p.layout.PartPaths(id, desc.Runs())
		return func() { p.recl.Class(ClassParts, paths...) }
	case ClassReads:
		path := p.layout.ReadsPath(id)
		return func() { p.recl.Class(ClassReads, path) }
	case ClassSAM:
		path := p.layout.SAMPath(id)
		return func() { p.recl.Class(ClassSAM, path) }
	case ClassSortedBAM:
		path := p.layout.SortedBAMPath(id)
		return func() { p.recl.Class(ClassSortedBAM, path) }
	}
	log.Panicf("no callback for artifact class %s", class)
	return nil
}

// complete retires id and admits the next staged sample. Terminal state,
// reached when the retire leaves the queue empty, stops the watcher so Run
// can move on to post-processing.
func (p *Pipeline) complete(ctx context.Context, id string) {
	_, terminal, err := p.ctrl.Advance(ctx, id)
	if err != nil {
		p.abort(err)
		return
	}
	if terminal {
		atomic.StoreInt32(&p.terminal, 1)
		p.stop()
	}
}

// fail retires a sample whose stages gave up. Its pending expectations are
// dropped so the watchdog does not report them forever, the work item
// still moves to done so the queue drains, and the slot is released for
// the next sample.
func (p *Pipeline) fail(ctx context.Context, id string, err error) {
	if ctx.Err() != nil {
		// The run is shutting down; cancellation is not this sample's
		// failure.
		return
	}
	atomic.AddInt32(&p.failed, 1)
	log.Error.Printf("sample %s: failed: %v", id, err)
	if n := p.tally.Forget(id); n > 0 {
		log.Debug.Printf("sample %s: dropped %d pending expectations", id, n)
	}
	p.complete(ctx, id)
}

// prepareMeta writes the sample's metadata table and signals its half of
// the rendezvous. One row per source: run accessions for remote samples,
// input paths for local ones.
func (p *Pipeline) prepareMeta(ctx context.Context, desc sample.Descriptor) error {
	id := desc.ID
	out, err := file.Create(ctx, p.layout.MetaPath(id))
	if err != nil {
		return errors.E(err, "metadata for "+id)
	}
	w := tsv.NewWriter(out.Writer(ctx))
	sources := desc.Paths()
	if desc.Origin == sample.Remote {
		sources = desc.Runs()
	}
	werr := func() error {
		for _, src := range sources {
			w.WriteString(id)
			w.WriteString(desc.Origin.String())
			w.WriteString(src)
			if err := w.EndLine(); err != nil {
				return err
			}
		}
		return w.Flush()
	}()
	if werr != nil {
		out.Close(ctx) // nolint: errcheck
		return errors.E(werr, "metadata for "+id)
	}
	if err := out.Close(ctx); err != nil {
		return err
	}
	p.tally.Signal(tally.Key{Sample: id, Class: ClassReady})
	return nil
}

// prepareData produces the sample's merged reads and signals the other
// half of the rendezvous. Remote samples are downloaded and extracted per
// run first; local samples merge their input files directly.
func (p *Pipeline) prepareData(ctx context.Context, desc sample.Descriptor) error {
	id := desc.ID
	parts := desc.Paths()
	if desc.Origin == sample.Remote {
		runs := desc.Runs()
		if err := traverse.Each(len(runs), func(i int) error {
			return p.eng.Run(ctx, p.stages.download(id, runs[i]))
		}); err != nil {
			return err
		}
		if err := traverse.Each(len(runs), func(i int) error {
			if err := p.eng.Run(ctx, p.stages.extract(id, runs[i])); err != nil {
				return err
			}
			p.tally.Signal(tally.Key{Sample: id, Class: ClassSRA})
			return nil
		}); err != nil {
			return err
		}
		parts = p.layout.PartPaths(id, runs)
	}
	if err := mergeReads(ctx, parts, p.layout.ReadsPath(id)); err != nil {
		return err
	}
	if desc.Origin == sample.Remote {
		p.tally.Signal(tally.Key{Sample: id, Class: ClassParts})
	}
	if p.cfg.ValidateSpots > 0 {
		n, err := fastq.Validate(p.layout.ReadsPath(id), p.cfg.ValidateSpots)
		if err != nil {
			return err
		}
		log.Debug.Printf("sample %s: merged reads pass validation (%d spots)", id, n)
	}
	p.tally.Signal(tally.Key{Sample: id, Class: ClassReady})
	return nil
}
