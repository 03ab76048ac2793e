package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/seqflow/engine"
	"github.com/grailbio/seqflow/runqueue"
	"github.com/grailbio/seqflow/sample"
	"github.com/grailbio/testutil"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine runs stages in-process, producing just enough real output for
// the downstream readers. It records completions and tracks how many
// distinct samples are active at once.
type fakeEngine struct {
	layout Layout

	mu     sync.Mutex
	ran    []string         // task names in completion order
	argvs  map[string][]string
	fail   map[string]bool  // task names that fail permanently
	active map[string]int
	peak   int
}

func newFakeEngine(layout Layout) *fakeEngine {
	return &fakeEngine{
		layout: layout,
		argvs:  make(map[string][]string),
		fail:   make(map[string]bool),
		active: make(map[string]int),
	}
}

func (e *fakeEngine) enter(task engine.Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[task.Sample]++
	if len(e.active) > e.peak {
		e.peak = len(e.active)
	}
}

func (e *fakeEngine) exit(task engine.Task, failed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[task.Sample]--
	if e.active[task.Sample] == 0 {
		delete(e.active, task.Sample)
	}
	if !failed {
		e.ran = append(e.ran, task.String())
		e.argvs[task.String()] = task.Argv
	}
}

func (e *fakeEngine) Run(ctx context.Context, task engine.Task) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	e.enter(task)
	time.Sleep(2 * time.Millisecond)
	e.mu.Lock()
	failed := e.fail[task.String()]
	e.mu.Unlock()
	if failed {
		e.exit(task, true)
		return errors.New(task.String() + ": injected failure")
	}
	err := e.produce(task)
	e.exit(task, err != nil)
	return err
}

// produce writes the files the stage's real counterpart would leave
// behind.
func (e *fakeEngine) produce(task engine.Task) error {
	id := task.Sample
	switch {
	case strings.HasPrefix(task.Stage, "download."):
		run := strings.TrimPrefix(task.Stage, "download.")
		return ioutil.WriteFile(e.layout.SRAPath(id, run), []byte("sra-archive-"+run), 0666)
	case strings.HasPrefix(task.Stage, "extract."):
		run := strings.TrimPrefix(task.Stage, "extract.")
		return writeFASTQGz(e.layout.PartPath(id, run), run, 2)
	case task.Stage == "fastqc":
		return ioutil.WriteFile(filepath.Join(e.layout.QCDir(id), id+"_fastqc.html"), []byte("<html>qc</html>"), 0666)
	case task.Stage == "align":
		return ioutil.WriteFile(e.layout.SAMPath(id), []byte("@HD\tVN:1.6\nread1\t0\tchr1\n"), 0666)
	case task.Stage == "sort":
		return ioutil.WriteFile(e.layout.SortedBAMPath(id), []byte("sorted-bam-bytes"), 0666)
	case task.Stage == "counts":
		return ioutil.WriteFile(e.layout.CountsPath(id), []byte("gene\tcount\ng1\t7\n"), 0666)
	case task.Stage == "flagstat":
		return ioutil.WriteFile(task.Stdout, []byte("16 + 0 in total\n"), 0666)
	case task.Stage == "quant":
		return ioutil.WriteFile(filepath.Join(e.layout.QuantDir(id), "abundance.tsv"), []byte("target\ttpm\nt1\t1.5\n"), 0666)
	case task.Stage == "matrix", task.Stage == "report":
		return ioutil.WriteFile(filepath.Join(e.layout.ResultsDir(), task.Stage+".out"), []byte(task.Stage), 0666)
	}
	return fmt.Errorf("fake engine: unexpected stage %s", task.Stage)
}

func (e *fakeEngine) count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.ran {
		if r == name {
			n++
		}
	}
	return n
}

func (e *fakeEngine) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string{}, e.ran...)
}

func writeFASTQGz(path, tag string, n int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := gzip.NewWriter(f)
	for i := 0; i < n; i++ {
		fmt.Fprintf(w, "@%s.%d\nACGTACGT\n+\nIIIIIIII\n", tag, i)
	}
	if err := w.Close(); err != nil {
		f.Close() // nolint: errcheck
		return err
	}
	return f.Close()
}

// localSheet writes real FASTQ inputs and a samplesheet naming them, files
// inputs per sample.
func localSheet(t *testing.T, dir string, ids []string, files int) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "inputs"), 0777))
	var sheet bytes.Buffer
	for _, id := range ids {
		var paths []string
		for i := 0; i < files; i++ {
			path := filepath.Join(dir, "inputs", fmt.Sprintf("%s_%d.fastq.gz", id, i))
			require.NoError(t, writeFASTQGz(path, id, 2))
			paths = append(paths, path)
		}
		fmt.Fprintf(&sheet, "%s\t%s\n", id, strings.Join(paths, "::"))
	}
	path := filepath.Join(dir, "samples.tsv")
	require.NoError(t, ioutil.WriteFile(path, sheet.Bytes(), 0666))
	return path
}

func baseConfig(dir string) *Config {
	cfg := DefaultConfig()
	cfg.Workdir = dir
	cfg.QueueSize = 2
	cfg.RescanInterval = 50 * time.Millisecond
	cfg.Output.Formats = []string{"tsv"}
	cfg.Post.Matrix = []string{"assemble-matrix"}
	cfg.Post.Report = []string{"render-report"}
	return cfg
}

func newTestPipeline(t *testing.T, cfg *Config) (*Pipeline, *fakeEngine) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	eng := newFakeEngine(NewLayout(cfg))
	p, err := New(cfg, eng)
	require.NoError(t, err)
	p.check = func(path string) error {
		_, err := os.Stat(path)
		return err
	}
	return p, eng
}

func queueIDs(t *testing.T, p *Pipeline, loc runqueue.Location) []string {
	t.Helper()
	ids, err := p.store.ListIDs(loc)
	require.NoError(t, err)
	return ids
}

// assertReclaimed checks that path was hollowed out: its size is intact
// but its content reads as zeros.
func assertReclaimed(t *testing.T, path string) {
	t.Helper()
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err, path)
	require.True(t, len(data) > 0, "%s: empty, not hollowed", path)
	assert.True(t, bytes.Equal(data, make([]byte, len(data))), "%s: content survived reclaim", path)
}

// assertIntact checks that path still carries real bytes.
func assertIntact(t *testing.T, path string) {
	t.Helper()
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err, path)
	assert.False(t, bytes.Equal(data, make([]byte, len(data))), "%s: unexpectedly hollowed", path)
}

func TestRunLocalSalmon(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	cfg := baseConfig(dir)
	cfg.Samplesheet = localSheet(t, dir, []string{"s1", "s2", "s3"}, 2)
	cfg.Salmon = ToolConfig{Enable: true, Index: "/ref/salmon.idx"}
	p, eng := newTestPipeline(t, cfg)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"s1", "s2", "s3"}, queueIDs(t, p, runqueue.Done))
	assert.Empty(t, queueIDs(t, p, runqueue.Staged))
	assert.Empty(t, queueIDs(t, p, runqueue.Admitted))

	layout := p.Layout()
	for _, id := range []string{"s1", "s2", "s3"} {
		assert.Equal(t, 1, eng.count(id+":fastqc"), id)
		assert.Equal(t, 1, eng.count(id+":quant"), id)
		// The merged reads were consumed by both and hollowed out.
		assertReclaimed(t, layout.ReadsPath(id))
		// The user's input files are never touched.
		assertIntact(t, filepath.Join(dir, "inputs", id+"_0.fastq.gz"))
		assertIntact(t, filepath.Join(dir, "inputs", id+"_1.fastq.gz"))
		meta, err := ioutil.ReadFile(layout.MetaPath(id))
		require.NoError(t, err)
		assert.Contains(t, string(meta), id+"\tlocal\t")
	}

	// Post-processing ran once, matrix before report, with the results
	// directory and formats appended.
	assert.Equal(t, 1, eng.count("aggregate:matrix"))
	assert.Equal(t, 1, eng.count("aggregate:report"))
	names := eng.names()
	assert.Equal(t, "aggregate:report", names[len(names)-1])
	assert.Equal(t, []string{"assemble-matrix", layout.ResultsDir(), "tsv"}, eng.argvs["aggregate:matrix"])
	assert.Equal(t, []string{"render-report", layout.ResultsDir()}, eng.argvs["aggregate:report"])

	// Never more than queue_size distinct samples were in flight.
	assert.True(t, eng.peak <= cfg.QueueSize, "observed %d concurrent samples", eng.peak)
	assert.Equal(t, 0, p.tally.Len())
}

func TestRunRemoteHisat2(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	runlist := filepath.Join(dir, "runs.txt")
	require.NoError(t, ioutil.WriteFile(runlist, []byte("SRR1\nSRR2\nSRR3\n"), 0666))

	cfg := baseConfig(dir)
	cfg.Runlist = runlist
	cfg.Resolver = []string{"sh", "-c", `printf 's8\tSRR1 SRR2\ns9\tSRR3\n'`, "resolver"}
	cfg.Hisat2 = ToolConfig{Enable: true, Index: "/ref/grch38/genome"}
	cfg.GTF = "/ref/genes.gtf"
	p, eng := newTestPipeline(t, cfg)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"s8", "s9"}, queueIDs(t, p, runqueue.Done))

	layout := p.Layout()
	// s8 spans two runs; its archives and parts are gone once extraction
	// and merge consumed them.
	for _, run := range []string{"SRR1", "SRR2"} {
		assert.Equal(t, 1, eng.count("s8:download."+run))
		assert.Equal(t, 1, eng.count("s8:extract."+run))
		assertReclaimed(t, layout.SRAPath("s8", run))
		assertReclaimed(t, layout.PartPath("s8", run))
	}
	for _, id := range []string{"s8", "s9"} {
		assertReclaimed(t, layout.ReadsPath(id))
		assertReclaimed(t, layout.SAMPath(id))
		assertReclaimed(t, layout.SortedBAMPath(id))
		assertIntact(t, layout.CountsPath(id))
		assertIntact(t, layout.FlagstatPath(id))
		assert.Equal(t, 1, eng.count(id+":align"), id)
		assert.Equal(t, 1, eng.count(id+":sort"), id)
		assert.Equal(t, 1, eng.count(id+":counts"), id)
		assert.Equal(t, 1, eng.count(id+":flagstat"), id)
		meta, err := ioutil.ReadFile(layout.MetaPath(id))
		require.NoError(t, err)
		assert.Contains(t, string(meta), id+"\tremote\t")
	}
	assert.Equal(t, 0, p.tally.Len())
}

func TestRunPublishPolicy(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	cfg := baseConfig(dir)
	cfg.QueueSize = 1
	cfg.Samplesheet = localSheet(t, dir, []string{"s1"}, 1)
	cfg.Hisat2 = ToolConfig{Enable: true, Index: "/ref/grch38/genome"}
	cfg.GTF = "/ref/genes.gtf"
	cfg.Publish = map[string]bool{ClassReads: true, ClassSortedBAM: true}
	p, _ := newTestPipeline(t, cfg)

	require.NoError(t, p.Run(context.Background()))

	layout := p.Layout()
	assertIntact(t, layout.ReadsPath("s1"))
	assertIntact(t, layout.SortedBAMPath("s1"))
	assertReclaimed(t, layout.SAMPath("s1"))
}

func TestRunStageFailureReleasesSlot(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	cfg := baseConfig(dir)
	cfg.QueueSize = 1
	cfg.Samplesheet = localSheet(t, dir, []string{"s1", "s2", "s3"}, 1)
	cfg.Salmon = ToolConfig{Enable: true, Index: "/ref/salmon.idx"}
	p, eng := newTestPipeline(t, cfg)
	eng.fail["s2:quant"] = true

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 samples failed")

	// The failed sample is retired, not stuck: every sample reached done
	// and the ones after the failure still ran.
	assert.Equal(t, []string{"s1", "s2", "s3"}, queueIDs(t, p, runqueue.Done))
	assert.Equal(t, 1, eng.count("s1:quant"))
	assert.Equal(t, 0, eng.count("s2:quant"))
	assert.Equal(t, 1, eng.count("s3:quant"))

	// Post-processing still covered the survivors.
	assert.Equal(t, 1, eng.count("aggregate:matrix"))
	assert.Equal(t, 0, p.tally.Len())
}

func TestRunBootstrapSkipsToPostprocessing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	cfg := baseConfig(dir)
	cfg.Samplesheet = localSheet(t, dir, []string{"s1", "s2", "s3"}, 1)
	cfg.Salmon = ToolConfig{Enable: true, Index: "/ref/salmon.idx"}

	// A previous run finished everything: all work items sit in done.
	layout := NewLayout(cfg)
	seed, err := runqueue.OpenStore(layout.QueueDir(), nil)
	require.NoError(t, err)
	sheet, err := sample.ReadSheet(cfg.Samplesheet)
	require.NoError(t, err)
	for _, desc := range sheet {
		require.NoError(t, seed.Write(desc))
		require.NoError(t, seed.Move(desc.ID, runqueue.Staged, runqueue.Done))
	}

	p, eng := newTestPipeline(t, cfg)
	require.NoError(t, p.Run(context.Background()))

	// No per-sample stage ran, only the aggregate commands.
	assert.Equal(t, []string{"aggregate:matrix", "aggregate:report"}, eng.names())
	assert.Equal(t, []string{"s1", "s2", "s3"}, queueIDs(t, p, runqueue.Done))
}

func TestRunRepairsInterruptedQueue(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	cfg := baseConfig(dir)
	cfg.Samplesheet = localSheet(t, dir, []string{"s1", "s2", "s3"}, 1)
	cfg.Salmon = ToolConfig{Enable: true, Index: "/ref/salmon.idx"}

	// The previous run finished s1 and died while s2 was admitted.
	layout := NewLayout(cfg)
	seed, err := runqueue.OpenStore(layout.QueueDir(), nil)
	require.NoError(t, err)
	sheet, err := sample.ReadSheet(cfg.Samplesheet)
	require.NoError(t, err)
	for _, desc := range sheet {
		require.NoError(t, seed.Write(desc))
	}
	require.NoError(t, seed.Move("s1", runqueue.Staged, runqueue.Done))
	require.NoError(t, seed.Move("s2", runqueue.Staged, runqueue.Admitted))

	p, eng := newTestPipeline(t, cfg)
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"s1", "s2", "s3"}, queueIDs(t, p, runqueue.Done))
	// s1 was already done and must not rerun; s2 was requeued and must.
	assert.Equal(t, 0, eng.count("s1:quant"))
	assert.Equal(t, 1, eng.count("s2:quant"))
	assert.Equal(t, 1, eng.count("s3:quant"))
}

func TestRunSkipList(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	skiplist := filepath.Join(dir, "skip.txt")
	require.NoError(t, ioutil.WriteFile(skiplist, []byte("s2\n"), 0666))

	cfg := baseConfig(dir)
	cfg.Samplesheet = localSheet(t, dir, []string{"s1", "s2"}, 1)
	cfg.Skiplist = skiplist
	cfg.Salmon = ToolConfig{Enable: true, Index: "/ref/salmon.idx"}
	p, eng := newTestPipeline(t, cfg)

	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, []string{"s1"}, queueIDs(t, p, runqueue.Done))
	assert.Empty(t, queueIDs(t, p, runqueue.Staged))
	assert.Empty(t, queueIDs(t, p, runqueue.Admitted))
	assert.Equal(t, 0, eng.count("s2:quant"))
}

func TestRunNoSamples(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	sheet := filepath.Join(dir, "samples.tsv")
	require.NoError(t, ioutil.WriteFile(sheet, []byte("# nothing here\n"), 0666))

	cfg := baseConfig(dir)
	cfg.Samplesheet = sheet
	cfg.Salmon = ToolConfig{Enable: true, Index: "/ref/salmon.idx"}
	p, _ := newTestPipeline(t, cfg)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no samples")
}
