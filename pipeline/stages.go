package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/seqflow/engine"
)

// Layout resolves where a run's files live under the work directory.
//
//	<workdir>/queue/...                  the admission queue
//	<workdir>/logs/<session>/...         per-stage engine logs
//	<workdir>/samples/<id>/runs/         downloaded archives, extracted parts
//	<workdir>/samples/<id>/<id>.*        merged reads, SAM, sorted BAM
//	<workdir>/samples/<id>/{qc,quant}/   FastQC and quantifier outputs
//	<workdir>/results/                   aggregate matrix and report
type Layout struct {
	root       string
	resultsDir string
}

// NewLayout returns the layout rooted at the configured work directory.
func NewLayout(cfg *Config) Layout {
	return Layout{root: cfg.Workdir, resultsDir: cfg.Output.Dir}
}

func (l Layout) QueueDir() string { return filepath.Join(l.root, "queue") }
func (l Layout) LogDir() string   { return filepath.Join(l.root, "logs") }

// ResultsDir is where aggregate outputs are assembled.
func (l Layout) ResultsDir() string {
	if l.resultsDir != "" {
		return l.resultsDir
	}
	return filepath.Join(l.root, "results")
}

func (l Layout) SampleDir(id string) string { return filepath.Join(l.root, "samples", id) }
func (l Layout) RunDir(id string) string    { return filepath.Join(l.SampleDir(id), "runs") }
func (l Layout) QCDir(id string) string     { return filepath.Join(l.SampleDir(id), "qc") }
func (l Layout) QuantDir(id string) string  { return filepath.Join(l.SampleDir(id), "quant") }

func (l Layout) SRAPath(id, run string) string  { return filepath.Join(l.RunDir(id), run+".sra") }
func (l Layout) PartPath(id, run string) string { return filepath.Join(l.RunDir(id), run+".fastq.gz") }

// SRAPaths returns the downloaded archive per run, in run order.
func (l Layout) SRAPaths(id string, runs []string) []string {
	paths := make([]string, len(runs))
	for i, run := range runs {
		paths[i] = l.SRAPath(id, run)
	}
	return paths
}

// PartPaths returns the extracted FASTQ part per run, in run order.
func (l Layout) PartPaths(id string, runs []string) []string {
	parts := make([]string, len(runs))
	for i, run := range runs {
		parts[i] = l.PartPath(id, run)
	}
	return parts
}

func (l Layout) MetaPath(id string) string  { return filepath.Join(l.SampleDir(id), "meta.tsv") }
func (l Layout) ReadsPath(id string) string { return filepath.Join(l.SampleDir(id), id+".fastq.gz") }
func (l Layout) SAMPath(id string) string   { return filepath.Join(l.SampleDir(id), id+".sam") }
func (l Layout) SortedBAMPath(id string) string {
	return filepath.Join(l.SampleDir(id), id+".sorted.bam")
}
func (l Layout) CountsPath(id string) string {
	return filepath.Join(l.QuantDir(id), id+".counts.tsv")
}
func (l Layout) FlagstatPath(id string) string {
	return filepath.Join(l.QCDir(id), id+".flagstat.txt")
}

// stageSet shapes the argv of each black-box stage. The tools are external
// collaborators; only their inputs, outputs, and ordering matter here.
type stageSet struct {
	cfg    *Config
	layout Layout
	tool   Tool
}

func (s stageSet) threads() string { return strconv.Itoa(s.cfg.Threads) }

func (s stageSet) download(id, run string) engine.Task {
	return engine.Task{
		Sample: id,
		Stage:  "download." + run,
		Argv:   []string{"prefetch", "-o", s.layout.SRAPath(id, run), run},
	}
}

// extract emits <run>.fastq.gz next to the archive, which is where
// PartPath expects it.
func (s stageSet) extract(id, run string) engine.Task {
	return engine.Task{
		Sample: id,
		Stage:  "extract." + run,
		Argv: []string{"fastq-dump", "--gzip", "-O", s.layout.RunDir(id),
			s.layout.SRAPath(id, run)},
	}
}

func (s stageSet) fastqc(id string) engine.Task {
	return engine.Task{
		Sample: id,
		Stage:  "fastqc",
		Argv:   []string{"fastqc", "-o", s.layout.QCDir(id), s.layout.ReadsPath(id)},
	}
}

func (s stageSet) align(id string) engine.Task {
	argv := []string{"hisat2", "-p", s.threads(),
		"-x", s.cfg.Hisat2.Index,
		"-U", s.layout.ReadsPath(id),
		"-S", s.layout.SAMPath(id)}
	return engine.Task{
		Sample: id,
		Stage:  "align",
		Argv:   append(argv, s.cfg.Hisat2.Extra...),
	}
}

func (s stageSet) sortBAM(id string) engine.Task {
	return engine.Task{
		Sample: id,
		Stage:  "sort",
		Argv: []string{"samtools", "sort", "-@", s.threads(),
			"-o", s.layout.SortedBAMPath(id), s.layout.SAMPath(id)},
	}
}

func (s stageSet) featureCounts(id string) engine.Task {
	return engine.Task{
		Sample: id,
		Stage:  "counts",
		Argv: []string{"featureCounts", "-T", s.threads(),
			"-a", s.cfg.GTF,
			"-o", s.layout.CountsPath(id),
			s.layout.SortedBAMPath(id)},
	}
}

func (s stageSet) flagstat(id string) engine.Task {
	return engine.Task{
		Sample: id,
		Stage:  "flagstat",
		Argv:   []string{"samtools", "flagstat", s.layout.SortedBAMPath(id)},
		Stdout: s.layout.FlagstatPath(id),
	}
}

func (s stageSet) kallisto(id string) engine.Task {
	argv := []string{"kallisto", "quant",
		"-i", s.cfg.Kallisto.Index,
		"-o", s.layout.QuantDir(id),
		"-t", s.threads(),
		"--single", "-l", "200", "-s", "20",
		s.layout.ReadsPath(id)}
	return engine.Task{
		Sample: id,
		Stage:  "quant",
		Argv:   append(argv, s.cfg.Kallisto.Extra...),
	}
}

func (s stageSet) salmon(id string) engine.Task {
	argv := []string{"salmon", "quant",
		"-i", s.cfg.Salmon.Index,
		"-l", "A",
		"-r", s.layout.ReadsPath(id),
		"-o", s.layout.QuantDir(id),
		"-p", s.threads()}
	return engine.Task{
		Sample: id,
		Stage:  "quant",
		Argv:   append(argv, s.cfg.Salmon.Extra...),
	}
}

// mergeReads concatenates FASTQ parts into the sample's canonical reads
// file. The parts are gzip members, and gzip members concatenate into a
// valid stream, so the merge is a plain byte copy.
func mergeReads(ctx context.Context, parts []string, dst string) error {
	if len(parts) == 0 {
		return errors.E("merge: no input parts for " + dst)
	}
	out, err := file.Create(ctx, dst)
	if err != nil {
		return errors.E(err, "merge: create "+dst)
	}
	for _, part := range parts {
		if err := copyPart(ctx, out.Writer(ctx), part); err != nil {
			out.Close(ctx) // nolint: errcheck
			return err
		}
	}
	return out.Close(ctx)
}

func copyPart(ctx context.Context, w io.Writer, part string) error {
	in, err := file.Open(ctx, part)
	if err != nil {
		return errors.E(err, "merge: open "+part)
	}
	if _, err := io.Copy(w, in.Reader(ctx)); err != nil {
		in.Close(ctx) // nolint: errcheck
		return errors.E(err, "merge: copy "+part)
	}
	return in.Close(ctx)
}
