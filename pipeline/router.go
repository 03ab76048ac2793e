package pipeline

import (
	"context"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/seqflow/engine"
	"github.com/grailbio/seqflow/sample"
	"github.com/grailbio/seqflow/tally"
)

// runBranch runs FastQC and the quantification branch against the merged
// reads. Both consume the reads; each signals the tally for itself.
func (p *Pipeline) runBranch(ctx context.Context, desc sample.Descriptor) error {
	id := desc.ID
	return traverse.Each(2, func(i int) error {
		if i == 0 {
			if err := p.eng.Run(ctx, p.stages.fastqc(id)); err != nil {
				return err
			}
			p.tally.Signal(tally.Key{Sample: id, Class: ClassReads})
			return nil
		}
		return p.quantify(ctx, id)
	})
}

// quantify dispatches to the enabled tool's branch.
func (p *Pipeline) quantify(ctx context.Context, id string) error {
	switch p.tool {
	case Hisat2:
		return p.alignAndCount(ctx, id)
	case Kallisto:
		return p.quantReads(ctx, id, p.stages.kallisto(id))
	case Salmon:
		return p.quantReads(ctx, id, p.stages.salmon(id))
	}
	log.Panicf("no branch for tool %s", p.tool)
	return nil
}

// quantReads runs a quantifier that consumes the merged FASTQ directly.
func (p *Pipeline) quantReads(ctx context.Context, id string, task engine.Task) error {
	if err := p.eng.Run(ctx, task); err != nil {
		return err
	}
	p.tally.Signal(tally.Key{Sample: id, Class: ClassReads})
	return nil
}

// alignAndCount is the hisat2 branch: align, sort, then count features and
// collect alignment stats from the sorted BAM in parallel.
func (p *Pipeline) alignAndCount(ctx context.Context, id string) error {
	if err := p.eng.Run(ctx, p.stages.align(id)); err != nil {
		return err
	}
	p.tally.Signal(tally.Key{Sample: id, Class: ClassReads})
	if err := p.eng.Run(ctx, p.stages.sortBAM(id)); err != nil {
		return err
	}
	p.tally.Signal(tally.Key{Sample: id, Class: ClassSAM})
	if err := p.check(p.layout.SortedBAMPath(id)); err != nil {
		return err
	}
	return traverse.Each(2, func(i int) error {
		task := p.stages.featureCounts(id)
		if i == 1 {
			task = p.stages.flagstat(id)
		}
		if err := p.eng.Run(ctx, task); err != nil {
			return err
		}
		p.tally.Signal(tally.Key{Sample: id, Class: ClassSortedBAM})
		return nil
	})
}
