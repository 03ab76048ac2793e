package pipeline

import (
	"context"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/seqflow/engine"
)

// postprocess assembles the aggregate outputs once the queue has drained:
// the expression matrix in each configured format, then the run report.
// Both are external commands; the matrix command receives the results
// directory and the comma-joined formats as trailing arguments, the report
// command just the results directory.
func (p *Pipeline) postprocess(ctx context.Context) error {
	dir := p.layout.ResultsDir()
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.E(err, "create results directory "+dir)
	}
	if len(p.cfg.Post.Matrix) == 0 && len(p.cfg.Post.Report) == 0 {
		log.Printf("post-processing: no commands configured")
		return nil
	}
	if len(p.cfg.Post.Matrix) > 0 {
		argv := append([]string{}, p.cfg.Post.Matrix...)
		argv = append(argv, dir, strings.Join(p.cfg.Output.Formats, ","))
		if err := p.eng.Run(ctx, engine.Task{Sample: "aggregate", Stage: "matrix", Argv: argv}); err != nil {
			return err
		}
	}
	if len(p.cfg.Post.Report) > 0 {
		argv := append([]string{}, p.cfg.Post.Report...)
		argv = append(argv, dir)
		if err := p.eng.Run(ctx, engine.Task{Sample: "aggregate", Stage: "report", Argv: argv}); err != nil {
			return err
		}
	}
	log.Printf("post-processing: aggregate outputs in %s", dir)
	return nil
}
