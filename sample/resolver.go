package sample

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// A Resolver groups run accessions into the samples that own them. Archives
// commonly split one biological sample across several sequencing runs; the
// resolver consults sample metadata to reassemble the grouping.
type Resolver interface {
	// Resolve maps run accessions to remote sample descriptors. Every
	// accession must be assigned to exactly one returned descriptor.
	Resolve(ctx context.Context, runs []string) ([]Descriptor, error)
}

// CommandResolver resolves run groupings by invoking an external metadata
// tool. The tool is called with the accessions appended to the configured
// argv and must print one sample per line to stdout: a sample ID, a tab,
// and the sample's space-delimited run accessions.
type CommandResolver struct {
	argv []string
}

// NewCommandResolver builds a CommandResolver from the tool's argv prefix.
func NewCommandResolver(argv []string) *CommandResolver {
	return &CommandResolver{argv: argv}
}

// Resolve implements Resolver.
func (r *CommandResolver) Resolve(ctx context.Context, runs []string) ([]Descriptor, error) {
	if len(runs) == 0 {
		return nil, nil
	}
	if len(r.argv) == 0 {
		return nil, errors.New("no resolver command configured")
	}
	args := append(append([]string(nil), r.argv[1:]...), runs...)
	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "resolver %s: %s", r.argv[0], strings.TrimSpace(stderr.String()))
	}
	descs, err := parseResolverOutput(&stdout)
	if err != nil {
		return nil, errors.Wrapf(err, "resolver %s", r.argv[0])
	}
	if err := checkAssignment(runs, descs); err != nil {
		return nil, errors.Wrapf(err, "resolver %s", r.argv[0])
	}
	return descs, nil
}

func parseResolverOutput(out *bytes.Buffer) ([]Descriptor, error) {
	var descs []Descriptor
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != 2 {
			return nil, errors.Errorf("malformed grouping line %q", line)
		}
		id := strings.TrimSpace(cols[0])
		if err := ValidateID(id); err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, errors.Errorf("duplicate sample %s in grouping", id)
		}
		seen[id] = true
		runs := strings.Fields(cols[1])
		if len(runs) == 0 {
			return nil, errors.Errorf("sample %s has no runs", id)
		}
		descs = append(descs, NewRemote(id, runs))
	}
	return descs, scanner.Err()
}

// checkAssignment verifies the resolver assigned every requested accession
// exactly once and invented none.
func checkAssignment(want []string, descs []Descriptor) error {
	wanted := make(map[string]bool, len(want))
	for _, run := range want {
		wanted[run] = true
	}
	assigned := make(map[string]string)
	for _, d := range descs {
		for _, run := range d.Runs() {
			if !wanted[run] {
				return errors.Errorf("sample %s claims unrequested run %s", d.ID, run)
			}
			if prev, ok := assigned[run]; ok {
				return errors.Errorf("run %s assigned to both %s and %s", run, prev, d.ID)
			}
			assigned[run] = d.ID
		}
	}
	for _, run := range want {
		if _, ok := assigned[run]; !ok {
			return errors.Errorf("run %s not assigned to any sample", run)
		}
	}
	return nil
}
