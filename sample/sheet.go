package sample

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ReadSheet reads a tab-separated samplesheet of local samples. Each line
// holds a sample ID and one or more FASTQ paths joined by "::". Blank lines
// and lines starting with '#' are ignored.
func ReadSheet(path string) ([]Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open samplesheet")
	}
	defer f.Close() // nolint: errcheck
	var descs []Descriptor
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != 2 {
			return nil, errors.Errorf("%s:%d: want 2 tab-separated columns, got %d", path, lineno, len(cols))
		}
		id, payload := strings.TrimSpace(cols[0]), strings.TrimSpace(cols[1])
		if err := ValidateID(id); err != nil {
			return nil, errors.Wrapf(err, "%s:%d", path, lineno)
		}
		if payload == "" {
			return nil, errors.Errorf("%s:%d: sample %s has no files", path, lineno, id)
		}
		if seen[id] {
			return nil, errors.Errorf("%s:%d: duplicate sample %s", path, lineno, id)
		}
		seen[id] = true
		descs = append(descs, Descriptor{ID: id, Payload: payload, Origin: Local})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read samplesheet")
	}
	return descs, nil
}

// ReadRunList reads a list of run accessions, one per line. Blank lines and
// '#' comments are ignored.
func ReadRunList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open run list")
	}
	defer f.Close() // nolint: errcheck
	var runs []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		run := strings.TrimSpace(scanner.Text())
		if run == "" || strings.HasPrefix(run, "#") {
			continue
		}
		if seen[run] {
			continue
		}
		seen[run] = true
		runs = append(runs, run)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read run list")
	}
	return runs, nil
}
