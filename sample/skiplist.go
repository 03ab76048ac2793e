package sample

import (
	"bufio"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// A SkipList names samples excluded from processing. Skipped samples are
// dropped quietly at enqueue time: no work item is created and no error is
// reported.
type SkipList struct {
	ids map[string]bool
}

// ReadSkipList reads a skip list of sample IDs, one per line. Blank lines
// and '#' comments are ignored. An empty path yields an empty list.
func ReadSkipList(path string) (*SkipList, error) {
	s := &SkipList{ids: make(map[string]bool)}
	if path == "" {
		return s, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open skip list")
	}
	defer f.Close() // nolint: errcheck
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" || strings.HasPrefix(id, "#") {
			continue
		}
		s.ids[id] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read skip list")
	}
	return s, nil
}

// Skip reports whether the sample is excluded.
func (s *SkipList) Skip(id string) bool {
	return s != nil && s.ids[id]
}

// IDs returns the listed sample IDs in sorted order.
func (s *SkipList) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.ids))
	for id := range s.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of listed samples.
func (s *SkipList) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}
