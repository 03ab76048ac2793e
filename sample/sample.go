// Package sample defines the unit of work flowing through the pipeline: a
// sample descriptor naming the sequencing data for one biological sample,
// either as local FASTQ files or as remote run accessions still to be
// downloaded. Descriptors are immutable once created and have a stable
// one-line wire form used by the on-disk work queue.
package sample

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// pathMarker joins multiple file paths in a local descriptor payload.
// Paths may contain spaces, so a plain space-delimited list is not enough.
const pathMarker = "::"

// Origin tells where a sample's sequencing data comes from.
type Origin int

const (
	// Local samples name FASTQ files already on disk.
	Local Origin = iota
	// Remote samples name run accessions fetched from an archive.
	Remote
)

// String returns the wire form of the origin.
func (o Origin) String() string {
	switch o {
	case Local:
		return "local"
	case Remote:
		return "remote"
	}
	return "invalid"
}

// ParseOrigin parses the wire form of an origin.
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "local":
		return Local, nil
	case "remote":
		return Remote, nil
	}
	return Local, errors.Errorf("invalid origin %q", s)
}

// Descriptor identifies one sample and the data it is built from.
//
// For a Local sample the payload is an ordered list of file paths joined by
// "::". For a Remote sample the payload is a space-delimited list of run
// accessions.
type Descriptor struct {
	ID      string
	Payload string
	Origin  Origin
}

// NewLocal builds a local descriptor from its file paths.
func NewLocal(id string, paths []string) Descriptor {
	return Descriptor{ID: id, Payload: strings.Join(paths, pathMarker), Origin: Local}
}

// NewRemote builds a remote descriptor from its run accessions.
func NewRemote(id string, runs []string) Descriptor {
	return Descriptor{ID: id, Payload: strings.Join(runs, " "), Origin: Remote}
}

// Paths returns the file paths of a local descriptor.
func (d Descriptor) Paths() []string {
	if d.Payload == "" {
		return nil
	}
	return strings.Split(d.Payload, pathMarker)
}

// Runs returns the run accessions of a remote descriptor.
func (d Descriptor) Runs() []string {
	return strings.Fields(d.Payload)
}

// Record renders d in the one-line work item format: three quoted fields,
// sample ID, payload, origin.
func (d Descriptor) Record() []byte {
	var b strings.Builder
	b.WriteString(strconv.Quote(d.ID))
	b.WriteByte(' ')
	b.WriteString(strconv.Quote(d.Payload))
	b.WriteByte(' ')
	b.WriteString(strconv.Quote(d.Origin.String()))
	b.WriteByte('\n')
	return []byte(b.String())
}

// ParseRecord parses the one-line work item format produced by Record.
func ParseRecord(b []byte) (Descriptor, error) {
	var d Descriptor
	fields, err := splitQuoted(strings.TrimSpace(string(b)))
	if err != nil {
		return d, err
	}
	if len(fields) != 3 {
		return d, errors.Errorf("work item record has %d fields, want 3", len(fields))
	}
	origin, err := ParseOrigin(fields[2])
	if err != nil {
		return d, err
	}
	d.ID = fields[0]
	d.Payload = fields[1]
	d.Origin = origin
	if err := ValidateID(d.ID); err != nil {
		return d, err
	}
	// Records are hand-editable; hold them to the coherence the enumerators
	// enforce. Downstream consumer counts derive from the payload.
	switch {
	case d.Origin == Remote && len(d.Runs()) == 0:
		return d, errors.Errorf("remote sample %s has no runs", d.ID)
	case d.Origin == Local && len(d.Paths()) == 0:
		return d, errors.Errorf("local sample %s has no files", d.ID)
	}
	return d, nil
}

// splitQuoted splits a line of space-separated, double-quoted fields.
func splitQuoted(line string) ([]string, error) {
	var fields []string
	rest := line
	for rest != "" {
		if rest[0] != '"' {
			return nil, errors.Errorf("malformed record near %q: field does not start with a quote", rest)
		}
		i := 1
		for i < len(rest) && rest[i] != '"' {
			if rest[i] == '\\' {
				i++
			}
			i++
		}
		if i >= len(rest) {
			return nil, errors.Errorf("malformed record near %q: unterminated quote", rest)
		}
		field, err := strconv.Unquote(rest[:i+1])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed record near %q", rest)
		}
		fields = append(fields, field)
		rest = strings.TrimLeft(rest[i+1:], " ")
	}
	return fields, nil
}

// ValidateID rejects sample IDs that cannot serve as work item file names.
// A leading dot is rejected because queue listings treat dot entries as
// foreign files, never as work items.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("empty sample ID")
	}
	if id[0] == '.' || strings.ContainsAny(id, "/\x00") {
		return errors.Errorf("invalid sample ID %q", id)
	}
	return nil
}
