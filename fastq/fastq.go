// Package fastq provides structural validation of FASTQ files produced by
// the merge stage. Merged outputs are built by concatenating parts, so the
// cheap failure modes are truncated trailing records and mixed compression
// forms; both surface as scan errors within the first few spots.
package fastq

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrTruncated is returned when a record is cut off mid-spot.
	ErrTruncated = errors.New("truncated FASTQ record")
	// ErrInvalid is returned when a record breaks the FASTQ structure.
	ErrInvalid = errors.New("invalid FASTQ record")
)

var errEOF = errors.New("eof")

// A Record is one FASTQ spot.
type Record struct {
	ID, Seq, Qual string
}

// Scanner reads FASTQ records, validating their structure as it goes: the
// ID line must start with '@', the separator line with '+', and the quality
// string must be as long as the sequence. Scanners are not threadsafe.
type Scanner struct {
	b   *bufio.Scanner
	err error
}

// NewScanner returns a Scanner reading raw FASTQ data from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{b: bufio.NewScanner(r)}
}

// Scan reads the next record into rec, reporting whether it succeeded.
// Once Scan returns false it never returns true again; check Err to tell
// end-of-input from a malformed file.
func (s *Scanner) Scan(rec *Record) bool {
	if s.err != nil {
		return false
	}
	if !s.b.Scan() {
		if s.err = s.b.Err(); s.err == nil {
			s.err = errEOF
		}
		return false
	}
	id := s.b.Bytes()
	if len(id) == 0 || id[0] != '@' {
		s.err = ErrInvalid
		return false
	}
	rec.ID = string(id)
	if !s.scan() {
		return false
	}
	rec.Seq = s.b.Text()
	if !s.scan() {
		return false
	}
	sep := s.b.Bytes()
	if len(sep) == 0 || sep[0] != '+' {
		s.err = ErrInvalid
		return false
	}
	if !s.scan() {
		return false
	}
	rec.Qual = s.b.Text()
	if len(rec.Qual) != len(rec.Seq) {
		s.err = ErrInvalid
		return false
	}
	return true
}

func (s *Scanner) scan() bool {
	ok := s.b.Scan()
	if !ok {
		if s.err = s.b.Err(); s.err == nil {
			s.err = ErrTruncated
		}
	}
	return ok
}

// Err returns the scanning error, if any.
func (s *Scanner) Err() error {
	if s.err == errEOF {
		return nil
	}
	return s.err
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc *readCloser) Close() error {
	var err error
	for _, c := range rc.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Open opens a FASTQ file, transparently decompressing gzip. Compression is
// detected from the magic bytes, not the file name, because merged outputs
// keep whatever form their parts had.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		f.Close() // nolint: errcheck
		return nil, pkgerrors.Wrap(err, path)
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			f.Close() // nolint: errcheck
			return nil, pkgerrors.Wrap(err, path)
		}
		return &readCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
	}
	return &readCloser{Reader: br, closers: []io.Closer{f}}, nil
}

// Validate scans up to max records of the FASTQ file at path (the whole
// file when max <= 0) and returns how many were seen. A structural error,
// or a file with no records at all, is reported with its position.
func Validate(path string, max int) (int, error) {
	rc, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer rc.Close() // nolint: errcheck
	s := NewScanner(rc)
	var rec Record
	n := 0
	for (max <= 0 || n < max) && s.Scan(&rec) {
		n++
	}
	if err := s.Err(); err != nil {
		return n, pkgerrors.Wrapf(err, "%s: record %d", path, n+1)
	}
	if n == 0 {
		return 0, pkgerrors.Errorf("%s: no FASTQ records", path)
	}
	return n, nil
}
