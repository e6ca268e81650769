package matrix

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Entry is one (row, col, value) cell in global coordinates.
type Entry struct {
	Row   uint64
	Col   uint64
	Value float64
}

// Record is one unit read from an input: a single cell, a dense row or a sparse row.
type Record struct {
	Line    int
	Entries []Entry
}

// Source is a lazy, finite, non-restartable record stream. Next returns io.EOF once
// exhausted and a *FormatError for malformed input.
type Source interface {
	Next() (Record, error)
}

// Format selects how a LineSource decodes lines.
type Format int

const (
	// RowColVal lines hold "row,col,value".
	RowColVal Format = iota
	// DenseRows lines hold every column of one row; the row is the data line number.
	DenseRows
	// SVM lines hold "label idx:value ..." with 1-based feature indices. The label lands in
	// column 0 and feature idx in column idx, so a label-aware load can split them.
	SVM
)

func (f Format) String() string {
	switch f {
	case DenseRows:
		return "dense"
	case SVM:
		return "svm"
	default:
		return "rowcolval"
	}
}

// ParseFormat parses "rowcolval", "dense" or "svm".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rowcolval", "row_col_val", "triples", "":
		return RowColVal, nil
	case "dense", "rows":
		return DenseRows, nil
	case "svm", "libsvm":
		return SVM, nil
	}
	return 0, fmt.Errorf("unknown record format %q", s)
}

// LineSource decodes records from a line-oriented reader. Blank lines and lines starting
// with '#' are skipped.
type LineSource struct {
	name   string
	format Format
	sc     *bufio.Scanner
	line   int
	row    uint64
	err    error
}

func NewLineSource(name string, r io.Reader, format Format) *LineSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &LineSource{name: name, format: format, sc: sc}
}

func (s *LineSource) Next() (Record, error) {
	if s.err != nil {
		return Record{}, s.err
	}
	for s.sc.Scan() {
		s.line++
		text := strings.TrimSpace(s.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rec, err := s.decode(text)
		if err != nil {
			s.err = &FormatError{Source: s.name, Line: s.line, Record: text, Err: err}
			return Record{}, s.err
		}
		rec.Line = s.line
		s.row++
		return rec, nil
	}
	if err := s.sc.Err(); err != nil {
		s.err = fmt.Errorf("read %s: %w", s.name, err)
	} else {
		s.err = io.EOF
	}
	return Record{}, s.err
}

func fields(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
}

func (s *LineSource) decode(text string) (Record, error) {
	switch s.format {
	case DenseRows:
		f := fields(text)
		rec := Record{Entries: make([]Entry, 0, len(f))}
		for j, v := range f {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Record{}, err
			}
			rec.Entries = append(rec.Entries, Entry{Row: s.row, Col: uint64(j), Value: x})
		}
		return rec, nil
	case SVM:
		return decodeSVM(s.row, text)
	default:
		f := fields(text)
		if len(f) != 3 {
			return Record{}, fmt.Errorf("want 3 fields, got %d", len(f))
		}
		r, err := strconv.ParseUint(f[0], 10, 64)
		if err != nil {
			return Record{}, err
		}
		c, err := strconv.ParseUint(f[1], 10, 64)
		if err != nil {
			return Record{}, err
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return Record{}, err
		}
		return Record{Entries: []Entry{{Row: r, Col: c, Value: v}}}, nil
	}
}

var errSVMIndex = errors.New("svm feature index must be >= 1")

func decodeSVM(row uint64, text string) (Record, error) {
	f := strings.Fields(text)
	label, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Entries: make([]Entry, 0, len(f))}
	rec.Entries = append(rec.Entries, Entry{Row: row, Col: 0, Value: label})
	for _, tok := range f[1:] {
		idx, val, ok := strings.Cut(tok, ":")
		if !ok {
			return Record{}, fmt.Errorf("feature %q lacks ':'", tok)
		}
		i, err := strconv.ParseUint(idx, 10, 64)
		if err != nil {
			return Record{}, err
		}
		if i == 0 {
			return Record{}, errSVMIndex
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return Record{}, err
		}
		rec.Entries = append(rec.Entries, Entry{Row: row, Col: i, Value: v})
	}
	return rec, nil
}

// SliceSource replays in-memory records.
type SliceSource struct {
	recs []Record
	pos  int
}

func NewSliceSource(recs ...Record) *SliceSource { return &SliceSource{recs: recs} }

func (s *SliceSource) Next() (Record, error) {
	if s.pos >= len(s.recs) {
		return Record{}, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}
