package matrix

import (
	"errors"
	"fmt"
)

var (
	// ErrBuilt is returned when a CSR matrix is modified after Build.
	ErrBuilt = errors.New("csr matrix already built")
	// ErrNotBuilt is returned when a CSR matrix is read before Build.
	ErrNotBuilt = errors.New("csr matrix not built")
	// ErrRowOrder is returned when CSR rows are appended out of order.
	ErrRowOrder = errors.New("csr rows must be appended in increasing order")
	// ErrShapeMismatch is returned when restored data does not fit the local partition.
	ErrShapeMismatch = errors.New("matrix shape mismatch")
)

// BoundsError reports a local coordinate outside [0, Limit).
type BoundsError struct {
	Axis  string
	Value uint64
	Limit uint64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("local %s %d out of range [0,%d)", e.Axis, e.Value, e.Limit)
}

// FormatError reports an unparseable input record. It fails the whole load.
type FormatError struct {
	Source string
	Line   int
	Record string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s:%d: malformed record %q: %v", e.Source, e.Line, e.Record, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }
