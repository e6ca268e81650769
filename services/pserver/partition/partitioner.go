// Package partition maps global matrix coordinates to owning nodes and local coordinates.
//
// Every split is ceil based: part i of a dimension of length total split in n parts starts
// at ceil(total*i/n). The arithmetic is exact, so the parts cover [0,total) once for any
// total and n, and earlier parts are never larger than later ones by more than one.
package partition

import (
	"fmt"
	"strings"

	"github.com/pservergo/pserver/services/pserver/cluster"
)

// Shape is one partition: its dimensions and its offset in the global coordinate space.
type Shape struct {
	Rows      uint64 `json:"rows"`
	Cols      uint64 `json:"cols"`
	RowOffset uint64 `json:"row_offset"`
	ColOffset uint64 `json:"col_offset"`
}

// ContainsRow reports whether global row r lies in the shape.
func (s Shape) ContainsRow(r uint64) bool { return r >= s.RowOffset && r-s.RowOffset < s.Rows }

// ContainsCol reports whether global column c lies in the shape.
func (s Shape) ContainsCol(c uint64) bool { return c >= s.ColOffset && c-s.ColOffset < s.Cols }

// Size is the number of cells in the shape.
func (s Shape) Size() uint64 { return s.Rows * s.Cols }

// Partitioner answers ownership and coordinate translation for one node's view of a matrix.
type Partitioner interface {
	Kind() Kind
	GlobalRows() uint64
	GlobalCols() uint64
	Topology() cluster.Topology
	// PartitionOf returns the node owning global (row, col).
	PartitionOf(row, col uint64) (cluster.NodeID, error)
	// Shape is the local node's partition.
	Shape() Shape
	ShapeForNode(id cluster.NodeID) (Shape, error)
	GlobalToLocalRow(row uint64) (uint64, error)
	GlobalToLocalCol(col uint64) (uint64, error)
	LocalToGlobalRow(row uint64) (uint64, error)
	LocalToGlobalCol(col uint64) (uint64, error)
}

// Kind selects a partitioner variant.
type Kind int

const (
	None Kind = iota
	Rows
	Columns
	Blocks
)

func (k Kind) String() string {
	switch k {
	case Rows:
		return "row"
	case Columns:
		return "column"
	case Blocks:
		return "block"
	default:
		return "none"
	}
}

// ParseKind parses "none", "row", "column" or "block" (plural and "col" accepted).
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "row", "rows":
		return Rows, nil
	case "col", "column", "columns":
		return Columns, nil
	case "block", "blocks":
		return Blocks, nil
	}
	return None, fmt.Errorf("unknown partitioner kind %q", s)
}

// New builds the partitioner of the given kind.
func New(kind Kind, rows, cols uint64, topo cluster.Topology) (Partitioner, error) {
	switch kind {
	case Rows:
		return NewRowPartitioner(rows, cols, topo)
	case Columns:
		return NewColumnPartitioner(rows, cols, topo)
	case Blocks:
		return NewBlockPartitioner(rows, cols, topo)
	default:
		return NewNoPartitioner(rows, cols, topo)
	}
}

func translate(axis string, v uint64, first, length uint64) (uint64, error) {
	if v < first || v-first >= length {
		return 0, &OutOfPartitionRangeError{Axis: axis, Value: v, First: first, Last: first + length}
	}
	return v - first, nil
}

func toGlobal(axis string, v uint64, first, length uint64) (uint64, error) {
	if v >= length {
		return 0, &OutOfPartitionRangeError{Axis: axis, Value: v, First: 0, Last: length}
	}
	return v + first, nil
}
