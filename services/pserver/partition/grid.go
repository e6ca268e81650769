package partition

import (
	"fmt"

	"github.com/pservergo/pserver/services/pserver/cluster"
)

// Grid splits rows into rowParts and columns into colParts; node k of the topology owns
// block (k / colParts, k % colParts). Row, column and block partitioning are all grids.
type Grid struct {
	kind     Kind
	rows     uint64
	cols     uint64
	rowParts uint64
	colParts uint64
	topo     cluster.Topology
	shapes   []Shape
	local    Shape
}

// NewRowPartitioner splits rows across the topology; every node holds all columns.
func NewRowPartitioner(rows, cols uint64, topo cluster.Topology) (*Grid, error) {
	return newGrid(Rows, rows, cols, uint64(topo.Size()), 1, topo)
}

// NewColumnPartitioner splits columns across the topology; every node holds all rows.
func NewColumnPartitioner(rows, cols uint64, topo cluster.Topology) (*Grid, error) {
	return newGrid(Columns, rows, cols, 1, uint64(topo.Size()), topo)
}

// NewBlockPartitioner lays the topology out as the most square rowParts x colParts grid.
func NewBlockPartitioner(rows, cols uint64, topo cluster.Topology) (*Grid, error) {
	n := uint64(topo.Size())
	rp := uint64(1)
	for d := uint64(1); d*d <= n; d++ {
		if n%d == 0 {
			rp = d
		}
	}
	return newGrid(Blocks, rows, cols, rp, n/rp, topo)
}

// NewBlockPartitionerGrid uses an explicit grid; rowParts*colParts must equal the node count.
func NewBlockPartitionerGrid(rows, cols uint64, topo cluster.Topology, rowParts, colParts uint64) (*Grid, error) {
	if rowParts*colParts != uint64(topo.Size()) {
		return nil, fmt.Errorf("grid %dx%d does not match %d nodes", rowParts, colParts, topo.Size())
	}
	return newGrid(Blocks, rows, cols, rowParts, colParts, topo)
}

func newGrid(kind Kind, rows, cols, rowParts, colParts uint64, topo cluster.Topology) (*Grid, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if rows == 0 || cols == 0 {
		return nil, ErrEmptyMatrix
	}
	g := &Grid{kind: kind, rows: rows, cols: cols, rowParts: rowParts, colParts: colParts, topo: topo}
	g.shapes = make([]Shape, topo.Size())
	for k := range g.shapes {
		r0, r1 := extent(rows, rowParts, uint64(k)/colParts)
		c0, c1 := extent(cols, colParts, uint64(k)%colParts)
		g.shapes[k] = Shape{Rows: r1 - r0, Cols: c1 - c0, RowOffset: r0, ColOffset: c0}
	}
	g.local = g.shapes[topo.LocalIndex()]
	return g, nil
}

func (g *Grid) Kind() Kind                 { return g.kind }
func (g *Grid) GlobalRows() uint64         { return g.rows }
func (g *Grid) GlobalCols() uint64         { return g.cols }
func (g *Grid) Topology() cluster.Topology { return g.topo }
func (g *Grid) Shape() Shape               { return g.local }

// GridSize returns the number of row and column parts.
func (g *Grid) GridSize() (rowParts, colParts uint64) { return g.rowParts, g.colParts }

func (g *Grid) PartitionOf(row, col uint64) (cluster.NodeID, error) {
	rb := indexOf(row, g.rows, g.rowParts)
	cb := indexOf(col, g.cols, g.colParts)
	if rb >= g.rowParts || cb >= g.colParts {
		p := rb*g.colParts + cb
		if p < uint64(len(g.shapes)) {
			p = uint64(len(g.shapes))
		}
		return cluster.Unowned, &PartitionOverflowError{Row: row, Col: col, Partition: p, Nodes: len(g.shapes)}
	}
	return g.topo.Nodes[rb*g.colParts+cb], nil
}

func (g *Grid) ShapeForNode(id cluster.NodeID) (Shape, error) {
	i := g.topo.Index(id)
	if i < 0 {
		return Shape{}, fmt.Errorf("node %d not in partition topology %v", id, g.topo.Nodes)
	}
	return g.shapes[i], nil
}

func (g *Grid) GlobalToLocalRow(row uint64) (uint64, error) {
	return translate("row", row, g.local.RowOffset, g.local.Rows)
}

func (g *Grid) GlobalToLocalCol(col uint64) (uint64, error) {
	return translate("col", col, g.local.ColOffset, g.local.Cols)
}

func (g *Grid) LocalToGlobalRow(row uint64) (uint64, error) {
	return toGlobal("local row", row, g.local.RowOffset, g.local.Rows)
}

func (g *Grid) LocalToGlobalCol(col uint64) (uint64, error) {
	return toGlobal("local col", col, g.local.ColOffset, g.local.Cols)
}
