package partition

import "github.com/pservergo/pserver/services/pserver/cluster"

// NoPartitioner keeps the whole matrix on every node. Translation is the identity and no
// node owns a coordinate: PartitionOf returns cluster.Unowned.
type NoPartitioner struct {
	rows, cols uint64
	topo       cluster.Topology
	shape      Shape
}

func NewNoPartitioner(rows, cols uint64, topo cluster.Topology) (*NoPartitioner, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if rows == 0 || cols == 0 {
		return nil, ErrEmptyMatrix
	}
	return &NoPartitioner{rows: rows, cols: cols, topo: topo, shape: Shape{Rows: rows, Cols: cols}}, nil
}

func (p *NoPartitioner) Kind() Kind                 { return None }
func (p *NoPartitioner) GlobalRows() uint64         { return p.rows }
func (p *NoPartitioner) GlobalCols() uint64         { return p.cols }
func (p *NoPartitioner) Topology() cluster.Topology { return p.topo }
func (p *NoPartitioner) Shape() Shape               { return p.shape }

func (p *NoPartitioner) PartitionOf(row, col uint64) (cluster.NodeID, error) {
	if row >= p.rows {
		return cluster.Unowned, &OutOfPartitionRangeError{Axis: "row", Value: row, Last: p.rows}
	}
	if col >= p.cols {
		return cluster.Unowned, &OutOfPartitionRangeError{Axis: "col", Value: col, Last: p.cols}
	}
	return cluster.Unowned, nil
}

func (p *NoPartitioner) ShapeForNode(cluster.NodeID) (Shape, error) { return p.shape, nil }

func (p *NoPartitioner) GlobalToLocalRow(row uint64) (uint64, error) {
	return translate("row", row, 0, p.rows)
}

func (p *NoPartitioner) GlobalToLocalCol(col uint64) (uint64, error) {
	return translate("col", col, 0, p.cols)
}

func (p *NoPartitioner) LocalToGlobalRow(row uint64) (uint64, error) {
	return toGlobal("local row", row, 0, p.rows)
}

func (p *NoPartitioner) LocalToGlobalCol(col uint64) (uint64, error) {
	return toGlobal("local col", col, 0, p.cols)
}
