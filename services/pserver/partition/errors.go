package partition

import (
	"errors"
	"fmt"
)

// ErrEmptyMatrix is returned when a partitioner is built for a matrix without rows or columns.
var ErrEmptyMatrix = errors.New("matrix has no rows or columns")

// PartitionOverflowError reports a coordinate whose computed partition index is not a
// node of the topology. It indicates a shape/configuration bug.
type PartitionOverflowError struct {
	Row, Col  uint64
	Partition uint64
	Nodes     int
}

func (e *PartitionOverflowError) Error() string {
	return fmt.Sprintf("partition overflow: (%d,%d) maps to partition %d of %d nodes", e.Row, e.Col, e.Partition, e.Nodes)
}

// OutOfPartitionRangeError reports a coordinate translation outside the local window
// [First, Last). The caller has to route the access to the owning node.
type OutOfPartitionRangeError struct {
	Axis  string
	Value uint64
	First uint64
	Last  uint64
}

func (e *OutOfPartitionRangeError) Error() string {
	return fmt.Sprintf("%s %d outside local partition [%d,%d)", e.Axis, e.Value, e.First, e.Last)
}

// IsForeign reports whether err is an OutOfPartitionRangeError.
func IsForeign(err error) bool {
	var oor *OutOfPartitionRangeError
	return errors.As(err, &oor)
}
