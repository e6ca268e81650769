// Package matrix stores one node's partition of a distributed matrix and loads it from
// record streams.
package matrix

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/pservergo/pserver/services/pserver/partition"
)

// Matrix is the part of a local partition the loader and registry need.
type Matrix interface {
	Partitioner() partition.Partitioner
	Shape() partition.Shape
}

// MergeFunc folds a remote value into a local one. row and col are global coordinates.
type MergeFunc func(row, col uint64, local, remote float64) float64

// Dense is a row-major float64 partition. All access goes through the partitioner, so a
// node can only write cells it owns.
type Dense struct {
	mu    sync.RWMutex
	p     partition.Partitioner
	shape partition.Shape
	data  []float64
}

// NewDense allocates the local partition described by p.
func NewDense(p partition.Partitioner) *Dense {
	s := p.Shape()
	return &Dense{p: p, shape: s, data: make([]float64, s.Rows*s.Cols)}
}

func (m *Dense) Partitioner() partition.Partitioner { return m.p }
func (m *Dense) Shape() partition.Shape             { return m.shape }

func (m *Dense) local(row, col uint64) (int, error) {
	lr, err := m.p.GlobalToLocalRow(row)
	if err != nil {
		return 0, err
	}
	lc, err := m.p.GlobalToLocalCol(col)
	if err != nil {
		return 0, err
	}
	return int(lr*m.shape.Cols + lc), nil
}

func (m *Dense) checkLocal(row, col uint64) (int, error) {
	if row >= m.shape.Rows {
		return 0, &BoundsError{Axis: "row", Value: row, Limit: m.shape.Rows}
	}
	if col >= m.shape.Cols {
		return 0, &BoundsError{Axis: "col", Value: col, Limit: m.shape.Cols}
	}
	return int(row*m.shape.Cols + col), nil
}

// Set writes global (row, col). Foreign coordinates fail with
// *partition.OutOfPartitionRangeError.
func (m *Dense) Set(row, col uint64, v float64) error {
	i, err := m.local(row, col)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[i] = v
	m.mu.Unlock()
	return nil
}

// Get reads global (row, col).
func (m *Dense) Get(row, col uint64) (float64, error) {
	i, err := m.local(row, col)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[i], nil
}

// Update replaces global (row, col) with fn(old) atomically.
func (m *Dense) Update(row, col uint64, fn func(float64) float64) error {
	i, err := m.local(row, col)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[i] = fn(m.data[i])
	m.mu.Unlock()
	return nil
}

func (m *Dense) SetLocal(row, col uint64, v float64) error {
	i, err := m.checkLocal(row, col)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[i] = v
	m.mu.Unlock()
	return nil
}

func (m *Dense) GetLocal(row, col uint64) (float64, error) {
	i, err := m.checkLocal(row, col)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data[i], nil
}

// Row returns a copy of local row r.
func (m *Dense) Row(r uint64) ([]float64, error) {
	i, err := m.checkLocal(r, 0)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.data[i:i+int(m.shape.Cols)]...), nil
}

// AssignRow overwrites local row r.
func (m *Dense) AssignRow(r uint64, vals []float64) error {
	return m.rowOp(r, vals, func(dst *float64, v float64) { *dst = v })
}

// AddRow adds vals element-wise to local row r.
func (m *Dense) AddRow(r uint64, vals []float64) error {
	return m.rowOp(r, vals, func(dst *float64, v float64) { *dst += v })
}

func (m *Dense) rowOp(r uint64, vals []float64, op func(*float64, float64)) error {
	i, err := m.checkLocal(r, 0)
	if err != nil {
		return err
	}
	if uint64(len(vals)) != m.shape.Cols {
		return fmt.Errorf("%w: row of %d values for %d columns", ErrShapeMismatch, len(vals), m.shape.Cols)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for j, v := range vals {
		op(&m.data[i+j], v)
	}
	return nil
}

// Assign sets every local cell to v.
func (m *Dense) Assign(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data {
		m.data[i] = v
	}
}

// Snapshot returns a copy of the local cells in row-major order.
func (m *Dense) Snapshot() []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), m.data...)
}

// Restore replaces the local cells with data.
func (m *Dense) Restore(data []float64) error {
	if len(data) != len(m.data) {
		return fmt.Errorf("%w: %d values for %dx%d partition", ErrShapeMismatch, len(data), m.shape.Rows, m.shape.Cols)
	}
	m.mu.Lock()
	copy(m.data, data)
	m.mu.Unlock()
	return nil
}

// Merge folds remote, a snapshot of an equally shaped partition, into the local cells.
func (m *Dense) Merge(remote []float64, fn MergeFunc) error {
	if len(remote) != len(m.data) {
		return fmt.Errorf("%w: merging %d values into %d", ErrShapeMismatch, len(remote), len(m.data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cols := m.shape.Cols
	for i, rv := range remote {
		r := uint64(i)/cols + m.shape.RowOffset
		c := uint64(i)%cols + m.shape.ColOffset
		m.data[i] = fn(r, c, m.data[i], rv)
	}
	return nil
}

const denseMagic = 0x4d445350 // "PSDM"

// MarshalBinary encodes shape and cells, little endian.
func (m *Dense) MarshalBinary() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf := make([]byte, 0, 4+8*4+8*len(m.data))
	buf = binary.LittleEndian.AppendUint32(buf, denseMagic)
	for _, v := range []uint64{m.shape.Rows, m.shape.Cols, m.shape.RowOffset, m.shape.ColOffset} {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	for _, v := range m.data {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf, nil
}

// UnmarshalBinary restores cells encoded by MarshalBinary. The encoded shape must equal
// the local shape.
func (m *Dense) UnmarshalBinary(b []byte) error {
	s, data, err := DecodeDense(b)
	if err != nil {
		return err
	}
	if s != m.shape {
		return fmt.Errorf("%w: encoded %+v, local %+v", ErrShapeMismatch, s, m.shape)
	}
	return m.Restore(data)
}

// DecodeDense splits a MarshalBinary encoding into its shape and cells.
func DecodeDense(b []byte) (partition.Shape, []float64, error) {
	if len(b) < 36 || binary.LittleEndian.Uint32(b) != denseMagic {
		return partition.Shape{}, nil, fmt.Errorf("%w: not a dense partition encoding", ErrShapeMismatch)
	}
	s := partition.Shape{
		Rows:      binary.LittleEndian.Uint64(b[4:]),
		Cols:      binary.LittleEndian.Uint64(b[12:]),
		RowOffset: binary.LittleEndian.Uint64(b[20:]),
		ColOffset: binary.LittleEndian.Uint64(b[28:]),
	}
	body := b[36:]
	if uint64(len(body)) != 8*s.Rows*s.Cols {
		return partition.Shape{}, nil, fmt.Errorf("%w: truncated body", ErrShapeMismatch)
	}
	data := make([]float64, s.Rows*s.Cols)
	for i := range data {
		data[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:]))
	}
	return s, data, nil
}
