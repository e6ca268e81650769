package matrix

import (
	"slices"
	"sync"

	"github.com/pservergo/pserver/services/pserver/partition"
)

// SparseEntry is one non-zero of a sparse row, column in local coordinates.
type SparseEntry struct {
	Col   uint64
	Value float64
}

// CSR is a write-once compressed sparse row partition: rows are appended in order, Build
// freezes the structure, and only then can it be read.
type CSR struct {
	mu     sync.RWMutex
	p      partition.Partitioner
	shape  partition.Shape
	rowPtr []int
	cols   []uint64
	vals   []float64
	built  bool
}

func NewCSR(p partition.Partitioner) *CSR {
	return &CSR{p: p, shape: p.Shape(), rowPtr: []int{0}}
}

func (m *CSR) Partitioner() partition.Partitioner { return m.p }
func (m *CSR) Shape() partition.Shape             { return m.shape }

func (m *CSR) rows() uint64 { return uint64(len(m.rowPtr) - 1) }

// AppendRow adds local row r. Rows skipped since the last append become empty rows.
// Entries are sorted by column; duplicates keep the last value.
func (m *CSR) AppendRow(r uint64, entries []SparseEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.built {
		return ErrBuilt
	}
	if r >= m.shape.Rows {
		return &BoundsError{Axis: "row", Value: r, Limit: m.shape.Rows}
	}
	if r < m.rows() {
		return ErrRowOrder
	}
	for _, e := range entries {
		if e.Col >= m.shape.Cols {
			return &BoundsError{Axis: "col", Value: e.Col, Limit: m.shape.Cols}
		}
	}
	m.pad(r)
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b SparseEntry) int {
		switch {
		case a.Col < b.Col:
			return -1
		case a.Col > b.Col:
			return 1
		}
		return 0
	})
	for i, e := range sorted {
		if i+1 < len(sorted) && sorted[i+1].Col == e.Col {
			continue
		}
		m.cols = append(m.cols, e.Col)
		m.vals = append(m.vals, e.Value)
	}
	m.rowPtr = append(m.rowPtr, len(m.vals))
	return nil
}

// pad appends empty rows until row r is next.
func (m *CSR) pad(r uint64) {
	for m.rows() < r {
		m.rowPtr = append(m.rowPtr, len(m.vals))
	}
}

// Build pads the remaining rows and freezes the matrix.
func (m *CSR) Build() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.built {
		return ErrBuilt
	}
	m.pad(m.shape.Rows)
	m.built = true
	return nil
}

func (m *CSR) Built() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.built
}

// NNZ is the number of stored entries.
func (m *CSR) NNZ() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vals)
}

// Get reads global (row, col); missing entries are zero.
func (m *CSR) Get(row, col uint64) (float64, error) {
	lr, err := m.p.GlobalToLocalRow(row)
	if err != nil {
		return 0, err
	}
	lc, err := m.p.GlobalToLocalCol(col)
	if err != nil {
		return 0, err
	}
	return m.GetLocal(lr, lc)
}

func (m *CSR) GetLocal(row, col uint64) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.built {
		return 0, ErrNotBuilt
	}
	if row >= m.shape.Rows {
		return 0, &BoundsError{Axis: "row", Value: row, Limit: m.shape.Rows}
	}
	if col >= m.shape.Cols {
		return 0, &BoundsError{Axis: "col", Value: col, Limit: m.shape.Cols}
	}
	lo, hi := m.rowPtr[row], m.rowPtr[row+1]
	if i, ok := slices.BinarySearch(m.cols[lo:hi], col); ok {
		return m.vals[lo+i], nil
	}
	return 0, nil
}

// ForEachRow calls fn for every local row in order. The slices alias internal storage and
// must not be modified.
func (m *CSR) ForEachRow(fn func(row uint64, cols []uint64, vals []float64) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.built {
		return ErrNotBuilt
	}
	for r := 0; r+1 < len(m.rowPtr); r++ {
		lo, hi := m.rowPtr[r], m.rowPtr[r+1]
		if err := fn(uint64(r), m.cols[lo:hi], m.vals[lo:hi]); err != nil {
			return err
		}
	}
	return nil
}
