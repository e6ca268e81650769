package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/pservergo/pserver/services/pserver/partition"
)

// Stats summarises one load.
type Stats struct {
	Records   int `json:"records"`
	Entries   int `json:"entries"`
	Labels    int `json:"labels"`
	Foreign   int `json:"foreign"`
	Discarded int `json:"discarded"`
}

// Task loads Source into Target. With Labels set, column 0 of every record goes to
// Labels and the remaining columns shift left by one.
type Task struct {
	Name   string
	Source Source
	Target Matrix
	Labels *Dense
}

// Loader streams records into local partitions. Records owned by other nodes are skipped
// and entries outside the declared matrix are discarded.
type Loader struct {
	logger  *slog.Logger
	records metric.Int64Counter
	skipped metric.Int64Counter
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("pserver-go")
	records, _ := meter.Int64Counter("pserver_loader_records_total")
	skipped, _ := meter.Int64Counter("pserver_loader_skipped_entries_total")
	return &Loader{logger: logger, records: records, skipped: skipped}
}

type strategy interface {
	put(e Entry, st *Stats) error
	done() error
}

// Load drains t.Source into t.Target. A FormatError or a storage error aborts the load.
func (l *Loader) Load(ctx context.Context, t Task) (Stats, error) {
	var st Stats
	var s strategy
	switch m := t.Target.(type) {
	case *Dense:
		s = denseStrategy{m: m}
	case *CSR:
		s = &csrStrategy{m: m, row: -1}
	default:
		return st, fmt.Errorf("load %s: unsupported target %T", t.Name, t.Target)
	}
	p := t.Target.Partitioner()
	for {
		if st.Records%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
		}
		rec, err := t.Source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("load %s: %w", t.Name, err)
		}
		st.Records++
		for _, e := range rec.Entries {
			if t.Labels != nil {
				if e.Col == 0 {
					if err := t.Labels.Set(e.Row, 0, e.Value); err == nil {
						st.Labels++
					} else if !partition.IsForeign(err) {
						return st, fmt.Errorf("load %s labels: %w", t.Name, err)
					}
					continue
				}
				e.Col--
			}
			if e.Row >= p.GlobalRows() || e.Col >= p.GlobalCols() {
				st.Discarded++
				continue
			}
			if err := s.put(e, &st); err != nil {
				return st, fmt.Errorf("load %s line %d: %w", t.Name, rec.Line, err)
			}
		}
	}
	if err := s.done(); err != nil {
		return st, fmt.Errorf("load %s: %w", t.Name, err)
	}
	attrs := metric.WithAttributes(attribute.String("state", t.Name))
	l.records.Add(ctx, int64(st.Records), attrs)
	l.skipped.Add(ctx, int64(st.Foreign+st.Discarded), attrs)
	l.logger.Debug("matrix loaded", "state", t.Name, "records", st.Records, "entries", st.Entries,
		"foreign", st.Foreign, "discarded", st.Discarded)
	return st, nil
}

// LoadAll runs independent tasks concurrently. Tasks sharing a CSR target are not allowed.
func (l *Loader) LoadAll(ctx context.Context, tasks []Task) (map[string]Stats, error) {
	var mu sync.Mutex
	out := make(map[string]Stats, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			st, err := l.Load(ctx, t)
			if err != nil {
				return err
			}
			mu.Lock()
			out[t.Name] = st
			mu.Unlock()
			return nil
		})
	}
	return out, g.Wait()
}

type denseStrategy struct{ m *Dense }

func (d denseStrategy) put(e Entry, st *Stats) error {
	err := d.m.Set(e.Row, e.Col, e.Value)
	switch {
	case err == nil:
		st.Entries++
	case partition.IsForeign(err):
		st.Foreign++
	default:
		return err
	}
	return nil
}

func (denseStrategy) done() error { return nil }

// csrStrategy buffers the entries of the current row and appends the row once a record for
// another row arrives. Input must therefore be grouped by row in increasing order.
type csrStrategy struct {
	m   *CSR
	row int64
	buf map[uint64]float64
}

func (c *csrStrategy) put(e Entry, st *Stats) error {
	p := c.m.Partitioner()
	lr, err := p.GlobalToLocalRow(e.Row)
	if err != nil {
		if partition.IsForeign(err) {
			st.Foreign++
			return nil
		}
		return err
	}
	lc, err := p.GlobalToLocalCol(e.Col)
	if err != nil {
		if partition.IsForeign(err) {
			st.Foreign++
			return nil
		}
		return err
	}
	if int64(lr) != c.row {
		if err := c.flush(); err != nil {
			return err
		}
		c.row = int64(lr)
		c.buf = make(map[uint64]float64)
	}
	c.buf[lc] = e.Value
	st.Entries++
	return nil
}

func (c *csrStrategy) flush() error {
	if c.row < 0 {
		return nil
	}
	cols := slices.Sorted(maps.Keys(c.buf))
	entries := make([]SparseEntry, len(cols))
	for i, col := range cols {
		entries[i] = SparseEntry{Col: col, Value: c.buf[col]}
	}
	return c.m.AppendRow(uint64(c.row), entries)
}

func (c *csrStrategy) done() error {
	if err := c.flush(); err != nil {
		return err
	}
	return c.m.Build()
}
