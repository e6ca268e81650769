package crdt

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/transport"
)

var (
	// ErrNegativeDelta is returned when a grow-only counter is asked to shrink.
	ErrNegativeDelta = errors.New("grow-only counter delta must be non-negative")
	// ErrDeltaOverflow is returned for a delta whose magnitude does not fit an int64.
	ErrDeltaOverflow = errors.New("counter delta out of range")
)

// GCounter is a grow-only counter. Each replica owns one slot; the count is the sum.
type GCounter struct {
	*Replica[int64]
	counts map[cluster.NodeID]int64
}

func NewGCounter(ctx context.Context, id string, topo cluster.Topology, ch transport.Channel, opts Options) (*GCounter, error) {
	g := &GCounter{counts: make(map[cluster.NodeID]int64, topo.Size())}
	r, err := NewReplica[int64](ctx, id, topo, ch, g, opts)
	if err != nil {
		return nil, err
	}
	g.Replica = r
	return g, nil
}

// Increment adds delta to the local slot and broadcasts ADD(delta).
func (g *GCounter) Increment(ctx context.Context, delta int64) error {
	if delta < 0 {
		return ErrNegativeDelta
	}
	return g.Do(ctx, func() (Operation[int64], error) {
		g.counts[g.Local()] += delta
		return Operation[int64]{Type: Add, Value: delta}, nil
	})
}

// Count is the sum over all slots.
func (g *GCounter) Count() int64 {
	var sum int64
	g.View(func() {
		for _, c := range g.counts {
			sum += c
		}
	})
	return sum
}

func (g *GCounter) Update(src cluster.NodeID, op Operation[int64]) error {
	switch op.Type {
	case Add, Increment:
		if op.Value < 0 {
			return ErrNegativeDelta
		}
		g.counts[src] += op.Value
		return nil
	}
	return fmt.Errorf("%w: %s on grow-only counter", ErrUnsupportedOp, op.Type)
}

// PNCounter supports increments and decrements as two grow-only slot sets.
type PNCounter struct {
	*Replica[int64]
	inc map[cluster.NodeID]int64
	dec map[cluster.NodeID]int64
}

func NewPNCounter(ctx context.Context, id string, topo cluster.Topology, ch transport.Channel, opts Options) (*PNCounter, error) {
	c := &PNCounter{inc: make(map[cluster.NodeID]int64), dec: make(map[cluster.NodeID]int64)}
	r, err := NewReplica[int64](ctx, id, topo, ch, c, opts)
	if err != nil {
		return nil, err
	}
	c.Replica = r
	return c, nil
}

// Increment adds delta; a negative delta decrements.
func (c *PNCounter) Increment(ctx context.Context, delta int64) error {
	if delta == math.MinInt64 {
		return fmt.Errorf("%w: %d", ErrDeltaOverflow, delta)
	}
	if delta < 0 {
		return c.Decrement(ctx, -delta)
	}
	return c.Do(ctx, func() (Operation[int64], error) {
		c.inc[c.Local()] += delta
		return Operation[int64]{Type: Increment, Value: delta}, nil
	})
}

// Decrement subtracts delta; a negative delta increments.
func (c *PNCounter) Decrement(ctx context.Context, delta int64) error {
	if delta == math.MinInt64 {
		return fmt.Errorf("%w: %d", ErrDeltaOverflow, delta)
	}
	if delta < 0 {
		return c.Increment(ctx, -delta)
	}
	return c.Do(ctx, func() (Operation[int64], error) {
		c.dec[c.Local()] += delta
		return Operation[int64]{Type: Decrement, Value: delta}, nil
	})
}

func (c *PNCounter) Count() int64 {
	var sum int64
	c.View(func() {
		for _, v := range c.inc {
			sum += v
		}
		for _, v := range c.dec {
			sum -= v
		}
	})
	return sum
}

func (c *PNCounter) Update(src cluster.NodeID, op Operation[int64]) error {
	if op.Value < 0 {
		return fmt.Errorf("negative %s delta %d", op.Type, op.Value)
	}
	switch op.Type {
	case Increment, Add:
		c.inc[src] += op.Value
	case Decrement:
		c.dec[src] += op.Value
	default:
		return fmt.Errorf("%w: %s on counter", ErrUnsupportedOp, op.Type)
	}
	return nil
}
