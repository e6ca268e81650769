package radt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/crdt"
	"github.com/pservergo/pserver/services/pserver/transport"
)

// Op is a causally stamped operation. Ref names the element the operation is relative
// to; nil means the head of a list.
type Op[T any] struct {
	Type  crdt.OpType `json:"type"`
	Value T           `json:"value"`
	Ref   *S4Vector   `json:"ref,omitempty"`
	Clock VectorClock `json:"clock"`
	S4    S4Vector    `json:"s4"`
}

// Options tunes a causal replica.
type Options struct {
	crdt.Options
	// Session separates incarnations of the same replica id. Defaults to 1.
	Session uint32
}

// Core adds causal delivery to a crdt.Replica. Remote operations wait in a queue until
// everything their issuer had seen was delivered locally, then reach apply in that order.
type Core[T any] struct {
	*crdt.Replica[Op[T]]
	topo    cluster.Topology
	site    int
	session uint32
	clock   VectorClock
	queue   deliveryQueue[T]
	apply   func(Op[T]) error
	logger  *slog.Logger

	deferred metric.Int64Counter
}

func newCore[T any](ctx context.Context, id string, topo cluster.Topology, ch transport.Channel, opts Options, apply func(Op[T]) error) (*Core[T], error) {
	if opts.Session == 0 {
		opts.Session = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Core[T]{
		topo:    topo,
		site:    topo.LocalIndex(),
		session: opts.Session,
		clock:   NewVectorClock(topo.Size()),
		apply:   apply,
		logger:  logger.With("radt", id, "node", int(topo.Local)),
	}
	c.deferred, _ = otel.Meter("pserver-go").Int64Counter("pserver_radt_ops_deferred_total")
	r, err := crdt.NewReplica[Op[T]](ctx, id, topo, ch, c, opts.Options)
	if err != nil {
		return nil, err
	}
	c.Replica = r
	return c, nil
}

var errNoop = errors.New("no-op")

// mutate stamps the operation built by prepare with the next local clock, applies it and
// broadcasts it. prepare runs under the replica lock, so it may read the structure. A
// prepare returning errNoop ends the call without error or broadcast.
func (c *Core[T]) mutate(ctx context.Context, prepare func() (Op[T], error)) error {
	err := c.Do(ctx, func() (crdt.Operation[Op[T]], error) {
		op, err := prepare()
		if err != nil {
			return crdt.Operation[Op[T]]{}, err
		}
		next := c.clock.Increment(c.site)
		op.Clock = next
		op.S4 = S4Vector{Session: c.session, Site: uint32(c.site), Sum: next.Sum(), Seq: next[c.site]}
		if err := c.apply(op); err != nil {
			return crdt.Operation[Op[T]]{}, err
		}
		c.clock = next
		return crdt.Operation[Op[T]]{Type: op.Type, Value: op}, nil
	})
	if errors.Is(err, errNoop) {
		return nil
	}
	return err
}

// Update queues a remote operation and delivers every operation that became ready. It is
// the replica hook and runs under the replica lock.
func (c *Core[T]) Update(src cluster.NodeID, wire crdt.Operation[Op[T]]) error {
	op := wire.Value
	site := c.topo.Index(src)
	switch {
	case site < 0:
		return fmt.Errorf("operation from unknown node %d", src)
	case len(op.Clock) != len(c.clock):
		return fmt.Errorf("clock %s has %d slots, want %d", op.Clock, len(op.Clock), len(c.clock))
	case int(op.S4.Site) != site:
		return fmt.Errorf("operation %s stamped by site %d arrived from site %d", op.S4, op.S4.Site, site)
	case op.Clock[site] <= c.clock[site]:
		c.logger.Debug("dropping duplicate operation", "s4", op.S4.String())
		return nil
	}
	c.queue.push(site, op)
	var errs []error
	for {
		next, ok := c.queue.popReady(c.clock)
		if !ok {
			break
		}
		c.clock = c.clock.Merge(next.op.Clock)
		if err := c.apply(next.op); err != nil {
			errs = append(errs, err)
		}
	}
	if n := c.queue.len(); n > 0 {
		c.deferred.Add(context.Background(), 1)
		c.logger.Debug("operations waiting for causal predecessors", "pending", n)
	}
	return errors.Join(errs...)
}

// Pending is the number of received operations not yet delivered.
func (c *Core[T]) Pending() int {
	var n int
	c.View(func() { n = c.queue.len() })
	return n
}

// Clock returns a copy of the local vector clock.
func (c *Core[T]) Clock() VectorClock {
	var v VectorClock
	c.View(func() { v = c.clock.Clone() })
	return v
}
