package remote

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/matrix"
	"github.com/pservergo/pserver/services/pserver/transport"
)

// SumMerge adds the remote value to the local one.
func SumMerge(_, _ uint64, local, remote float64) float64 { return local + remote }

// EpochLedger remembers which (node, epoch) partial updates were applied to a state so a
// re-delivered update is merged at most once.
type EpochLedger interface {
	// MarkApplied records the update and reports false when it was already recorded.
	MarkApplied(state string, node cluster.NodeID, epoch uint64) (bool, error)
	Applied(state string, node cluster.NodeID, epoch uint64) (bool, error)
}

type ledgerKey struct {
	state string
	node  cluster.NodeID
	epoch uint64
}

// MemoryLedger is an in-process EpochLedger.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[ledgerKey]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[ledgerKey]struct{})}
}

func (l *MemoryLedger) MarkApplied(state string, node cluster.NodeID, epoch uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := ledgerKey{state, node, epoch}
	if _, ok := l.seen[k]; ok {
		return false, nil
	}
	l.seen[k] = struct{}{}
	return true, nil
}

func (l *MemoryLedger) Applied(state string, node cluster.NodeID, epoch uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[ledgerKey{state, node, epoch}]
	return ok, nil
}

// UpdateOptions tunes an UpdateController.
type UpdateOptions struct {
	Logger  *slog.Logger
	Timeout time.Duration
	Ledger  EpochLedger
	// Session scopes the ledger entries of this controller. An empty session gets a fresh
	// random one, so epochs of an earlier run are never mistaken for applied ones. Reuse a
	// session only to resume the same run.
	Session string
}

// UpdateController exchanges per-epoch partial updates of a replicated state. Every node
// publishes a snapshot of its local accumulation and keeps it as its own entry for the
// epoch. Pulling folds all partials in ascending node id order, starting from the lowest
// node's, and assigns the result to the local matrix, so every node computes the same
// value bit for bit.
type UpdateController struct {
	name   string
	scope  string
	m      *matrix.Dense
	topo   cluster.Topology
	ch     transport.Channel
	merge  matrix.MergeFunc
	opts   UpdateOptions
	logger *slog.Logger

	mu     sync.Mutex
	inbox  map[uint64]map[cluster.NodeID][]float64
	notify chan struct{}
	sub    transport.Subscription

	merged metric.Int64Counter
	attrs  metric.MeasurementOption
}

func updateTopic(name string) string { return "state." + name + ".update" }

// NewUpdateController starts receiving partial updates of state name from the remote
// nodes of topo.
func NewUpdateController(name string, m *matrix.Dense, topo cluster.Topology, ch transport.Channel, merge matrix.MergeFunc, opts UpdateOptions) (*UpdateController, error) {
	if m == nil {
		return nil, fmt.Errorf("update controller %s: %w", name, ErrNoLocalState)
	}
	if merge == nil {
		merge = SumMerge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Ledger == nil {
		opts.Ledger = NewMemoryLedger()
	}
	if opts.Session == "" {
		opts.Session = uuid.NewString()
	}
	u := &UpdateController{
		name:   name,
		scope:  name + "@" + opts.Session,
		m:      m,
		topo:   topo,
		ch:     ch,
		merge:  merge,
		opts:   opts,
		logger: opts.Logger.With("state", name, "node", int(topo.Local)),
		inbox:  make(map[uint64]map[cluster.NodeID][]float64),
		notify: make(chan struct{}),
		attrs:  metric.WithAttributes(attribute.String("state", name)),
	}
	u.merged, _ = otel.Meter("pserver-go").Int64Counter("pserver_remote_merges_total")
	sub, err := ch.AddListener(updateTopic(name), u.onUpdate)
	if err != nil {
		return nil, fmt.Errorf("update controller %s: %w", name, err)
	}
	u.sub = sub
	return u, nil
}

func encodeUpdate(epoch uint64, m *matrix.Dense) ([]byte, error) {
	body, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(binary.LittleEndian.AppendUint64(nil, epoch), body...), nil
}

// Publish sends the current local matrix as this node's partial update for epoch and
// keeps it as the local entry of that epoch.
func (u *UpdateController) Publish(ctx context.Context, epoch uint64) error {
	payload, err := encodeUpdate(epoch, u.m)
	if err != nil {
		return fmt.Errorf("update controller %s: encode epoch %d: %w", u.name, epoch, err)
	}
	if applied, _ := u.opts.Ledger.Applied(u.scope, u.topo.Local, epoch); !applied {
		_, values, err := matrix.DecodeDense(payload[8:])
		if err != nil {
			return fmt.Errorf("update controller %s: encode epoch %d: %w", u.name, epoch, err)
		}
		u.mu.Lock()
		u.store(epoch, u.topo.Local, values)
		u.mu.Unlock()
	}
	if err := u.ch.PushTo(ctx, updateTopic(u.name), payload, u.topo.Remotes()...); err != nil {
		return fmt.Errorf("update controller %s: publish epoch %d: %w", u.name, epoch, err)
	}
	return nil
}

// Pull waits for the partial update of every remote node for epoch and folds all partials
// in ascending node id order. When nothing was published locally for epoch, the current
// local matrix stands in for this node's partial. Pulling an epoch that was already folded
// is a no-op.
func (u *UpdateController) Pull(ctx context.Context, epoch uint64) error {
	if applied, err := u.opts.Ledger.Applied(u.scope, u.topo.Local, epoch); err != nil {
		return fmt.Errorf("update controller %s: ledger: %w", u.name, err)
	} else if applied {
		u.logger.Debug("epoch already folded", "epoch", epoch)
		u.mu.Lock()
		delete(u.inbox, epoch)
		u.mu.Unlock()
		return nil
	}
	remotes := u.topo.Remotes()
	timer := time.NewTimer(u.opts.Timeout)
	defer timer.Stop()
	for {
		u.mu.Lock()
		got := u.inbox[epoch]
		complete := true
		for _, n := range remotes {
			if _, ok := got[n]; !ok {
				complete = false
				break
			}
		}
		if complete {
			delete(u.inbox, epoch)
			u.mu.Unlock()
			if got == nil {
				got = make(map[cluster.NodeID][]float64, 1)
			}
			if _, ok := got[u.topo.Local]; !ok {
				got[u.topo.Local] = u.m.Snapshot()
			}
			return u.fold(epoch, got)
		}
		notify := u.notify
		u.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			te := &TimeoutError{Op: "pull", State: u.name, Nodes: remotes, After: u.opts.Timeout}
			u.mu.Lock()
			for _, n := range remotes {
				if _, ok := u.inbox[epoch][n]; ok {
					te.Replied = append(te.Replied, n)
				}
			}
			u.mu.Unlock()
			return te
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (u *UpdateController) fold(epoch uint64, got map[cluster.NodeID][]float64) error {
	nodes := make([]cluster.NodeID, 0, len(got))
	for n := range got {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	acc := matrix.NewDense(u.m.Partitioner())
	if err := acc.Restore(got[nodes[0]]); err != nil {
		return fmt.Errorf("update controller %s: node %d epoch %d: %w", u.name, nodes[0], epoch, err)
	}
	for _, n := range nodes[1:] {
		if err := acc.Merge(got[n], u.merge); err != nil {
			return fmt.Errorf("update controller %s: merge node %d epoch %d: %w", u.name, n, epoch, err)
		}
	}
	if err := u.m.Restore(acc.Snapshot()); err != nil {
		return fmt.Errorf("update controller %s: epoch %d: %w", u.name, epoch, err)
	}
	for _, n := range nodes {
		if _, err := u.opts.Ledger.MarkApplied(u.scope, n, epoch); err != nil {
			return fmt.Errorf("update controller %s: ledger: %w", u.name, err)
		}
	}
	u.merged.Add(context.Background(), int64(len(nodes)-1), u.attrs)
	return nil
}

// Sync publishes the local partial update for epoch and folds the epoch.
func (u *UpdateController) Sync(ctx context.Context, epoch uint64) error {
	if err := u.Publish(ctx, epoch); err != nil {
		return err
	}
	return u.Pull(ctx, epoch)
}

func (u *UpdateController) onUpdate(_ context.Context, src cluster.NodeID, payload []byte) {
	if !u.topo.Contains(src) || src == u.topo.Local {
		u.logger.Warn("update from unknown node", "src", int(src))
		return
	}
	if len(payload) < 8 {
		u.logger.Warn("dropping short update", "src", int(src), "bytes", len(payload))
		return
	}
	epoch := binary.LittleEndian.Uint64(payload)
	shape, values, err := matrix.DecodeDense(payload[8:])
	if err != nil || shape.Rows != u.m.Shape().Rows || shape.Cols != u.m.Shape().Cols {
		u.logger.Warn("dropping malformed update", "src", int(src), "epoch", epoch, "error", err)
		return
	}
	if applied, _ := u.opts.Ledger.Applied(u.scope, src, epoch); applied {
		u.logger.Debug("dropping re-delivered update", "src", int(src), "epoch", epoch)
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.store(epoch, src, values)
}

// store keeps the first partial of src for epoch and wakes pullers. Callers hold mu.
func (u *UpdateController) store(epoch uint64, src cluster.NodeID, values []float64) {
	if u.inbox[epoch] == nil {
		u.inbox[epoch] = make(map[cluster.NodeID][]float64)
	}
	if _, dup := u.inbox[epoch][src]; dup {
		return
	}
	u.inbox[epoch][src] = values
	close(u.notify)
	u.notify = make(chan struct{})
}

// Close stops receiving updates.
func (u *UpdateController) Close() error {
	return u.sub.Unsubscribe()
}
