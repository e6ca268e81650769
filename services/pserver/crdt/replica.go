package crdt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/transport"
)

var (
	// ErrFinished is returned when a finished replica is mutated.
	ErrFinished = errors.New("replica finished")
	// ErrUnsupportedOp is returned by update hooks for operation types they do not handle.
	ErrUnsupportedOp = errors.New("unsupported operation")
)

// Updater applies a remote operation to the concrete data type. It is called with the
// replica lock held, on the dispatch goroutine.
type Updater[T any] interface {
	Update(src cluster.NodeID, op Operation[T]) error
}

// Options tunes a replica.
type Options struct {
	Logger *slog.Logger
	// FinishTimeout bounds Finish in addition to its context. Zero means no extra bound.
	FinishTimeout time.Duration
	// DiagnosticInterval is how often a blocked wait logs the membership it is waiting on.
	DiagnosticInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DiagnosticInterval <= 0 {
		o.DiagnosticInterval = 5 * time.Second
	}
	return o
}

// Replica carries the membership and broadcast protocol shared by every operation-based
// type. Concrete types embed it and supply the Updater hook.
//
// Local operations issued before every remote replica announced itself are buffered and
// flushed in order once they all have. Finish broadcasts END and returns after END was
// seen from every remote replica.
type Replica[T any] struct {
	id      string
	topo    cluster.Topology
	remotes []cluster.NodeID
	ch      transport.Channel
	hook    Updater[T]
	opts    Options
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	running    map[cluster.NodeID]struct{}
	finished   map[cluster.NodeID]struct{}
	buffer     []Operation[T]
	runningCh  chan struct{}
	finishedCh chan struct{}
	subs       []transport.Subscription

	broadcasts metric.Int64Counter
	buffered   metric.Int64Counter
	delivered  metric.Int64Counter
	attrs      metric.MeasurementOption
}

func runningTopic(id string) string { return "crdt." + id + ".running" }
func opTopic(id string) string      { return "crdt." + id + ".op" }

// NewReplica installs the protocol listeners on ch and announces the replica to every
// remote node of topo.
func NewReplica[T any](ctx context.Context, id string, topo cluster.Topology, ch transport.Channel, hook Updater[T], opts Options) (*Replica[T], error) {
	if err := topo.Validate(); err != nil {
		return nil, fmt.Errorf("replica %s: %w", id, err)
	}
	if ch.Local() != topo.Local {
		return nil, fmt.Errorf("replica %s: channel node %d is not topology node %d", id, ch.Local(), topo.Local)
	}
	opts = opts.withDefaults()
	meter := otel.Meter("pserver-go")
	r := &Replica[T]{
		id:         id,
		topo:       topo,
		remotes:    topo.Remotes(),
		ch:         ch,
		hook:       hook,
		opts:       opts,
		logger:     opts.Logger.With("replica", id, "node", int(topo.Local)),
		running:    make(map[cluster.NodeID]struct{}),
		finished:   make(map[cluster.NodeID]struct{}),
		runningCh:  make(chan struct{}),
		finishedCh: make(chan struct{}),
		attrs:      metric.WithAttributes(attribute.String("replica", id)),
	}
	r.broadcasts, _ = meter.Int64Counter("pserver_crdt_ops_broadcast_total")
	r.buffered, _ = meter.Int64Counter("pserver_crdt_ops_buffered_total")
	r.delivered, _ = meter.Int64Counter("pserver_crdt_ops_delivered_total")

	for topic, h := range map[string]transport.Handler{
		runningTopic(id): r.onRunning,
		opTopic(id):      r.onOperation,
	} {
		sub, err := ch.AddListener(topic, h)
		if err != nil {
			r.release()
			return nil, fmt.Errorf("replica %s: listen %s: %w", id, topic, err)
		}
		r.subs = append(r.subs, sub)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ch.PushTo(ctx, runningTopic(id), nil, r.remotes...); err != nil {
		r.logger.Warn("running announcement failed", "error", err)
	}
	if len(r.remotes) == 0 {
		r.becomeRunning(ctx)
		close(r.finishedCh)
	}
	return r, nil
}

func (r *Replica[T]) ID() string                 { return r.id }
func (r *Replica[T]) Topology() cluster.Topology { return r.topo }
func (r *Replica[T]) Local() cluster.NodeID      { return r.topo.Local }

// State returns the lifecycle state.
func (r *Replica[T]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Buffer returns a copy of the operations still waiting for every replica to run.
func (r *Replica[T]) Buffer() []Operation[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.buffer)
}

// RunningNodes lists the remote nodes that announced themselves, sorted.
func (r *Replica[T]) RunningNodes() []cluster.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.running)
}

// FinishedNodes lists the remote nodes whose END was received, sorted.
func (r *Replica[T]) FinishedNodes() []cluster.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.finished)
}

func sortedKeys(m map[cluster.NodeID]struct{}) []cluster.NodeID {
	out := make([]cluster.NodeID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (r *Replica[T]) isRemote(id cluster.NodeID) bool {
	return id != r.topo.Local && r.topo.Contains(id)
}

// Broadcast sends op to every remote replica, or buffers it while the replica is starting.
func (r *Replica[T]) Broadcast(ctx context.Context, op Operation[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(ctx, op)
}

// Do runs a local mutation and broadcasts the operation it returns, atomically with
// respect to remote deliveries.
func (r *Replica[T]) Do(ctx context.Context, mutate func() (Operation[T], error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Finished || r.state == Finishing {
		return ErrFinished
	}
	op, err := mutate()
	if err != nil {
		return err
	}
	return r.broadcastLocked(ctx, op)
}

// View runs fn under the replica lock.
func (r *Replica[T]) View(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

func (r *Replica[T]) broadcastLocked(ctx context.Context, op Operation[T]) error {
	switch r.state {
	case Starting:
		r.buffer = append(r.buffer, op)
		r.buffered.Add(ctx, 1, r.attrs)
		return nil
	case Finishing, Finished:
		return ErrFinished
	}
	if err := r.flushLocked(ctx); err != nil {
		return err
	}
	return r.send(ctx, op)
}

func (r *Replica[T]) send(ctx context.Context, op Operation[T]) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("replica %s: encode %s: %w", r.id, op.Type, err)
	}
	if err := r.ch.PushTo(ctx, opTopic(r.id), payload, r.remotes...); err != nil {
		return fmt.Errorf("replica %s: push %s: %w", r.id, op.Type, err)
	}
	r.broadcasts.Add(ctx, 1, r.attrs)
	return nil
}

func (r *Replica[T]) flushLocked(ctx context.Context) error {
	for len(r.buffer) > 0 {
		if err := r.send(ctx, r.buffer[0]); err != nil {
			return err
		}
		r.buffer = r.buffer[1:]
	}
	r.buffer = nil
	return nil
}

// becomeRunning re-announces the replica for nodes that joined after the first
// announcement, then flushes the buffer.
func (r *Replica[T]) becomeRunning(ctx context.Context) {
	r.state = Running
	if err := r.ch.PushTo(ctx, runningTopic(r.id), nil, r.remotes...); err != nil {
		r.logger.Warn("running re-announcement failed", "error", err)
	}
	if err := r.flushLocked(ctx); err != nil {
		r.logger.Warn("buffer flush failed", "pending", len(r.buffer), "error", err)
	}
	close(r.runningCh)
	r.logger.Debug("all replicas running", "remotes", len(r.remotes))
}

func (r *Replica[T]) onRunning(ctx context.Context, src cluster.NodeID, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRemote(src) {
		r.logger.Warn("running announcement from unknown node", "src", int(src))
		return
	}
	r.running[src] = struct{}{}
	if r.state == Starting && len(r.running) == len(r.remotes) {
		r.becomeRunning(ctx)
	}
}

func (r *Replica[T]) onOperation(ctx context.Context, src cluster.NodeID, payload []byte) {
	var op Operation[T]
	if err := json.Unmarshal(payload, &op); err != nil {
		r.logger.Warn("dropping malformed operation", "src", int(src), "error", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRemote(src) {
		r.logger.Warn("operation from unknown node", "src", int(src), "op", op.Type.String())
		return
	}
	if op.Type == End {
		if _, dup := r.finished[src]; dup {
			return
		}
		r.finished[src] = struct{}{}
		if len(r.finished) == len(r.remotes) {
			close(r.finishedCh)
		}
		return
	}
	if err := r.hook.Update(src, op); err != nil {
		r.logger.Warn("dropping operation", "src", int(src), "op", op.Type.String(), "error", err)
		return
	}
	r.delivered.Add(ctx, 1, r.attrs)
}

// WaitRunning blocks until every remote replica announced itself.
func (r *Replica[T]) WaitRunning(ctx context.Context) error {
	return r.wait(ctx, r.runningCh, "running")
}

// Finish waits until every replica runs, broadcasts END and waits for END from every
// remote replica. It returns early with the context error when ctx ends or the configured
// finish timeout expires; the replica then stays usable and Finish may be retried.
func (r *Replica[T]) Finish(ctx context.Context) error {
	if r.opts.FinishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.FinishTimeout)
		defer cancel()
	}
	if err := r.wait(ctx, r.runningCh, "running"); err != nil {
		return err
	}
	r.mu.Lock()
	switch r.state {
	case Finished:
		r.mu.Unlock()
		return nil
	case Running:
		if err := r.flushLocked(ctx); err != nil {
			r.mu.Unlock()
			return err
		}
		if err := r.send(ctx, Operation[T]{Type: End}); err != nil {
			r.mu.Unlock()
			return err
		}
		r.state = Finishing
	}
	r.mu.Unlock()

	if err := r.wait(ctx, r.finishedCh, "finished"); err != nil {
		return err
	}
	r.mu.Lock()
	r.state = Finished
	r.mu.Unlock()
	r.release()
	r.logger.Debug("replica finished")
	return nil
}

func (r *Replica[T]) wait(ctx context.Context, ch <-chan struct{}, what string) error {
	tick := time.NewTicker(r.opts.DiagnosticInterval)
	defer tick.Stop()
	for {
		select {
		case <-ch:
			return nil
		case <-tick.C:
			r.logMembership(slog.LevelWarn, "still waiting for replicas", what)
		case <-ctx.Done():
			r.logMembership(slog.LevelError, "gave up waiting for replicas", what)
			return fmt.Errorf("replica %s waiting for %s: %w", r.id, what, ctx.Err())
		}
	}
}

func (r *Replica[T]) logMembership(level slog.Level, msg, what string) {
	r.mu.Lock()
	state, running, finished := r.state, sortedKeys(r.running), sortedKeys(r.finished)
	buffered := len(r.buffer)
	r.mu.Unlock()
	r.logger.Log(context.Background(), level, msg, "waiting_for", what, "state", state.String(),
		"remotes", r.remotes, "running", running, "finished", finished, "buffered", buffered)
}

// Close removes the protocol listeners without finishing.
func (r *Replica[T]) Close() {
	r.release()
}

func (r *Replica[T]) release() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			r.logger.Warn("unsubscribe failed", "error", err)
		}
	}
}
