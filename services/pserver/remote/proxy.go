package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pservergo/pserver/libs/go/core/resilience"
	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/matrix"
	"github.com/pservergo/pserver/services/pserver/partition"
	"github.com/pservergo/pserver/services/pserver/transport"
)

// DefaultTimeout bounds a remote call when ProxyOptions.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// RemoteState reads and writes cells of a distributed state by global coordinates,
// wherever they live.
type RemoteState interface {
	Get(ctx context.Context, row, col uint64) (float64, error)
	Set(ctx context.Context, row, col uint64, v float64) error
}

// ProxyOptions tunes a Proxy.
type ProxyOptions struct {
	Logger  *slog.Logger
	Timeout time.Duration
	// GetAttempts is how often a timed out Get is tried in total. Defaults to 1, so a
	// Get to a silent owner returns after Timeout.
	GetAttempts int
	RetryDelay  time.Duration
	Breaker     resilience.BreakerConfig
}

func (o ProxyOptions) withDefaults() ProxyOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.GetAttempts <= 0 {
		o.GetAttempts = 1
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	if o.Breaker == (resilience.BreakerConfig{}) {
		o.Breaker = resilience.DefaultBreakerConfig()
	}
	return o
}

type request struct {
	ID    string  `json:"id"`
	Op    string  `json:"op"`
	Row   uint64  `json:"row"`
	Col   uint64  `json:"col"`
	Value float64 `json:"value,omitempty"`
}

type reply struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
	Err   string  `json:"err,omitempty"`
}

const (
	opGet = "get"
	opSet = "set"
)

// waiter is the one-shot rendezvous of a single call.
type waiter struct {
	need    int
	replies map[cluster.NodeID]reply
	done    chan struct{}
}

// Proxy implements RemoteState for one named state. Cells owned by this node are served
// from the local matrix; everything else becomes a correlated request to the owners. The
// proxy also serves the requests other nodes route here.
type Proxy struct {
	name   string
	scheme Scheme
	local  *matrix.Dense
	p      partition.Partitioner
	ch     transport.Channel
	opts   ProxyOptions
	logger *slog.Logger

	mu       sync.Mutex
	waiters  map[string]*waiter
	breakers *resilience.BreakerSet[cluster.NodeID]
	subs     []transport.Subscription

	calls    metric.Int64Counter
	timeouts metric.Int64Counter
	served   metric.Int64Counter
	attrs    attribute.Set
}

func invokeTopic(name string) string { return "state." + name + ".invoke" }
func replyTopic(name string) string  { return "state." + name + ".reply" }

// NewProxy builds the proxy for state name. local is nil on nodes that do not host the
// state; routing then uses p only, whose topology lists the nodes that do.
func NewProxy(name string, scheme Scheme, local *matrix.Dense, p partition.Partitioner, ch transport.Channel, opts ProxyOptions) (*Proxy, error) {
	if scheme == Local && local == nil {
		return nil, fmt.Errorf("proxy %s: %w", name, ErrNoLocalState)
	}
	opts = opts.withDefaults()
	meter := otel.Meter("pserver-go")
	px := &Proxy{
		name:     name,
		scheme:   scheme,
		local:    local,
		p:        p,
		ch:       ch,
		opts:     opts,
		logger:   opts.Logger.With("state", name, "node", int(ch.Local())),
		waiters:  make(map[string]*waiter),
		breakers: resilience.NewBreakerSet[cluster.NodeID](opts.Breaker),
		attrs:    attribute.NewSet(attribute.String("state", name)),
	}
	px.calls, _ = meter.Int64Counter("pserver_remote_calls_total")
	px.timeouts, _ = meter.Int64Counter("pserver_remote_timeouts_total")
	px.served, _ = meter.Int64Counter("pserver_remote_served_total")

	if scheme == Local {
		return px, nil
	}
	listeners := map[string]transport.Handler{replyTopic(name): px.onReply}
	if local != nil {
		listeners[invokeTopic(name)] = px.onInvoke
	}
	for topic, h := range listeners {
		sub, err := ch.AddListener(topic, h)
		if err != nil {
			px.Close()
			return nil, fmt.Errorf("proxy %s: listen %s: %w", name, topic, err)
		}
		px.subs = append(px.subs, sub)
	}
	return px, nil
}

func (px *Proxy) Name() string         { return px.name }
func (px *Proxy) Scheme() Scheme       { return px.scheme }
func (px *Proxy) Local() *matrix.Dense { return px.local }

// nodes is the state's node set.
func (px *Proxy) nodes() []cluster.NodeID { return px.p.Topology().Nodes }

// route returns the nodes an operation on (row, col) goes to and how many replies
// complete it. An empty node list means the local matrix serves it.
func (px *Proxy) route(op string, row, col uint64) ([]cluster.NodeID, int, error) {
	self := px.ch.Local()
	hosted := px.local != nil
	switch px.scheme {
	case Local:
		return nil, 0, nil
	case Singleton:
		owner := px.nodes()[0]
		if owner == self && hosted {
			return nil, 0, nil
		}
		return []cluster.NodeID{owner}, 1, nil
	case Replicated:
		if op == opGet {
			if hosted {
				return nil, 0, nil
			}
			return px.nodes(), 1, nil
		}
		remotes := slices.DeleteFunc(slices.Clone(px.nodes()), func(n cluster.NodeID) bool { return hosted && n == self })
		return remotes, len(remotes), nil
	default:
		owner, err := px.p.PartitionOf(row, col)
		if err != nil {
			return nil, 0, err
		}
		if owner == self && hosted {
			return nil, 0, nil
		}
		return []cluster.NodeID{owner}, 1, nil
	}
}

// Get reads global (row, col). Timed out remote reads are retried up to GetAttempts.
func (px *Proxy) Get(ctx context.Context, row, col uint64) (float64, error) {
	nodes, need, err := px.route(opGet, row, col)
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return px.local.Get(row, col)
	}
	policy := resilience.Policy{Attempts: px.opts.GetAttempts, Delay: px.opts.RetryDelay, Retryable: IsTimeout}
	return resilience.Do(ctx, policy, func(ctx context.Context) (float64, error) {
		replies, err := px.call(ctx, request{Op: opGet, Row: row, Col: col}, nodes, need)
		if err != nil {
			return 0, err
		}
		for _, n := range nodes {
			if r, ok := replies[n]; ok {
				return r.Value, nil
			}
		}
		return 0, fmt.Errorf("proxy %s: get returned no reply", px.name)
	})
}

// Set writes global (row, col) on every node that holds it. A replicated write returns
// once all holders acknowledged.
func (px *Proxy) Set(ctx context.Context, row, col uint64, v float64) error {
	nodes, need, err := px.route(opSet, row, col)
	if err != nil {
		return err
	}
	if (px.scheme == Replicated && px.local != nil) || len(nodes) == 0 {
		if err := px.local.Set(row, col, v); err != nil {
			return err
		}
	}
	if len(nodes) == 0 {
		return nil
	}
	_, err = px.call(ctx, request{Op: opSet, Row: row, Col: col, Value: v}, nodes, need)
	return err
}

func (px *Proxy) acquire(nodes []cluster.NodeID) error {
	for i, n := range nodes {
		if !px.breakers.Get(n).Allow() {
			for _, granted := range nodes[:i] {
				px.breakers.Get(granted).Cancel()
			}
			return fmt.Errorf("proxy %s: node %d: %w", px.name, n, ErrNodeUnavailable)
		}
	}
	return nil
}

// call sends req to nodes and waits for need replies, the timeout or ctx.
func (px *Proxy) call(ctx context.Context, req request, nodes []cluster.NodeID, need int) (map[cluster.NodeID]reply, error) {
	if err := px.acquire(nodes); err != nil {
		return nil, err
	}
	req.ID = uuid.NewString()
	w := &waiter{need: need, replies: make(map[cluster.NodeID]reply, len(nodes)), done: make(chan struct{})}
	px.mu.Lock()
	px.waiters[req.ID] = w
	px.mu.Unlock()
	defer func() {
		px.mu.Lock()
		delete(px.waiters, req.ID)
		px.mu.Unlock()
	}()

	attrs := metric.WithAttributes(append(px.attrs.ToSlice(), attribute.String("op", req.Op))...)
	px.calls.Add(ctx, 1, attrs)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := px.ch.PushTo(ctx, invokeTopic(px.name), payload, nodes...); err != nil {
		px.record(nodes, nil)
		return nil, fmt.Errorf("proxy %s: send %s: %w", px.name, req.Op, err)
	}

	timer := time.NewTimer(px.opts.Timeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
	case <-ctx.Done():
		px.release(nodes, px.snapshot(w))
		return nil, ctx.Err()
	}
	replies := px.snapshot(w)
	px.record(nodes, replies)
	if len(replies) < need {
		px.timeouts.Add(ctx, 1, attrs)
		te := &TimeoutError{Op: req.Op, State: px.name, Nodes: nodes, After: px.opts.Timeout}
		for _, n := range nodes {
			if _, ok := replies[n]; ok {
				te.Replied = append(te.Replied, n)
			}
		}
		px.logger.Warn("remote call timed out", "op", req.Op, "row", req.Row, "col", req.Col, "missing", te.Missing())
		return replies, te
	}
	var errs []error
	for n, r := range replies {
		if r.Err != "" {
			errs = append(errs, fmt.Errorf("%w: node %d: %s", ErrRemote, n, r.Err))
		}
	}
	return replies, errors.Join(errs...)
}

func (px *Proxy) snapshot(w *waiter) map[cluster.NodeID]reply {
	px.mu.Lock()
	defer px.mu.Unlock()
	out := make(map[cluster.NodeID]reply, len(w.replies))
	for n, r := range w.replies {
		out[n] = r
	}
	return out
}

// record feeds the breakers: a node that replied succeeded, one that did not failed.
func (px *Proxy) record(nodes []cluster.NodeID, replies map[cluster.NodeID]reply) {
	for _, n := range nodes {
		_, ok := replies[n]
		px.breakers.Get(n).RecordResult(ok)
	}
}

// release settles the breakers of a cancelled call without blaming the silent nodes.
func (px *Proxy) release(nodes []cluster.NodeID, replies map[cluster.NodeID]reply) {
	for _, n := range nodes {
		if _, ok := replies[n]; ok {
			px.breakers.Get(n).RecordResult(true)
		} else {
			px.breakers.Get(n).Cancel()
		}
	}
}

func (px *Proxy) onReply(_ context.Context, src cluster.NodeID, payload []byte) {
	var r reply
	if err := json.Unmarshal(payload, &r); err != nil {
		px.logger.Warn("dropping malformed reply", "src", int(src), "error", err)
		return
	}
	px.mu.Lock()
	defer px.mu.Unlock()
	w, ok := px.waiters[r.ID]
	if !ok {
		px.logger.Debug("late reply", "src", int(src), "id", r.ID)
		return
	}
	if _, dup := w.replies[src]; dup {
		return
	}
	w.replies[src] = r
	if len(w.replies) == w.need {
		close(w.done)
	}
}

func (px *Proxy) onInvoke(ctx context.Context, src cluster.NodeID, payload []byte) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		px.logger.Warn("dropping malformed request", "src", int(src), "error", err)
		return
	}
	r := reply{ID: req.ID}
	var err error
	switch req.Op {
	case opGet:
		r.Value, err = px.local.Get(req.Row, req.Col)
	case opSet:
		err = px.local.Set(req.Row, req.Col, req.Value)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}
	if err != nil {
		r.Err = err.Error()
	}
	px.served.Add(ctx, 1, metric.WithAttributeSet(px.attrs))
	out, err := json.Marshal(r)
	if err != nil {
		px.logger.Warn("encoding reply failed", "src", int(src), "error", err)
		return
	}
	if err := px.ch.PushTo(ctx, replyTopic(px.name), out, src); err != nil {
		px.logger.Warn("reply failed", "src", int(src), "error", err)
	}
}

// Close removes the proxy's listeners.
func (px *Proxy) Close() {
	px.mu.Lock()
	subs := px.subs
	px.subs = nil
	px.mu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			px.logger.Warn("unsubscribe failed", "error", err)
		}
	}
}
