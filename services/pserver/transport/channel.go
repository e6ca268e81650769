// Package transport moves named messages between nodes. Handlers of one endpoint run one
// at a time on a single dispatch goroutine, in arrival order; messages from one sender
// arrive in the order they were pushed.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pservergo/pserver/services/pserver/cluster"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("transport closed")

// Handler consumes one message. It runs on the dispatch goroutine and must not block on
// anything the dispatch goroutine itself would have to make progress on.
type Handler func(ctx context.Context, src cluster.NodeID, payload []byte)

// Subscription removes a listener.
type Subscription interface {
	Unsubscribe() error
}

// Channel pushes topic messages to nodes and delivers inbound ones to listeners.
type Channel interface {
	Local() cluster.NodeID
	PushTo(ctx context.Context, topic string, payload []byte, dst ...cluster.NodeID) error
	AddListener(topic string, h Handler) (Subscription, error)
}

// dispatcher runs submitted jobs sequentially on one goroutine. The queue is unbounded so
// producers never block on slow handlers.
type dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
	logger *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{done: make(chan struct{}), logger: logger}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) submit(job func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.queue = append(d.queue, job)
	d.cond.Signal()
	return true
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		job := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.run(job)
	}
}

func (d *dispatcher) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message handler panicked", "panic", r)
		}
	}()
	job()
}

func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.queue = nil
	d.cond.Broadcast()
	d.mu.Unlock()
	<-d.done
}

type subscription func() error

func (s subscription) Unsubscribe() error { return s() }
