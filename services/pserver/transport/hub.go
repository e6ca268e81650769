package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pservergo/pserver/services/pserver/cluster"
)

// Hub connects in-process endpoints, one per simulated node. A message pushed to a node
// that has not joined, or to a topic without listener at dispatch time, is dropped.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[cluster.NodeID]*Endpoint
	logger    *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{endpoints: make(map[cluster.NodeID]*Endpoint), logger: logger}
}

// Join attaches node id to the hub.
func (h *Hub) Join(id cluster.NodeID) (*Endpoint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[id]; ok {
		return nil, fmt.Errorf("node %d already joined", id)
	}
	logger := h.logger.With("node", int(id))
	e := &Endpoint{
		hub:       h,
		id:        id,
		listeners: make(map[string]map[uint64]Handler),
		disp:      newDispatcher(logger),
		logger:    logger,
	}
	h.endpoints[id] = e
	return e, nil
}

func (h *Hub) endpoint(id cluster.NodeID) *Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.endpoints[id]
}

// Close detaches and stops every endpoint.
func (h *Hub) Close() {
	h.mu.Lock()
	eps := h.endpoints
	h.endpoints = make(map[cluster.NodeID]*Endpoint)
	h.mu.Unlock()
	for _, e := range eps {
		e.disp.close()
	}
}

// Endpoint is one node's Channel on a Hub.
type Endpoint struct {
	hub       *Hub
	id        cluster.NodeID
	mu        sync.Mutex
	listeners map[string]map[uint64]Handler
	nextID    uint64
	disp      *dispatcher
	logger    *slog.Logger
}

func (e *Endpoint) Local() cluster.NodeID { return e.id }

func (e *Endpoint) PushTo(ctx context.Context, topic string, payload []byte, dst ...cluster.NodeID) error {
	if e.hub.endpoint(e.id) != e {
		return ErrClosed
	}
	for _, id := range dst {
		target := e.hub.endpoint(id)
		if target == nil {
			e.logger.Debug("dropping message for absent node", "topic", topic, "dst", int(id))
			continue
		}
		msg := append([]byte(nil), payload...)
		src := e.id
		dctx := context.WithoutCancel(ctx)
		target.disp.submit(func() { target.deliver(dctx, topic, src, msg) })
	}
	return nil
}

func (e *Endpoint) deliver(ctx context.Context, topic string, src cluster.NodeID, payload []byte) {
	e.mu.Lock()
	hs := make([]Handler, 0, len(e.listeners[topic]))
	for _, h := range e.listeners[topic] {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	if len(hs) == 0 {
		e.logger.Debug("no listener", "topic", topic, "src", int(src))
		return
	}
	for _, h := range hs {
		h(ctx, src, payload)
	}
}

func (e *Endpoint) AddListener(topic string, h Handler) (Subscription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.listeners[topic] == nil {
		e.listeners[topic] = make(map[uint64]Handler)
	}
	e.listeners[topic][id] = h
	return subscription(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[topic], id)
		if len(e.listeners[topic]) == 0 {
			delete(e.listeners, topic)
		}
		return nil
	}), nil
}

// Leave detaches the endpoint; later pushes to it are dropped.
func (e *Endpoint) Leave() {
	e.hub.mu.Lock()
	if e.hub.endpoints[e.id] == e {
		delete(e.hub.endpoints, e.id)
	}
	e.hub.mu.Unlock()
	e.disp.close()
}
