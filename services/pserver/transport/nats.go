package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/pservergo/pserver/libs/go/core/natsctx"
	"github.com/pservergo/pserver/libs/go/core/resilience"
	"github.com/pservergo/pserver/services/pserver/cluster"
)

// HeaderSource carries the sending node id.
const HeaderSource = "Pserver-Src-Node"

// NATSOptions configures a NATS channel.
type NATSOptions struct {
	// Prefix namespaces subjects: <Prefix>.<topic>.<dst>.
	Prefix string
	// PublishRate caps outbound messages per second; 0 disables throttling.
	PublishRate float64
	// PublishBurst is the token bucket capacity when PublishRate is set.
	PublishBurst int64
	Logger       *slog.Logger
}

// NATS is a Channel over a NATS connection. Every subscription feeds one dispatch
// goroutine so handlers never run concurrently.
type NATS struct {
	nc      *nats.Conn
	local   cluster.NodeID
	prefix  string
	limiter *resilience.RateLimiter
	disp    *dispatcher
	logger  *slog.Logger
}

// DialNATS connects to url, retrying with backoff until ctx expires or attempts run out.
func DialNATS(ctx context.Context, url string, local cluster.NodeID, attempts int, opts NATSOptions) (*NATS, error) {
	nc, err := resilience.Do(ctx, resilience.Policy{Attempts: attempts, Delay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		func(context.Context) (*nats.Conn, error) {
			return nats.Connect(url,
				nats.Name(fmt.Sprintf("pserver-node-%d", local)),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(500*time.Millisecond),
			)
		})
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATS(nc, local, opts), nil
}

// NewNATS wraps an established connection.
func NewNATS(nc *nats.Conn, local cluster.NodeID, opts NATSOptions) *NATS {
	if opts.Prefix == "" {
		opts.Prefix = "pserver"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	n := &NATS{
		nc:     nc,
		local:  local,
		prefix: opts.Prefix,
		disp:   newDispatcher(opts.Logger),
		logger: opts.Logger,
	}
	if opts.PublishRate > 0 {
		burst := opts.PublishBurst
		if burst <= 0 {
			burst = int64(opts.PublishRate) + 1
		}
		n.limiter = resilience.NewRateLimiter(burst, opts.PublishRate)
	}
	return n
}

func (n *NATS) Local() cluster.NodeID { return n.local }

// Subject returns the subject a message for topic addressed to dst travels on.
func Subject(prefix, topic string, dst cluster.NodeID) string {
	return prefix + "." + topic + "." + strconv.Itoa(int(dst))
}

func (n *NATS) PushTo(ctx context.Context, topic string, payload []byte, dst ...cluster.NodeID) error {
	if n.nc.IsClosed() {
		return ErrClosed
	}
	hdr := map[string]string{HeaderSource: strconv.Itoa(int(n.local))}
	for _, id := range dst {
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx, 1); err != nil {
				return err
			}
		}
		if err := natsctx.Publish(ctx, n.nc, Subject(n.prefix, topic, id), payload, hdr); err != nil {
			return fmt.Errorf("publish %s to node %d: %w", topic, id, err)
		}
	}
	return nil
}

func (n *NATS) AddListener(topic string, h Handler) (Subscription, error) {
	subject := Subject(n.prefix, topic, n.local)
	sub, err := natsctx.Subscribe(n.nc, subject, func(ctx context.Context, m *nats.Msg) {
		src, err := SourceOf(m)
		if err != nil {
			n.logger.Warn("dropping message without source", "subject", m.Subject, "error", err)
			return
		}
		data := m.Data
		n.disp.submit(func() { h(ctx, src, data) })
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// SourceOf reads the sending node from the message headers.
func SourceOf(m *nats.Msg) (cluster.NodeID, error) {
	if m.Header == nil {
		return cluster.Unowned, fmt.Errorf("missing %s header", HeaderSource)
	}
	v := m.Header.Get(HeaderSource)
	id, err := strconv.Atoi(v)
	if err != nil {
		return cluster.Unowned, fmt.Errorf("bad %s header %q: %w", HeaderSource, v, err)
	}
	return cluster.NodeID(id), nil
}

// Close drains the connection and stops dispatching.
func (n *NATS) Close() error {
	err := n.nc.Drain()
	n.disp.close()
	return err
}
