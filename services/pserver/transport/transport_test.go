package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/pservergo/pserver/services/pserver/cluster"
)

type collector struct {
	mu   sync.Mutex
	msgs []string
	srcs []cluster.NodeID
	got  chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 1024)} }

func (c *collector) handle(_ context.Context, src cluster.NodeID, p []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(p))
	c.srcs = append(c.srcs, src)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", i, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestHubPreservesPerSenderOrder(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	a, _ := hub.Join(0)
	b, _ := hub.Join(1)
	c := newCollector()
	if _, err := b.AddListener("t", c.handle); err != nil {
		t.Fatal(err)
	}
	want := []string{"1", "2", "3", "4", "5"}
	for _, m := range want {
		if err := a.PushTo(context.Background(), "t", []byte(m), 1); err != nil {
			t.Fatal(err)
		}
	}
	got := c.wait(t, len(want))
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order %v", got)
		}
	}
	if c.srcs[0] != 0 {
		t.Fatalf("source %v", c.srcs[0])
	}
}

func TestHubDropsWithoutListenerAndAfterUnsubscribe(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	a, _ := hub.Join(0)
	b, _ := hub.Join(1)
	ctx := context.Background()
	marker := newCollector()
	_, _ = b.AddListener("marker", marker.handle)
	flush := func() {
		_ = a.PushTo(ctx, "marker", []byte("x"), 1)
		marker.wait(t, 1)
	}

	_ = a.PushTo(ctx, "t", []byte("early"), 1, 7)
	flush()
	c := newCollector()
	sub, _ := b.AddListener("t", c.handle)
	_ = a.PushTo(ctx, "t", []byte("late"), 1)
	if got := c.wait(t, 1); len(got) != 1 || got[0] != "late" {
		t.Fatalf("got %v", got)
	}
	_ = sub.Unsubscribe()
	_ = a.PushTo(ctx, "t", []byte("gone"), 1)
	flush()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) != 1 {
		t.Fatalf("listener received %v", c.msgs)
	}
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	a, _ := hub.Join(0)
	_, _ = a.AddListener("boom", func(context.Context, cluster.NodeID, []byte) { panic("bad message") })
	c := newCollector()
	_, _ = a.AddListener("ok", c.handle)
	_ = a.PushTo(context.Background(), "boom", nil, 0)
	_ = a.PushTo(context.Background(), "ok", []byte("after"), 0)
	if got := c.wait(t, 1); got[0] != "after" {
		t.Fatalf("got %v", got)
	}
}

func TestLeftEndpointRejectsPush(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	a, _ := hub.Join(0)
	a.Leave()
	if err := a.PushTo(context.Background(), "t", nil, 0); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := hub.Join(0); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}

func TestSubjectAndSourceHeader(t *testing.T) {
	if s := Subject("pserver", "crdt.c.op", 3); s != "pserver.crdt.c.op.3" {
		t.Fatalf("subject %q", s)
	}
	m := nats.NewMsg("x")
	m.Header.Set(HeaderSource, "4")
	if src, err := SourceOf(m); err != nil || src != 4 {
		t.Fatalf("src=%v err=%v", src, err)
	}
	if _, err := SourceOf(&nats.Msg{}); err == nil {
		t.Fatalf("missing header accepted")
	}
}
