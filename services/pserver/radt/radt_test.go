package radt

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pservergo/pserver/libs/go/core/logging"
	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/crdt"
	"github.com/pservergo/pserver/services/pserver/transport"
)

func testOptions() Options {
	return Options{Options: crdt.Options{Logger: logging.Discard(), FinishTimeout: 10 * time.Second}}
}

type testCluster struct {
	eps  []*transport.Endpoint
	topo cluster.Topology
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	hub := transport.NewHub(logging.Discard())
	t.Cleanup(hub.Close)
	tc := &testCluster{topo: cluster.Topology{Nodes: cluster.Range(n)}}
	for i := 0; i < n; i++ {
		ep, err := hub.Join(cluster.NodeID(i))
		require.NoError(t, err)
		tc.eps = append(tc.eps, ep)
	}
	return tc
}

func (tc *testCluster) at(i int) (cluster.Topology, transport.Channel) {
	return tc.topo.WithLocal(cluster.NodeID(i)), tc.eps[i]
}

func finishAll(t *testing.T, finishers ...func(context.Context) error) {
	t.Helper()
	g, ctx := errgroup.WithContext(context.Background())
	for _, f := range finishers {
		g.Go(func() error { return f(ctx) })
	}
	require.NoError(t, g.Wait())
}

func TestVectorClock(t *testing.T) {
	a := NewVectorClock(3)
	b := a.Increment(1)
	require.Equal(t, VectorClock{0, 0, 0}, a, "increment must not alias")
	require.Equal(t, VectorClock{0, 1, 0}, b)

	m := VectorClock{3, 0, 2}.Merge(VectorClock{1, 4, 2})
	require.Equal(t, VectorClock{3, 4, 2}, m)
	require.EqualValues(t, 9, m.Sum())
	require.True(t, m.Dominates(VectorClock{3, 0, 2}))
	require.False(t, VectorClock{3, 0, 2}.Dominates(m))
	require.Equal(t, "[3 4 2]", m.String())
}

func TestReadiness(t *testing.T) {
	local := VectorClock{1, 0, 0}
	cases := []struct {
		name  string
		clock VectorClock
		site  int
		ready bool
	}{
		{"next from site", VectorClock{0, 1, 0}, 1, true},
		{"gap from site", VectorClock{0, 2, 0}, 1, false},
		{"saw delivered op", VectorClock{1, 1, 0}, 1, true},
		{"saw undelivered op", VectorClock{0, 1, 1}, 1, false},
		{"already delivered", VectorClock{1, 0, 0}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.ready, tc.clock.readyAfter(tc.site, local))
		})
	}
}

func TestS4Order(t *testing.T) {
	older := S4Vector{Session: 1, Site: 2, Sum: 1, Seq: 1}
	newer := S4Vector{Session: 1, Site: 0, Sum: 2, Seq: 1}
	sameSumHigherSite := S4Vector{Session: 1, Site: 3, Sum: 1, Seq: 1}
	nextSession := S4Vector{Session: 2}

	require.True(t, older.Precedes(newer))
	require.True(t, newer.TakesPrecedenceOver(older))
	require.True(t, sameSumHigherSite.TakesPrecedenceOver(older))
	require.True(t, nextSession.TakesPrecedenceOver(newer))
	require.False(t, older.Precedes(older))
	require.True(t, S4Vector{}.IsZero())

	var q deliveryQueue[int]
	q.push(0, Op[int]{S4: newer, Clock: VectorClock{0, 1}})
	q.push(0, Op[int]{S4: older, Clock: VectorClock{0, 1}})
	require.Equal(t, older, q.items[0].op.S4)
}

func TestCausalDeliveryWaitsForPredecessor(t *testing.T) {
	tc := newTestCluster(t, 2)
	topo, ch := tc.at(0)
	l, err := NewList[string](context.Background(), "causal", topo, ch, testOptions())
	require.NoError(t, err)

	first := Op[string]{Type: crdt.Insert, Value: "a", Clock: VectorClock{0, 1}, S4: S4Vector{Session: 1, Site: 1, Sum: 1, Seq: 1}}
	ref := first.S4
	second := Op[string]{Type: crdt.Insert, Value: "b", Ref: &ref, Clock: VectorClock{0, 2}, S4: S4Vector{Session: 1, Site: 1, Sum: 2, Seq: 2}}

	deliver := func(op Op[string]) {
		var err error
		l.View(func() { err = l.Core.Update(1, crdt.Operation[Op[string]]{Type: op.Type, Value: op}) })
		require.NoError(t, err)
	}
	deliver(second)
	require.Equal(t, 1, l.Pending())
	require.Zero(t, l.Len())

	deliver(first)
	require.Zero(t, l.Pending())
	require.Equal(t, []string{"a", "b"}, l.Values())
	require.Equal(t, VectorClock{0, 2}, l.Clock())

	deliver(first)
	require.Equal(t, []string{"a", "b"}, l.Values(), "duplicates are dropped")
}

func TestUnknownReferenceIsReported(t *testing.T) {
	tc := newTestCluster(t, 2)
	topo, ch := tc.at(0)
	l, err := NewList[string](context.Background(), "ref", topo, ch, testOptions())
	require.NoError(t, err)

	missing := S4Vector{Session: 1, Site: 1, Sum: 7, Seq: 7}
	op := Op[string]{Type: crdt.Delete, Ref: &missing, Clock: VectorClock{0, 1}, S4: S4Vector{Session: 1, Site: 1, Sum: 1, Seq: 1}}
	l.View(func() { err = l.Core.Update(1, crdt.Operation[Op[string]]{Type: op.Type, Value: op}) })
	var nre *NoReferenceObjectError
	require.ErrorAs(t, err, &nre)
	require.Equal(t, missing, nre.Ref)
	require.Equal(t, VectorClock{0, 1}, l.Clock(), "the operation is consumed")
}

func TestForgedSiteIsRejected(t *testing.T) {
	tc := newTestCluster(t, 2)
	topo, ch := tc.at(0)
	l, err := NewList[string](context.Background(), "forged", topo, ch, testOptions())
	require.NoError(t, err)
	op := Op[string]{Type: crdt.Insert, Clock: VectorClock{1, 0}, S4: S4Vector{Session: 1, Site: 0, Sum: 1, Seq: 1}}
	l.View(func() { err = l.Core.Update(1, crdt.Operation[Op[string]]{Type: op.Type, Value: op}) })
	require.Error(t, err)
	require.Zero(t, l.Pending())
}

func TestLocalListOperations(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 1)
	topo, ch := tc.at(0)
	l, err := NewList[string](ctx, "local", topo, ch, testOptions())
	require.NoError(t, err)

	require.NoError(t, l.Insert(ctx, 0, "b"))
	require.NoError(t, l.Insert(ctx, 0, "a"))
	require.NoError(t, l.Insert(ctx, 2, "d"))
	require.NoError(t, l.Insert(ctx, 2, "c"))
	require.Equal(t, []string{"a", "b", "c", "d"}, l.Values())

	require.NoError(t, l.Update(ctx, 1, "B"))
	require.NoError(t, l.Delete(ctx, 2))
	require.Equal(t, []string{"a", "B", "d"}, l.Values())
	v, err := l.Get(2)
	require.NoError(t, err)
	require.Equal(t, "d", v)
	require.Equal(t, 1, l.Tombstones())

	require.ErrorIs(t, l.Insert(ctx, 5, "x"), ErrIndexOutOfRange)
	require.ErrorIs(t, l.Update(ctx, 3, "x"), ErrIndexOutOfRange)
	require.ErrorIs(t, l.Delete(ctx, -1), ErrIndexOutOfRange)
	_, err = l.Get(-1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	require.NoError(t, l.Finish(ctx))
	require.Zero(t, l.Tombstones())
	require.Equal(t, []string{"a", "B", "d"}, l.Values())
	require.ErrorIs(t, l.Insert(ctx, 0, "late"), crdt.ErrFinished)
}

func TestConcurrentHeadInsertsConverge(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 3)
	lists := make([]*List[int], 3)
	for i := range lists {
		topo, ch := tc.at(i)
		l, err := NewList[int](ctx, "heads", topo, ch, testOptions())
		require.NoError(t, err)
		require.NoError(t, l.Insert(ctx, 0, i))
		lists[i] = l
	}
	finishAll(t, lists[0].Finish, lists[1].Finish, lists[2].Finish)
	for _, l := range lists {
		require.Equal(t, []int{2, 1, 0}, l.Values())
	}
}

func TestSequentialEditsReplicate(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 2)
	topoA, chA := tc.at(0)
	a, err := NewList[string](ctx, "edits", topoA, chA, testOptions())
	require.NoError(t, err)
	for i, v := range []string{"x", "y", "z"} {
		require.NoError(t, a.Insert(ctx, i, v))
	}
	require.NoError(t, a.Delete(ctx, 1))
	require.NoError(t, a.Update(ctx, 0, "X"))

	topoB, chB := tc.at(1)
	b, err := NewList[string](ctx, "edits", topoB, chB, testOptions())
	require.NoError(t, err)
	finishAll(t, a.Finish, b.Finish)
	require.Equal(t, []string{"X", "z"}, a.Values())
	require.Equal(t, []string{"X", "z"}, b.Values())
	require.Zero(t, b.Tombstones())
}

func TestConcurrentUpdateLastWriterWins(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 2)
	topo, ch := tc.at(0)
	l, err := NewList[string](ctx, "lww", topo, ch, testOptions())
	require.NoError(t, err)
	require.NoError(t, l.Insert(ctx, 0, "x"))
	require.NoError(t, l.Update(ctx, 0, "local"))

	key := S4Vector{Session: 1, Site: 0, Sum: 1, Seq: 1}
	remote := Op[string]{Type: crdt.Update, Value: "remote", Ref: &key, Clock: VectorClock{1, 1}, S4: S4Vector{Session: 1, Site: 1, Sum: 2, Seq: 1}}
	l.View(func() { err = l.Core.Update(1, crdt.Operation[Op[string]]{Type: remote.Type, Value: remote}) })
	require.NoError(t, err)
	require.Equal(t, []string{"remote"}, l.Values(), "same sum, higher site wins")

	require.NoError(t, l.Update(ctx, 0, "again"))
	require.Equal(t, []string{"again"}, l.Values(), "a write that saw the remote one wins")
	require.Equal(t, VectorClock{3, 1}, l.Clock())
}

func TestHashTable(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 1)
	topo, ch := tc.at(0)
	h, err := NewHashTable[string, int](ctx, "ht", topo, ch, testOptions())
	require.NoError(t, err)

	require.NoError(t, h.Put(ctx, "a", 1))
	require.NoError(t, h.Put(ctx, "b", 2))
	require.NoError(t, h.Put(ctx, "a", 3))
	require.NoError(t, h.Delete(ctx, "b"))
	require.NoError(t, h.Delete(ctx, "missing"))

	v, ok := h.Get("a")
	require.True(t, ok)
	require.Equal(t, 3, v)
	_, ok = h.Get("b")
	require.False(t, ok)
	require.Equal(t, []string{"a"}, h.Keys())
	require.Equal(t, 1, h.Len())
	require.Equal(t, VectorClock{4}, h.Clock(), "the no-op delete is not stamped")

	require.NoError(t, h.Finish(ctx))
	require.Equal(t, 1, h.Len())
}

func TestHashTableConcurrentPutConverges(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 2)
	tables := make([]*HashTable[string, int], 2)
	for i := range tables {
		topo, ch := tc.at(i)
		h, err := NewHashTable[string, int](ctx, "ht", topo, ch, testOptions())
		require.NoError(t, err)
		require.NoError(t, h.Put(ctx, "k", i+1))
		require.NoError(t, h.Put(ctx, "own-"+string(rune('a'+i)), i))
		tables[i] = h
	}
	finishAll(t, tables[0].Finish, tables[1].Finish)
	for _, h := range tables {
		v, ok := h.Get("k")
		require.True(t, ok)
		require.Equal(t, 2, v)
		keys := h.Keys()
		slices.Sort(keys)
		require.Equal(t, []string{"k", "own-a", "own-b"}, keys)
	}
}

func TestDeleteBeatsOlderConcurrentPut(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 2)
	topo, ch := tc.at(1)
	h, err := NewHashTable[string, int](ctx, "tomb", topo, ch, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Put(ctx, "k", 1))
	require.NoError(t, h.Delete(ctx, "k"))

	older := Op[Entry[string, int]]{Type: crdt.Put, Value: Entry[string, int]{Key: "k", Value: 9}, Clock: VectorClock{1, 0}, S4: S4Vector{Session: 1, Site: 0, Sum: 1, Seq: 1}}
	h.View(func() { err = h.Core.Update(0, crdt.Operation[Op[Entry[string, int]]]{Type: older.Type, Value: older}) })
	require.NoError(t, err)
	_, ok := h.Get("k")
	require.False(t, ok)
}

func TestCemetery(t *testing.T) {
	c := NewCemetery[int]()
	for i := 0; i < 5; i++ {
		c.Enrol(i)
	}
	c.Withdraw(4)
	require.Equal(t, 4, c.Len())
	require.False(t, c.Contains(4))
	purged := c.Purge(func(x int) bool { return x%2 == 0 })
	slices.Sort(purged)
	require.Equal(t, []int{0, 2}, purged)
	require.Equal(t, 2, c.Len())
	require.True(t, c.Contains(3))
}
