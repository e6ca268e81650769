package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pservergo/pserver/libs/go/core/logging"
	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/remote"
	"github.com/pservergo/pserver/services/pserver/transport"
)

func newContexts(t *testing.T, n, slots int) []*Context {
	t.Helper()
	hub := transport.NewHub(logging.Discard())
	t.Cleanup(hub.Close)
	topo := cluster.Topology{Nodes: cluster.Range(n)}
	out := make([]*Context, n)
	for i := range out {
		ep, err := hub.Join(cluster.NodeID(i))
		require.NoError(t, err)
		rc, err := NewContext(topo.WithLocal(cluster.NodeID(i)), ep, logging.Discard(), slots, map[string]string{"k": "3"})
		require.NoError(t, err)
		out[i] = rc
	}
	return out
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestContextValues(t *testing.T) {
	rc := newContexts(t, 1, 0)[0]
	require.Equal(t, 1, rc.Slots)
	require.Equal(t, 3, rc.Int("k", 7))
	require.Equal(t, 7, rc.Int("missing", 7))
	require.Equal(t, "x", rc.Value("missing", "x"))
}

func TestBarrierSeparatesRounds(t *testing.T) {
	const parties, rounds = 4, 3
	b := NewBarrier(parties)
	var mu sync.Mutex
	arrived := make([]int, rounds)
	g, ctx := errgroup.WithContext(context.Background())
	for p := 0; p < parties; p++ {
		g.Go(func() error {
			for r := 0; r < rounds; r++ {
				mu.Lock()
				arrived[r]++
				mu.Unlock()
				if err := b.Wait(ctx); err != nil {
					return err
				}
				mu.Lock()
				n := arrived[r]
				mu.Unlock()
				if n != parties {
					return errors.New("passed the barrier early")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestBarrierWaitHonoursContext(t *testing.T) {
	b := NewBarrier(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}

func TestRunPhases(t *testing.T) {
	rc := newContexts(t, 1, 3)[0]
	var trace []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}
	var computed atomic.Int32
	err := Run(context.Background(), rc, Program{
		Name:     "phases",
		Prologue: func(context.Context, *Context) error { note("prologue"); return nil },
		Compute: func(ctx context.Context, s Slot) error {
			computed.Add(1)
			if err := s.Barrier(ctx); err != nil {
				return err
			}
			if s.ID == 0 {
				note("compute")
			}
			return nil
		},
		Epilogue: func(context.Context, *Context) error { note("epilogue"); return nil },
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, computed.Load())
	require.Equal(t, []string{"prologue", "compute", "epilogue"}, trace)
}

func TestRunFailingSlotCancelsOthers(t *testing.T) {
	rc := newContexts(t, 1, 4)[0]
	boom := errors.New("boom")
	epilogue := false
	err := Run(context.Background(), rc, Program{
		Name: "fail",
		Compute: func(ctx context.Context, s Slot) error {
			if s.ID == 2 {
				return boom
			}
			<-ctx.Done()
			return ctx.Err()
		},
		Epilogue: func(context.Context, *Context) error { epilogue = true; return nil },
	})
	require.ErrorIs(t, err, boom)
	require.False(t, epilogue)
}

func declareAll(t *testing.T, rcs []*Context, decls ...StateDecl) []*Registry {
	t.Helper()
	regs := make([]*Registry, len(rcs))
	g, ctx := errgroup.WithContext(context.Background())
	for i, rc := range rcs {
		regs[i] = NewRegistry(rc, RegistryOptions{Proxy: remote.ProxyOptions{Logger: logging.Discard(), Timeout: 2 * time.Second}})
		t.Cleanup(regs[i].Close)
		g.Go(func() error { return regs[i].Declare(ctx, decls...) })
	}
	require.NoError(t, g.Wait())
	return regs
}

func TestRegistryLoadsPartitionedInput(t *testing.T) {
	rcs := newContexts(t, 2, 1)
	path := writeFile(t, "w.csv", "# row,col,value\n0,0,1\n1,1,2\n2,0,3\n3,1,4\n9,9,9\n")
	regs := declareAll(t, rcs, StateDecl{
		Name: "w", Rows: 4, Cols: 2, Scheme: remote.RowPartitioned,
		Input: &InputDecl{Path: path, Format: "rowcolval"},
	})

	s0, err := regs[0].Get("w")
	require.NoError(t, err)
	require.True(t, s0.Hosted())
	require.Equal(t, 2, s0.Stats.Entries)
	require.Equal(t, 2, s0.Stats.Foreign)
	require.Equal(t, 1, s0.Stats.Discarded)

	v, err := s0.Proxy.Get(context.Background(), 3, 1)
	require.NoError(t, err)
	require.Equal(t, 4.0, v)
	require.Equal(t, []string{"w"}, regs[1].Names())
	_, err = regs[1].Get("nope")
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestRegistrySparseWithLabels(t *testing.T) {
	rcs := newContexts(t, 1, 1)
	path := writeFile(t, "train.svm", "1 1:0.5 3:2\n-1 2:1.5\n")
	regs := declareAll(t, rcs, StateDecl{
		Name: "x", Rows: 2, Cols: 3, Scheme: remote.RowPartitioned, Layout: LayoutCSR,
		Input: &InputDecl{Path: path, Format: "svm", Labels: true},
	})
	s, err := regs[0].Get("x")
	require.NoError(t, err)
	require.Nil(t, s.Proxy)
	require.Equal(t, 3, s.CSR.NNZ())
	v, err := s.CSR.Get(0, 2)
	require.NoError(t, err)
	require.Equal(t, 2.0, v)
	label, err := s.Labels.Get(1, 0)
	require.NoError(t, err)
	require.Equal(t, -1.0, label)
}

func TestRegistryNodeSubset(t *testing.T) {
	rcs := newContexts(t, 3, 1)
	regs := declareAll(t, rcs, StateDecl{Name: "solo", Rows: 1, Cols: 1, Scheme: remote.Singleton, Nodes: []cluster.NodeID{2}})
	client, err := regs[0].Get("solo")
	require.NoError(t, err)
	require.False(t, client.Hosted())
	require.NoError(t, client.Proxy.Set(context.Background(), 0, 0, 5))

	host, err := regs[2].Get("solo")
	require.NoError(t, err)
	v, err := host.Dense.Get(0, 0)
	require.NoError(t, err)
	require.Equal(t, 5.0, v)
}

func TestRegistryRemoteUpdates(t *testing.T) {
	rcs := newContexts(t, 2, 1)
	regs := declareAll(t, rcs, StateDecl{Name: "acc", Rows: 1, Cols: 2, Scheme: remote.Replicated, Merge: "max"})
	g, ctx := errgroup.WithContext(context.Background())
	for i, reg := range regs {
		s, err := reg.Get("acc")
		require.NoError(t, err)
		require.NotNil(t, s.Updates)
		require.NoError(t, s.Dense.Set(0, uint64(i), float64(10*(i+1))))
		g.Go(func() error { return s.Updates.Sync(ctx, 1) })
	}
	require.NoError(t, g.Wait())
	for _, reg := range regs {
		s, _ := reg.Get("acc")
		require.Equal(t, []float64{10, 20}, s.Dense.Snapshot())
	}
}

func TestRunTogetherWaitsForLateNodes(t *testing.T) {
	rcs := newContexts(t, 2, 2)
	prog := Program{
		Name: "sum",
		Compute: func(ctx context.Context, s Slot) error {
			if s.ID != 0 {
				return nil
			}
			st, err := s.RC.States.Get("acc")
			if err != nil {
				return err
			}
			return st.Updates.Sync(ctx, 1)
		},
	}
	start := func(i int) error {
		reg := NewRegistry(rcs[i], RegistryOptions{UpdateTimeout: 2 * time.Second})
		t.Cleanup(reg.Close)
		ctx := context.Background()
		if err := reg.Declare(ctx, StateDecl{Name: "acc", Rows: 1, Cols: 1, Scheme: remote.Replicated, Merge: "sum"}); err != nil {
			return err
		}
		st, err := reg.Get("acc")
		if err != nil {
			return err
		}
		st.Dense.Assign(float64(i + 1))
		return RunTogether(ctx, rcs[i], prog)
	}
	var g errgroup.Group
	g.Go(func() error { return start(0) })
	g.Go(func() error {
		time.Sleep(300 * time.Millisecond)
		return start(1)
	})
	require.NoError(t, g.Wait())
	for _, rc := range rcs {
		st, err := rc.States.Get("acc")
		require.NoError(t, err)
		require.Equal(t, []float64{3}, st.Dense.Snapshot())
	}
}

func TestDeclarationErrors(t *testing.T) {
	rcs := newContexts(t, 1, 1)
	reg := NewRegistry(rcs[0], RegistryOptions{})
	defer reg.Close()
	ctx := context.Background()
	cases := []StateDecl{
		{Name: "", Rows: 1, Cols: 1},
		{Name: "a.b", Rows: 1, Cols: 1},
		{Name: "empty", Rows: 0, Cols: 1},
		{Name: "layout", Rows: 1, Cols: 1, Layout: "coo"},
		{Name: "merge", Rows: 1, Cols: 1, Scheme: remote.RowPartitioned, Merge: "sum"},
		{Name: "fn", Rows: 1, Cols: 1, Scheme: remote.Replicated, Merge: "avg"},
		{Name: "labels", Rows: 1, Cols: 1, Scheme: remote.ColPartitioned, Input: &InputDecl{Path: "x", Labels: true}},
		{Name: "foreign", Rows: 1, Cols: 1, Nodes: []cluster.NodeID{4}},
		{Name: "missing", Rows: 1, Cols: 1, Input: &InputDecl{Path: filepath.Join(t.TempDir(), "none")}},
	}
	for _, d := range cases {
		require.Error(t, reg.Declare(ctx, d), d.Name)
	}
	require.Empty(t, reg.Names())

	ok := StateDecl{Name: "ok", Rows: 1, Cols: 1}
	require.NoError(t, reg.Declare(ctx, ok))
	require.ErrorIs(t, reg.Declare(ctx, ok), ErrDuplicateState)
}

func TestMalformedInputFailsTheLoad(t *testing.T) {
	rcs := newContexts(t, 1, 1)
	reg := NewRegistry(rcs[0], RegistryOptions{})
	defer reg.Close()
	path := writeFile(t, "bad.csv", "0,0,1\n0,x,2\n")
	err := reg.Declare(context.Background(), StateDecl{Name: "bad", Rows: 1, Cols: 1, Input: &InputDecl{Path: path}})
	require.Error(t, err)
	require.Empty(t, reg.Names())
}
