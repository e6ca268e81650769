package kmeans

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pservergo/pserver/libs/go/core/logging"
	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/remote"
	"github.com/pservergo/pserver/services/pserver/runtime"
	"github.com/pservergo/pserver/services/pserver/transport"
)

const points = `0 0
10 10
0 1
1 0
10 11
11 10
`

func TestNearest(t *testing.T) {
	c := [][]float64{{0, 0}, {5, 5}, {10, 10}}
	require.Equal(t, 0, nearest([]float64{1, 1}, c))
	require.Equal(t, 1, nearest([]float64{4, 6}, c))
	require.Equal(t, 2, nearest([]float64{9, 12}, c))
	// ties go to the lower index
	require.Equal(t, 0, nearest([]float64{2.5, 2.5}, c))
}

func TestDistributedKMeans(t *testing.T) {
	const nodes = 3
	path := filepath.Join(t.TempDir(), "points.txt")
	require.NoError(t, os.WriteFile(path, []byte(points), 0o600))

	cfg := Config{Points: "points", Centroids: "centroids", Updates: "sums", Iterations: 3}
	decls := append([]runtime.StateDecl{{
		Name: "points", Rows: 6, Cols: 2, Scheme: remote.RowPartitioned,
		Input: &runtime.InputDecl{Path: path, Format: "dense"},
	}}, cfg.Decls(2, 2)...)

	hub := transport.NewHub(logging.Discard())
	t.Cleanup(hub.Close)
	topo := cluster.Topology{Nodes: cluster.Range(nodes)}
	rcs := make([]*runtime.Context, nodes)
	g, ctx := errgroup.WithContext(context.Background())
	for i := range rcs {
		ep, err := hub.Join(cluster.NodeID(i))
		require.NoError(t, err)
		rc, err := runtime.NewContext(topo.WithLocal(cluster.NodeID(i)), ep, logging.Discard(), 2, nil)
		require.NoError(t, err)
		reg := runtime.NewRegistry(rc, runtime.RegistryOptions{
			Proxy:         remote.ProxyOptions{Logger: logging.Discard(), Timeout: 2 * time.Second},
			UpdateTimeout: 5 * time.Second,
		})
		t.Cleanup(reg.Close)
		rcs[i] = rc
		g.Go(func() error { return reg.Declare(ctx, decls...) })
	}
	require.NoError(t, g.Wait())

	g, ctx = errgroup.WithContext(context.Background())
	for _, rc := range rcs {
		g.Go(func() error { return runtime.Run(ctx, rc, New(cfg)) })
	}
	require.NoError(t, g.Wait())

	for _, rc := range rcs {
		got, err := Centroids(rc, "centroids")
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3}, got[0], 1e-9)
		require.InDeltaSlice(t, []float64{31.0 / 3, 31.0 / 3}, got[1], 1e-9)
	}
}

func TestMissingStateFailsPrologue(t *testing.T) {
	hub := transport.NewHub(logging.Discard())
	t.Cleanup(hub.Close)
	ep, err := hub.Join(0)
	require.NoError(t, err)
	rc, err := runtime.NewContext(cluster.Topology{Nodes: cluster.Range(1)}, ep, logging.Discard(), 1, nil)
	require.NoError(t, err)
	reg := runtime.NewRegistry(rc, runtime.RegistryOptions{})
	t.Cleanup(reg.Close)

	err = runtime.Run(context.Background(), rc, New(Config{Points: "p", Centroids: "c", Updates: "u", Iterations: 1}))
	require.ErrorIs(t, err, runtime.ErrUnknownState)
}
