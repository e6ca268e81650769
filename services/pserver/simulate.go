package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pservergo/pserver/libs/go/core/logging"
	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/crdt"
	"github.com/pservergo/pserver/services/pserver/programs/kmeans"
	"github.com/pservergo/pserver/services/pserver/remote"
	"github.com/pservergo/pserver/services/pserver/runtime"
	"github.com/pservergo/pserver/services/pserver/transport"
)

type simulation struct {
	Nodes      int
	Slots      int
	Increments int
	Points     int
	K          int
	Iterations int
	Seed       uint64
	Timeout    time.Duration
}

type simulationResult struct {
	Counts    []int64
	Centroids [][][]float64
}

func newSimulateCmd() *cobra.Command {
	sim := simulation{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a cluster in-process: counter convergence followed by k-means",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.Init(service)
			ctx, cancel := context.WithTimeout(cmd.Context(), sim.Timeout)
			defer cancel()
			res, err := sim.run(ctx, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "counter: %v\n", res.Counts)
			for k, c := range res.Centroids[0] {
				fmt.Fprintf(out, "centroid %d: %.4f\n", k, c)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&sim.Nodes, "nodes", "n", 3, "number of in-process nodes")
	f.IntVar(&sim.Slots, "slots", 2, "compute slots per node")
	f.IntVar(&sim.Increments, "increments", 1000, "counter increments per node")
	f.IntVar(&sim.Points, "points", 300, "k-means points")
	f.IntVar(&sim.K, "k", 3, "k-means clusters")
	f.IntVar(&sim.Iterations, "iterations", 10, "k-means iterations")
	f.Uint64Var(&sim.Seed, "seed", 1, "point generator seed")
	f.DurationVar(&sim.Timeout, "timeout", time.Minute, "overall deadline")
	return cmd
}

// generatePoints writes n two-dimensional points scattered around k centers, one per
// line. The first k points are the centers themselves so k-means starts from one point
// per cluster.
func generatePoints(n, k int, seed uint64) string {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	var b strings.Builder
	for i := 0; i < n; i++ {
		cx, cy := float64(100*(i%k)), float64(50*(i%k))
		if i >= k {
			cx += r.NormFloat64() * 5
			cy += r.NormFloat64() * 5
		}
		fmt.Fprintf(&b, "%g %g\n", cx, cy)
	}
	return b.String()
}

func (s simulation) run(ctx context.Context, logger *slog.Logger) (simulationResult, error) {
	if s.Nodes < 1 || s.K < 1 || s.Points < s.K {
		return simulationResult{}, fmt.Errorf("simulation needs nodes >= 1 and points >= k >= 1")
	}
	hub := transport.NewHub(logger)
	defer hub.Close()
	topo := cluster.Topology{Nodes: cluster.Range(s.Nodes)}
	points := generatePoints(s.Points, s.K, s.Seed)
	open := func(string) (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(points)), nil }

	cfg := kmeans.Config{Points: "points", Centroids: "centroids", Updates: "centroid_sums", Iterations: s.Iterations}
	decls := append([]runtime.StateDecl{{
		Name: "points", Rows: uint64(s.Points), Cols: 2, Scheme: remote.RowPartitioned,
		Input: &runtime.InputDecl{Path: "generated", Format: "dense"},
	}}, cfg.Decls(uint64(s.K), 2)...)

	rcs := make([]*runtime.Context, s.Nodes)
	counters := make([]*crdt.GCounter, s.Nodes)
	for i := range rcs {
		id := cluster.NodeID(i)
		ep, err := hub.Join(id)
		if err != nil {
			return simulationResult{}, err
		}
		rc, err := runtime.NewContext(topo.WithLocal(id), ep, logger, s.Slots, nil)
		if err != nil {
			return simulationResult{}, err
		}
		reg := runtime.NewRegistry(rc, runtime.RegistryOptions{Open: open})
		defer reg.Close()
		rcs[i] = rc
	}

	// every node builds its replicas before any of them starts producing
	g, gctx := errgroup.WithContext(ctx)
	for i, rc := range rcs {
		g.Go(func() error {
			c, err := crdt.NewGCounter(gctx, "sim-counter", rc.Topology, rc.Channel, crdt.Options{Logger: rc.Logger})
			if err != nil {
				return err
			}
			counters[i] = c
			return rc.States.Declare(gctx, decls...)
		})
	}
	defer func() {
		for _, c := range counters {
			if c != nil {
				c.Close()
			}
		}
	}()
	if err := g.Wait(); err != nil {
		return simulationResult{}, err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, c := range counters {
		g.Go(func() error {
			for j := 0; j < s.Increments; j++ {
				if err := c.Increment(gctx, 1); err != nil {
					return err
				}
			}
			return c.Finish(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return simulationResult{}, fmt.Errorf("counter scenario: %w", err)
	}
	res := simulationResult{}
	for _, c := range counters {
		res.Counts = append(res.Counts, c.Count())
	}
	logger.Info("counter scenario done", "counts", res.Counts)

	g, gctx = errgroup.WithContext(ctx)
	for _, rc := range rcs {
		g.Go(func() error { return runtime.RunTogether(gctx, rc, kmeans.New(cfg)) })
	}
	if err := g.Wait(); err != nil {
		return simulationResult{}, fmt.Errorf("kmeans scenario: %w", err)
	}
	for _, rc := range rcs {
		c, err := kmeans.Centroids(rc, cfg.Centroids)
		if err != nil {
			return simulationResult{}, err
		}
		res.Centroids = append(res.Centroids, c)
	}
	return res, nil
}
