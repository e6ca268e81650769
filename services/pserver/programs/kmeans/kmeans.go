// Package kmeans is distributed k-means over row-partitioned points. Every node
// accumulates per-centroid sums of its points; the sums are exchanged through a
// replicated update state and merged additively, so all nodes compute the same centroids.
package kmeans

import (
	"context"
	"fmt"
	"math"

	"github.com/pservergo/pserver/services/pserver/matrix"
	"github.com/pservergo/pserver/services/pserver/remote"
	"github.com/pservergo/pserver/services/pserver/runtime"
)

// Config names the states the program works on.
type Config struct {
	// Points is a row-partitioned N x D dense state.
	Points string
	// Centroids is a replicated K x D dense state.
	Centroids string
	// Updates is a replicated K x (D+1) dense state with merge "sum"; column D counts points.
	Updates    string
	Iterations int
}

// Decls returns the declarations of the centroid and update states for k centroids of
// dimension dim.
func (c Config) Decls(k, dim uint64) []runtime.StateDecl {
	return []runtime.StateDecl{
		{Name: c.Centroids, Rows: k, Cols: dim, Scheme: remote.Replicated},
		{Name: c.Updates, Rows: k, Cols: dim + 1, Scheme: remote.Replicated, Merge: "sum"},
	}
}

type job struct {
	cfg       Config
	points    *runtime.State
	centroids *matrix.Dense
	updates   *runtime.State
	k, dim    uint64
}

// New returns the k-means program. Centroids start at the first K points.
func New(cfg Config) runtime.Program {
	j := &job{cfg: cfg}
	return runtime.Program{
		Name:     "kmeans",
		Prologue: j.prologue,
		Compute:  j.compute,
		Epilogue: j.epilogue,
	}
}

func (j *job) prologue(ctx context.Context, rc *runtime.Context) error {
	var err error
	if j.points, err = rc.States.Get(j.cfg.Points); err != nil {
		return err
	}
	c, err := rc.States.Get(j.cfg.Centroids)
	if err != nil {
		return err
	}
	if j.updates, err = rc.States.Get(j.cfg.Updates); err != nil {
		return err
	}
	if j.points.Dense == nil || c.Dense == nil || j.updates.Dense == nil || j.updates.Updates == nil {
		return fmt.Errorf("kmeans needs hosted dense states and a remote update controller on node %d", rc.NodeID())
	}
	j.centroids = c.Dense
	j.k, j.dim = c.Decl.Rows, c.Decl.Cols
	if j.points.Decl.Cols != j.dim || j.updates.Decl.Cols != j.dim+1 || j.updates.Decl.Rows != j.k {
		return fmt.Errorf("kmeans: inconsistent shapes points %dx%d centroids %dx%d updates %dx%d",
			j.points.Decl.Rows, j.points.Decl.Cols, j.k, j.dim, j.updates.Decl.Rows, j.updates.Decl.Cols)
	}
	for k := uint64(0); k < j.k; k++ {
		for d := uint64(0); d < j.dim; d++ {
			v, err := j.points.Proxy.Get(ctx, k, d)
			if err != nil {
				return fmt.Errorf("initial centroid %d: %w", k, err)
			}
			if err := j.centroids.Set(k, d, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// nearest returns the index of the centroid closest to p.
func nearest(p []float64, centroids [][]float64) int {
	best, bestDist := 0, math.Inf(1)
	for k, c := range centroids {
		var dist float64
		for d := range p {
			diff := p[d] - c[d]
			dist += diff * diff
		}
		if dist < bestDist {
			best, bestDist = k, dist
		}
	}
	return best
}

func (j *job) rows(m *matrix.Dense) ([][]float64, error) {
	out := make([][]float64, m.Shape().Rows)
	for r := range out {
		row, err := m.Row(uint64(r))
		if err != nil {
			return nil, err
		}
		out[r] = row
	}
	return out, nil
}

func (j *job) compute(ctx context.Context, s runtime.Slot) error {
	local := j.points.Dense.Shape().Rows
	for it := 0; it < j.cfg.Iterations; it++ {
		if s.ID == 0 {
			j.updates.Dense.Assign(0)
		}
		if err := s.Barrier(ctx); err != nil {
			return err
		}
		centroids, err := j.rows(j.centroids)
		if err != nil {
			return err
		}
		acc := make([][]float64, j.k)
		for k := range acc {
			acc[k] = make([]float64, j.dim+1)
		}
		for r := uint64(s.ID); r < local; r += uint64(s.Count) {
			p, err := j.points.Dense.Row(r)
			if err != nil {
				return err
			}
			k := nearest(p, centroids)
			for d, v := range p {
				acc[k][d] += v
			}
			acc[k][j.dim]++
		}
		for k, row := range acc {
			if err := j.updates.Dense.AddRow(uint64(k), row); err != nil {
				return err
			}
		}
		if err := s.Barrier(ctx); err != nil {
			return err
		}
		if s.ID == 0 {
			if err := j.step(ctx, uint64(it+1)); err != nil {
				return err
			}
		}
		if err := s.Barrier(ctx); err != nil {
			return err
		}
	}
	return nil
}

// step merges every node's sums for epoch and moves each centroid to the mean of its
// points. A centroid without points stays where it is.
func (j *job) step(ctx context.Context, epoch uint64) error {
	if err := j.updates.Updates.Sync(ctx, epoch); err != nil {
		return fmt.Errorf("sync epoch %d: %w", epoch, err)
	}
	sums, err := j.rows(j.updates.Dense)
	if err != nil {
		return err
	}
	for k, row := range sums {
		n := row[j.dim]
		if n == 0 {
			continue
		}
		mean := make([]float64, j.dim)
		for d := range mean {
			mean[d] = row[d] / n
		}
		if err := j.centroids.AssignRow(uint64(k), mean); err != nil {
			return err
		}
	}
	return nil
}

func (j *job) epilogue(_ context.Context, rc *runtime.Context) error {
	centroids, err := j.rows(j.centroids)
	if err != nil {
		return err
	}
	rc.Logger.Info("kmeans finished", "iterations", j.cfg.Iterations, "centroids", centroids)
	return nil
}

// Centroids returns the current centroids of the state called name.
func Centroids(rc *runtime.Context, name string) ([][]float64, error) {
	s, err := rc.States.Get(name)
	if err != nil {
		return nil, err
	}
	if s.Dense == nil {
		return nil, fmt.Errorf("centroids %s: %w", name, remote.ErrNoLocalState)
	}
	return (&job{}).rows(s.Dense)
}
