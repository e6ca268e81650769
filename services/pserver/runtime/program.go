package runtime

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pservergo/pserver/libs/go/core/otelinit"
)

// Program is a node-local computation. Prologue and Epilogue run once; Compute runs once
// per slot, all slots in parallel.
type Program struct {
	Name     string
	Prologue func(ctx context.Context, rc *Context) error
	Compute  func(ctx context.Context, s Slot) error
	Epilogue func(ctx context.Context, rc *Context) error
}

// Slot is one parallel execution unit of a program.
type Slot struct {
	ID    int
	Count int
	RC    *Context
	b     *Barrier
}

// Barrier blocks until every slot of the program reached it.
func (s Slot) Barrier(ctx context.Context) error { return s.b.Wait(ctx) }

// Run executes prog: the prologue, then every slot's Compute, then the epilogue. The
// phases are separated by barriers. The first failing slot cancels the others.
func Run(ctx context.Context, rc *Context, prog Program) error {
	ctx, end := otelinit.WithSpan(ctx, "program."+prog.Name)
	defer end()
	log := rc.Logger.With("program", prog.Name)

	if prog.Prologue != nil {
		if err := prog.Prologue(ctx, rc); err != nil {
			return fmt.Errorf("%s prologue: %w", prog.Name, err)
		}
	}
	if prog.Compute != nil {
		b := NewBarrier(rc.Slots)
		g, gctx := errgroup.WithContext(ctx)
		for id := 0; id < rc.Slots; id++ {
			s := Slot{ID: id, Count: rc.Slots, RC: rc, b: b}
			g.Go(func() error {
				if err := prog.Compute(gctx, s); err != nil {
					return fmt.Errorf("%s slot %d: %w", prog.Name, s.ID, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	if prog.Epilogue != nil {
		if err := prog.Epilogue(ctx, rc); err != nil {
			return fmt.Errorf("%s epilogue: %w", prog.Name, err)
		}
	}
	log.Info("program finished", "slots", rc.Slots)
	return nil
}

// Barrier is a reusable rendezvous for n parties. A wait abandoned through its context
// leaves the barrier unusable for the current generation.
type Barrier struct {
	n     int
	mu    sync.Mutex
	count int
	gen   chan struct{}
}

func NewBarrier(n int) *Barrier {
	if n < 1 {
		n = 1
	}
	return &Barrier{n: n, gen: make(chan struct{})}
}

func (b *Barrier) Wait(ctx context.Context) error {
	b.mu.Lock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen = make(chan struct{})
		b.mu.Unlock()
		close(gen)
		return nil
	}
	b.mu.Unlock()
	select {
	case <-gen:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
