package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pservergo/pserver/services/pserver/matrix"
)

// Scheduler runs named jobs on cron expressions with seconds precision.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID

	runs  metric.Int64Counter
	fails metric.Int64Counter
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("pserver-go")
	runs, _ := meter.Int64Counter("pserver_schedule_runs_total")
	fails, _ := meter.Int64Counter("pserver_schedule_failures_total")
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		runs:    runs,
		fails:   fails,
	}
}

// Add registers job under name, replacing a job of the same name.
func (s *Scheduler) Add(name, spec string, job func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		attrs := metric.WithAttributes(attribute.String("job", name))
		s.runs.Add(ctx, 1, attrs)
		if err := job(ctx); err != nil {
			s.fails.Add(ctx, 1, attrs)
			s.logger.Warn("scheduled job failed", "job", name, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	s.logger.Info("job scheduled", "job", name, "spec", spec)
	return nil
}

func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

// Checkpoint schedules periodic snapshots of m, tagged with the epoch reported at the
// time of each run, and prunes all but the newest keep.
func (s *Scheduler) Checkpoint(spec string, cs *CheckpointStore, state string, m *matrix.Dense, epoch func() uint64, keep int) error {
	return s.Add("checkpoint:"+state, spec, func(ctx context.Context) error {
		if err := cs.Save(ctx, state, epoch(), m); err != nil {
			return err
		}
		if keep > 0 {
			return cs.Prune(ctx, state, keep)
		}
		return nil
	})
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for running jobs to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
