package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pservergo/pserver/libs/go/core/logging"
	"github.com/pservergo/pserver/libs/go/core/otelinit"
	"github.com/pservergo/pserver/services/pserver/internal/config"
	"github.com/pservergo/pserver/services/pserver/programs/kmeans"
	"github.com/pservergo/pserver/services/pserver/remote"
	"github.com/pservergo/pserver/services/pserver/runtime"
	"github.com/pservergo/pserver/services/pserver/store"
	"github.com/pservergo/pserver/services/pserver/transport"
)

const service = "pserver"

func newNodeCmd() *cobra.Command {
	var (
		path string
		run  string
	)
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run one node: declare the configured states and serve them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg, path, run)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&run, "run", "", "program to run once the states are loaded (kmeans)")
	return cmd
}

// durability holds the optional checkpoint store, ledger and schedule of a node.
type durability struct {
	checkpoints *store.CheckpointStore
	ledger      *store.BoltLedger
	scheduler   *store.Scheduler
}

func openDurability(cfg config.Checkpoint, logger *slog.Logger) (*durability, error) {
	if cfg.Dir == "" {
		return &durability{}, nil
	}
	cs, err := store.OpenCheckpoints(store.CheckpointConfig{Path: filepath.Join(cfg.Dir, "checkpoints"), Logger: logger})
	if err != nil {
		return nil, err
	}
	ledger, err := store.OpenLedger(cfg.Dir)
	if err != nil {
		_ = cs.Close()
		return nil, err
	}
	return &durability{checkpoints: cs, ledger: ledger, scheduler: store.NewScheduler(logger)}, nil
}

// track restores every selected hosted dense state from its newest checkpoint and
// schedules further checkpoints.
func (d *durability) track(ctx context.Context, cfg config.Checkpoint, reg *runtime.Registry, logger *slog.Logger) error {
	if d.checkpoints == nil {
		return nil
	}
	for _, name := range reg.Names() {
		if len(cfg.States) > 0 && !slices.Contains(cfg.States, name) {
			continue
		}
		s, err := reg.Get(name)
		if err != nil || s.Dense == nil {
			continue
		}
		epoch, err := d.checkpoints.Restore(ctx, name, s.Dense)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			logger.Warn("checkpoint not restored", "state", name, "error", err)
		}
		var counter atomic.Uint64
		counter.Store(epoch)
		if err := d.scheduler.Checkpoint(cfg.Schedule, d.checkpoints, name, s.Dense,
			func() uint64 { return counter.Add(1) }, cfg.Keep); err != nil {
			return err
		}
	}
	d.scheduler.Start()
	return nil
}

func (d *durability) close(ctx context.Context) {
	if d.scheduler != nil {
		_ = d.scheduler.Stop(ctx)
	}
	if d.ledger != nil {
		_ = d.ledger.Close()
	}
	if d.checkpoints != nil {
		_ = d.checkpoints.Close()
	}
}

func runNode(parent context.Context, cfg config.Config, path, run string) error {
	logger := logging.Init(service)
	logging.SetLevel(cfg.Level())
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler := otelinit.InitMetrics(ctx, service)

	topo, err := cfg.Topology()
	if err != nil {
		return err
	}
	ch, err := transport.DialNATS(ctx, cfg.NATS.URL, topo.Local, cfg.NATS.ConnectAttempts, transport.NATSOptions{
		Prefix:      cfg.NATS.Prefix,
		PublishRate: cfg.NATS.PublishRate,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer ch.Close()

	dur, err := openDurability(cfg.Checkpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		sd, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		dur.close(sd)
	}()

	rc, err := runtime.NewContext(topo, ch, logger, cfg.Slots, cfg.Values)
	if err != nil {
		return err
	}
	rc.FinishTimeout = cfg.FinishTimeout
	opts := runtime.RegistryOptions{
		Proxy:         remote.ProxyOptions{Logger: logger, Timeout: cfg.RemoteTimeout},
		UpdateTimeout: cfg.UpdateTimeout,
		Session:       cfg.Session,
	}
	if dur.ledger != nil {
		opts.Ledger = dur.ledger
	}
	reg := runtime.NewRegistry(rc, opts)
	defer reg.Close()

	decls := slices.Clone(cfg.States)
	if cfg.KMeans != nil {
		decls = append(decls, kmeansConfig(cfg.KMeans).Decls(cfg.KMeans.K, pointCols(cfg))...)
	}
	if err := reg.Declare(ctx, decls...); err != nil {
		return fmt.Errorf("declare states: %w", err)
	}
	if err := dur.track(ctx, cfg.Checkpoint, reg, logger); err != nil {
		return err
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: newAdminRouter(reg, promHandler), ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin http: %w", err)
		}
		return nil
	})
	if path != "" {
		g.Go(func() error { return watchConfig(gctx, path, logger, nil) })
	}
	if run != "" {
		g.Go(func() error { return runProgram(gctx, rc, cfg, run) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		sd, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		return srv.Shutdown(sd)
	})
	logger.Info("node started", "node", int(topo.Local), "nodes", len(topo.Nodes), "http", cfg.HTTPAddr, "states", reg.Names())
	err = g.Wait()

	sd, c := context.WithTimeout(context.Background(), 5*time.Second)
	defer c()
	otelinit.Flush(sd, shutdownTrace)
	_ = shutdownMetrics(sd)
	logger.Info("shutdown complete")
	return err
}

func kmeansConfig(k *config.KMeans) kmeans.Config {
	return kmeans.Config{Points: k.Points, Centroids: k.Centroids, Updates: k.Updates, Iterations: k.Iterations}
}

func pointCols(cfg config.Config) uint64 {
	for _, d := range cfg.States {
		if d.Name == cfg.KMeans.Points {
			return d.Cols
		}
	}
	return 0
}

// runProgram runs the named program once, together with the other nodes. The node keeps
// serving afterwards.
func runProgram(ctx context.Context, rc *runtime.Context, cfg config.Config, name string) error {
	switch name {
	case "kmeans":
		if cfg.KMeans == nil {
			return errors.New("kmeans is not configured")
		}
		start := time.Now()
		if err := runtime.RunTogether(ctx, rc, kmeans.New(kmeansConfig(cfg.KMeans))); err != nil {
			return err
		}
		rc.Logger.Info("program done", "program", name, "elapsed", time.Since(start))
		return nil
	}
	return fmt.Errorf("unknown program %q", name)
}
