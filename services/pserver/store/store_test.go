package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/pservergo/pserver/libs/go/core/logging"
	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/matrix"
	"github.com/pservergo/pserver/services/pserver/partition"
	"github.com/pservergo/pserver/services/pserver/remote"
	"github.com/pservergo/pserver/services/pserver/transport"
)

func newDense(t *testing.T, local cluster.NodeID) *matrix.Dense {
	t.Helper()
	p, err := partition.NewRowPartitioner(4, 3, cluster.Topology{Local: local, Nodes: cluster.Range(2)})
	require.NoError(t, err)
	return matrix.NewDense(p)
}

func openMemory(t *testing.T) *CheckpointStore {
	t.Helper()
	cs, err := OpenCheckpoints(CheckpointConfig{InMemory: true, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	cs := openMemory(t)
	m := newDense(t, 1)
	require.NoError(t, m.Set(3, 2, 9.5))
	require.NoError(t, cs.Save(ctx, "w", 1, m))
	require.NoError(t, m.Set(3, 2, 10))
	require.NoError(t, cs.Save(ctx, "w", 2, m))
	require.NoError(t, cs.Save(ctx, "other", 7, m))

	restored := newDense(t, 1)
	epoch, err := cs.Restore(ctx, "w", restored)
	require.NoError(t, err)
	require.EqualValues(t, 2, epoch)
	require.Equal(t, m.Snapshot(), restored.Snapshot())

	epochs, err := cs.Epochs(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, epochs)

	require.NoError(t, cs.Prune(ctx, "w", 1))
	epochs, err = cs.Epochs(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, epochs)

	_, _, err = cs.Latest(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreRejectsForeignShape(t *testing.T) {
	ctx := context.Background()
	cs := openMemory(t)
	require.NoError(t, cs.Save(ctx, "w", 1, newDense(t, 0)))
	_, err := cs.Restore(ctx, "w", newDense(t, 1))
	require.ErrorIs(t, err, matrix.ErrShapeMismatch)
}

func TestCorruptCheckpointDetected(t *testing.T) {
	ctx := context.Background()
	cs := openMemory(t)
	require.NoError(t, cs.Save(ctx, "w", 3, newDense(t, 0)))
	err := cs.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey("w", 3))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		v[len(v)-1] ^= 0xff
		return txn.Set(checkpointKey("w", 3), v)
	})
	require.NoError(t, err)
	_, _, err = cs.Latest(ctx, "w")
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestCheckpointsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cs, err := OpenCheckpoints(CheckpointConfig{Path: dir, SyncWrites: true, Logger: logging.Discard()})
	require.NoError(t, err)
	m := newDense(t, 0)
	m.Assign(4)
	require.NoError(t, cs.Save(ctx, "w", 5, m))
	require.NoError(t, cs.Close())

	cs, err = OpenCheckpoints(CheckpointConfig{Path: dir, Logger: logging.Discard()})
	require.NoError(t, err)
	defer cs.Close()
	restored := newDense(t, 0)
	epoch, err := cs.Restore(ctx, "w", restored)
	require.NoError(t, err)
	require.EqualValues(t, 5, epoch)
	require.Equal(t, m.Snapshot(), restored.Snapshot())
}

func TestBoltLedger(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenLedger(dir)
	require.NoError(t, err)

	fresh, err := l.MarkApplied("c", 2, 7)
	require.NoError(t, err)
	require.True(t, fresh)
	fresh, err = l.MarkApplied("c", 2, 7)
	require.NoError(t, err)
	require.False(t, fresh)
	ok, err := l.Applied("c", 1, 7)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, l.Close())

	l, err = OpenLedger(dir)
	require.NoError(t, err)
	defer l.Close()
	ok, err = l.Applied("c", 2, 7)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBoltLedgerAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	run := func() []float64 {
		l, err := OpenLedger(dir)
		require.NoError(t, err)
		defer l.Close()
		hub := transport.NewHub(logging.Discard())
		defer hub.Close()
		topo := cluster.Topology{Nodes: cluster.Range(2)}
		us := make([]*remote.UpdateController, 2)
		ms := make([]*matrix.Dense, 2)
		for i := range us {
			ep, err := hub.Join(cluster.NodeID(i))
			require.NoError(t, err)
			local := topo.WithLocal(cluster.NodeID(i))
			p, err := partition.NewNoPartitioner(1, 1, local)
			require.NoError(t, err)
			ms[i] = matrix.NewDense(p)
			ms[i].Assign(float64(i + 1))
			opts := remote.UpdateOptions{Logger: logging.Discard(), Timeout: 2 * time.Second}
			if i == 1 {
				opts.Ledger = l
			}
			us[i], err = remote.NewUpdateController("acc", ms[i], local, ep, remote.SumMerge, opts)
			require.NoError(t, err)
			defer us[i].Close()
		}
		g, ctx := errgroup.WithContext(context.Background())
		for _, u := range us {
			g.Go(func() error { return u.Sync(ctx, 1) })
		}
		require.NoError(t, g.Wait())
		return []float64{ms[0].Snapshot()[0], ms[1].Snapshot()[0]}
	}
	require.Equal(t, []float64{3, 3}, run())
	require.Equal(t, []float64{3, 3}, run(), "a restarted run folds its epochs again")
}

func TestSchedulerRunsCheckpointJob(t *testing.T) {
	cs := openMemory(t)
	m := newDense(t, 0)
	s := NewScheduler(logging.Discard())
	var epoch atomic.Uint64
	epoch.Store(41)
	require.NoError(t, s.Checkpoint("* * * * * *", cs, "w", m, func() uint64 { return epoch.Add(1) }, 1))
	require.Equal(t, []string{"checkpoint:w"}, s.Jobs())
	require.Error(t, s.Add("bad", "not a cron spec", func(context.Context) error { return nil }))

	s.Start()
	defer func() { require.NoError(t, s.Stop(context.Background())) }()
	require.Eventually(t, func() bool {
		e, _, err := cs.Latest(context.Background(), "w")
		return err == nil && e >= 42
	}, 5*time.Second, 50*time.Millisecond)

	s.Remove("checkpoint:w")
	require.Empty(t, s.Jobs())
}

func TestSchedulerCountsFailures(t *testing.T) {
	s := NewScheduler(logging.Discard())
	var runs atomic.Int32
	require.NoError(t, s.Add("fail", "* * * * * *", func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	}))
	s.Start()
	defer func() { _ = s.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}
