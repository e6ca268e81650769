// Package store persists node state: matrix checkpoints in badger, the applied-update
// ledger in bbolt, and a cron scheduler for periodic checkpoints.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pservergo/pserver/services/pserver/matrix"
)

var (
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt is returned when a stored checkpoint fails its checksum.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// CheckpointConfig configures the badger database behind a CheckpointStore.
type CheckpointConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// CheckpointStore keeps epoch-tagged snapshots of dense states.
type CheckpointStore struct {
	mu     sync.RWMutex
	db     *badger.DB
	saved  metric.Int64Counter
	logger *slog.Logger
}

type badgerLogger struct{ logger *slog.Logger }

func (l badgerLogger) Errorf(f string, args ...interface{})   { l.logger.Error(fmt.Sprintf(f, args...)) }
func (l badgerLogger) Warningf(f string, args ...interface{}) { l.logger.Warn(fmt.Sprintf(f, args...)) }
func (l badgerLogger) Infof(f string, args ...interface{})    { l.logger.Debug(fmt.Sprintf(f, args...)) }
func (l badgerLogger) Debugf(f string, args ...interface{})   { l.logger.Debug(fmt.Sprintf(f, args...)) }

// OpenCheckpoints opens or creates the checkpoint database.
func OpenCheckpoints(cfg CheckpointConfig) (*CheckpointStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case cfg.Path == "":
		return nil, errors.New("checkpoint path is required")
	default:
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(badgerLogger{cfg.Logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	saved, _ := otel.Meter("pserver-go").Int64Counter("pserver_store_checkpoints_total")
	return &CheckpointStore{db: db, saved: saved, logger: cfg.Logger}, nil
}

func (s *CheckpointStore) Close() error { return s.db.Close() }

func statePrefix(state string) []byte { return []byte("ckpt/" + state + "/") }

// checkpointKey sorts epochs of one state in ascending order.
func checkpointKey(state string, epoch uint64) []byte {
	return binary.BigEndian.AppendUint64(statePrefix(state), epoch)
}

func seal(body []byte) []byte {
	return append(binary.LittleEndian.AppendUint64(nil, murmur3.Sum64(body)), body...)
}

func unseal(v []byte) ([]byte, error) {
	if len(v) < 8 {
		return nil, ErrCorrupt
	}
	body := v[8:]
	if binary.LittleEndian.Uint64(v) != murmur3.Sum64(body) {
		return nil, ErrCorrupt
	}
	return body, nil
}

// Save writes the snapshot of m as state's checkpoint for epoch, replacing an existing one.
func (s *CheckpointStore) Save(ctx context.Context, state string, epoch uint64, m *matrix.Dense) error {
	body, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(state, epoch), seal(body))
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s@%d: %w", state, epoch, err)
	}
	s.saved.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	return nil
}

// Latest returns the newest checkpoint of state as epoch and MarshalBinary encoding.
func (s *CheckpointStore) Latest(_ context.Context, state string) (uint64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		epoch uint64
		body  []byte
	)
	prefix := statePrefix(state)
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Reverse = true
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()
		it.Seek(append(append([]byte(nil), prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff))
		if !it.ValidForPrefix(prefix) {
			return ErrNotFound
		}
		item := it.Item()
		k := item.KeyCopy(nil)
		if len(k) != len(prefix)+8 {
			return fmt.Errorf("%w: key %q", ErrCorrupt, k)
		}
		epoch = binary.BigEndian.Uint64(k[len(prefix):])
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		body, err = unseal(v)
		return err
	})
	if err != nil {
		return 0, nil, fmt.Errorf("latest checkpoint %s: %w", state, err)
	}
	return epoch, body, nil
}

// Restore loads the newest checkpoint of state into m and returns its epoch.
func (s *CheckpointStore) Restore(ctx context.Context, state string, m *matrix.Dense) (uint64, error) {
	epoch, body, err := s.Latest(ctx, state)
	if err != nil {
		return 0, err
	}
	if err := m.UnmarshalBinary(body); err != nil {
		return 0, fmt.Errorf("restore %s@%d: %w", state, epoch, err)
	}
	s.logger.Info("checkpoint restored", "state", state, "epoch", epoch)
	return epoch, nil
}

// Epochs lists the stored epochs of state in ascending order.
func (s *CheckpointStore) Epochs(_ context.Context, state string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint64
	prefix := statePrefix(state)
	err := s.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.PrefetchValues = false
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if len(k) == len(prefix)+8 {
				out = append(out, binary.BigEndian.Uint64(k[len(prefix):]))
			}
		}
		return nil
	})
	return out, err
}

// Prune keeps the newest keep checkpoints of state.
func (s *CheckpointStore) Prune(ctx context.Context, state string, keep int) error {
	epochs, err := s.Epochs(ctx, state)
	if err != nil || len(epochs) <= keep {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(txn *badger.Txn) error {
		for _, e := range epochs[:len(epochs)-keep] {
			if err := txn.Delete(checkpointKey(state, e)); err != nil {
				return err
			}
		}
		return nil
	})
}
