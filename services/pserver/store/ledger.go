package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/remote"
)

var bucketApplied = []byte("applied")

var _ remote.EpochLedger = (*BoltLedger)(nil)

// BoltLedger is a durable remote.EpochLedger, so a restarted node still refuses partial
// updates it merged before.
type BoltLedger struct {
	db *bbolt.DB
}

// OpenLedger opens ledger.db under dir.
func OpenLedger(dir string) (*BoltLedger, error) {
	db, err := bbolt.Open(filepath.Join(dir, "ledger.db"), 0o600, &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketApplied)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger bucket: %w", err)
	}
	return &BoltLedger{db: db}, nil
}

func (l *BoltLedger) Close() error { return l.db.Close() }

func ledgerKey(state string, node cluster.NodeID, epoch uint64) []byte {
	k := append([]byte(state), 0)
	k = binary.BigEndian.AppendUint32(k, uint32(node))
	return binary.BigEndian.AppendUint64(k, epoch)
}

func (l *BoltLedger) MarkApplied(state string, node cluster.NodeID, epoch uint64) (bool, error) {
	fresh := false
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketApplied)
		k := ledgerKey(state, node, epoch)
		if b.Get(k) != nil {
			return nil
		}
		fresh = true
		return b.Put(k, binary.BigEndian.AppendUint64(nil, uint64(time.Now().UnixNano())))
	})
	if err != nil {
		return false, fmt.Errorf("mark %s node %d epoch %d: %w", state, node, epoch, err)
	}
	return fresh, nil
}

func (l *BoltLedger) Applied(state string, node cluster.NodeID, epoch uint64) (bool, error) {
	var ok bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketApplied).Get(ledgerKey(state, node, epoch)) != nil
		return nil
	})
	return ok, err
}
