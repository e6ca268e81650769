package radt

import (
	"context"
	"fmt"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/crdt"
	"github.com/pservergo/pserver/services/pserver/transport"
)

// Entry is the wire payload of a hash table operation.
type Entry[K comparable, V any] struct {
	Key   K `json:"key"`
	Value V `json:"value"`
}

type slot[V any] struct {
	value   V
	written S4Vector
	dead    bool
}

// HashTable is a replicated map where the write with the newest S4 stamp wins per key.
// Deleted keys keep a tombstone so an older concurrent Put cannot revive them.
type HashTable[K comparable, V any] struct {
	*Core[Entry[K, V]]
	slots    map[K]*slot[V]
	cemetery *Cemetery[K]
}

func NewHashTable[K comparable, V any](ctx context.Context, id string, topo cluster.Topology, ch transport.Channel, opts Options) (*HashTable[K, V], error) {
	h := &HashTable[K, V]{slots: make(map[K]*slot[V]), cemetery: NewCemetery[K]()}
	c, err := newCore(ctx, id, topo, ch, opts, h.apply)
	if err != nil {
		return nil, err
	}
	h.Core = c
	return h, nil
}

func (h *HashTable[K, V]) Put(ctx context.Context, k K, v V) error {
	return h.mutate(ctx, func() (Op[Entry[K, V]], error) {
		return Op[Entry[K, V]]{Type: crdt.Put, Value: Entry[K, V]{Key: k, Value: v}}, nil
	})
}

// Delete removes k. Deleting an absent key is a no-op that is not broadcast.
func (h *HashTable[K, V]) Delete(ctx context.Context, k K) error {
	return h.mutate(ctx, func() (Op[Entry[K, V]], error) {
		if s, ok := h.slots[k]; !ok || s.dead {
			return Op[Entry[K, V]]{}, errNoop
		}
		return Op[Entry[K, V]]{Type: crdt.Delete, Value: Entry[K, V]{Key: k}}, nil
	})
}

func (h *HashTable[K, V]) apply(op Op[Entry[K, V]]) error {
	k := op.Value.Key
	s, ok := h.slots[k]
	if ok && !op.S4.TakesPrecedenceOver(s.written) {
		return nil
	}
	if !ok {
		s = &slot[V]{}
		h.slots[k] = s
	}
	switch op.Type {
	case crdt.Put:
		s.value, s.dead = op.Value.Value, false
		h.cemetery.Withdraw(k)
	case crdt.Delete:
		var zero V
		s.value, s.dead = zero, true
		h.cemetery.Enrol(k)
	default:
		if !ok {
			delete(h.slots, k)
		}
		return fmt.Errorf("%w: %s on hash table", crdt.ErrUnsupportedOp, op.Type)
	}
	s.written = op.S4
	return nil
}

func (h *HashTable[K, V]) Get(k K) (V, bool) {
	var (
		v  V
		ok bool
	)
	h.View(func() {
		if s, found := h.slots[k]; found && !s.dead {
			v, ok = s.value, true
		}
	})
	return v, ok
}

// Keys returns the live keys in unspecified order.
func (h *HashTable[K, V]) Keys() []K {
	var out []K
	h.View(func() {
		for k, s := range h.slots {
			if !s.dead {
				out = append(out, k)
			}
		}
	})
	return out
}

func (h *HashTable[K, V]) Len() int {
	var n int
	h.View(func() { n = len(h.slots) - h.cemetery.Len() })
	return n
}

// Finish ends the replica and drops the tombstones.
func (h *HashTable[K, V]) Finish(ctx context.Context) error {
	if err := h.Core.Finish(ctx); err != nil {
		return err
	}
	h.View(func() {
		for _, k := range h.cemetery.Purge(func(K) bool { return true }) {
			delete(h.slots, k)
		}
	})
	return nil
}
