package radt

import (
	"context"
	"fmt"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/crdt"
	"github.com/pservergo/pserver/services/pserver/transport"
)

type element[T any] struct {
	key     S4Vector // insertion stamp, the element identity
	written S4Vector // stamp of the last applied write
	value   T
	dead    bool
	next    *element[T]
}

// List is a replicated growable array. Elements are addressed by visible 0-based position
// locally and by insertion stamp on the wire, so concurrent inserts at the same position
// land in the same order on every replica.
type List[T any] struct {
	*Core[T]
	head     element[T]
	byKey    map[S4Vector]*element[T]
	cemetery *Cemetery[S4Vector]
	size     int
}

func NewList[T any](ctx context.Context, id string, topo cluster.Topology, ch transport.Channel, opts Options) (*List[T], error) {
	l := &List[T]{byKey: make(map[S4Vector]*element[T]), cemetery: NewCemetery[S4Vector]()}
	c, err := newCore(ctx, id, topo, ch, opts, l.apply)
	if err != nil {
		return nil, err
	}
	l.Core = c
	return l, nil
}

// visible returns the element at position i, or nil when i is the head position -1.
func (l *List[T]) visible(i int) (*element[T], error) {
	if i < -1 || i >= l.size {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, l.size)
	}
	if i == -1 {
		return nil, nil
	}
	n := 0
	for e := l.head.next; e != nil; e = e.next {
		if e.dead {
			continue
		}
		if n == i {
			return e, nil
		}
		n++
	}
	return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, l.size)
}

// Insert places v so that it becomes the element at position index.
func (l *List[T]) Insert(ctx context.Context, index int, v T) error {
	return l.mutate(ctx, func() (Op[T], error) {
		if index > l.size {
			return Op[T]{}, fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, l.size)
		}
		left, err := l.visible(index - 1)
		if err != nil {
			return Op[T]{}, err
		}
		op := Op[T]{Type: crdt.Insert, Value: v}
		if left != nil {
			ref := left.key
			op.Ref = &ref
		}
		return op, nil
	})
}

// Update overwrites the element at position index.
func (l *List[T]) Update(ctx context.Context, index int, v T) error {
	return l.mutate(ctx, func() (Op[T], error) {
		return l.target(crdt.Update, index, v)
	})
}

// Delete removes the element at position index.
func (l *List[T]) Delete(ctx context.Context, index int) error {
	return l.mutate(ctx, func() (Op[T], error) {
		var zero T
		return l.target(crdt.Delete, index, zero)
	})
}

func (l *List[T]) target(typ crdt.OpType, index int, v T) (Op[T], error) {
	if index < 0 {
		return Op[T]{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	e, err := l.visible(index)
	if err != nil {
		return Op[T]{}, err
	}
	ref := e.key
	return Op[T]{Type: typ, Value: v, Ref: &ref}, nil
}

func (l *List[T]) apply(op Op[T]) error {
	switch op.Type {
	case crdt.Insert:
		left := &l.head
		if op.Ref != nil {
			e, ok := l.byKey[*op.Ref]
			if !ok {
				return &NoReferenceObjectError{Op: op.Type, Ref: *op.Ref}
			}
			left = e
		}
		// Newer concurrent inserts after the same reference stay in front.
		for left.next != nil && left.next.key.TakesPrecedenceOver(op.S4) {
			left = left.next
		}
		e := &element[T]{key: op.S4, written: op.S4, value: op.Value, next: left.next}
		left.next = e
		l.byKey[op.S4] = e
		l.size++
	case crdt.Update, crdt.Delete:
		if op.Ref == nil {
			return &NoReferenceObjectError{Op: op.Type}
		}
		e, ok := l.byKey[*op.Ref]
		if !ok {
			return &NoReferenceObjectError{Op: op.Type, Ref: *op.Ref}
		}
		if e.dead {
			return nil
		}
		if op.Type == crdt.Delete {
			e.dead = true
			e.written = op.S4
			l.size--
			l.cemetery.Enrol(e.key)
			return nil
		}
		if op.S4.TakesPrecedenceOver(e.written) {
			e.value = op.Value
			e.written = op.S4
		}
	default:
		return fmt.Errorf("%w: %s on list", crdt.ErrUnsupportedOp, op.Type)
	}
	return nil
}

// Len is the number of visible elements.
func (l *List[T]) Len() int {
	var n int
	l.View(func() { n = l.size })
	return n
}

// Get returns the element at position index.
func (l *List[T]) Get(index int) (T, error) {
	var (
		v   T
		err error
	)
	l.View(func() {
		var e *element[T]
		if index < 0 {
			err = fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
			return
		}
		if e, err = l.visible(index); err == nil {
			v = e.value
		}
	})
	return v, err
}

// Values returns the visible elements in list order.
func (l *List[T]) Values() []T {
	var out []T
	l.View(func() {
		out = make([]T, 0, l.size)
		for e := l.head.next; e != nil; e = e.next {
			if !e.dead {
				out = append(out, e.value)
			}
		}
	})
	return out
}

// Tombstones is the number of deleted elements still kept for reference.
func (l *List[T]) Tombstones() int {
	var n int
	l.View(func() { n = l.cemetery.Len() })
	return n
}

// Finish ends the replica and, once no operation can reference them any more, unlinks
// the deleted elements.
func (l *List[T]) Finish(ctx context.Context) error {
	if err := l.Core.Finish(ctx); err != nil {
		return err
	}
	l.View(func() {
		for _, key := range l.cemetery.Purge(func(S4Vector) bool { return true }) {
			delete(l.byKey, key)
		}
		for prev := &l.head; prev.next != nil; {
			if prev.next.dead {
				prev.next = prev.next.next
				continue
			}
			prev = prev.next
		}
	})
	return nil
}
