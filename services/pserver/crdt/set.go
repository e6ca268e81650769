package crdt

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/transport"
)

// GSet is a grow-only set.
type GSet[T comparable] struct {
	*Replica[T]
	elems map[T]struct{}
	order []T
}

func NewGSet[T comparable](ctx context.Context, id string, topo cluster.Topology, ch transport.Channel, opts Options) (*GSet[T], error) {
	s := &GSet[T]{elems: make(map[T]struct{})}
	r, err := NewReplica[T](ctx, id, topo, ch, s, opts)
	if err != nil {
		return nil, err
	}
	s.Replica = r
	return s, nil
}

func (s *GSet[T]) add(v T) {
	if _, ok := s.elems[v]; !ok {
		s.elems[v] = struct{}{}
		s.order = append(s.order, v)
	}
}

// Add inserts v and broadcasts ADD(v).
func (s *GSet[T]) Add(ctx context.Context, v T) error {
	return s.Do(ctx, func() (Operation[T], error) {
		s.add(v)
		return Operation[T]{Type: Add, Value: v}, nil
	})
}

func (s *GSet[T]) Contains(v T) bool {
	var ok bool
	s.View(func() { _, ok = s.elems[v] })
	return ok
}

// Values returns the elements in local insertion order.
func (s *GSet[T]) Values() []T {
	var out []T
	s.View(func() { out = append(out, s.order...) })
	return out
}

func (s *GSet[T]) Update(_ cluster.NodeID, op Operation[T]) error {
	if op.Type != Add {
		return fmt.Errorf("%w: %s on grow-only set", ErrUnsupportedOp, op.Type)
	}
	s.add(op.Value)
	return nil
}

// Tagged is an observed-remove set payload: an element and the unique tags an ADD created
// or a REMOVE observed.
type Tagged[T any] struct {
	Elem T        `json:"elem"`
	Tags []string `json:"tags"`
}

// ORSet is an add-wins observed-remove set. Every Add creates a fresh tag; Remove deletes
// only the tags the remover has seen, so a concurrent Add survives. Removed tags are
// remembered so a late ADD of an already removed tag stays removed.
type ORSet[T comparable] struct {
	*Replica[Tagged[T]]
	tags    map[T]map[string]struct{}
	removed map[string]struct{}
}

func NewORSet[T comparable](ctx context.Context, id string, topo cluster.Topology, ch transport.Channel, opts Options) (*ORSet[T], error) {
	s := &ORSet[T]{tags: make(map[T]map[string]struct{}), removed: make(map[string]struct{})}
	r, err := NewReplica[Tagged[T]](ctx, id, topo, ch, s, opts)
	if err != nil {
		return nil, err
	}
	s.Replica = r
	return s, nil
}

func (s *ORSet[T]) addTags(v T, tags []string) {
	for _, tag := range tags {
		if _, gone := s.removed[tag]; gone {
			continue
		}
		if s.tags[v] == nil {
			s.tags[v] = make(map[string]struct{})
		}
		s.tags[v][tag] = struct{}{}
	}
}

func (s *ORSet[T]) removeTags(v T, tags []string) {
	for _, tag := range tags {
		s.removed[tag] = struct{}{}
		delete(s.tags[v], tag)
	}
	if len(s.tags[v]) == 0 {
		delete(s.tags, v)
	}
}

// Add inserts v under a new tag.
func (s *ORSet[T]) Add(ctx context.Context, v T) error {
	return s.Do(ctx, func() (Operation[Tagged[T]], error) {
		tag := uuid.NewString()
		s.addTags(v, []string{tag})
		return Operation[Tagged[T]]{Type: Add, Value: Tagged[T]{Elem: v, Tags: []string{tag}}}, nil
	})
}

// Remove deletes every locally observed tag of v. Removing an absent element is a no-op
// that is not broadcast.
func (s *ORSet[T]) Remove(ctx context.Context, v T) error {
	var absent bool
	err := s.Do(ctx, func() (Operation[Tagged[T]], error) {
		observed := make([]string, 0, len(s.tags[v]))
		for tag := range s.tags[v] {
			observed = append(observed, tag)
		}
		if len(observed) == 0 {
			absent = true
			return Operation[Tagged[T]]{}, errAbsent
		}
		s.removeTags(v, observed)
		return Operation[Tagged[T]]{Type: Remove, Value: Tagged[T]{Elem: v, Tags: observed}}, nil
	})
	if absent {
		return nil
	}
	return err
}

var errAbsent = errors.New("element absent")

func (s *ORSet[T]) Contains(v T) bool {
	var ok bool
	s.View(func() { ok = len(s.tags[v]) > 0 })
	return ok
}

// Values returns the present elements in unspecified order.
func (s *ORSet[T]) Values() []T {
	var out []T
	s.View(func() {
		for v := range s.tags {
			out = append(out, v)
		}
	})
	return out
}

func (s *ORSet[T]) Update(_ cluster.NodeID, op Operation[Tagged[T]]) error {
	switch op.Type {
	case Add:
		s.addTags(op.Value.Elem, op.Value.Tags)
	case Remove:
		s.removeTags(op.Value.Elem, op.Value.Tags)
	default:
		return fmt.Errorf("%w: %s on observed-remove set", ErrUnsupportedOp, op.Type)
	}
	return nil
}
