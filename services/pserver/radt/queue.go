package radt

import "slices"

type queued[T any] struct {
	site int
	op   Op[T]
}

// deliveryQueue holds received operations that are not yet causally ready, sorted by S4.
type deliveryQueue[T any] struct {
	items []queued[T]
}

func (q *deliveryQueue[T]) push(site int, op Op[T]) {
	i, _ := slices.BinarySearchFunc(q.items, op.S4, func(e queued[T], k S4Vector) int {
		return compareS4(e.op.S4, k)
	})
	q.items = slices.Insert(q.items, i, queued[T]{site: site, op: op})
}

// popReady removes and returns the first operation in S4 order that is ready on a replica
// with clock local.
func (q *deliveryQueue[T]) popReady(local VectorClock) (queued[T], bool) {
	for i, e := range q.items {
		if e.op.Clock.readyAfter(e.site, local) {
			q.items = slices.Delete(q.items, i, i+1)
			return e, true
		}
	}
	return queued[T]{}, false
}

func (q *deliveryQueue[T]) len() int { return len(q.items) }
