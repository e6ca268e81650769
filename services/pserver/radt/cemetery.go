package radt

// Cemetery tracks tombstoned elements until they can be physically removed. It is not
// safe for concurrent use; owners guard it with their replica lock.
type Cemetery[T comparable] struct {
	graves map[T]struct{}
}

func NewCemetery[T comparable]() *Cemetery[T] {
	return &Cemetery[T]{graves: make(map[T]struct{})}
}

func (c *Cemetery[T]) Enrol(x T) { c.graves[x] = struct{}{} }

// Withdraw removes x, e.g. when a newer write revives a deleted key.
func (c *Cemetery[T]) Withdraw(x T) { delete(c.graves, x) }

func (c *Cemetery[T]) Contains(x T) bool {
	_, ok := c.graves[x]
	return ok
}

func (c *Cemetery[T]) Len() int { return len(c.graves) }

// Purge removes and returns the tombstones for which stable reports that no pending or
// future operation can still reference them.
func (c *Cemetery[T]) Purge(stable func(T) bool) []T {
	var out []T
	for x := range c.graves {
		if stable(x) {
			out = append(out, x)
			delete(c.graves, x)
		}
	}
	return out
}
