// Package radt implements replicated abstract data types with causal delivery: every
// operation carries the vector clock of its issuer and an S4 vector that totally orders
// concurrent operations.
package radt

import (
	"fmt"
	"strconv"
	"strings"
)

// VectorClock holds one counter per node, indexed by topology position.
type VectorClock []uint32

func NewVectorClock(n int) VectorClock { return make(VectorClock, n) }

func (v VectorClock) Clone() VectorClock { return append(VectorClock(nil), v...) }

// Increment returns a copy of v with slot i advanced by one.
func (v VectorClock) Increment(i int) VectorClock {
	out := v.Clone()
	out[i]++
	return out
}

// Merge returns the element-wise maximum of v and o.
func (v VectorClock) Merge(o VectorClock) VectorClock {
	out := v.Clone()
	for i := range out {
		if i < len(o) && o[i] > out[i] {
			out[i] = o[i]
		}
	}
	return out
}

func (v VectorClock) Sum() uint64 {
	var s uint64
	for _, c := range v {
		s += uint64(c)
	}
	return s
}

// Dominates reports whether every slot of v is at least the matching slot of o.
func (v VectorClock) Dominates(o VectorClock) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i] < o[i] {
			return false
		}
	}
	return true
}

// readyAfter reports whether an operation stamped with v by site can be delivered on a
// replica whose clock is local: it is the next one from site and everything it saw from
// other sites was already delivered.
func (v VectorClock) readyAfter(site int, local VectorClock) bool {
	if len(v) != len(local) || local[site] != v[site]-1 {
		return false
	}
	for k := range v {
		if k != site && v[k] > local[k] {
			return false
		}
	}
	return true
}

func (v VectorClock) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = strconv.FormatUint(uint64(c), 10)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// S4Vector identifies an operation and orders it against every other one: session first,
// then the sum of the issuing clock, then the issuing site, then the site sequence.
// Operations with a larger sum causally follow or are concurrent with smaller ones.
type S4Vector struct {
	Session uint32 `json:"session"`
	Site    uint32 `json:"site"`
	Sum     uint64 `json:"sum"`
	Seq     uint32 `json:"seq"`
}

// Precedes reports whether s orders strictly before o.
func (s S4Vector) Precedes(o S4Vector) bool {
	if s.Session != o.Session {
		return s.Session < o.Session
	}
	if s.Sum != o.Sum {
		return s.Sum < o.Sum
	}
	if s.Site != o.Site {
		return s.Site < o.Site
	}
	return s.Seq < o.Seq
}

// TakesPrecedenceOver reports whether s is newer than o; newer writes win.
func (s S4Vector) TakesPrecedenceOver(o S4Vector) bool { return o.Precedes(s) }

func (s S4Vector) IsZero() bool { return s == S4Vector{} }

func (s S4Vector) String() string {
	return fmt.Sprintf("<%d,%d,%d,%d>", s.Session, s.Site, s.Sum, s.Seq)
}

func compareS4(a, b S4Vector) int {
	switch {
	case a.Precedes(b):
		return -1
	case b.Precedes(a):
		return 1
	}
	return 0
}
