// Package crdt implements operation-based replicated data types on top of a transport
// channel: a membership handshake, buffering until every replica runs, and END-based
// termination detection.
package crdt

import (
	"fmt"
	"strings"
)

// OpType tags an operation.
type OpType int

const (
	End OpType = iota
	Increment
	Decrement
	Add
	Remove
	Write
	Put
	Insert
	Update
	Delete
	Set
)

var opNames = [...]string{"END", "INCREMENT", "DECREMENT", "ADD", "REMOVE", "WRITE", "PUT", "INSERT", "UPDATE", "DELETE", "SET"}

func (t OpType) String() string {
	if t < 0 || int(t) >= len(opNames) {
		return fmt.Sprintf("OpType(%d)", int(t))
	}
	return opNames[t]
}

func (t OpType) MarshalText() ([]byte, error) {
	if t < 0 || int(t) >= len(opNames) {
		return nil, fmt.Errorf("unknown op type %d", int(t))
	}
	return []byte(opNames[t]), nil
}

func (t *OpType) UnmarshalText(b []byte) error {
	s := strings.ToUpper(string(b))
	for i, n := range opNames {
		if n == s {
			*t = OpType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown op type %q", s)
}

// Operation is one replicated mutation. It travels by value.
type Operation[T any] struct {
	Type  OpType `json:"type"`
	Value T      `json:"value"`
}

func (o Operation[T]) String() string { return fmt.Sprintf("%s(%v)", o.Type, o.Value) }

// State is the replica lifecycle.
type State int

const (
	Starting State = iota
	Running
	Finishing
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Finishing:
		return "FINISHING"
	case Finished:
		return "FINISHED"
	default:
		return "STARTING"
	}
}
