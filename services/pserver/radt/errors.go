package radt

import (
	"errors"
	"fmt"

	"github.com/pservergo/pserver/services/pserver/crdt"
)

// ErrIndexOutOfRange is returned for list positions outside the visible elements.
var ErrIndexOutOfRange = errors.New("index out of range")

// NoReferenceObjectError reports an operation whose reference element is unknown to the
// replica. Under causal delivery it indicates a corrupted or foreign operation.
type NoReferenceObjectError struct {
	Op  crdt.OpType
	Ref S4Vector
}

func (e *NoReferenceObjectError) Error() string {
	return fmt.Sprintf("%s: no reference object %s", e.Op, e.Ref)
}
