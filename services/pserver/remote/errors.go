package remote

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pservergo/pserver/services/pserver/cluster"
)

var (
	// ErrNodeUnavailable is returned without sending when a destination's breaker is open.
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrRemote wraps an error reported by the serving node.
	ErrRemote = errors.New("remote error")
	// ErrNoLocalState is returned when a local-only operation runs on a node that does not
	// host the state.
	ErrNoLocalState = errors.New("state not hosted on this node")
)

// TimeoutError reports a remote call or pull that did not complete in time, with the
// progress made before it expired.
type TimeoutError struct {
	Op      string
	State   string
	Nodes   []cluster.NodeID
	Replied []cluster.NodeID
	After   time.Duration
}

// Missing lists the nodes that did not answer.
func (e *TimeoutError) Missing() []cluster.NodeID {
	var out []cluster.NodeID
	for _, n := range e.Nodes {
		if !slices.Contains(e.Replied, n) {
			out = append(out, n)
		}
	}
	return out
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s on state %s timed out after %s: %d of %d nodes replied, missing %v",
		e.Op, e.State, e.After, len(e.Replied), len(e.Nodes), e.Missing())
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
