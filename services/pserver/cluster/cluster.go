// Package cluster holds node identity and the static membership view of a pserver job.
package cluster

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// NodeID identifies a node of the job. Node ids are small non-negative integers.
type NodeID int

// Unowned is returned by partitioners that do not assign coordinates to a node.
const Unowned NodeID = -1

func (n NodeID) String() string { return strconv.Itoa(int(n)) }

// ErrEmptyTopology is returned when a topology lists no nodes.
var ErrEmptyTopology = errors.New("topology has no nodes")

// Topology is the ordered node list a state or replica lives on, seen from Local.
type Topology struct {
	Local NodeID
	Nodes []NodeID
}

// NewTopology validates and returns a topology. nodes keeps its order: a node's position
// is its replica index.
func NewTopology(local NodeID, nodes []NodeID) (Topology, error) {
	t := Topology{Local: local, Nodes: slices.Clone(nodes)}
	return t, t.Validate()
}

// Validate checks that the node list is non-empty, duplicate-free and contains Local.
func (t Topology) Validate() error {
	if len(t.Nodes) == 0 {
		return ErrEmptyTopology
	}
	seen := make(map[NodeID]struct{}, len(t.Nodes))
	for _, n := range t.Nodes {
		if n < 0 {
			return fmt.Errorf("invalid node id %d", n)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("duplicate node id %d", n)
		}
		seen[n] = struct{}{}
	}
	if _, ok := seen[t.Local]; !ok {
		return fmt.Errorf("local node %d not in %v", t.Local, t.Nodes)
	}
	return nil
}

// Size is the number of nodes.
func (t Topology) Size() int { return len(t.Nodes) }

// Index returns the position of id in the node list, or -1.
func (t Topology) Index(id NodeID) int { return slices.Index(t.Nodes, id) }

// LocalIndex is Index(Local).
func (t Topology) LocalIndex() int { return t.Index(t.Local) }

// Contains reports whether id is part of the topology.
func (t Topology) Contains(id NodeID) bool { return t.Index(id) >= 0 }

// Remotes returns every node except Local, in topology order.
func (t Topology) Remotes() []NodeID {
	out := make([]NodeID, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		if n != t.Local {
			out = append(out, n)
		}
	}
	return out
}

// WithLocal returns a copy of t seen from another node.
func (t Topology) WithLocal(id NodeID) Topology {
	return Topology{Local: id, Nodes: slices.Clone(t.Nodes)}
}

// Range returns node ids 0..n-1.
func Range(n int) []NodeID {
	out := make([]NodeID, n)
	for i := range out {
		out[i] = NodeID(i)
	}
	return out
}

// ParseNodes parses a comma separated id list such as "0,1,2".
func ParseNodes(s string) ([]NodeID, error) {
	var out []NodeID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("parse node id %q: %w", part, err)
		}
		out = append(out, NodeID(v))
	}
	return out, nil
}
