// Package remote presents partitioned or replicated state as one logical object: a proxy
// routes reads and writes to the owning nodes, and an update controller merges partial
// updates published by every node.
package remote

import (
	"fmt"
	"strings"

	"github.com/pservergo/pserver/services/pserver/partition"
)

// Scheme is how a state is distributed over its nodes.
type Scheme int

const (
	// Local state lives on each node independently and is never routed.
	Local Scheme = iota
	// Singleton state lives on the first node of the state's node set.
	Singleton
	// Replicated state keeps a full copy on every node of the set.
	Replicated
	RowPartitioned
	ColPartitioned
	BlockPartitioned
)

var schemeNames = [...]string{"local", "singleton", "replicated", "horizontal", "vertical", "block"}

func (s Scheme) String() string {
	if s < 0 || int(s) >= len(schemeNames) {
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
	return schemeNames[s]
}

// ParseScheme accepts the scheme names plus the aliases rows, columns and blocks.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return Local, nil
	case "singleton":
		return Singleton, nil
	case "replicated":
		return Replicated, nil
	case "horizontal", "row", "rows":
		return RowPartitioned, nil
	case "vertical", "col", "cols", "column", "columns":
		return ColPartitioned, nil
	case "block", "blocks":
		return BlockPartitioned, nil
	}
	return Local, fmt.Errorf("unknown distribution scheme %q", s)
}

func (s Scheme) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Scheme) UnmarshalText(b []byte) error {
	v, err := ParseScheme(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// PartitionKind is the partitioner a state of this scheme is laid out with.
func (s Scheme) PartitionKind() partition.Kind {
	switch s {
	case RowPartitioned:
		return partition.Rows
	case ColPartitioned:
		return partition.Columns
	case BlockPartitioned:
		return partition.Blocks
	}
	return partition.None
}

// Partitioned reports whether every cell has exactly one owner.
func (s Scheme) Partitioned() bool { return s.PartitionKind() != partition.None }
