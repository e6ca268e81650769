// Package runtime wires one node: its topology and channel, the declared states, and the
// execution of programs over worker slots.
package runtime

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/transport"
)

// Context is created once per node process and handed to everything that needs the
// node's identity, its channel or configuration values.
type Context struct {
	Topology cluster.Topology
	Channel  transport.Channel
	Logger   *slog.Logger
	// Slots is the number of parallel compute slots.
	Slots  int
	Values map[string]string
	States *Registry
	// FinishTimeout bounds the end handshake of RunTogether. Zero waits on the context only.
	FinishTimeout time.Duration
}

func NewContext(topo cluster.Topology, ch transport.Channel, logger *slog.Logger, slots int, values map[string]string) (*Context, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if ch.Local() != topo.Local {
		return nil, fmt.Errorf("channel node %d is not topology node %d", ch.Local(), topo.Local)
	}
	if slots < 1 {
		slots = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if values == nil {
		values = map[string]string{}
	}
	return &Context{
		Topology: topo,
		Channel:  ch,
		Logger:   logger.With("node", int(topo.Local)),
		Slots:    slots,
		Values:   values,
	}, nil
}

func (c *Context) NodeID() cluster.NodeID { return c.Topology.Local }

// Value returns the configuration value for key, or def.
func (c *Context) Value(key, def string) string {
	if v, ok := c.Values[key]; ok {
		return v
	}
	return def
}

// Int returns the integer configuration value for key, or def when absent or malformed.
func (c *Context) Int(key string, def int) int {
	v, err := strconv.Atoi(c.Value(key, ""))
	if err != nil {
		return def
	}
	return v
}
