package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/remote"
	"github.com/pservergo/pserver/services/pserver/runtime"
)

const sample = `
node_id: 1
nodes: [0, 1, 2]
http_addr: ":9090"
log_level: debug
slots: 4
remote_timeout: 2s
nats:
  url: nats://nats:4222
checkpoint:
  dir: /var/lib/pserver
  schedule: "*/30 * * * * *"
  keep: 5
states:
  - name: points
    rows: 6
    cols: 2
    scheme: horizontal
    input: {path: points.txt, format: dense}
  - name: sums
    rows: 2
    cols: 3
    scheme: replicated
    merge: sum
kmeans:
  points: points
  centroids: centroids
  updates: sums
  k: 2
  iterations: 10
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pserver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().HTTPAddr, cfg.HTTPAddr)
	require.Equal(t, slog.LevelInfo, cfg.Level())
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.Equal(t, cluster.NodeID(1), cfg.NodeID)
	require.Equal(t, []cluster.NodeID{0, 1, 2}, cfg.Nodes)
	require.Equal(t, 4, cfg.Slots)
	require.Equal(t, 2*time.Second, cfg.RemoteTimeout)
	// unset fields keep their defaults
	require.Equal(t, 30*time.Second, cfg.UpdateTimeout)
	require.Equal(t, "pserver", cfg.NATS.Prefix)
	require.Equal(t, slog.LevelDebug, cfg.Level())
	require.Len(t, cfg.States, 2)
	require.Equal(t, remote.RowPartitioned, cfg.States[0].Scheme)
	require.Equal(t, "dense", cfg.States[0].Input.Format)
	require.Equal(t, remote.Replicated, cfg.States[1].Scheme)
	require.Equal(t, uint64(2), cfg.KMeans.K)

	topo, err := cfg.Topology()
	require.NoError(t, err)
	require.Equal(t, 1, topo.LocalIndex())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PSERVER_NODE_ID", "3")
	t.Setenv("PSERVER_NODES", "0,1,2,3")
	t.Setenv("NATS_URL", "nats://elsewhere:4222")
	t.Setenv("PSERVER_HTTP_ADDR", ":7000")
	t.Setenv("PSERVER_SESSION", "resume-7")
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.Equal(t, cluster.NodeID(3), cfg.NodeID)
	require.Len(t, cfg.Nodes, 4)
	require.Equal(t, "nats://elsewhere:4222", cfg.NATS.URL)
	require.Equal(t, ":7000", cfg.HTTPAddr)
	require.Equal(t, "resume-7", cfg.Session)

	t.Setenv("PSERVER_NODE_ID", "x")
	_, err = Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"node outside cluster": func(c *Config) { c.NodeID = 9 },
		"no slots":             func(c *Config) { c.Slots = 0 },
		"zero timeout":         func(c *Config) { c.RemoteTimeout = 0 },
		"log level":            func(c *Config) { c.LogLevel = "loud" },
		"schedule": func(c *Config) {
			c.Checkpoint.Dir = "/tmp/x"
			c.Checkpoint.Schedule = "every minute"
		},
		"duplicate state": func(c *Config) {
			d := runtime.StateDecl{Name: "a", Rows: 1, Cols: 1}
			c.States = []runtime.StateDecl{d, d}
		},
		"kmeans without points": func(c *Config) {
			c.KMeans = &KMeans{Points: "p", K: 2, Iterations: 1}
		},
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected a validation error", name)
		}
	}
}

func TestMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "nodes: [0, 1\n"))
	require.Error(t, err)
	_, err = Load(writeConfig(t, "states:\n  - name: s\n    rows: 1\n    cols: 1\n    scheme: diagonal\n"))
	require.Error(t, err)
}
