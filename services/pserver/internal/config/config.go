// Package config loads the node configuration from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/pservergo/pserver/libs/go/core/logging"
	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/runtime"
)

type NATS struct {
	URL             string  `yaml:"url"`
	Prefix          string  `yaml:"prefix"`
	ConnectAttempts int     `yaml:"connect_attempts"`
	PublishRate     float64 `yaml:"publish_rate"`
}

type Checkpoint struct {
	// Dir holds the badger checkpoint store and the bolt update ledger. Empty disables both.
	Dir string `yaml:"dir"`
	// Schedule is a cron expression with a seconds field.
	Schedule string `yaml:"schedule"`
	Keep     int    `yaml:"keep"`
	// States lists the dense states to checkpoint; empty means every hosted dense state.
	States []string `yaml:"states,omitempty"`
}

// KMeans configures the k-means program run by "pserver node --run kmeans".
type KMeans struct {
	Points     string `yaml:"points"`
	Centroids  string `yaml:"centroids"`
	Updates    string `yaml:"updates"`
	K          uint64 `yaml:"k"`
	Iterations int    `yaml:"iterations"`
}

type Config struct {
	NodeID   cluster.NodeID   `yaml:"node_id"`
	Nodes    []cluster.NodeID `yaml:"nodes"`
	HTTPAddr string           `yaml:"http_addr"`
	LogLevel string           `yaml:"log_level"`
	Slots    int              `yaml:"slots"`

	// Session names the run that ledger entries belong to. Set it to resume a run after a
	// restart; empty starts a fresh one.
	Session string `yaml:"session,omitempty"`

	RemoteTimeout time.Duration `yaml:"remote_timeout"`
	UpdateTimeout time.Duration `yaml:"update_timeout"`
	FinishTimeout time.Duration `yaml:"finish_timeout"`

	NATS       NATS                `yaml:"nats"`
	Checkpoint Checkpoint          `yaml:"checkpoint"`
	States     []runtime.StateDecl `yaml:"states"`
	Values     map[string]string   `yaml:"values,omitempty"`
	KMeans     *KMeans             `yaml:"kmeans,omitempty"`
}

// DefaultConfig is a single-node setup with a local NATS server.
func DefaultConfig() Config {
	return Config{
		NodeID:        0,
		Nodes:         []cluster.NodeID{0},
		HTTPAddr:      ":8080",
		LogLevel:      "info",
		Slots:         1,
		RemoteTimeout: 5 * time.Second,
		UpdateTimeout: 30 * time.Second,
		FinishTimeout: 30 * time.Second,
		NATS: NATS{
			URL:             "nats://127.0.0.1:4222",
			Prefix:          "pserver",
			ConnectAttempts: 5,
		},
		Checkpoint: Checkpoint{Schedule: "@every 1m", Keep: 3},
	}
}

// Load reads path over the defaults and applies the environment overrides. An empty
// path yields the defaults plus overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (c *Config) applyEnv() error {
	if v := getEnv("PSERVER_NODE_ID", ""); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PSERVER_NODE_ID: %w", err)
		}
		c.NodeID = cluster.NodeID(id)
	}
	if v := getEnv("PSERVER_NODES", ""); v != "" {
		nodes, err := cluster.ParseNodes(v)
		if err != nil {
			return fmt.Errorf("PSERVER_NODES: %w", err)
		}
		c.Nodes = nodes
	}
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.HTTPAddr = getEnv("PSERVER_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("PSERVER_LOG_LEVEL", c.LogLevel)
	c.Checkpoint.Dir = getEnv("PSERVER_CHECKPOINT_DIR", c.Checkpoint.Dir)
	c.Session = getEnv("PSERVER_SESSION", c.Session)
	return nil
}

// Topology returns the cluster view of this node.
func (c Config) Topology() (cluster.Topology, error) {
	return cluster.NewTopology(c.NodeID, c.Nodes)
}

// scheduleParser accepts what the checkpoint scheduler accepts: a leading seconds field
// or a descriptor such as "@every 1m".
var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Level returns the configured log level.
func (c Config) Level() slog.Level { return logging.ParseLevel(c.LogLevel) }

// Validate checks the configuration as a whole.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Topology(); err != nil {
		errs = append(errs, err)
	}
	if c.Slots < 1 {
		errs = append(errs, fmt.Errorf("slots must be positive, got %d", c.Slots))
	}
	if c.RemoteTimeout <= 0 || c.UpdateTimeout <= 0 || c.FinishTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	if c.Checkpoint.Dir != "" {
		if _, err := scheduleParser.Parse(c.Checkpoint.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint schedule %q: %w", c.Checkpoint.Schedule, err))
		}
	}
	names := map[string]bool{}
	for _, d := range c.States {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
		if names[d.Name] {
			errs = append(errs, fmt.Errorf("%w: %s", runtime.ErrDuplicateState, d.Name))
		}
		names[d.Name] = true
	}
	if c.KMeans != nil {
		if c.KMeans.K == 0 || c.KMeans.Iterations < 1 {
			errs = append(errs, errors.New("kmeans needs k and iterations"))
		}
		if !names[c.KMeans.Points] {
			errs = append(errs, fmt.Errorf("kmeans points %q: %w", c.KMeans.Points, runtime.ErrUnknownState))
		}
	}
	return errors.Join(errs...)
}
