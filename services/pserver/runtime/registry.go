package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/matrix"
	"github.com/pservergo/pserver/services/pserver/partition"
	"github.com/pservergo/pserver/services/pserver/remote"
)

var (
	ErrUnknownState   = errors.New("unknown state")
	ErrDuplicateState = errors.New("state declared twice")
)

// InputDecl names the file a state is loaded from.
type InputDecl struct {
	Path   string `yaml:"path" json:"path"`
	Format string `yaml:"format" json:"format"`
	// Labels moves column 0 of every record into the companion "<name>.labels" state.
	Labels bool `yaml:"labels" json:"labels"`
}

// StateDecl declares one distributed state.
type StateDecl struct {
	Name   string           `yaml:"name" json:"name"`
	Rows   uint64           `yaml:"rows" json:"rows"`
	Cols   uint64           `yaml:"cols" json:"cols"`
	Scheme remote.Scheme    `yaml:"scheme" json:"scheme"`
	Layout string           `yaml:"layout" json:"layout"`
	Nodes  []cluster.NodeID `yaml:"nodes,omitempty" json:"nodes,omitempty"`
	Input  *InputDecl       `yaml:"input,omitempty" json:"input,omitempty"`
	// Merge enables the remote update controller with the named merge function.
	Merge string `yaml:"merge,omitempty" json:"merge,omitempty"`
}

const (
	LayoutDense = "dense"
	LayoutCSR   = "csr"
)

// Validate checks the declaration on its own.
func (d StateDecl) Validate() error {
	switch {
	case d.Name == "":
		return errors.New("state name is required")
	case strings.ContainsAny(d.Name, " .*>"):
		return fmt.Errorf("state %q: name must not contain spaces, dots or wildcards", d.Name)
	case d.Rows == 0 || d.Cols == 0:
		return fmt.Errorf("state %s: %w", d.Name, partition.ErrEmptyMatrix)
	}
	switch d.Layout {
	case "", LayoutDense:
	case LayoutCSR:
		if d.Merge != "" {
			return fmt.Errorf("state %s: csr states cannot take remote updates", d.Name)
		}
	default:
		return fmt.Errorf("state %s: unknown layout %q", d.Name, d.Layout)
	}
	if d.Merge != "" {
		if d.Scheme != remote.Replicated {
			return fmt.Errorf("state %s: remote updates need the replicated scheme, not %s", d.Name, d.Scheme)
		}
		if _, err := ParseMerge(d.Merge); err != nil {
			return fmt.Errorf("state %s: %w", d.Name, err)
		}
	}
	if d.Input != nil {
		if d.Input.Path == "" {
			return fmt.Errorf("state %s: input path is required", d.Name)
		}
		if _, err := matrix.ParseFormat(d.Input.Format); err != nil {
			return fmt.Errorf("state %s: %w", d.Name, err)
		}
		if d.Input.Labels && (d.Scheme == remote.ColPartitioned || d.Scheme == remote.BlockPartitioned) {
			return fmt.Errorf("state %s: labels need whole rows on one node", d.Name)
		}
	}
	return nil
}

// ParseMerge resolves a merge function name: sum, max, min or replace.
func ParseMerge(name string) (matrix.MergeFunc, error) {
	switch strings.ToLower(name) {
	case "sum", "add":
		return remote.SumMerge, nil
	case "max":
		return func(_, _ uint64, l, r float64) float64 { return math.Max(l, r) }, nil
	case "min":
		return func(_, _ uint64, l, r float64) float64 { return math.Min(l, r) }, nil
	case "replace":
		return func(_, _ uint64, _, r float64) float64 { return r }, nil
	}
	return nil, fmt.Errorf("unknown merge function %q", name)
}

// State is a built state. Dense or CSR is set on hosting nodes only; Proxy is set for
// dense states on every node.
type State struct {
	Decl        StateDecl
	Topology    cluster.Topology
	Partitioner partition.Partitioner
	Dense       *matrix.Dense
	CSR         *matrix.CSR
	Labels      *matrix.Dense
	Proxy       *remote.Proxy
	Updates     *remote.UpdateController
	Stats       matrix.Stats
}

// Hosted reports whether this node holds a partition of the state.
func (s *State) Hosted() bool { return s.Dense != nil || s.CSR != nil }

// RegistryOptions tunes how states are built.
type RegistryOptions struct {
	Proxy         remote.ProxyOptions
	UpdateTimeout time.Duration
	Ledger        remote.EpochLedger
	// Session scopes ledger entries to one run. Empty starts a fresh run.
	Session string
	// Open opens input files; defaults to os.Open.
	Open func(path string) (io.ReadCloser, error)
}

// Registry builds and owns the declared states of a node.
type Registry struct {
	rc     *Context
	opts   RegistryOptions
	loader *matrix.Loader

	mu     sync.RWMutex
	states map[string]*State
}

// NewRegistry creates the registry and attaches it to rc.
func NewRegistry(rc *Context, opts RegistryOptions) *Registry {
	if opts.Open == nil {
		opts.Open = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}
	if opts.Proxy.Logger == nil {
		opts.Proxy.Logger = rc.Logger
	}
	if opts.Ledger == nil {
		opts.Ledger = remote.NewMemoryLedger()
	}
	r := &Registry{rc: rc, opts: opts, loader: matrix.NewLoader(rc.Logger), states: make(map[string]*State)}
	rc.States = r
	return r
}

// Declare builds every state of decls and loads their inputs concurrently. Either all
// states are registered or none.
func (r *Registry) Declare(ctx context.Context, decls ...StateDecl) error {
	built := make([]*State, 0, len(decls))
	release := func() {
		for _, s := range built {
			s.close()
		}
	}
	seen := map[string]bool{}
	for _, d := range decls {
		if err := d.Validate(); err != nil {
			release()
			return err
		}
		r.mu.RLock()
		_, exists := r.states[d.Name]
		r.mu.RUnlock()
		if exists || seen[d.Name] {
			release()
			return fmt.Errorf("%w: %s", ErrDuplicateState, d.Name)
		}
		seen[d.Name] = true
		s, err := r.build(d)
		if err != nil {
			release()
			return err
		}
		built = append(built, s)
	}
	if err := r.load(ctx, built); err != nil {
		release()
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range built {
		r.states[s.Decl.Name] = s
		r.rc.Logger.Info("state declared", "state", s.Decl.Name, "scheme", s.Decl.Scheme.String(),
			"hosted", s.Hosted(), "shape", s.Partitioner.Shape())
	}
	return nil
}

func (r *Registry) build(d StateDecl) (*State, error) {
	nodes := d.Nodes
	if len(nodes) == 0 {
		nodes = r.rc.Topology.Nodes
	}
	for _, n := range nodes {
		if !r.rc.Topology.Contains(n) {
			return nil, fmt.Errorf("state %s: node %d is not in the cluster", d.Name, n)
		}
	}
	hosted := slices.Contains(nodes, r.rc.NodeID())
	// Non-hosting nodes route through a view of the partitioner from the first node.
	view := nodes[0]
	if hosted {
		view = r.rc.NodeID()
	}
	topo, err := cluster.NewTopology(view, nodes)
	if err != nil {
		return nil, fmt.Errorf("state %s: %w", d.Name, err)
	}
	p, err := partition.New(d.Scheme.PartitionKind(), d.Rows, d.Cols, topo)
	if err != nil {
		return nil, fmt.Errorf("state %s: %w", d.Name, err)
	}
	s := &State{Decl: d, Topology: topo, Partitioner: p}
	if hosted {
		if d.Layout == LayoutCSR {
			s.CSR = matrix.NewCSR(p)
		} else {
			s.Dense = matrix.NewDense(p)
		}
		if d.Input != nil && d.Input.Labels {
			lp, err := partition.New(d.Scheme.PartitionKind(), d.Rows, 1, topo)
			if err != nil {
				return nil, fmt.Errorf("state %s labels: %w", d.Name, err)
			}
			s.Labels = matrix.NewDense(lp)
		}
	}
	if d.Layout != LayoutCSR && (hosted || d.Scheme != remote.Local) {
		s.Proxy, err = remote.NewProxy(d.Name, d.Scheme, s.Dense, p, r.rc.Channel, r.opts.Proxy)
		if err != nil {
			return nil, err
		}
	}
	if d.Merge != "" && hosted {
		merge, _ := ParseMerge(d.Merge)
		s.Updates, err = remote.NewUpdateController(d.Name, s.Dense, topo, r.rc.Channel, merge,
			remote.UpdateOptions{Logger: r.rc.Logger, Timeout: r.opts.UpdateTimeout, Ledger: r.opts.Ledger, Session: r.opts.Session})
		if err != nil {
			s.close()
			return nil, err
		}
	}
	return s, nil
}

func (r *Registry) load(ctx context.Context, states []*State) error {
	var (
		tasks   []matrix.Task
		closers []io.Closer
	)
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	for _, s := range states {
		in := s.Decl.Input
		if in == nil || !s.Hosted() {
			continue
		}
		format, _ := matrix.ParseFormat(in.Format)
		f, err := r.opts.Open(in.Path)
		if err != nil {
			return fmt.Errorf("state %s: %w", s.Decl.Name, err)
		}
		closers = append(closers, f)
		t := matrix.Task{Name: s.Decl.Name, Source: matrix.NewLineSource(in.Path, f, format), Labels: s.Labels}
		if s.CSR != nil {
			t.Target = s.CSR
		} else {
			t.Target = s.Dense
		}
		tasks = append(tasks, t)
	}
	if len(tasks) == 0 {
		return nil
	}
	stats, err := r.loader.LoadAll(ctx, tasks)
	if err != nil {
		return err
	}
	for _, s := range states {
		s.Stats = stats[s.Decl.Name]
	}
	return nil
}

// Get returns the state called name.
func (r *Registry) Get(name string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownState, name)
	}
	return s, nil
}

// Names lists the declared states, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.states))
	for name := range r.states {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Close releases the listeners of every state.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range r.states {
		s.close()
		delete(r.states, name)
	}
}

func (s *State) close() {
	if s.Proxy != nil {
		s.Proxy.Close()
	}
	if s.Updates != nil {
		_ = s.Updates.Close()
	}
}
