package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pservergo/pserver/services/pserver/cluster"
	"github.com/pservergo/pserver/services/pserver/partition"
	"github.com/pservergo/pserver/services/pserver/runtime"
)

type stateInfo struct {
	Name    string `json:"name"`
	Rows    uint64 `json:"rows"`
	Cols    uint64 `json:"cols"`
	Scheme  string `json:"scheme"`
	Layout  string `json:"layout"`
	Hosted  bool   `json:"hosted"`
	Records int    `json:"records_loaded,omitempty"`
}

type shapeInfo struct {
	Name       string          `json:"name"`
	Rows       uint64          `json:"rows"`
	Cols       uint64          `json:"cols"`
	Node       cluster.NodeID  `json:"node"`
	Partition  partition.Shape `json:"partition"`
	Partitions int             `json:"partitions"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// newAdminRouter serves health, state introspection and metrics.
func newAdminRouter(reg *runtime.Registry, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/states", func(w http.ResponseWriter, _ *http.Request) {
		out := []stateInfo{}
		for _, name := range reg.Names() {
			s, err := reg.Get(name)
			if err != nil {
				continue
			}
			layout := s.Decl.Layout
			if layout == "" {
				layout = runtime.LayoutDense
			}
			out = append(out, stateInfo{
				Name: name, Rows: s.Decl.Rows, Cols: s.Decl.Cols,
				Scheme: s.Decl.Scheme.String(), Layout: layout,
				Hosted: s.Hosted(), Records: s.Stats.Records,
			})
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Get("/states/{name}/shape", func(w http.ResponseWriter, req *http.Request) {
		s, err := reg.Get(chi.URLParam(req, "name"))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, runtime.ErrUnknownState) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		// ?node=<id> asks for another node's partition.
		node := s.Topology.Local
		if q := req.URL.Query().Get("node"); q != "" {
			id, err := strconv.Atoi(q)
			if err != nil {
				http.Error(w, "bad node id", http.StatusBadRequest)
				return
			}
			node = cluster.NodeID(id)
		}
		shape, err := s.Partitioner.ShapeForNode(node)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, shapeInfo{
			Name: s.Decl.Name, Rows: s.Decl.Rows, Cols: s.Decl.Cols,
			Node: node, Partition: shape, Partitions: s.Topology.Size(),
		})
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	return r
}
