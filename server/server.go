// Package server exposes a device's control surface over HTTP: a process
// runs one Node per managed device/module pair, and a Mainframe aggregates
// many Nodes under one mux with a discoverable route graph.
package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi"

	"github.jpl.nasa.gov/daq/corefw/logging"
)

// MethodPath is an HTTP method paired with a chi route pattern, a
// router-agnostic key usable regardless of which mux ends up binding it.
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps a method+path to its handler.
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists "METHOD path" for every route in the table, sorted.
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for mp := range rt {
		routes = append(routes, mp.Method+" "+mp.Path)
	}
	sort.Strings(routes)
	return routes
}

// EndpointsHTTP replies with the table's endpoint list as JSON.
func (rt RouteTable) EndpointsHTTP() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rt.Endpoints())
	}
}

// Bind registers every route in rt on mux and adds /endpoints if the table
// does not already define one.
func (rt RouteTable) Bind(mux chi.Router) {
	for mp, fn := range rt {
		mux.Method(mp.Method, mp.Path, fn)
	}
	if _, exists := rt[MethodPath{Method: http.MethodGet, Path: "/endpoints"}]; !exists {
		mux.Get("/endpoints", rt.EndpointsHTTP())
	}
}

// HTTPer is implemented by anything that can yield a RouteTable of its own
// HTTP surface.
type HTTPer interface {
	RT() RouteTable
}

// Node binds one RouteTable under a URL stem.
type Node struct {
	RouteTable RouteTable
	URLStem    string
}

// BindRoutes mounts the node's route table on mux at its URL stem.
func (n *Node) BindRoutes(mux chi.Router) {
	mux.Route(n.URLStem, func(r chi.Router) {
		n.RouteTable.Bind(r)
	})
}

// ListRoutes returns the node's bound endpoints.
func (n *Node) ListRoutes() []string {
	return n.RouteTable.Endpoints()
}

// Mainframe aggregates many Nodes, one device/module pair each, onto one
// chi.Router so a single process can serve many devices.
type Mainframe struct {
	mu    sync.Mutex
	nodes []*Node
}

// Add registers a node with the mainframe.
func (m *Mainframe) Add(n *Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, n)
}

// RouteGraph returns a depth-1 map of URL stem to bound endpoints.
func (m *Mainframe) RouteGraph() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	graph := make(map[string][]string, len(m.nodes))
	for _, n := range m.nodes {
		graph[n.URLStem] = n.ListRoutes()
	}
	return graph
}

func (m *Mainframe) graphHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.RouteGraph())
}

// BindRoutes mounts every member node on mux and adds /route-graph.
func (m *Mainframe) BindRoutes(mux chi.Router) {
	m.mu.Lock()
	nodes := append([]*Node(nil), m.nodes...)
	m.mu.Unlock()

	for _, n := range nodes {
		n.BindRoutes(mux)
	}
	mux.Get("/route-graph", m.graphHandler)
}

// NewRouter returns a chi.Router with the mainframe's nodes bound.
func (m *Mainframe) NewRouter() chi.Router {
	mux := chi.NewRouter()
	m.BindRoutes(mux)
	return mux
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Errorf("server: error encoding response: %v", err)
	}
}
