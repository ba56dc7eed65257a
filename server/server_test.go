package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
)

type stubHTTPer struct {
	rt RouteTable
}

func (s stubHTTPer) RT() RouteTable { return s.rt }

func ok(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func TestRouteTableEndpointsAreSortedAndDeduped(t *testing.T) {
	rt := RouteTable{
		{Method: http.MethodGet, Path: "/b"}:  ok,
		{Method: http.MethodGet, Path: "/a"}:  ok,
		{Method: http.MethodPost, Path: "/a"}: ok,
	}
	got := rt.Endpoints()
	want := []string{"GET /a", "GET /b", "POST /a"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestBindAddsEndpointsRoute(t *testing.T) {
	rt := RouteTable{{Method: http.MethodGet, Path: "/foo"}: ok}
	mux := chi.NewRouter()
	rt.Bind(mux)

	req := httptest.NewRequest(http.MethodGet, "/endpoints", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
}

func TestNodeBindsUnderURLStem(t *testing.T) {
	n := &Node{
		URLStem:    "/device1",
		RouteTable: RouteTable{{Method: http.MethodGet, Path: "/ping"}: ok},
	}
	mux := chi.NewRouter()
	n.BindRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/device1/ping", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}
}

func TestMainframeRouteGraphListsEveryNode(t *testing.T) {
	var m Mainframe
	m.Add(&Node{URLStem: "/a", RouteTable: RouteTable{{Method: http.MethodGet, Path: "/x"}: ok}})
	m.Add(&Node{URLStem: "/b", RouteTable: RouteTable{{Method: http.MethodGet, Path: "/y"}: ok}})

	graph := m.RouteGraph()
	if len(graph["/a"]) == 0 || len(graph["/b"]) == 0 {
		t.Fatalf("expected both nodes in route graph, got %+v", graph)
	}
}

func TestMainframeNewRouterServesRouteGraph(t *testing.T) {
	var m Mainframe
	m.Add(&Node{URLStem: "/a", RouteTable: RouteTable{{Method: http.MethodGet, Path: "/x"}: ok}})
	mux := m.NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/route-graph", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", w.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/a/x", nil)
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 for mounted node route", w2.Code)
	}
}
