package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.jpl.nasa.gov/daq/corefw/server"
)

func TestCheckBlocksWhenLocked(t *testing.T) {
	l := New()
	l.Lock()

	handler := l.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/device1/pos", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusLocked {
		t.Fatalf("got %d, want 423 while locked", w.Code)
	}
}

func TestCheckExemptsLockRoute(t *testing.T) {
	l := New()
	l.Lock()

	handler := l.Check(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/device1/lock", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200 for exempted /lock path", w.Code)
	}
}

func TestInjectAddsLockRoutesToRouteTable(t *testing.T) {
	rt := server.RouteTable{}
	h := stubHTTPer{rt: rt}
	l := New()
	Inject(h, l)

	if _, ok := rt[server.MethodPath{Method: http.MethodGet, Path: "/lock"}]; !ok {
		t.Fatalf("expected GET /lock route to be injected")
	}
	if _, ok := rt[server.MethodPath{Method: http.MethodPost, Path: "/lock"}]; !ok {
		t.Fatalf("expected POST /lock route to be injected")
	}
}

func TestHTTPSetAndHTTPGetRoundTrip(t *testing.T) {
	l := New()

	req := httptest.NewRequest(http.MethodPost, "/lock", strings.NewReader(`{"bool": true}`))
	w := httptest.NewRecorder()
	l.HTTPSet(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("HTTPSet: got %d", w.Code)
	}
	if !l.Locked() {
		t.Fatalf("expected Locked() true after setting bool=true")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/lock", nil)
	w2 := httptest.NewRecorder()
	l.HTTPGet(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("HTTPGet: got %d", w2.Code)
	}
	if !strings.Contains(w2.Body.String(), `"bool":true`) {
		t.Fatalf("got body %s, want bool:true", w2.Body.String())
	}
}

type stubHTTPer struct {
	rt server.RouteTable
}

func (s stubHTTPer) RT() server.RouteTable { return s.rt }
