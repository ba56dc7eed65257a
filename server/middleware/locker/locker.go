// Package locker provides an HTTP middleware that can lock a node's
// routes (every request, reads included, except the exempted paths),
// returning 423 Locked instead of dispatching them, the
// HTTP-layer expression of its "exclusive instrument ownership
// while Running" rule.
package locker

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.jpl.nasa.gov/daq/corefw/server"
)

// Inject adds GET/POST /lock routes to other's route table, for reading
// and setting the lock over HTTP.
func Inject(other server.HTTPer, l *Locker) {
	rt := other.RT()
	rt[server.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[server.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker behaves like a sync.Mutex without the blocking: callers check
// Locked() (directly, or via Check as middleware) instead of waiting.
type Locker struct {
	isLocked bool

	// DoNotProtect lists path substrings the lock never blocks, so the
	// lock route itself always remains reachable.
	DoNotProtect []string
}

// New returns an unlocked Locker with "/lock" already exempted.
func New() *Locker {
	return &Locker{DoNotProtect: []string{"/lock"}}
}

// Lock engages the lock.
func (l *Locker) Lock() {
	l.isLocked = true
}

// Unlock releases the lock.
func (l *Locker) Unlock() {
	l.isLocked = false
}

// Locked reports whether the lock is currently engaged.
func (l *Locker) Locked() bool {
	return l.isLocked
}

// Check is chi-compatible middleware: it returns 423 Locked for any
// request whose path isn't exempted, while the lock is engaged.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			for _, str := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, str) {
					protected = false
					break
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type boolBody struct {
	Bool bool `json:"bool"`
}

// HTTPSet locks or unlocks based on a {"bool": ...} JSON body.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	var b boolBody
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet replies with the current lock state as {"bool": ...} JSON.
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(boolBody{Bool: l.Locked()})
}
