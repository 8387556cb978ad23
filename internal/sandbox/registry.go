package sandbox

import (
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateAbsent      State = "absent"
	StateStarting    State = "starting"
	StateReady       State = "ready"
	StateTerminating State = "terminating"
	StateGone        State = "gone"
)

// Session binds a conversation or scan identifier to one sandbox.
type Session struct {
	ID           string    `json:"id"`
	Handle       string    `json:"handle,omitempty"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// entry is the registry's mutable record. Fields other than execMu and
// ready are guarded by Registry.mu.
type entry struct {
	Session
	ready   chan struct{} // closed when provisioning finishes, either way
	err     error         // provisioning error, valid after ready is closed
	execMu  sync.Mutex    // serializes commands in this sandbox
	running int
}

// Registry tracks live sessions. It is safe for concurrent use by request
// handlers and the reaper.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// claim returns the existing entry for id, or inserts a new starting entry.
// created reports whether the caller owns provisioning.
func (r *Registry) claim(id string, now time.Time) (e *entry, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		return e, false
	}
	e = &entry{
		Session: Session{ID: id, State: StateStarting, CreatedAt: now, LastActivity: now},
		ready:   make(chan struct{}),
	}
	r.sessions[id] = e
	return e, true
}

func (r *Registry) get(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// snapshot returns a copy of the session and whether it exists.
func (r *Registry) snapshot(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{ID: id, State: StateAbsent}, false
	}
	return e.Session, true
}

func (r *Registry) setState(e *entry, s State) {
	r.mu.Lock()
	e.State = s
	r.mu.Unlock()
}

func (r *Registry) markReady(e *entry, handle string, now time.Time) {
	r.mu.Lock()
	e.Handle = handle
	e.State = StateReady
	e.LastActivity = now
	r.mu.Unlock()
	close(e.ready)
}

// touch records activity on the session, if it is still tracked.
func (r *Registry) touch(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.LastActivity = now
	}
}

func (r *Registry) addRunning(e *entry, delta int) {
	r.mu.Lock()
	e.running += delta
	r.mu.Unlock()
}

// remove drops id only if it still maps to e, so a late removal cannot
// evict a newer session with the same id.
func (r *Registry) remove(id string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && (e == nil || cur == e) {
		cur.State = StateGone
		delete(r.sessions, id)
	}
}

// expired lists ready sessions idle for longer than ttl with no command in
// flight.
func (r *Registry) expired(now time.Time, ttl time.Duration) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.sessions {
		if e.State != StateReady || e.running > 0 {
			continue
		}
		if now.Sub(e.LastActivity) > ttl {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// List returns a snapshot of all tracked sessions ordered by id.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
