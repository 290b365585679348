// Package registry keeps the dispatcher's picture of every backend game server.
//
// The registry is the single source of truth consulted by selection. Each entry has
// its own lock, so report ingestion for one backend never waits on a reservation
// against another; the map-level lock is only taken to look up, create or remove
// entries.
//
//	Link A ──Upsert──►┌──────────────┐◄──TryReserve── join 1
//	Link B ──Upsert──►│ id → *entry  │◄──TryReserve── join 2
//	                  │  (entry.mu)  │──Snapshot────► selector
//	                  └──────────────┘
package registry

import (
	"net"
	"sort"
	"sync"
	"time"

	"game-dispatcher/message"
)

// Registry is a concurrent map of backend identity (host:port) to BackendServer.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	staleAfter time.Duration    // no report for this long → treated as Unreachable
	now        func() time.Time // injectable for staleness tests
}

type entry struct {
	mu       sync.Mutex
	server   BackendServer
	awaiting bool // connected but no report on this connection yet
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, e.g. with a fake clock in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry. staleAfter is normally 3 × the report interval.
func New(staleAfter time.Duration, opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		staleAfter: staleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StaleAfter returns the staleness threshold.
func (r *Registry) StaleAfter() time.Duration { return r.staleAfter }

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// getOrCreate returns the entry for id, creating it on first use.
func (r *Registry) getOrCreate(id string) *entry {
	if e := r.lookup(id); e != nil {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.entries[id]; e != nil {
		return e
	}
	e := &entry{server: BackendServer{ID: id, Addr: id, Status: StatusConnecting}}
	r.entries[id] = e
	return e
}

// MarkConnecting flags a known backend whose link is dialing again.
// Unknown identities are ignored: entries are created by the first successful connection.
func (r *Registry) MarkConnecting(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.server.Status = StatusConnecting
	e.mu.Unlock()
}

// MarkLive records an established connection. The entry stays stale, and so
// unselectable, until a report arrives on this connection.
func (r *Registry) MarkLive(id string) {
	e := r.getOrCreate(id)
	e.mu.Lock()
	e.server.Status = StatusLive
	e.awaiting = true
	e.mu.Unlock()
}

// Upsert applies a load report. Reported players, capacity and version replace the
// previous values; pending reservations are kept.
func (r *Registry) Upsert(id string, report message.LoadReport) {
	e := r.getOrCreate(id)
	now := r.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.server
	s.Version = report.ProtocolVersion
	s.Players = report.PlayerCount
	s.Capacity = report.Capacity
	s.Addr = publicAddr(id, report.PublicAddr)
	s.Status = StatusLive
	s.LastReport = now
	e.awaiting = false
}

// MarkUnreachable flags a backend whose link failed. Its counters are kept so that
// reservations already handed out stay accounted for.
func (r *Registry) MarkUnreachable(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.server.Status = StatusUnreachable
	e.mu.Unlock()
}

// Remove deletes a backend. This is an administrative action; selection never calls it.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Get returns a copy of one entry with its effective status.
func (r *Registry) Get(id string) (BackendServer, bool) {
	e := r.lookup(id)
	if e == nil {
		return BackendServer{}, false
	}
	now := r.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.effective(e, now), true
}

// Snapshot returns a point-in-time copy of every entry ordered by identity.
// Live entries without a recent report come back as Unreachable with Stale set.
func (r *Registry) Snapshot() []BackendServer {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make([]BackendServer, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, r.effective(e, now))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TryReserve takes one slot on a backend: it succeeds only when the backend is Live,
// not stale, and players + reserved < capacity.
func (r *Registry) TryReserve(id string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	now := r.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.server
	if s.Status != StatusLive || r.isStale(e, now) {
		return false
	}
	if s.Load() >= s.Capacity {
		return false
	}
	s.Reserved++
	return true
}

// Release returns one reserved slot. The reserved count never drops below zero.
func (r *Registry) Release(id string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server.Reserved == 0 {
		return false
	}
	e.server.Reserved--
	return true
}

// Confirm turns one reserved slot into a connected player.
func (r *Registry) Confirm(id string) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &e.server
	if s.Reserved == 0 {
		return false
	}
	s.Reserved--
	if s.Players < s.Capacity {
		s.Players++
	}
	return true
}

// Len returns the number of known backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// isStale must be called with e.mu held.
func (r *Registry) isStale(e *entry, now time.Time) bool {
	last := e.server.LastReport
	return e.awaiting || last.IsZero() || now.Sub(last) > r.staleAfter
}

func (r *Registry) effective(e *entry, now time.Time) BackendServer {
	s := e.server
	s.Stale = r.isStale(e, now)
	if s.Stale && s.Status == StatusLive {
		s.Status = StatusUnreachable
	}
	return s
}

// publicAddr returns the address handed to players. A public address without a
// routable host (":42069", "0.0.0.0:42069") borrows the host of the identity.
func publicAddr(id, public string) string {
	if public == "" {
		return id
	}
	host, port, err := net.SplitHostPort(public)
	if err != nil {
		return public
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return public
	}
	idHost, _, err := net.SplitHostPort(id)
	if err != nil {
		return public
	}
	return net.JoinHostPort(idHost, port)
}
