// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package router maintains the process-wide registry of bound sessions and
// routes stanzas between them.
package router // import "mellium.im/xmppd/router"

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mellium.im/xmppd/jid"
	"mellium.im/xmppd/stanza"
	"mellium.im/xmppd/stream"
)

var connectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "xmppd_bound_sessions",
	Help: "Number of currently bound c2s sessions.",
})

// Session is the live connection handle registered for a bound full
// address. It is implemented by the c2s layer; the registry holds only this
// non-owning reference and never outlives the connection it indexes.
type Session interface {
	// ID is an opaque token unique to this connection.
	ID() string

	// JID returns the full address bound to the session.
	JID() jid.JID

	// Presence returns the last self-presence broadcast by the session. The
	// zero value means the session has not yet broadcast availability.
	Presence() stanza.Presence

	// Send enqueues a stanza on the session's outbound FIFO queue. It
	// returns an error if the session is shutting down.
	Send(st stanza.Stanza) error

	// CloseWithError terminates the stream with the given stream error.
	CloseWithError(serr stream.Error)
}

type regEntry struct {
	s Session
	// seq orders entries by binding recency.
	seq uint64
}

// Registry is the single source of truth for which principals are online,
// on which resources, from which sessions. All methods are safe for
// concurrent use; mutation is exclusive so that a route racing an
// unregister observes either full presence or full absence.
type Registry struct {
	mu     sync.RWMutex
	seq    uint64
	byFull map[string]regEntry
	byBare map[string][]regEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byFull: make(map[string]regEntry),
		byBare: make(map[string][]regEntry),
	}
}

// Register adds the session under its bound full address. If another
// session is already bound to the same full address the prior session is
// removed and returned so that the caller can close it (the evict-oldest
// collision policy); otherwise evicted is nil. Registering a second
// distinct resource for the same bare address never evicts the first.
func (r *Registry) Register(s Session) (evicted Session) {
	full := s.JID().String()
	bare := s.JID().Bare().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.byFull[full]; ok {
		evicted = prior.s
		r.removeLocked(prior.s)
	}
	r.seq++
	e := regEntry{s: s, seq: r.seq}
	r.byFull[full] = e
	r.byBare[bare] = append(r.byBare[bare], e)
	connectedSessions.Set(float64(len(r.byFull)))
	return evicted
}

// Unregister removes the session from the registry. It is idempotent, and
// it is a no-op if the address has since been rebound by a different
// session (a conflict-evicted session's late cleanup must not remove its
// replacement). It reports whether the session was registered.
func (r *Registry) Unregister(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byFull[s.JID().String()]
	if !ok || cur.s.ID() != s.ID() {
		return false
	}
	r.removeLocked(s)
	connectedSessions.Set(float64(len(r.byFull)))
	return true
}

func (r *Registry) removeLocked(s Session) {
	full := s.JID().String()
	bare := s.JID().Bare().String()
	delete(r.byFull, full)

	entries := r.byBare[bare]
	for i := range entries {
		if entries[i].s.ID() == s.ID() {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(r.byBare, bare)
	} else {
		r.byBare[bare] = entries
	}
}

// Lookup returns the session bound to the given full address.
func (r *Registry) Lookup(full jid.JID) (Session, bool) {
	r.mu.RLock()
	e, ok := r.byFull[full.String()]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.s, true
}

// SessionsFor returns every session bound under the given bare address
// ordered by presence priority descending, then by binding recency (most
// recent first).
func (r *Registry) SessionsFor(bare jid.JID) []Session {
	r.mu.RLock()
	entries := r.byBare[bare.Bare().String()]
	sorted := make([]regEntry, len(entries))
	copy(sorted, entries)
	r.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		pi := sorted[i].s.Presence().Priority
		pj := sorted[j].s.Presence().Priority
		if pi != pj {
			return pi > pj
		}
		return sorted[i].seq > sorted[j].seq
	})
	out := make([]Session, len(sorted))
	for i := range sorted {
		out[i] = sorted[i].s
	}
	return out
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byFull)
}

// Shutdown disconnects every bound session with a system-shutdown stream
// error.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.byFull))
	for _, e := range r.byFull {
		sessions = append(sessions, e.s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.CloseWithError(stream.SystemShutdown)
	}
}
