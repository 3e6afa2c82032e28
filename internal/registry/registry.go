// Package registry maps peer IDs to the single live connection each peer has
// on this instance.
//
// The registry is owned by one gateway and injected where needed; there is no
// package-level instance. A peer has at most one entry: registering a second
// connection replaces the first (last connect wins) and hands the displaced
// handle back to the caller, which decides whether to close it.
package registry

import (
	"sync"
	"time"

	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// Conn is a live, writable connection handle.
type Conn interface {
	// ID uniquely identifies this connection for its whole lifetime.
	ID() string

	// PeerID is the authenticated peer that owns the connection.
	PeerID() string

	// Send enqueues f for writing. onWritten, if non-nil, runs after the
	// frame has been written to the socket. Send never blocks; it returns an
	// error if the connection is closed or its send queue is full.
	Send(f protocol.ServerFrame, onWritten func()) error

	// Close closes the connection with a WebSocket close code.
	Close(code int, reason string) error
}

// Entry is one registered connection.
type Entry struct {
	Conn        Conn
	ConnectedAt time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]Entry), now: time.Now}
}

// Register makes c the live connection for its peer and returns the
// connection it replaced, or nil.
func (r *Registry) Register(c Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[c.PeerID()]
	r.entries[c.PeerID()] = Entry{Conn: c, ConnectedAt: r.now()}
	if !ok || prev.Conn.ID() == c.ID() {
		return nil
	}
	return prev.Conn
}

// Unregister removes the entry for c's peer, but only if that entry still
// points at c. It reports whether an entry was removed.
func (r *Registry) Unregister(c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[c.PeerID()]
	if !ok || cur.Conn.ID() != c.ID() {
		return false
	}
	delete(r.entries, c.PeerID())
	return true
}

// Lookup returns the live connection for peerID.
func (r *Registry) Lookup(peerID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[peerID]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// Entry returns the full registry entry for peerID.
func (r *Registry) Entry(peerID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[peerID]
	return e, ok
}

// Len returns the number of connected peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns every live connection. Used at shutdown.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Conn)
	}
	return out
}
