// Package presence tracks which identities are online and which live
// connection carries them. The Registry is the in-process source of truth
// used by the router for fanout decisions; the Store mirrors online/offline
// state into Redis for other instances and external services.
package presence

import (
	"sync"
)

// Peer is the connection surface the registry needs: a stable session id and
// a way to push a frame. The WebSocket layer's Connection satisfies it;
// tests substitute recording fakes.
type Peer interface {
	SessionID() string
	Send(data []byte) error
}

// Registry is a thread-safe map of live connections and their identity
// bindings. A connection enters unbound (pending), may be bound to exactly
// one identity, and is removed on disconnect. An identity holds at most one
// connection: rebinding displaces the previous one.
type Registry struct {
	mu         sync.RWMutex
	bySession  map[string]Peer   // session id -> connection (pending included)
	byIdentity map[string]Peer   // identity -> bound connection
	identities map[string]string // session id -> bound identity
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		bySession:  make(map[string]Peer),
		byIdentity: make(map[string]Peer),
		identities: make(map[string]string),
	}
}

// Add registers a newly connected, not yet identified connection.
func (r *Registry) Add(p Peer) {
	r.mu.Lock()
	r.bySession[p.SessionID()] = p
	r.mu.Unlock()
}

// Bind associates an identity with a connection, overwriting any previous
// binding for that identity. It returns the displaced connection when the
// identity was already bound elsewhere, so the caller can close it. Binding
// is idempotent: rebinding the same session to the same identity returns nil.
func (r *Registry) Bind(identity string, p Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	sid := p.SessionID()
	r.bySession[sid] = p

	// A session that re-identifies under a new name drops its old binding.
	if prev, ok := r.identities[sid]; ok && prev != identity {
		if cur, ok := r.byIdentity[prev]; ok && cur.SessionID() == sid {
			delete(r.byIdentity, prev)
		}
	}

	var displaced Peer
	if cur, ok := r.byIdentity[identity]; ok && cur.SessionID() != sid {
		displaced = cur
		delete(r.identities, cur.SessionID())
	}

	r.byIdentity[identity] = p
	r.identities[sid] = identity
	return displaced
}

// Remove unbinds and drops a connection by session id. It returns the
// identity that was bound, if any. Removing an unknown or never-identified
// session is a no-op with ok=false.
func (r *Registry) Remove(sessionID string) (identity string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bySession, sessionID)

	identity, ok = r.identities[sessionID]
	if !ok {
		return "", false
	}
	delete(r.identities, sessionID)

	// Only clear the identity mapping if it still points at this session;
	// a rebind from another device may have already claimed it.
	if cur, bound := r.byIdentity[identity]; bound && cur.SessionID() == sessionID {
		delete(r.byIdentity, identity)
	}
	return identity, true
}

// Lookup returns the live connection bound to identity, or nil if the
// identity is offline.
func (r *Registry) Lookup(identity string) Peer {
	r.mu.RLock()
	p := r.byIdentity[identity]
	r.mu.RUnlock()
	return p
}

// Identity returns the identity bound to a session, if any.
func (r *Registry) Identity(sessionID string) (string, bool) {
	r.mu.RLock()
	identity, ok := r.identities[sessionID]
	r.mu.RUnlock()
	return identity, ok
}

// All returns a copy-on-read snapshot of every live connection, pending ones
// included. The slice is safe to iterate while the registry mutates.
func (r *Registry) All() []Peer {
	r.mu.RLock()
	peers := make([]Peer, 0, len(r.bySession))
	for _, p := range r.bySession {
		peers = append(peers, p)
	}
	r.mu.RUnlock()
	return peers
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.bySession)
	r.mu.RUnlock()
	return n
}

// IdentifiedCount returns the number of connections bound to an identity.
func (r *Registry) IdentifiedCount() int {
	r.mu.RLock()
	n := len(r.byIdentity)
	r.mu.RUnlock()
	return n
}
