package srv

import "sync"

// Connections maps identities to live connections, plus the alias from a
// session id to the identity it last registered under. The alias exists
// because a connection may register under a client-chosen unique id while
// logout only knows the session id.
type Connections struct {
	byIdentity map[string]Conn
	aliases    map[string]string
	mu         sync.RWMutex
}

// NewConnections returns an empty registry.
func NewConnections() *Connections {
	return &Connections{
		byIdentity: make(map[string]Conn),
		aliases:    make(map[string]string),
	}
}

// Register maps identity to conn and records sessionID → identity.
// A previous mapping for either key is overwritten. If the session was
// registered under a different identity for the same conn, that identity is
// superseded and removed.
func (r *Connections) Register(sessionID, identity string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.aliases[sessionID]; ok && prev != identity && r.byIdentity[prev] == conn {
		delete(r.byIdentity, prev)
	}
	r.byIdentity[identity] = conn
	r.aliases[sessionID] = identity
}

// Lookup returns the connection registered under identity.
func (r *Connections) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byIdentity[identity]
	return conn, ok
}

// Resolve returns the identity most recently registered by sessionID.
func (r *Connections) Resolve(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.aliases[sessionID]
	return identity, ok
}

// Remove deletes the identity mapping. It reports whether one existed.
func (r *Connections) Remove(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byIdentity[identity]; !ok {
		return false
	}
	delete(r.byIdentity, identity)
	return true
}

// Logout resolves sessionID through its alias and, if the resolved identity
// is registered, removes both the identity and the alias. It returns the
// removed identity.
func (r *Connections) Logout(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.aliases[sessionID]
	if !ok {
		return "", false
	}
	if _, ok := r.byIdentity[identity]; !ok {
		return "", false
	}
	delete(r.byIdentity, identity)
	delete(r.aliases, sessionID)
	return identity, true
}

// Len returns the number of registered identities.
func (r *Connections) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}
