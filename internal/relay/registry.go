package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks addressable connections: at most one orchestrator per
// tenant GUID and one client per session ID. It stores only lightweight
// handles (conn id + send queue); each connection task owns its own state, so
// there is no reference cycle between a connection and the registry.
//
// Reads dominate (every forwarded frame and offline check), so both maps sit
// behind RWMutexes; writes are bounded to connect/disconnect.
type Registry struct {
	ccboxMu       sync.RWMutex
	ccboxesByGUID map[string]ccboxHandle

	clientMu           sync.RWMutex
	clientsBySessionID map[string]clientHandle
}

type ccboxHandle struct {
	connID uuid.UUID
	queue  *sendQueue
}

type clientHandle struct {
	queue *sendQueue
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ccboxesByGUID:      make(map[string]ccboxHandle),
		clientsBySessionID: make(map[string]clientHandle),
	}
}

// RegisterCcbox publishes a connection as the tenant's orchestrator,
// replacing any predecessor.
func (r *Registry) RegisterCcbox(guid string, connID uuid.UUID, queue *sendQueue) {
	r.ccboxMu.Lock()
	defer r.ccboxMu.Unlock()
	r.ccboxesByGUID[guid] = ccboxHandle{connID: connID, queue: queue}
}

// UnregisterCcbox removes the tenant's orchestrator entry only if it still
// belongs to connID. The compare-and-delete stops a stale close from
// evicting a successor that has already re-registered.
func (r *Registry) UnregisterCcbox(guid string, connID uuid.UUID) {
	r.ccboxMu.Lock()
	defer r.ccboxMu.Unlock()
	if h, ok := r.ccboxesByGUID[guid]; ok && h.connID == connID {
		delete(r.ccboxesByGUID, guid)
	}
}

// LookupCcbox returns the tenant's orchestrator handle.
func (r *Registry) LookupCcbox(guid string) (ccboxHandle, bool) {
	r.ccboxMu.RLock()
	defer r.ccboxMu.RUnlock()
	h, ok := r.ccboxesByGUID[guid]
	return h, ok
}

// RegisterClient binds a freshly allocated session ID to a client queue.
func (r *Registry) RegisterClient(sessionID string, queue *sendQueue) {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	r.clientsBySessionID[sessionID] = clientHandle{queue: queue}
}

// UnregisterClient removes a session. Session IDs are unique, so no
// compare-and-delete is needed on the client side.
func (r *Registry) UnregisterClient(sessionID string) {
	r.clientMu.Lock()
	defer r.clientMu.Unlock()
	delete(r.clientsBySessionID, sessionID)
}

// LookupClient returns the queue for a session ID.
func (r *Registry) LookupClient(sessionID string) (clientHandle, bool) {
	r.clientMu.RLock()
	defer r.clientMu.RUnlock()
	h, ok := r.clientsBySessionID[sessionID]
	return h, ok
}
