package capture

import (
	"sync"
	"time"

	"github.com/mcpscope/mcpscope/pkg/mcp"
)

// pendingRequest is the transient state held for one in-flight request.
type pendingRequest struct {
	start  time.Time
	method string
}

// SessionCorrelator maps session and request identifiers to in-flight
// context: client/server identity per session, and start time plus method
// per pending request id. State is process-lifetime only, never persisted.
//
// Each gateway instance owns its own correlator; correlators are never
// shared globally. Reset clears all state, so tests and restarted
// gateways start clean.
type SessionCorrelator struct {
	mu      sync.Mutex
	pending map[string]pendingRequest  // key: sessionID + canonical request id
	clients map[string]*mcp.ClientInfo // key: sessionID
	servers map[string]*mcp.ServerInfo // key: sessionID

	now func() time.Time
}

// NewSessionCorrelator creates an empty correlator.
func NewSessionCorrelator() *SessionCorrelator {
	return &SessionCorrelator{
		pending: make(map[string]pendingRequest),
		clients: make(map[string]*mcp.ClientInfo),
		servers: make(map[string]*mcp.ServerInfo),
		now:     time.Now,
	}
}

func pendingKey(sessionID string, canonicalID string) string {
	return sessionID + "\x00" + canonicalID
}

// TrackRequest records a pending request's start time and method, keyed by
// session and request id. Notifications (nil id) are not tracked, since no
// response will ever correlate with them.
func (c *SessionCorrelator) TrackRequest(sessionID string, id any, method string) {
	key, ok := mcp.CanonicalID(id)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[pendingKey(sessionID, key)] = pendingRequest{start: c.now(), method: method}
}

// HasRequest reports whether a request with this id is pending.
func (c *SessionCorrelator) HasRequest(sessionID string, id any) bool {
	key, ok := mcp.CanonicalID(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.pending[pendingKey(sessionID, key)]
	return found
}

// PendingMethod returns the method recorded for a pending request without
// claiming it.
func (c *SessionCorrelator) PendingMethod(sessionID string, id any) (string, bool) {
	key, ok := mcp.CanonicalID(id)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, found := c.pending[pendingKey(sessionID, key)]
	return p.method, found
}

// ClaimDuration returns the elapsed milliseconds since the request was
// tracked and removes the entry; a duration is claimed exactly once.
// An unknown id (orphan response, or an already-claimed one) yields 0.
func (c *SessionCorrelator) ClaimDuration(sessionID string, id any) int64 {
	key, ok := mcp.CanonicalID(id)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, found := c.pending[pendingKey(sessionID, key)]
	if !found {
		return 0
	}
	delete(c.pending, pendingKey(sessionID, key))
	return c.now().Sub(p.start).Milliseconds()
}

// StoreClientInfo remembers the client identity for a session. The entry
// survives across requests until ClearSession.
func (c *SessionCorrelator) StoreClientInfo(sessionID string, info *mcp.ClientInfo) {
	if info == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clients[sessionID] = info
}

// ClientInfo returns the last known client identity for a session, or nil.
func (c *SessionCorrelator) ClientInfo(sessionID string) *mcp.ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[sessionID]
}

// StoreServerInfo remembers the downstream server identity for a session.
func (c *SessionCorrelator) StoreServerInfo(sessionID string, info *mcp.ServerInfo) {
	if info == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[sessionID] = info
}

// ServerInfo returns the last known server identity for a session, or nil.
func (c *SessionCorrelator) ServerInfo(sessionID string) *mcp.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[sessionID]
}

// ClearSession drops all state for one session: identity entries and any
// still-pending requests. Called on explicit session teardown.
func (c *SessionCorrelator) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, sessionID)
	delete(c.servers, sessionID)
	prefix := sessionID + "\x00"
	for key := range c.pending {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.pending, key)
		}
	}
}

// Reset drops all correlator state for every session.
func (c *SessionCorrelator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]pendingRequest)
	c.clients = make(map[string]*mcp.ClientInfo)
	c.servers = make(map[string]*mcp.ServerInfo)
}

// PendingCount returns the number of pending requests across all sessions.
func (c *SessionCorrelator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
