// Package session implements the proxy's session registry (§4.3):
// allocating session identities and tracking their two sockets, generalized
// from the teacher's CDPProxy.activeConnections map
// (internal/cdpproxy/proxy.go, now removed) into a standalone component the
// relay and plugin runtime both depend on.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session pairs a client and browser socket under one identity (§3).
type Session struct {
	ID           string
	ClientConn   *websocket.Conn
	BrowserConn  *websocket.Conn
	BrowserWSURL string
	CreatedAt    time.Time
	ClientPath   string // original client-visible path, for diagnostics
	active       bool

	// State tracks per-direction readiness (§3 ConnectionState). Owned by
	// the relay, read by the plugin runtime before it writes a
	// plugin-originated command or event directly to a socket.
	State *ConnState

	// ClientWriteMu/BrowserWriteMu serialize writes to each socket across
	// the relay's organic forwarding path and the plugin runtime's
	// sendCDPCommand/emitClientEvent writes.
	ClientWriteMu  sync.Mutex
	BrowserWriteMu sync.Mutex
}

// ConnState is the per-session ConnectionState of §3: two booleans tracking
// whether each socket is currently OPEN.
type ConnState struct {
	mu           sync.RWMutex
	clientReady  bool
	browserReady bool
}

func NewConnState() *ConnState { return &ConnState{} }

func (c *ConnState) SetClientReady(ready bool) {
	c.mu.Lock()
	c.clientReady = ready
	c.mu.Unlock()
}

func (c *ConnState) SetBrowserReady(ready bool) {
	c.mu.Lock()
	c.browserReady = ready
	c.mu.Unlock()
}

func (c *ConnState) ClientReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientReady
}

func (c *ConnState) BrowserReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.browserReady
}

// BothReady reports whether both sockets are OPEN.
func (c *ConnState) BothReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientReady && c.browserReady
}

// Stats summarizes the registry for the metrics endpoint.
type Stats struct {
	Active int
	Total  int64
}

// Registry tracks every session from upgrade to teardown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	total    int64
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create allocates a new session id and registers the pair of sockets.
func (r *Registry) Create(clientConn, browserConn *websocket.Conn, browserWSURL, clientPath string) *Session {
	s := &Session{
		ID:           uuid.NewString(),
		ClientConn:   clientConn,
		BrowserConn:  browserConn,
		BrowserWSURL: browserWSURL,
		CreatedAt:    time.Now(),
		ClientPath:   clientPath,
		active:       true,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.total++
	r.mu.Unlock()
	return s
}

// Get returns the session for id, or nil if it doesn't exist.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove unlinks the session. It does not close either socket — socket
// closure is orchestrated by the relay.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.active = false
		delete(r.sessions, id)
	}
}

// Active returns a snapshot of every currently active session.
func (r *Registry) Active() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Stats reports the registry's active and cumulative counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Active: len(r.sessions), Total: r.total}
}
