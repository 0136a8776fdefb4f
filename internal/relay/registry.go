package relay

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/openstreamrotator/osrweb/internal/store"
)

// agentConn is the single upstream connection for an instance.
type agentConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to conn
}

// viewerConn is one downstream dashboard connection.
type viewerConn struct {
	id     string // unique per connection, not per user
	userID string
	role   store.TeamRole
	conn   *websocket.Conn
	mu     sync.Mutex // serializes writes to conn
}

// session is the live relay state for one instance: at most one upstream,
// any number of viewers, the state/log cache, and in-flight command issuers.
type session struct {
	instanceID string

	mu       sync.RWMutex
	upstream *agentConn
	viewers  map[string]*viewerConn

	cache *stateCache

	pendingMu  sync.Mutex
	pending    map[string]string // request_id -> viewer conn id
	lastIssuer string            // fallback for acks that carry no request_id
}

// attachUpstream installs conn as the instance's upstream and returns the
// superseded connection, if any. The caller closes the old one.
func (s *session) attachUpstream(ac *agentConn) (old *agentConn) {
	s.mu.Lock()
	old = s.upstream
	s.upstream = ac
	s.mu.Unlock()
	return old
}

// detachUpstream clears the upstream only if ac is still current. Returns
// true if the detach happened; false means ac was already superseded.
func (s *session) detachUpstream(ac *agentConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream != ac {
		return false
	}
	s.upstream = nil
	return true
}

// currentUpstream returns the attached upstream, or nil.
func (s *session) currentUpstream() *agentConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upstream
}

func (s *session) addViewer(vc *viewerConn) {
	s.mu.Lock()
	s.viewers[vc.id] = vc
	s.mu.Unlock()
}

// removeViewer deletes the viewer only if vc is still the registered
// connection for that id. Safe to call more than once.
func (s *session) removeViewer(vc *viewerConn) {
	s.mu.Lock()
	if cur, ok := s.viewers[vc.id]; ok && cur == vc {
		delete(s.viewers, vc.id)
	}
	s.mu.Unlock()

	s.pendingMu.Lock()
	for reqID, connID := range s.pending {
		if connID == vc.id {
			delete(s.pending, reqID)
		}
	}
	if s.lastIssuer == vc.id {
		s.lastIssuer = ""
	}
	s.pendingMu.Unlock()
}

// snapshotViewers returns the current viewer set. The copy lets callers
// fan out without holding the session lock across writes.
func (s *session) snapshotViewers() []*viewerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*viewerConn, 0, len(s.viewers))
	for _, vc := range s.viewers {
		out = append(out, vc)
	}
	return out
}

// viewersForUser returns the live connections belonging to a user.
func (s *session) viewersForUser(userID string) []*viewerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*viewerConn
	for _, vc := range s.viewers {
		if vc.userID == userID {
			out = append(out, vc)
		}
	}
	return out
}

// viewerByID looks up a live viewer connection.
func (s *session) viewerByID(connID string) (*viewerConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vc, ok := s.viewers[connID]
	return vc, ok
}

// recordIssuer remembers who issued the command with reqID, and also as the
// most recent issuer for acks that come back without an id.
func (s *session) recordIssuer(reqID, connID string) {
	s.pendingMu.Lock()
	if reqID != "" {
		s.pending[reqID] = connID
	}
	s.lastIssuer = connID
	s.pendingMu.Unlock()
}

// takeIssuer resolves an ack to the viewer connection that issued it.
// Acks with a request_id consume the pending entry; acks without one fall
// back to the most recent issuer.
func (s *session) takeIssuer(reqID string) (connID string, ok bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if reqID != "" {
		if id, found := s.pending[reqID]; found {
			delete(s.pending, reqID)
			return id, true
		}
		return "", false
	}
	if s.lastIssuer != "" {
		return s.lastIssuer, true
	}
	return "", false
}

// Registry tracks live relay sessions keyed by instance ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logCap   int
}

// NewRegistry creates a Registry whose sessions buffer up to logCap log
// entries each.
func NewRegistry(logCap int) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		logCap:   logCap,
	}
}

// session returns the session for instanceID, creating it on first use.
// Sessions persist across upstream disconnects so the cache survives.
func (r *Registry) session(instanceID string) *session {
	r.mu.RLock()
	s, ok := r.sessions[instanceID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[instanceID]; ok {
		return s
	}
	s = &session{
		instanceID: instanceID,
		viewers:    make(map[string]*viewerConn),
		cache:      newStateCache(r.logCap),
		pending:    make(map[string]string),
	}
	r.sessions[instanceID] = s
	return s
}

// lookup returns the session for instanceID without creating one.
func (r *Registry) lookup(instanceID string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[instanceID]
	return s, ok
}

// drop removes a session and returns it so the caller can close its
// connections. Used when an instance is deleted.
func (r *Registry) drop(instanceID string) (*session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[instanceID]
	if ok {
		delete(r.sessions, instanceID)
	}
	return s, ok
}

// count returns the number of live sessions.
func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
