// Package relay pairs AudioSocket TCP media connections with websocket
// connections by session token and forwards raw audio between them.
package relay

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/gorilla/websocket"
)

// Session pairs one media-socket connection with one websocket connection.
// Either side may be absent: not yet connected, or disconnected and inside
// the reconnect grace period.
type Session struct {
	Token string

	mu           sync.Mutex
	media        net.Conn
	ws           *websocket.Conn
	started      bool
	lastActivity time.Time
}

// SessionInfo is a point-in-time snapshot for the stats endpoint.
type SessionInfo struct {
	Token        string    `json:"token"`
	HasMedia     bool      `json:"has_media"`
	HasWebsocket bool      `json:"has_websocket"`
	Started      bool      `json:"started"`
	LastActivity time.Time `json:"last_activity"`
}

// Touch records activity on the session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ForwardToWS sends raw audio to the websocket side. Data is dropped when the
// side is absent; a write failure is logged and the payload discarded.
func (s *Session) ForwardToWS(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ws == nil {
		return
	}
	if !s.started {
		s.started = true
		slog.Info("[Relay] Session started streaming", "token", s.Token)
	}
	if err := s.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		slog.Warn("[Relay] Websocket write failed", "token", s.Token, "error", err)
	}
}

// ForwardToMedia wraps raw audio in a slin frame and sends it to the media
// side. Data is dropped when the side is absent.
func (s *Session) ForwardToMedia(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.media == nil {
		return
	}
	if _, err := s.media.Write(audiosocket.SlinMessage(data)); err != nil {
		slog.Warn("[Relay] Media write failed", "token", s.Token, "error", err)
	}
}

func (s *Session) snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		Token:        s.Token,
		HasMedia:     s.media != nil,
		HasWebsocket: s.ws != nil,
		Started:      s.started,
		LastActivity: s.lastActivity,
	}
}

func (s *Session) closeSides() {
	s.mu.Lock()
	media, ws := s.media, s.ws
	s.media, s.ws = nil, nil
	s.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	if media != nil {
		_ = media.Close()
	}
}

// Registry is the token-keyed table of relay sessions. It owns the inactivity
// sweep and the websocket reconnect grace handling.
type Registry struct {
	grace         time.Duration
	sweepInterval time.Duration
	idleCeiling   time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its sweep loop.
func NewRegistry(grace, sweepInterval, idleCeiling time.Duration) *Registry {
	r := &Registry{
		grace:         grace,
		sweepInterval: sweepInterval,
		idleCeiling:   idleCeiling,
		sessions:      make(map[string]*Session),
		stopCh:        make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *Registry) getOrCreate(token string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[token]
	if !ok {
		sess = &Session{Token: token, lastActivity: time.Now()}
		r.sessions[token] = sess
		slog.Info("[Relay] Session created", "token", token)
	}
	return sess
}

// AttachWS binds a websocket connection to the session for token, creating the
// session if this side arrives first. A previous websocket is closed.
func (r *Registry) AttachWS(token string, conn *websocket.Conn) *Session {
	sess := r.getOrCreate(token)

	sess.mu.Lock()
	old := sess.ws
	sess.ws = conn
	sess.lastActivity = time.Now()
	sess.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	slog.Info("[Relay] Websocket attached", "token", token)
	return sess
}

// AttachMedia binds a media-socket connection to the session for token,
// creating the session if this side arrives first.
func (r *Registry) AttachMedia(token string, conn net.Conn) *Session {
	sess := r.getOrCreate(token)

	sess.mu.Lock()
	old := sess.media
	sess.media = conn
	sess.lastActivity = time.Now()
	sess.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	slog.Info("[Relay] Media socket attached", "token", token, "remote", conn.RemoteAddr().String())
	return sess
}

// WSClosed clears the websocket side. The session survives for the grace
// period so a reconnecting websocket finds it; if nothing reconnected and the
// media side is also gone, the record is removed.
func (r *Registry) WSClosed(token string, conn *websocket.Conn) {
	r.mu.RLock()
	sess, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.ws != conn {
		// A reconnect already replaced this side.
		sess.mu.Unlock()
		return
	}
	sess.ws = nil
	sess.mu.Unlock()

	slog.Info("[Relay] Websocket closed", "token", token, "grace", r.grace.String())

	time.AfterFunc(r.grace, func() {
		r.mu.RLock()
		sess, ok := r.sessions[token]
		r.mu.RUnlock()
		if !ok {
			return
		}
		sess.mu.Lock()
		abandoned := sess.ws == nil && sess.media == nil
		sess.mu.Unlock()
		if abandoned {
			r.Remove(token)
		}
	})
}

// MediaClosed clears the media side and removes the record immediately when
// the websocket side is also absent.
func (r *Registry) MediaClosed(token string, conn net.Conn) {
	r.mu.RLock()
	sess, ok := r.sessions[token]
	r.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.media != conn {
		sess.mu.Unlock()
		return
	}
	sess.media = nil
	wsAbsent := sess.ws == nil
	sess.mu.Unlock()

	slog.Info("[Relay] Media socket closed", "token", token)
	if wsAbsent {
		r.Remove(token)
	}
}

// Remove deletes the session and closes any remaining sides. Removing an
// unknown token is a no-op.
func (r *Registry) Remove(token string) {
	r.mu.Lock()
	sess, ok := r.sessions[token]
	if ok {
		delete(r.sessions, token)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.closeSides()
	slog.Info("[Relay] Session removed", "token", token)
}

// Get returns the session for token, if present.
func (r *Registry) Get(token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[token]
	return sess, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns stats for all sessions.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.snapshot())
	}
	return infos
}

// Close stops the sweep loop and removes every session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.closeSides()
	}
}

// sweepLoop removes sessions whose last activity exceeds the inactivity
// ceiling, regardless of connection presence. Terminal safety net against
// leaked records.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.RLock()
	var stale []string
	for token, sess := range r.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastActivity)
		sess.mu.Unlock()
		if idle > r.idleCeiling {
			stale = append(stale, token)
		}
	}
	r.mu.RUnlock()

	for _, token := range stale {
		slog.Info("[Relay] Session inactive, cleaning up", "token", token, "ceiling", r.idleCeiling.String())
		r.Remove(token)
	}
}
