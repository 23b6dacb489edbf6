package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/gorilla/websocket"
)

// Config holds the relay server configuration.
type Config struct {
	BindAddr        string
	AudioSocketPort int
	WebsocketPort   int
	ReconnectGrace  time.Duration
	SweepInterval   time.Duration
	IdleCeiling     time.Duration
}

// Server multiplexes AudioSocket TCP connections and websocket connections,
// paired by session token. Whichever side arrives first creates the session;
// the second attaches to it. Audio is forwarded verbatim in both directions.
type Server struct {
	cfg      Config
	registry *Registry
	upgrader websocket.Upgrader

	tcpLn      net.Listener
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a relay server.
func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(cfg.ReconnectGrace, cfg.SweepInterval, cfg.IdleCeiling),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebsocket)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.WebsocketPort),
		Handler: mux,
	}

	return s
}

// Registry exposes the session table (used by tests and stats).
func (s *Server) Registry() *Registry {
	return s.registry
}

// AudioSocketAddr returns the bound TCP address once Start has been called.
func (s *Server) AudioSocketAddr() net.Addr {
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// Start binds both listeners and serves until Close is called.
func (s *Server) Start(ctx context.Context) error {
	tcpAddr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.AudioSocketPort)
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind AudioSocket listener on %s: %w", tcpAddr, err)
	}
	s.tcpLn = ln
	slog.Info("[Relay] AudioSocket server listening", "addr", ln.Addr().String())

	go s.acceptLoop(ctx)

	go func() {
		slog.Info("[Relay] Websocket server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[Relay] Websocket server error", "error", err)
		}
	}()

	return nil
}

// Close stops both listeners and drops all sessions.
func (s *Server) Close() {
	if s.tcpLn != nil {
		_ = s.tcpLn.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
	s.registry.Close()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("[Relay] Accept failed", "error", err)
			continue
		}
		go s.handleMedia(conn)
	}
}

// handleMedia reads the AudioSocket handshake (an ID frame carrying the
// session token) and then forwards slin payloads to the websocket side.
func (s *Server) handleMedia(conn net.Conn) {
	id, err := audiosocket.GetID(conn)
	if err != nil {
		slog.Warn("[Relay] Failed to read AudioSocket ID", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	token := id.String()

	sess := s.registry.AttachMedia(token, conn)
	defer s.registry.MediaClosed(token, conn)

	for {
		m, err := audiosocket.NextMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Warn("[Relay] Media read failed", "token", token, "error", err)
			}
			return
		}

		switch m.Kind() {
		case audiosocket.KindHangup:
			slog.Info("[Relay] Media socket hangup", "token", token)
			return
		case audiosocket.KindError:
			slog.Warn("[Relay] Error frame from media socket", "token", token)
		case audiosocket.KindSlin:
			if m.ContentLength() == 0 {
				continue
			}
			sess.Touch()
			sess.ForwardToWS(m.Payload())
		default:
			// Silence and unknown frames are ignored.
		}
	}
}

// handleWebsocket upgrades a connection carrying a sessionId query parameter
// and forwards its binary messages to the media side.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Relay] Websocket upgrade failed", "error", err)
		return
	}

	token := r.URL.Query().Get("sessionId")
	if token == "" {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Missing sessionId parameter")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	sess := s.registry.AttachWS(token, conn)
	defer s.registry.WSClosed(token, conn)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		sess.Touch()
		sess.ForwardToMedia(data)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"sessions": s.registry.Len(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"sessions": s.registry.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[Relay] Failed to encode response", "error", err)
	}
}
