// Package api exposes the gateway's HTTP control surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/pleep/voicegate/internal/gateway/ari"
	"github.com/pleep/voicegate/internal/gateway/session"
)

// Gateway is the control surface the API forwards to. Implemented by
// app.Gateway.
type Gateway interface {
	Connect() error
	Disconnect()
	Cleanup(ctx context.Context) error
	Call(ctx context.Context, number, trunk string, opts session.CallOptions) (string, error)
	Sessions() []session.Info
	SessionCount() int
	Channels(ctx context.Context) ([]ari.Channel, error)
	Bridges(ctx context.Context) ([]ari.Bridge, error)
}

// Server provides the HTTP API for the gateway
type Server struct {
	addr       string
	httpServer *http.Server
	gateway    Gateway
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(addr string, gateway Gateway) *Server {
	s := &Server{
		addr:      addr,
		gateway:   gateway,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Call-control lifecycle
	mux.HandleFunc("/api/v1/connect", s.handleConnect)
	mux.HandleFunc("/api/v1/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/v1/cleanup", s.handleCleanup)

	// Outbound calls
	mux.HandleFunc("/api/v1/call", s.handleCall)

	// Resource listings
	mux.HandleFunc("/api/v1/channels", s.handleChannels)
	mux.HandleFunc("/api/v1/bridges", s.handleBridges)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"active_sessions": s.gateway.SessionCount(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.gateway.Connect(); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]interface{}{"message": "Connected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.gateway.Disconnect()
	s.writeJSON(w, map[string]interface{}{"message": "Disconnected"})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.gateway.Cleanup(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]interface{}{"message": "Cleanup done"})
}

// handleCall originates an outbound call and waits for its outcome.
// POST /api/v1/call {"number": "...", "trunk": "...", ...}
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Number         string `json:"number"`
		Trunk          string `json:"trunk"`
		AgentID        string `json:"agentId"`
		AssistantID    string `json:"assistantId"`
		ThreadID       string `json:"threadId"`
		Prompt         string `json:"prompt"`
		FirstMessage   string `json:"firstMessage"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Number == "" {
		http.Error(w, "number required", http.StatusBadRequest)
		return
	}

	outcome, err := s.gateway.Call(r.Context(), req.Number, req.Trunk, session.CallOptions{
		AgentID:      req.AgentID,
		AssistantID:  req.AssistantID,
		ThreadID:     req.ThreadID,
		Prompt:       req.Prompt,
		FirstMessage: req.FirstMessage,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]interface{}{"result": outcome})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.gateway.Channels(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, channels)
}

func (s *Server) handleBridges(w http.ResponseWriter, r *http.Request) {
	bridges, err := s.gateway.Bridges(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.writeJSON(w, bridges)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.gateway.Sessions())
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
