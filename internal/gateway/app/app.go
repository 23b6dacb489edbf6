// Package app wires the gateway together: ARI client and event stream,
// session manager, and the HTTP control surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pleep/voicegate/internal/gateway/api"
	"github.com/pleep/voicegate/internal/gateway/ari"
	"github.com/pleep/voicegate/internal/gateway/config"
	"github.com/pleep/voicegate/internal/gateway/session"
)

// Gateway is the running gateway process.
type Gateway struct {
	cfg       *config.Config
	client    *ari.Client
	manager   *session.Manager
	apiServer *api.Server

	mu           sync.Mutex
	stream       *ari.EventStream
	streamCancel context.CancelFunc
}

// New builds the gateway from configuration.
func New(cfg *config.Config) (*Gateway, error) {
	client := ari.NewClient(cfg.ARIURL, cfg.ARIUser, cfg.ARIPassword)

	manager := session.NewManager(session.Config{
		App:                 cfg.App,
		AudioSocketHost:     cfg.AudioSocketHost,
		RelayWSURL:          cfg.RelayWSURL,
		AgentWSURL:          cfg.AgentWSURL,
		DefaultAgentID:      cfg.DefaultAgentID,
		TrunkNumbers:        cfg.TrunkNumbers,
		OriginateCallerID:   cfg.OriginateCallerID,
		OriginateTimeout:    cfg.OriginateTimeout,
		UseJitterBuffer:     cfg.JitterBuffer,
		JitterTarget:        cfg.JitterTarget,
		SuppressTranscripts: cfg.SuppressTranscripts,
	}, client)

	if cfg.ResolverURL != "" {
		manager.SetResolver(session.NewHTTPResolver(cfg.ResolverURL))
	}
	if cfg.WebhookURL != "" {
		manager.SetNotifier(session.NewWebhook(cfg.WebhookURL))
	}

	g := &Gateway{
		cfg:     cfg,
		client:  client,
		manager: manager,
	}
	g.apiServer = api.NewServer(cfg.APIAddr, g)

	return g, nil
}

// Start brings up the API server and connects to the event stream.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	if err := g.Connect(); err != nil {
		return err
	}
	slog.Info("[App] Gateway started", "app", g.cfg.App, "ari", g.cfg.ARIURL)
	return nil
}

// Connect subscribes to the call-control event stream. Connecting while
// already connected is a no-op.
func (g *Gateway) Connect() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stream != nil {
		return nil
	}

	stream, err := ari.NewEventStream(g.cfg.ARIURL, g.cfg.ARIUser, g.cfg.ARIPassword, g.cfg.App)
	if err != nil {
		return fmt.Errorf("failed to create event stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.stream = stream
	g.streamCancel = cancel

	go stream.Run(ctx)
	go g.manager.Run(ctx, stream.Events())

	slog.Info("[App] Subscribed to call-control events", "app", g.cfg.App)
	return nil
}

// Disconnect drops the event subscription and tears down every session.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	stream, cancel := g.stream, g.streamCancel
	g.stream, g.streamCancel = nil, nil
	g.mu.Unlock()

	if stream == nil {
		return
	}
	cancel()
	stream.Close()
	g.manager.TeardownAll("disconnect")
	slog.Info("[App] Disconnected from call-control events")
}

// Cleanup hangs up all Up channels and destroys all bridges on the PBX.
func (g *Gateway) Cleanup(ctx context.Context) error {
	return g.manager.Cleanup(ctx)
}

// Call originates an outbound call and reports its outcome.
func (g *Gateway) Call(ctx context.Context, number, trunk string, opts session.CallOptions) (string, error) {
	return g.manager.Call(ctx, number, trunk, opts)
}

// Sessions lists the active call sessions.
func (g *Gateway) Sessions() []session.Info {
	return g.manager.Sessions()
}

// SessionCount returns the number of active call sessions.
func (g *Gateway) SessionCount() int {
	return g.manager.Len()
}

// Channels lists the PBX's active channels.
func (g *Gateway) Channels(ctx context.Context) ([]ari.Channel, error) {
	return g.client.Channels(ctx)
}

// Bridges lists the PBX's bridges.
func (g *Gateway) Bridges(ctx context.Context) ([]ari.Bridge, error) {
	return g.client.Bridges(ctx)
}

// Close shuts the gateway down.
func (g *Gateway) Close() error {
	g.Disconnect()
	g.manager.Close()
	return g.apiServer.Stop()
}
