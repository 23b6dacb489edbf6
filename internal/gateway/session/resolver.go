package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// AgentConfig is the per-call agent configuration, inline from call
// variables or fetched from the resolver.
type AgentConfig struct {
	AgentID      string `json:"agent_id"`
	AssistantID  string `json:"assistantId"`
	ThreadID     string `json:"threadId"`
	Prompt       string `json:"prompt"`
	FirstMessage string `json:"firstMessage"`
}

// AgentResolver looks up which agent should take a call.
type AgentResolver interface {
	Resolve(ctx context.Context, receiverNumber, callerNumber string) (*AgentConfig, error)
}

// HTTPResolver queries an external endpoint keyed by (receiver, caller).
type HTTPResolver struct {
	http *resty.Client
	url  string
}

// NewHTTPResolver creates a resolver against url.
func NewHTTPResolver(url string) *HTTPResolver {
	return &HTTPResolver{
		http: resty.New().SetTimeout(10 * time.Second),
		url:  url,
	}
}

// Resolve fetches the agent configuration. A response without an agent id is
// returned as nil, which the caller treats per its resolution policy.
func (r *HTTPResolver) Resolve(ctx context.Context, receiverNumber, callerNumber string) (*AgentConfig, error) {
	var cfg AgentConfig
	resp, err := r.http.R().SetContext(ctx).
		SetBody(map[string]string{
			"receiverNumber": receiverNumber,
			"callerNumber":   callerNumber,
		}).
		SetResult(&cfg).
		Post(r.url)
	if err != nil {
		return nil, fmt.Errorf("agent resolver request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("agent resolver returned %s", resp.Status())
	}
	if cfg.AgentID == "" {
		return nil, nil
	}
	return &cfg, nil
}

// DisconnectNotifier reports a finished conversation to an external system.
type DisconnectNotifier interface {
	NotifyDisconnect(ctx context.Context, number, agentID, conversationID, threadID string)
}

// Webhook posts the disconnect payload. Failures are logged, never
// propagated: the call is already over.
type Webhook struct {
	http *resty.Client
	url  string
}

// NewWebhook creates a notifier posting to url.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		http: resty.New().SetTimeout(10 * time.Second),
		url:  url,
	}
}

// NotifyDisconnect posts the disconnect event.
func (w *Webhook) NotifyDisconnect(ctx context.Context, number, agentID, conversationID, threadID string) {
	resp, err := w.http.R().SetContext(ctx).
		SetBody(map[string]string{
			"number":         number,
			"agentId":        agentID,
			"conversationId": conversationID,
			"threadId":       threadID,
		}).
		Post(w.url)
	if err != nil {
		slog.Warn("[Session] Disconnect webhook failed", "number", number, "error", err)
		return
	}
	if resp.IsError() {
		slog.Warn("[Session] Disconnect webhook rejected", "number", number, "status", resp.Status())
		return
	}
	slog.Info("[Session] Disconnect webhook delivered", "number", number, "agent", agentID, "conversation", conversationID)
}
