package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pleep/voicegate/internal/gateway/ari"
)

// CallOptions are the optional overrides attached to an outbound call as
// call variables, so the answered leg is recognized and configured when it
// enters the application.
type CallOptions struct {
	AgentID      string
	AssistantID  string
	ThreadID     string
	Prompt       string
	FirstMessage string
	Timeout      time.Duration
}

// Call originates an outbound call to number through the given trunk and
// waits for the outcome: "up:<channel-id>" when the callee answers,
// "hangup:<cause>" when the leg dies first, "timeout" when neither happens
// within the bounded wait (the channel is then forcibly hung up).
// Concurrent calls are independent.
func (m *Manager) Call(ctx context.Context, number, trunk string, opts CallOptions) (string, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.OriginateTimeout
	}

	variables := map[string]string{}
	if opts.AgentID != "" {
		variables["agentId"] = opts.AgentID
	}
	if opts.AssistantID != "" {
		variables["assistantId"] = opts.AssistantID
	}
	if opts.ThreadID != "" {
		variables["threadId"] = opts.ThreadID
	}
	if opts.Prompt != "" {
		variables["prompt"] = opts.Prompt
	}
	if opts.FirstMessage != "" {
		variables["firstMessage"] = opts.FirstMessage
	}
	if ownNumber := m.cfg.TrunkNumbers[trunk]; ownNumber != "" {
		variables["callerNumber"] = ownNumber
		variables["receiverNumber"] = number
	}

	// The channel id is chosen up front so the outcome watcher is in place
	// before the PBX can emit any event for the new channel.
	channelID := uuid.New().String()
	result := m.addWatcher(channelID)
	defer m.removeWatcher(channelID)

	if _, err := m.client.Originate(ctx, ari.OriginateRequest{
		Endpoint:  "PJSIP/" + number,
		App:       m.cfg.App,
		Formats:   m.cfg.MediaFormat,
		CallerID:  m.cfg.OriginateCallerID,
		ChannelID: channelID,
		Variables: variables,
	}); err != nil {
		return "", fmt.Errorf("originate to %s failed: %w", number, err)
	}
	slog.Info("[Session] Call originated", "number", number, "trunk", trunk, "channel", channelID)

	select {
	case outcome := <-result:
		slog.Info("[Session] Call outcome", "number", number, "outcome", outcome)
		return outcome, nil

	case <-time.After(timeout):
		slog.Info("[Session] Call timed out", "number", number, "channel", channelID)
		hangupCtx, cancel := context.WithTimeout(context.Background(), controlCallTimeout)
		defer cancel()
		if err := m.client.Hangup(hangupCtx, channelID); err != nil {
			slog.Debug("[Session] Timed-out channel hangup failed", "channel", channelID, "error", err)
		}
		return "timeout", nil

	case <-ctx.Done():
		hangupCtx, cancel := context.WithTimeout(context.Background(), controlCallTimeout)
		defer cancel()
		if err := m.client.Hangup(hangupCtx, channelID); err != nil {
			slog.Debug("[Session] Cancelled channel hangup failed", "channel", channelID, "error", err)
		}
		return "", ctx.Err()
	}
}

func (m *Manager) addWatcher(channelID string) <-chan string {
	ch := make(chan string, 1)
	m.mu.Lock()
	m.watchers[channelID] = ch
	m.mu.Unlock()
	return ch
}

func (m *Manager) removeWatcher(channelID string) {
	m.mu.Lock()
	delete(m.watchers, channelID)
	m.mu.Unlock()
}

// notifyWatcher resolves a pending origination. Only the first outcome
// counts; later signals for the same channel are dropped.
func (m *Manager) notifyWatcher(channelID, outcome string) {
	m.mu.RLock()
	ch, ok := m.watchers[channelID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- outcome:
	default:
	}
}
