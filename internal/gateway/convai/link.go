package convai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Config describes one agent conversation.
type Config struct {
	URL          string // websocket endpoint, without the agent_id parameter
	AgentID      string
	SessionID    string // call session token, used only for logging
	CallerNumber string
	Prompt       string // optional prompt override
	FirstMessage string // optional greeting override

	// SuppressTranscripts drops transcript and agent-response logging, for
	// deployments that must not record conversation content.
	SuppressTranscripts bool

	// OnAudio receives decoded PCM synthesized by the agent.
	OnAudio func(pcm []byte)
	// OnInterrupt fires when the agent is interrupted by the caller.
	OnInterrupt func()
	// OnDisconnect fires exactly once when the conversation ends, however it
	// ends. ConversationID is empty when the agent never sent its initiation
	// metadata.
	OnDisconnect func(agentID, conversationID string)
}

// Link is a live conversation with one agent.
type Link struct {
	cfg Config

	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	mu             sync.Mutex
	conversationID string

	closeOnce  sync.Once
	notifyOnce sync.Once
}

// Dial connects to the agent, sends the initiation message and starts the
// event loop.
func Dial(cfg Config) (*Link, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid agent URL %q: %w", cfg.URL, err)
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent %s: %w", cfg.AgentID, err)
	}

	l := &Link{cfg: cfg, conn: conn}
	slog.Info("[ConvAI] Connected", "session", cfg.SessionID, "agent", cfg.AgentID)

	if err := l.writeJSON(newInitiationMessage(cfg.CallerNumber, cfg.Prompt, cfg.FirstMessage)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send initiation: %w", err)
	}

	go l.readLoop()
	return l, nil
}

// ConversationID returns the id assigned by the agent, or empty if the
// initiation metadata has not arrived.
func (l *Link) ConversationID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conversationID
}

// SendAudio ships one chunk of caller PCM to the agent. Chunks sent after the
// link closed are dropped.
func (l *Link) SendAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	msg := userAudioChunk{UserAudioChunk: base64.StdEncoding.EncodeToString(pcm)}
	if err := l.writeJSON(msg); err != nil {
		slog.Debug("[ConvAI] Dropped audio chunk", "session", l.cfg.SessionID, "error", err)
	}
}

// Close shuts the conversation down. Safe to call more than once; the
// OnDisconnect callback still fires exactly once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.writeMu.Lock()
		l.closed = true
		l.writeMu.Unlock()
		_ = l.conn.Close()
	})
}

func (l *Link) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return fmt.Errorf("link closed")
	}
	return l.conn.WriteJSON(v)
}

func (l *Link) readLoop() {
	defer l.notifyDisconnect()

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			slog.Info("[ConvAI] Disconnected", "session", l.cfg.SessionID, "agent", l.cfg.AgentID)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("[ConvAI] Malformed event", "session", l.cfg.SessionID, "error", err)
			continue
		}
		l.handleEvent(&evt)
	}
}

func (l *Link) handleEvent(evt *serverEvent) {
	switch evt.Type {
	case eventInitiationMetadata:
		if evt.ConversationInitiationMetadataEvent != nil {
			l.mu.Lock()
			l.conversationID = evt.ConversationInitiationMetadataEvent.ConversationID
			l.mu.Unlock()
			slog.Info("[ConvAI] Conversation started", "session", l.cfg.SessionID, "conversation", l.ConversationID())
		}

	case eventAudio:
		if evt.AudioEvent == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.AudioEvent.AudioBase64)
		if err != nil {
			slog.Warn("[ConvAI] Bad audio payload", "session", l.cfg.SessionID, "error", err)
			return
		}
		if l.cfg.OnAudio != nil {
			l.cfg.OnAudio(pcm)
		}

	case eventInterruption:
		slog.Info("[ConvAI] Interruption", "session", l.cfg.SessionID)
		if l.cfg.OnInterrupt != nil {
			l.cfg.OnInterrupt()
		}

	case eventPing:
		if evt.PingEvent == nil {
			return
		}
		if err := l.writeJSON(pongMessage{Type: "pong", EventID: evt.PingEvent.EventID}); err != nil {
			slog.Debug("[ConvAI] Pong failed", "session", l.cfg.SessionID, "error", err)
		}

	case eventUserTranscript:
		if evt.UserTranscriptionEvent != nil && !l.cfg.SuppressTranscripts {
			slog.Info("[ConvAI] User said", "session", l.cfg.SessionID, "text", evt.UserTranscriptionEvent.UserTranscript)
		}

	case eventAgentResponse:
		if evt.AgentResponseEvent != nil && !l.cfg.SuppressTranscripts {
			slog.Info("[ConvAI] Agent said", "session", l.cfg.SessionID, "text", evt.AgentResponseEvent.AgentResponse)
		}

	case eventAgentCorrection:
		if evt.AgentResponseCorrectionEvent != nil && !l.cfg.SuppressTranscripts {
			slog.Debug("[ConvAI] Agent corrected", "session", l.cfg.SessionID, "text", evt.AgentResponseCorrectionEvent.CorrectedAgentResponse)
		}

	case eventClientToolCall:
		if evt.ClientToolCall != nil {
			slog.Info("[ConvAI] Tool call", "session", l.cfg.SessionID,
				"tool", evt.ClientToolCall.ToolName, "params", string(evt.ClientToolCall.Parameters))
		}

	default:
		slog.Debug("[ConvAI] Unhandled event", "session", l.cfg.SessionID, "type", evt.Type)
	}
}

func (l *Link) notifyDisconnect() {
	l.notifyOnce.Do(func() {
		l.Close()
		if l.cfg.OnDisconnect != nil {
			l.cfg.OnDisconnect(l.cfg.AgentID, l.ConversationID())
		}
	})
}
