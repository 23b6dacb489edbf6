package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pleep/voicegate/internal/gateway/ari"
	"github.com/pleep/voicegate/internal/gateway/convai"
	"github.com/pleep/voicegate/internal/gateway/media"
	"github.com/pleep/voicegate/internal/store"
)

// ControlClient is the call-control surface the manager drives. *ari.Client
// implements it; tests substitute a fake.
type ControlClient interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	CreateBridge(ctx context.Context) (*ari.Bridge, error)
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	DestroyBridge(ctx context.Context, bridgeID string) error
	ExternalMedia(ctx context.Context, req ari.ExternalMediaRequest) (*ari.Channel, error)
	Originate(ctx context.Context, req ari.OriginateRequest) (*ari.Channel, error)
	GetVariable(ctx context.Context, channelID, name string) (string, error)
	Channels(ctx context.Context) ([]ari.Channel, error)
	Bridges(ctx context.Context) ([]ari.Bridge, error)
}

// Config holds the manager configuration.
type Config struct {
	App             string // Stasis application name
	AudioSocketHost string // host:port the PBX streams external media to
	RelayWSURL      string // relay websocket endpoint for media links
	AgentWSURL      string // conversational AI websocket endpoint
	MediaFormat     string

	// DefaultAgentID, when set, takes calls whose agent resolution fails or
	// returns nothing. When empty, such calls are hung up.
	DefaultAgentID string

	// TrunkNumbers maps a trunk name (the segment of the channel name between
	// "/" and "-") to the phone number provisioned on it.
	TrunkNumbers map[string]string

	OriginateCallerID string
	OriginateTimeout  time.Duration

	SessionTTL      time.Duration
	CleanupInterval time.Duration

	UseJitterBuffer bool
	JitterTarget    time.Duration

	// SuppressTranscripts keeps conversation content out of the logs.
	SuppressTranscripts bool
}

const (
	defaultMediaFormat      = "slin16"
	defaultOriginateTimeout = 30 * time.Second
	defaultSessionTTL       = 4 * time.Hour
	defaultCleanupInterval  = time.Minute
	controlCallTimeout      = 10 * time.Second
)

// Manager subscribes to call-control events and drives every call session
// from start to teardown.
type Manager struct {
	cfg      Config
	client   ControlClient
	resolver AgentResolver
	notifier DisconnectNotifier

	sessions *store.TTLStore[string, *CallSession]

	mu        sync.RWMutex
	byChannel map[string]string // caller channel id -> token
	byMedia   map[string]string // media channel id -> token
	watchers  map[string]chan string

	dialMedia func(cfg media.Config) (MediaLink, error)
	dialAgent func(cfg convai.Config) (AgentLink, error)

	closeOnce sync.Once
}

// NewManager creates a manager on top of the given call-control client.
func NewManager(cfg Config, client ControlClient) *Manager {
	if cfg.MediaFormat == "" {
		cfg.MediaFormat = defaultMediaFormat
	}
	if cfg.OriginateTimeout <= 0 {
		cfg.OriginateTimeout = defaultOriginateTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}

	m := &Manager{
		cfg:       cfg,
		client:    client,
		sessions:  store.NewTTLStore[string, *CallSession](cfg.CleanupInterval),
		byChannel: make(map[string]string),
		byMedia:   make(map[string]string),
		watchers:  make(map[string]chan string),
		dialMedia: func(cfg media.Config) (MediaLink, error) { return media.Dial(cfg) },
		dialAgent: func(cfg convai.Config) (AgentLink, error) { return convai.Dial(cfg) },
	}

	// Sessions are removed explicitly on teardown; eviction only reclaims
	// records leaked by a missed terminal event.
	m.sessions.SetOnEvict(func(token string, sess *CallSession) {
		slog.Warn("[Session] Session expired without teardown", "token", token)
		m.teardown(sess, "ttl expired")
	})

	return m
}

// SetResolver installs the agent resolver.
func (m *Manager) SetResolver(r AgentResolver) { m.resolver = r }

// SetNotifier installs the disconnect notifier.
func (m *Manager) SetNotifier(n DisconnectNotifier) { m.notifier = n }

// Run consumes the event stream until ctx is cancelled or the stream closes.
func (m *Manager) Run(ctx context.Context, events <-chan *ari.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			m.HandleEvent(evt)
		}
	}
}

// HandleEvent dispatches one call-control event.
func (m *Manager) HandleEvent(evt *ari.Event) {
	switch evt.Type {
	case ari.EventStasisStart:
		m.onStasisStart(evt)

	case ari.EventStasisEnd:
		slog.Debug("[Session] Channel left application", "channel", evt.Channel.ID)

	case ari.EventChannelHangupReq, ari.EventChannelDestroyed:
		m.notifyWatcher(evt.Channel.ID, fmt.Sprintf("hangup:%d", evt.Cause))
		m.teardownByChannel(evt.Channel.ID, strings.ToLower(evt.Type))

	case ari.EventChannelStateChange:
		m.onStateChange(evt)

	default:
		slog.Debug("[Session] Unhandled event", "type", evt.Type)
	}
}

func (m *Manager) onStasisStart(evt *ari.Event) {
	ch := evt.Channel

	if token, ok := m.tokenForMedia(ch.ID); ok {
		if sess, found := m.sessions.Get(token); found {
			sess.enqueue(func() { m.onMediaLegUp(sess) })
		}
		return
	}

	// Channels without a caller identity are not calls (e.g. service
	// channels); the media leg above is matched by id, everything else is
	// ignored.
	if ch.Caller.Number == "" && ch.Caller.Name == "" {
		return
	}

	if _, ok := m.tokenForChannel(ch.ID); ok {
		return
	}

	m.startSession(ch)
}

func (m *Manager) onStateChange(evt *ari.Event) {
	switch evt.Channel.State {
	case ari.StateRinging:
		slog.Info("[Session] Channel ringing", "channel", evt.Channel.ID)
	case ari.StateUp:
		m.notifyWatcher(evt.Channel.ID, "up:"+evt.Channel.ID)
	default:
		slog.Debug("[Session] Channel state", "channel", evt.Channel.ID, "state", evt.Channel.State)
	}
}

// startSession records a new session for an incoming (or answered outbound)
// channel and schedules its setup. Only table writes happen here; all
// control-plane I/O runs on the session goroutine so one slow call cannot
// stall event dispatch for other sessions.
func (m *Manager) startSession(ch ari.Channel) {
	token := uuid.New().String()
	sess := newCallSession(token, ch.ID)
	sess.CallerNumber = strings.TrimPrefix(ch.Caller.Number, "+")
	sess.ReceiverNumber = strings.TrimPrefix(m.receiverNumber(ch), "+")

	m.sessions.Set(token, sess, m.cfg.SessionTTL)
	m.mu.Lock()
	m.byChannel[ch.ID] = token
	m.mu.Unlock()

	slog.Info("[Session] Call started", "token", token, "channel", ch.ID,
		"caller", sess.CallerNumber, "receiver", sess.ReceiverNumber)

	go sess.run()
	sess.enqueue(func() { m.setupSession(sess) })
}

var callVariableNames = []string{
	"callerNumber", "receiverNumber", "threadId", "firstMessage", "prompt", "agentId", "assistantId",
}

func (m *Manager) readCallVariables(ctx context.Context, channelID string) map[string]string {
	vars := make(map[string]string, len(callVariableNames))
	for _, name := range callVariableNames {
		value, err := m.client.GetVariable(ctx, channelID, name)
		if err != nil {
			slog.Debug("[Session] Variable read failed", "channel", channelID, "variable", name, "error", err)
			continue
		}
		vars[name] = value
	}
	return vars
}

// receiverNumber derives the dialed number from the channel's trunk segment
// ("PJSIP/kcell_9-00000047" -> trunk "kcell_9") through the configured map,
// falling back to the connected-party number.
func (m *Manager) receiverNumber(ch ari.Channel) string {
	if trunk := trunkName(ch.Name); trunk != "" {
		if number, ok := m.cfg.TrunkNumbers[trunk]; ok {
			return number
		}
	}
	return ch.Connected.Number
}

func trunkName(channelName string) string {
	slash := strings.Index(channelName, "/")
	if slash < 0 {
		return ""
	}
	rest := channelName[slash+1:]
	dash := strings.Index(rest, "-")
	if dash < 0 {
		return ""
	}
	return rest[:dash]
}

// setupSession reads the call variables, answers, bridges and creates the
// external media leg. Runs on the session goroutine; any failure aborts to
// TERMINATED.
func (m *Manager) setupSession(sess *CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), controlCallTimeout)
	defer cancel()

	vars := m.readCallVariables(ctx, sess.ChannelID)
	sess.applyCallVariables(vars)
	if sess.Outbound {
		slog.Info("[Session] Outbound leg recognized", "token", sess.Token,
			"caller", sess.CallerNumber, "receiver", sess.ReceiverNumber)
	}

	if err := m.client.Answer(ctx, sess.ChannelID); err != nil {
		slog.Error("[Session] Answer failed", "token", sess.Token, "error", err)
		m.teardown(sess, "answer failed")
		return
	}
	sess.setState(StateAnswered)

	bridge, err := m.client.CreateBridge(ctx)
	if err != nil {
		slog.Error("[Session] Bridge create failed", "token", sess.Token, "error", err)
		m.teardown(sess, "bridge create failed")
		return
	}
	sess.setBridge(bridge.ID)

	if err := m.client.AddChannel(ctx, bridge.ID, sess.ChannelID); err != nil {
		slog.Error("[Session] Bridge join failed", "token", sess.Token, "error", err)
		m.teardown(sess, "bridge join failed")
		return
	}
	sess.setState(StateBridged)

	extCh, err := m.client.ExternalMedia(ctx, ari.ExternalMediaRequest{
		App:           m.cfg.App,
		ExternalHost:  m.cfg.AudioSocketHost,
		Format:        m.cfg.MediaFormat,
		Transport:     "tcp",
		Encapsulation: "audiosocket",
		Data:          sess.Token,
	})
	if err != nil {
		slog.Error("[Session] External media failed", "token", sess.Token, "error", err)
		m.teardown(sess, "external media failed")
		return
	}
	sess.setMediaChannel(extCh.ID)
	m.mu.Lock()
	m.byMedia[extCh.ID] = sess.Token
	m.mu.Unlock()

	sess.setState(StateMediaLegPending)
	slog.Info("[Session] Media leg created", "token", sess.Token, "media_channel", extCh.ID)
}

// onMediaLegUp joins the media leg to the bridge and brings up the audio
// path and the AI conversation. Runs on the session goroutine.
func (m *Manager) onMediaLegUp(sess *CallSession) {
	if sess.State().IsTerminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlCallTimeout)
	defer cancel()

	sess.mu.Lock()
	bridgeID := sess.bridgeID
	mediaChannelID := sess.mediaChannelID
	sess.mu.Unlock()

	if err := m.client.AddChannel(ctx, bridgeID, mediaChannelID); err != nil {
		slog.Error("[Session] Media leg bridge join failed", "token", sess.Token, "error", err)
		m.teardown(sess, "media leg bridge join failed")
		return
	}
	sess.setState(StateMediaLegActive)
	// The media leg arriving is proof of life; restart the janitor clock.
	m.sessions.Refresh(sess.Token, m.cfg.SessionTTL)

	agentCfg := m.resolveAgent(ctx, sess)
	if agentCfg == nil {
		slog.Warn("[Session] No agent for call, hanging up", "token", sess.Token,
			"caller", sess.CallerNumber, "receiver", sess.ReceiverNumber)
		m.teardown(sess, "no agent")
		return
	}
	sess.AgentID = agentCfg.AgentID
	if sess.AssistantID == "" {
		sess.AssistantID = agentCfg.AssistantID
	}
	if sess.ThreadID == "" {
		sess.ThreadID = agentCfg.ThreadID
	}
	if sess.Prompt == "" {
		sess.Prompt = agentCfg.Prompt
	}
	if sess.FirstMessage == "" {
		sess.FirstMessage = agentCfg.FirstMessage
	}

	mediaLink, err := m.dialMedia(media.Config{
		RelayURL:        m.cfg.RelayWSURL,
		SessionID:       sess.Token,
		OnInbound:       sess.forwardToAgent,
		OnClosed:        func() { m.teardown(sess, "media link closed") },
		UseJitterBuffer: m.cfg.UseJitterBuffer,
		JitterTarget:    m.cfg.JitterTarget,
	})
	if err != nil {
		slog.Error("[Session] Media link failed", "token", sess.Token, "error", err)
		m.teardown(sess, "media link failed")
		return
	}
	sess.setLinks(nil, mediaLink)

	agentLink, err := m.dialAgent(convai.Config{
		URL:                 m.cfg.AgentWSURL,
		AgentID:             sess.AgentID,
		SessionID:           sess.Token,
		CallerNumber:        sess.CallerNumber,
		Prompt:              sess.Prompt,
		FirstMessage:        sess.FirstMessage,
		SuppressTranscripts: m.cfg.SuppressTranscripts,
		OnAudio:             sess.playback,
		OnInterrupt:         sess.bargeIn,
		OnDisconnect: func(agentID, conversationID string) {
			m.onAgentDisconnect(sess, agentID, conversationID)
		},
	})
	if err != nil {
		slog.Error("[Session] Agent link failed", "token", sess.Token, "agent", sess.AgentID, "error", err)
		mediaLink.Close()
		m.teardown(sess, "agent link failed")
		return
	}
	sess.setLinks(agentLink, mediaLink)
	sess.setState(StateAILegActive)

	slog.Info("[Session] Conversation active", "token", sess.Token, "agent", sess.AgentID)
}

// resolveAgent picks the agent configuration: a complete inline triple from
// call variables wins; otherwise the external resolver decides; otherwise
// the configured default agent takes the call, or nobody does.
func (m *Manager) resolveAgent(ctx context.Context, sess *CallSession) *AgentConfig {
	if sess.AgentID != "" && sess.AssistantID != "" && sess.ThreadID != "" {
		return &AgentConfig{
			AgentID:      sess.AgentID,
			AssistantID:  sess.AssistantID,
			ThreadID:     sess.ThreadID,
			Prompt:       sess.Prompt,
			FirstMessage: sess.FirstMessage,
		}
	}

	if m.resolver != nil {
		cfg, err := m.resolver.Resolve(ctx, sess.ReceiverNumber, sess.CallerNumber)
		if err != nil {
			slog.Warn("[Session] Agent resolver failed", "token", sess.Token, "error", err)
		} else if cfg != nil {
			return cfg
		}
	}

	if m.cfg.DefaultAgentID != "" {
		slog.Info("[Session] Falling back to default agent", "token", sess.Token, "agent", m.cfg.DefaultAgentID)
		return &AgentConfig{AgentID: m.cfg.DefaultAgentID, ThreadID: sess.ThreadID}
	}
	return nil
}

func (m *Manager) onAgentDisconnect(sess *CallSession, agentID, conversationID string) {
	if conversationID == "" {
		slog.Info("[Session] Agent disconnected before conversation start", "token", sess.Token, "agent", agentID)
	} else if m.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), controlCallTimeout)
		defer cancel()
		m.notifier.NotifyDisconnect(ctx, sess.CallerNumber, agentID, conversationID, sess.ThreadID)
	}
	m.teardown(sess, "agent disconnected")
}

// teardown releases everything a session holds, in fixed order, exactly
// once. Safe to call from any goroutine and any number of times.
func (m *Manager) teardown(sess *CallSession, reason string) {
	won, agentLink, mediaLink, mediaChannelID, bridgeID := sess.beginTeardown()
	if !won {
		return
	}
	slog.Info("[Session] Teardown", "token", sess.Token, "reason", reason)

	if agentLink != nil {
		agentLink.Close()
	}
	if mediaLink != nil {
		mediaLink.Close()
	}

	// Control-plane releases are best effort: on most exit paths Asterisk
	// already dropped some of these resources.
	ctx, cancel := context.WithTimeout(context.Background(), controlCallTimeout)
	defer cancel()

	if mediaChannelID != "" {
		if err := m.client.Hangup(ctx, mediaChannelID); err != nil {
			slog.Debug("[Session] Media leg hangup failed", "token", sess.Token, "error", err)
		}
	}
	if bridgeID != "" {
		if err := m.client.DestroyBridge(ctx, bridgeID); err != nil {
			slog.Debug("[Session] Bridge destroy failed", "token", sess.Token, "error", err)
		}
	}
	if err := m.client.Hangup(ctx, sess.ChannelID); err != nil {
		slog.Debug("[Session] Caller hangup failed", "token", sess.Token, "error", err)
	}

	m.sessions.Delete(sess.Token)
	m.mu.Lock()
	delete(m.byChannel, sess.ChannelID)
	if mediaChannelID != "" {
		delete(m.byMedia, mediaChannelID)
	}
	m.mu.Unlock()

	sess.finish()
	slog.Info("[Session] Session removed", "token", sess.Token)
}

func (m *Manager) teardownByChannel(channelID, reason string) {
	token, ok := m.tokenForChannel(channelID)
	if !ok {
		token, ok = m.tokenForMedia(channelID)
	}
	if !ok {
		return
	}
	if sess, found := m.sessions.Get(token); found {
		// Teardown makes control-plane calls; keep those off the event
		// dispatch goroutine so one slow hangup cannot stall other calls.
		go m.teardown(sess, reason)
	}
}

func (m *Manager) tokenForChannel(channelID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.byChannel[channelID]
	return token, ok
}

func (m *Manager) tokenForMedia(channelID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.byMedia[channelID]
	return token, ok
}

// Get returns the session for a token.
func (m *Manager) Get(token string) (*CallSession, bool) {
	return m.sessions.Get(token)
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	return m.sessions.Len()
}

// Sessions returns a snapshot of all active sessions.
func (m *Manager) Sessions() []Info {
	infos := make([]Info, 0, m.sessions.Len())
	m.sessions.ForEach(func(_ string, sess *CallSession) bool {
		infos = append(infos, sess.Snapshot())
		return true
	})
	return infos
}

// TeardownAll terminates every active session.
func (m *Manager) TeardownAll(reason string) {
	for _, sess := range m.sessions.All() {
		m.teardown(sess, reason)
	}
}

// Cleanup hangs up every Up channel and destroys every bridge known to the
// PBX, including ones this process does not track. Janitorial; per-item
// failures are logged and skipped.
func (m *Manager) Cleanup(ctx context.Context) error {
	channels, err := m.client.Channels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}
	for _, ch := range channels {
		if ch.State != ari.StateUp {
			continue
		}
		if err := m.client.Hangup(ctx, ch.ID); err != nil {
			slog.Warn("[Session] Cleanup hangup failed", "channel", ch.ID, "error", err)
		}
	}

	bridges, err := m.client.Bridges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bridges: %w", err)
	}
	for _, bridge := range bridges {
		if err := m.client.DestroyBridge(ctx, bridge.ID); err != nil {
			slog.Warn("[Session] Cleanup bridge destroy failed", "bridge", bridge.ID, "error", err)
		}
	}

	slog.Info("[Session] Cleanup done", "channels", len(channels), "bridges", len(bridges))
	return nil
}

// Close terminates all sessions and stops the store.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.TeardownAll("shutdown")
		m.sessions.Close()
	})
}
