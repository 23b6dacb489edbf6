// Package session owns the call-session table and the per-call state
// machine: answer, bridge, media leg, AI leg, teardown.
package session

import (
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a call session.
type State int

const (
	// StateStarted means the call-control start event arrived and the
	// session was recorded.
	StateStarted State = iota
	// StateAnswered means the caller channel was answered.
	StateAnswered
	// StateBridged means the mixing bridge exists and holds the caller.
	StateBridged
	// StateMediaLegPending means the external media channel was created but
	// has not entered the application yet.
	StateMediaLegPending
	// StateMediaLegActive means the media leg joined the bridge.
	StateMediaLegActive
	// StateAILegActive means the conversation link is up and audio flows.
	StateAILegActive
	// StateTerminated is terminal; all resources are released.
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "STARTED"
	case StateAnswered:
		return "ANSWERED"
	case StateBridged:
		return "BRIDGED"
	case StateMediaLegPending:
		return "MEDIA_LEG_PENDING"
	case StateMediaLegActive:
		return "MEDIA_LEG_ACTIVE"
	case StateAILegActive:
		return "AI_LEG_ACTIVE"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// MediaLink is the audio path to the telephony leg for one session.
type MediaLink interface {
	EnqueuePlayback(pcm []byte)
	Interrupt()
	Close()
}

// AgentLink is the conversation with the AI agent for one session.
type AgentLink interface {
	SendAudio(pcm []byte)
	ConversationID() string
	Close()
}

// CallSession is one telephony call under AI handling. The manager owns the
// record; the links are owned by the session and must not outlive it.
type CallSession struct {
	Token     string
	ChannelID string

	CallerNumber   string
	ReceiverNumber string
	ThreadID       string
	Prompt         string
	FirstMessage   string
	AgentID        string
	AssistantID    string
	Outbound       bool

	CreatedAt time.Time

	mu             sync.Mutex
	state          State
	bridgeID       string
	mediaChannelID string
	mediaLink      MediaLink
	agentLink      AgentLink

	jobs     chan func()
	done     chan struct{}
	doneOnce sync.Once
}

// Info is a point-in-time snapshot for listings.
type Info struct {
	Token          string    `json:"token"`
	ChannelID      string    `json:"channel_id"`
	CallerNumber   string    `json:"caller_number"`
	ReceiverNumber string    `json:"receiver_number"`
	AgentID        string    `json:"agent_id"`
	State          string    `json:"state"`
	Outbound       bool      `json:"outbound"`
	CreatedAt      time.Time `json:"created_at"`
}

func newCallSession(token, channelID string) *CallSession {
	return &CallSession{
		Token:     token,
		ChannelID: channelID,
		CreatedAt: time.Now(),
		state:     StateStarted,
		jobs:      make(chan func(), 64),
		done:      make(chan struct{}),
	}
}

// run consumes the session's job queue until the session finishes. Every
// event for this session executes here, so per-session ordering matches
// arrival order and slow sessions never stall others.
func (s *CallSession) run() {
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.done:
			return
		}
	}
}

// enqueue schedules work on the session's goroutine. Work arriving after the
// session finished is discarded.
func (s *CallSession) enqueue(job func()) {
	select {
	case <-s.done:
	case s.jobs <- job:
	}
}

func (s *CallSession) finish() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}

// applyCallVariables folds the channel variables into the session. A leg
// carrying its own caller/receiver pair was originated by this process; from
// the agent's perspective the dialed party is the caller.
func (s *CallSession) applyCallVariables(vars map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vars["callerNumber"] != "" && vars["receiverNumber"] != "" {
		s.CallerNumber = strings.TrimPrefix(vars["receiverNumber"], "+")
		s.ReceiverNumber = strings.TrimPrefix(vars["callerNumber"], "+")
		s.Outbound = true
	}
	s.ThreadID = vars["threadId"]
	s.Prompt = vars["prompt"]
	s.FirstMessage = vars["firstMessage"]
	s.AgentID = vars["agentId"]
	s.AssistantID = vars["assistantId"]
}

// State returns the current lifecycle state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState advances the state unless the session already terminated. It
// returns false when the transition was refused.
func (s *CallSession) setState(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false
	}
	s.state = next
	return true
}

// beginTeardown flips the session to TERMINATED and reports whether the
// caller won the race. Resource handles are returned to the single winner so
// release happens exactly once.
func (s *CallSession) beginTeardown() (won bool, agentLink AgentLink, mediaLink MediaLink, mediaChannelID, bridgeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return false, nil, nil, "", ""
	}
	s.state = StateTerminated
	agentLink, mediaLink = s.agentLink, s.mediaLink
	mediaChannelID, bridgeID = s.mediaChannelID, s.bridgeID
	s.agentLink, s.mediaLink = nil, nil
	return true, agentLink, mediaLink, mediaChannelID, bridgeID
}

func (s *CallSession) setBridge(id string) {
	s.mu.Lock()
	s.bridgeID = id
	s.mu.Unlock()
}

func (s *CallSession) setMediaChannel(id string) {
	s.mu.Lock()
	s.mediaChannelID = id
	s.mu.Unlock()
}

// MediaChannelID returns the external media channel id, if one exists.
func (s *CallSession) MediaChannelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaChannelID
}

func (s *CallSession) setLinks(agentLink AgentLink, mediaLink MediaLink) {
	s.mu.Lock()
	s.agentLink = agentLink
	s.mediaLink = mediaLink
	s.mu.Unlock()
}

// forwardToAgent ships caller audio to the AI leg, if one is attached.
func (s *CallSession) forwardToAgent(pcm []byte) {
	s.mu.Lock()
	link := s.agentLink
	s.mu.Unlock()
	if link != nil {
		link.SendAudio(pcm)
	}
}

// playback queues synthesized audio toward the caller.
func (s *CallSession) playback(pcm []byte) {
	s.mu.Lock()
	link := s.mediaLink
	s.mu.Unlock()
	if link != nil {
		link.EnqueuePlayback(pcm)
	}
}

// bargeIn drops all undelivered synthesized audio.
func (s *CallSession) bargeIn() {
	s.mu.Lock()
	link := s.mediaLink
	s.mu.Unlock()
	if link != nil {
		link.Interrupt()
	}
}

// Snapshot returns the session's current listing info.
func (s *CallSession) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Token:          s.Token,
		ChannelID:      s.ChannelID,
		CallerNumber:   s.CallerNumber,
		ReceiverNumber: s.ReceiverNumber,
		AgentID:        s.AgentID,
		State:          s.state.String(),
		Outbound:       s.Outbound,
		CreatedAt:      s.CreatedAt,
	}
}
