package convai

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pleep/voicegate/internal/logger"
)

// fakeAgent is a websocket endpoint standing in for the conversational AI
// service. The script runs once a client connects and has read access to the
// initiation message the client sent.
type fakeAgent struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	agentID    string
	initiation map[string]any
	received   []map[string]any
}

func newFakeAgent(t *testing.T, script func(conn *websocket.Conn)) *fakeAgent {
	t.Helper()
	a := &fakeAgent{}
	a.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.agentID = r.URL.Query().Get("agent_id")
		a.mu.Unlock()

		conn, err := a.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var init map[string]any
		if err := conn.ReadJSON(&init); err != nil {
			t.Errorf("initiation read failed: %v", err)
			return
		}
		a.mu.Lock()
		a.initiation = init
		a.mu.Unlock()

		if script != nil {
			script(conn)
		}
	}))
	t.Cleanup(a.ts.Close)
	return a
}

func (a *fakeAgent) url() string {
	return "ws" + strings.TrimPrefix(a.ts.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func sendEvent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Errorf("event write failed: %v", err)
	}
}

func TestDialSendsInitiation(t *testing.T) {
	connected := make(chan struct{})
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		close(connected)
		_, _, _ = conn.ReadMessage() // hold open until client closes
	})

	link, err := Dial(Config{
		URL:          agent.url(),
		AgentID:      "agent-1",
		SessionID:    "sess-1",
		CallerNumber: "77001234567",
		Prompt:       "be brief",
		FirstMessage: "hello there",
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	<-connected
	agent.mu.Lock()
	defer agent.mu.Unlock()

	if agent.agentID != "agent-1" {
		t.Errorf("agent_id query = %q, want agent-1", agent.agentID)
	}
	if got := agent.initiation["type"]; got != "conversation_initiation_client_data" {
		t.Errorf("initiation type = %v", got)
	}
	dyn, _ := agent.initiation["dynamic_variables"].(map[string]any)
	if dyn["caller_number"] != "77001234567" {
		t.Errorf("caller_number dynamic variable = %v", dyn["caller_number"])
	}
	override, _ := agent.initiation["conversation_config_override"].(map[string]any)
	agentCfg, _ := override["agent"].(map[string]any)
	if agentCfg["first_message"] != "hello there" {
		t.Errorf("first_message override = %v", agentCfg["first_message"])
	}
	prompt, _ := agentCfg["prompt"].(map[string]any)
	if prompt["prompt"] != "be brief" {
		t.Errorf("prompt override = %v", prompt["prompt"])
	}
}

func TestInitiationOmitsEmptyOverrides(t *testing.T) {
	connected := make(chan struct{})
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		close(connected)
		_, _, _ = conn.ReadMessage()
	})

	link, err := Dial(Config{URL: agent.url(), AgentID: "agent-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	<-connected
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if _, ok := agent.initiation["dynamic_variables"]; ok {
		t.Error("dynamic_variables present without caller number")
	}
	if _, ok := agent.initiation["conversation_config_override"]; ok {
		t.Error("conversation_config_override present without overrides")
	}
}

func TestAudioAndInterruptEvents(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5}
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		sendEvent(t, conn, map[string]any{
			"type": "audio",
			"audio_event": map[string]any{
				"audio_base_64": base64.StdEncoding.EncodeToString(pcm),
				"event_id":      1,
			},
		})
		sendEvent(t, conn, map[string]any{"type": "interruption"})
		_, _, _ = conn.ReadMessage()
	})

	var mu sync.Mutex
	var gotAudio []byte
	interrupted := false

	link, err := Dial(Config{
		URL:       agent.url(),
		AgentID:   "agent-1",
		SessionID: "sess-1",
		OnAudio: func(p []byte) {
			mu.Lock()
			gotAudio = append(gotAudio, p...)
			mu.Unlock()
		},
		OnInterrupt: func() {
			mu.Lock()
			interrupted = true
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotAudio) == len(pcm) && interrupted
	})
}

func TestPingAnsweredWithPong(t *testing.T) {
	pong := make(chan map[string]any, 1)
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		sendEvent(t, conn, map[string]any{
			"type":       "ping",
			"ping_event": map[string]any{"event_id": 42},
		})
		var reply map[string]any
		if err := conn.ReadJSON(&reply); err == nil {
			pong <- reply
		}
	})

	link, err := Dial(Config{URL: agent.url(), AgentID: "agent-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	select {
	case reply := <-pong:
		if reply["type"] != "pong" {
			t.Errorf("reply type = %v, want pong", reply["type"])
		}
		if reply["event_id"] != float64(42) {
			t.Errorf("event_id = %v, want 42", reply["event_id"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestConversationIDCaptured(t *testing.T) {
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		sendEvent(t, conn, map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{
				"conversation_id": "conv-99",
			},
		})
		_, _, _ = conn.ReadMessage()
	})

	link, err := Dial(Config{URL: agent.url(), AgentID: "agent-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	waitFor(t, 2*time.Second, func() bool { return link.ConversationID() == "conv-99" })
}

func TestSendAudioEncodesChunk(t *testing.T) {
	chunk := make(chan map[string]any, 1)
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err == nil {
			chunk <- msg
		}
	})

	link, err := Dial(Config{URL: agent.url(), AgentID: "agent-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	pcm := []byte{9, 8, 7}
	link.SendAudio(pcm)

	select {
	case msg := <-chunk:
		b64, _ := msg["user_audio_chunk"].(string)
		decoded, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			t.Fatalf("chunk not base64: %v", err)
		}
		if string(decoded) != string(pcm) {
			t.Errorf("decoded chunk = %v, want %v", decoded, pcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audio chunk received")
	}
}

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// transcriptAgent sends a user transcript and an agent response, then a ping;
// the pong reply marks both transcript events as processed.
func transcriptAgent(t *testing.T) (*fakeAgent, chan struct{}) {
	t.Helper()
	ponged := make(chan struct{})
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		sendEvent(t, conn, map[string]any{
			"type":                     "user_transcript",
			"user_transcription_event": map[string]any{"user_transcript": "my account number is 42"},
		})
		sendEvent(t, conn, map[string]any{
			"type":                 "agent_response",
			"agent_response_event": map[string]any{"agent_response": "thanks, noted"},
		})
		sendEvent(t, conn, map[string]any{"type": "ping", "ping_event": map[string]any{"event_id": 1}})
		var reply map[string]any
		if err := conn.ReadJSON(&reply); err == nil {
			close(ponged)
		}
		_, _, _ = conn.ReadMessage()
	})
	return agent, ponged
}

func TestTranscriptsLoggedByDefault(t *testing.T) {
	capture := &logCapture{}
	logger.InitLogger(capture)
	t.Cleanup(func() { logger.InitLogger(os.Stdout) })

	agent, ponged := transcriptAgent(t)
	link, err := Dial(Config{URL: agent.url(), AgentID: "agent-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	select {
	case <-ponged:
	case <-time.After(2 * time.Second):
		t.Fatal("events never processed")
	}

	logs := capture.String()
	if !strings.Contains(logs, "my account number is 42") || !strings.Contains(logs, "thanks, noted") {
		t.Errorf("transcript content missing from logs: %q", logs)
	}
}

func TestTranscriptsSuppressedByConfig(t *testing.T) {
	capture := &logCapture{}
	logger.InitLogger(capture)
	t.Cleanup(func() { logger.InitLogger(os.Stdout) })

	agent, ponged := transcriptAgent(t)
	link, err := Dial(Config{URL: agent.url(), AgentID: "agent-1", SessionID: "sess-1", SuppressTranscripts: true})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	select {
	case <-ponged:
	case <-time.After(2 * time.Second):
		t.Fatal("events never processed")
	}

	logs := capture.String()
	if strings.Contains(logs, "my account number is 42") || strings.Contains(logs, "thanks, noted") {
		t.Errorf("transcript content logged despite suppression: %q", logs)
	}
}

func TestDisconnectNotifiesOnce(t *testing.T) {
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		sendEvent(t, conn, map[string]any{
			"type": "conversation_initiation_metadata",
			"conversation_initiation_metadata_event": map[string]any{
				"conversation_id": "conv-7",
			},
		})
		// Server hangs up after the metadata.
	})

	var mu sync.Mutex
	var calls []string

	link, err := Dial(Config{
		URL:       agent.url(),
		AgentID:   "agent-1",
		SessionID: "sess-1",
		OnDisconnect: func(agentID, conversationID string) {
			mu.Lock()
			calls = append(calls, agentID+"/"+conversationID)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) > 0
	})

	// Closing after the remote hangup must not notify again.
	link.Close()
	link.Close()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("OnDisconnect fired %d times, want 1", len(calls))
	}
	if calls[0] != "agent-1/conv-7" {
		t.Errorf("OnDisconnect args = %q, want agent-1/conv-7", calls[0])
	}
}

func TestSendAudioAfterCloseIsDropped(t *testing.T) {
	agent := newFakeAgent(t, nil)

	link, err := Dial(Config{URL: agent.url(), AgentID: "agent-1", SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}

	link.Close()
	link.SendAudio([]byte{1, 2, 3}) // must not panic or block
}

func TestMalformedEventIgnored(t *testing.T) {
	agent := newFakeAgent(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		sendEvent(t, conn, map[string]any{
			"type":       "ping",
			"ping_event": map[string]any{"event_id": 1},
		})
		var reply map[string]any
		_ = conn.ReadJSON(&reply)
		data, _ := json.Marshal(reply)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(data)), time.Now().Add(time.Second))
	})

	disconnected := make(chan struct{})
	link, err := Dial(Config{
		URL:       agent.url(),
		AgentID:   "agent-1",
		SessionID: "sess-1",
		OnDisconnect: func(string, string) {
			close(disconnected)
		},
	})
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer link.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("link did not survive malformed event")
	}
}
