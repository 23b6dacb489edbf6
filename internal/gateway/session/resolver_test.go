package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPResolverResolves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("body decode failed: %v", err)
		}
		if body["receiverNumber"] != "77270000000" || body["callerNumber"] != "77001234567" {
			t.Errorf("request body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"agent_id":"A1","assistantId":"as-1","threadId":"th-1","prompt":"p","firstMessage":"hi"}`))
	}))
	defer srv.Close()

	cfg, err := NewHTTPResolver(srv.URL).Resolve(context.Background(), "77270000000", "77001234567")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg == nil || cfg.AgentID != "A1" || cfg.AssistantID != "as-1" || cfg.ThreadID != "th-1" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestHTTPResolverEmptyAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg, err := NewHTTPResolver(srv.URL).Resolve(context.Background(), "r", "c")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if cfg != nil {
		t.Errorf("config = %+v, want nil for empty agent id", cfg)
	}
}

func TestHTTPResolverServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewHTTPResolver(srv.URL).Resolve(context.Background(), "r", "c"); err == nil {
		t.Error("expected error for 500 response")
	}
}

func TestWebhookPostsPayload(t *testing.T) {
	got := make(chan map[string]string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	NewWebhook(srv.URL).NotifyDisconnect(context.Background(), "77001234567", "A1", "conv-1", "th-1")

	body := <-got
	want := map[string]string{
		"number": "77001234567", "agentId": "A1", "conversationId": "conv-1", "threadId": "th-1",
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("payload %s = %q, want %q", k, body[k], v)
		}
	}
}
