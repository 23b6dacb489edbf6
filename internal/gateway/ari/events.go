package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// EventStream consumes the ARI events websocket for one Stasis application.
// It reconnects with backoff until Close is called.
type EventStream struct {
	wsURL  string
	app    string
	events chan *Event

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEventStream builds a stream for the Stasis app registered against the
// given ARI base URL and credentials.
func NewEventStream(baseURL, username, password, app string) (*EventStream, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ARI URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"

	q := u.Query()
	q.Set("app", app)
	q.Set("api_key", username+":"+password)
	u.RawQuery = q.Encode()

	return &EventStream{
		wsURL:  u.String(),
		app:    app,
		events: make(chan *Event, 64),
		stopCh: make(chan struct{}),
	}, nil
}

// Events returns the decoded event channel. It is closed when the stream
// shuts down.
func (s *EventStream) Events() <-chan *Event {
	return s.events
}

// Run connects and pumps events until ctx is cancelled or Close is called.
// Connection loss triggers reconnection with exponential backoff.
func (s *EventStream) Run(ctx context.Context) {
	defer close(s.events)

	backoff := reconnectInitial
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
		if err != nil {
			slog.Warn("[ARI] Events websocket connect failed", "app", s.app, "error", err, "retry_in", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		slog.Info("[ARI] Events websocket connected", "app", s.app)
		backoff = reconnectInitial

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}
}

func (s *EventStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-s.stopCh:
			default:
				slog.Warn("[ARI] Events websocket read failed", "app", s.app, "error", err)
			}
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("[ARI] Failed to decode event", "error", err)
			continue
		}
		evt.Raw = data

		select {
		case s.events <- &evt:
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the stream. Safe to call more than once.
func (s *EventStream) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()

		close(s.stopCh)
		if conn != nil {
			_ = conn.Close()
		}
	})
}
