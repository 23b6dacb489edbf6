// Package media connects a call session to its audio path: a websocket to
// the relay carrying caller audio in and paced synthesized audio out.
package media

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pleep/voicegate/internal/audio"
)

// Config describes one media link.
type Config struct {
	RelayURL  string // relay websocket endpoint, without the sessionId parameter
	SessionID string // session token, must match the external media channel

	// OnInbound receives caller PCM read from the relay.
	OnInbound func(pcm []byte)
	// OnClosed fires exactly once when the link goes down, however it goes
	// down.
	OnClosed func()

	// UseJitterBuffer smooths caller audio through a jitter buffer before
	// handing it to OnInbound. Off by default: the conversational service
	// does its own buffering.
	UseJitterBuffer bool
	JitterTarget    time.Duration
}

const defaultJitterTarget = 200 * time.Millisecond

// Link is an active media path for one session.
type Link struct {
	cfg   Config
	queue *audio.PacedQueue
	jb    *audio.JitterBuffer

	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	closeOnce  sync.Once
	notifyOnce sync.Once
}

// Dial connects to the relay and starts pumping audio.
func Dial(cfg Config) (*Link, error) {
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL %q: %w", cfg.RelayURL, err)
	}
	q := u.Query()
	q.Set("sessionId", cfg.SessionID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay for session %s: %w", cfg.SessionID, err)
	}

	l := &Link{cfg: cfg, conn: conn}
	l.queue = audio.NewPacedQueue(audio.Slin16, audio.DefaultFrameDuration, l.writeFrame)

	if cfg.UseJitterBuffer {
		target := cfg.JitterTarget
		if target <= 0 {
			target = defaultJitterTarget
		}
		jb, err := audio.NewJitterBuffer(audio.JitterBufferConfig{
			TargetDuration: target,
			SampleRate:     audio.Slin16.SampleRate,
			BitDepth:       audio.Slin16.BytesPerSample * 8,
			OnChunk: func(chunk []byte) error {
				if cfg.OnInbound != nil {
					cfg.OnInbound(chunk)
				}
				return nil
			},
		})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create jitter buffer: %w", err)
		}
		l.jb = jb
	}

	slog.Info("[Media] Relay link established", "session", cfg.SessionID, "jitter_buffer", cfg.UseJitterBuffer)
	go l.readLoop()
	return l, nil
}

// EnqueuePlayback queues synthesized PCM for paced delivery to the caller.
func (l *Link) EnqueuePlayback(pcm []byte) {
	l.queue.Enqueue(pcm)
}

// Interrupt drops all queued playback. Used for barge-in.
func (l *Link) Interrupt() {
	l.queue.Interrupt()
}

// PendingPlayback reports queued playback bytes not yet delivered.
func (l *Link) PendingPlayback() int {
	return l.queue.Pending()
}

// Close tears the link down. Safe to call more than once; OnClosed still
// fires exactly once.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		l.queue.Interrupt()
		if l.jb != nil {
			l.jb.Destroy()
		}
		l.writeMu.Lock()
		l.closed = true
		l.writeMu.Unlock()
		_ = l.conn.Close()
	})
	l.notifyClosed()
}

func (l *Link) writeFrame(frame []byte) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.closed {
		return
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		slog.Warn("[Media] Playback write failed", "session", l.cfg.SessionID, "error", err)
	}
}

func (l *Link) readLoop() {
	defer l.notifyClosed()

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			slog.Info("[Media] Relay link closed", "session", l.cfg.SessionID)
			l.Close()
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		if l.jb != nil {
			l.jb.Write(data)
			continue
		}
		if l.cfg.OnInbound != nil {
			l.cfg.OnInbound(data)
		}
	}
}

func (l *Link) notifyClosed() {
	l.notifyOnce.Do(func() {
		if l.cfg.OnClosed != nil {
			l.cfg.OnClosed()
		}
	})
}
