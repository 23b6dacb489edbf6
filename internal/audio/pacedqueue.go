package audio

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultFrameDuration is the emission interval toward the telephony leg.
const DefaultFrameDuration = 40 * time.Millisecond

// PacedQueue serializes arbitrarily sized audio buffers into fixed-duration
// frames emitted at wall-clock cadence, so a downstream telephony leg receives
// audio at real-time speed instead of in bursts. Interrupt discards everything
// not yet emitted (barge-in).
type PacedQueue struct {
	emit     func([]byte)
	format   Format
	frameDur time.Duration

	mu         sync.Mutex
	queue      [][]byte
	processing bool
	generation uint64
}

// NewPacedQueue creates a paced queue that delivers frames through emit.
func NewPacedQueue(format Format, frameDur time.Duration, emit func([]byte)) *PacedQueue {
	if frameDur <= 0 {
		frameDur = DefaultFrameDuration
	}
	return &PacedQueue{
		emit:     emit,
		format:   format,
		frameDur: frameDur,
	}
}

// Enqueue appends a buffer to the pending sequence and starts a drain if one
// is not already running. Safe for concurrent use.
func (q *PacedQueue) Enqueue(buf []byte) {
	if len(buf) == 0 {
		return
	}

	q.mu.Lock()
	q.queue = append(q.queue, buf)
	if q.processing {
		q.mu.Unlock()
		return
	}
	q.processing = true
	gen := q.generation
	q.mu.Unlock()

	go q.drain(gen)
}

// Interrupt drops all queued and in-flight audio. The running drain stops
// before its next frame emission; subsequent Enqueue calls start fresh.
func (q *PacedQueue) Interrupt() {
	q.mu.Lock()
	q.queue = nil
	q.processing = false
	q.generation++
	q.mu.Unlock()

	slog.Debug("[PacedQueue] Interrupted, queue cleared")
}

// Pending returns the number of buffers waiting to be drained.
func (q *PacedQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// drain pops buffers in FIFO order and emits their frames at the configured
// cadence. gen guards against a stale drain emitting after an Interrupt: only
// the goroutine whose generation matches may emit or touch the queue.
func (q *PacedQueue) drain(gen uint64) {
	for {
		q.mu.Lock()
		if q.generation != gen || len(q.queue) == 0 {
			if q.generation == gen {
				q.processing = false
			}
			q.mu.Unlock()
			return
		}
		buf := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		for _, frame := range Split(buf, q.format, q.frameDur) {
			q.mu.Lock()
			live := q.generation == gen
			q.mu.Unlock()
			if !live {
				return
			}

			q.emit(frame)
			time.Sleep(q.frameDur)
		}
	}
}
