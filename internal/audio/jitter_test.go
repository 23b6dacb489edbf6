package audio

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
	fail   bool
}

func (s *chunkSink) consume(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink failure")
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *chunkSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		n += len(c)
	}
	return n
}

func (s *chunkSink) joined() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// newTestBuffer: 1000 Hz, 16-bit => 2 bytes/ms. Target 100ms = 200 bytes,
// start threshold 50% = 100 bytes.
func newTestBuffer(t *testing.T, sink *chunkSink) *JitterBuffer {
	t.Helper()
	jb, err := NewJitterBuffer(JitterBufferConfig{
		TargetDuration: 100 * time.Millisecond,
		SampleRate:     1000,
		BitDepth:       16,
		OnChunk:        sink.consume,
	})
	if err != nil {
		t.Fatalf("NewJitterBuffer() error: %v", err)
	}
	return jb
}

func TestJitterBufferRejectsBadConfig(t *testing.T) {
	base := JitterBufferConfig{
		TargetDuration: 100 * time.Millisecond,
		SampleRate:     16000,
		BitDepth:       16,
		OnChunk:        func([]byte) error { return nil },
	}

	bad := base
	bad.BitDepth = 12
	if _, err := NewJitterBuffer(bad); err == nil {
		t.Error("expected error for bit depth not a multiple of 8")
	}

	bad = base
	bad.SampleRate = 0
	if _, err := NewJitterBuffer(bad); err == nil {
		t.Error("expected error for zero sample rate")
	}

	bad = base
	bad.OnChunk = nil
	if _, err := NewJitterBuffer(bad); err == nil {
		t.Error("expected error for missing callback")
	}
}

func TestJitterBufferHoldsBelowThreshold(t *testing.T) {
	sink := &chunkSink{}
	jb := newTestBuffer(t, sink)

	jb.Write(make([]byte, 40))
	jb.Write(make([]byte, 40))

	time.Sleep(20 * time.Millisecond)
	if got := sink.total(); got != 0 {
		t.Errorf("callback received %d bytes below threshold, want 0", got)
	}
	if got := jb.Buffered(); got != 80 {
		t.Errorf("Buffered() = %d, want 80", got)
	}
}

func TestJitterBufferDrainsOnceThresholdMet(t *testing.T) {
	sink := &chunkSink{}
	jb := newTestBuffer(t, sink)

	first := pattern(60, 0)
	second := pattern(60, 60)
	jb.Write(first)
	jb.Write(second) // total 120 >= 100: drain starts

	waitFor(t, 2*time.Second, func() bool { return sink.total() == 120 })

	want := append(append([]byte{}, first...), second...)
	if got := sink.joined(); !bytes.Equal(got, want) {
		t.Errorf("drained bytes out of order: got %v, want %v", got, want)
	}
	if got := jb.Buffered(); got != 0 {
		t.Errorf("Buffered() after drain = %d, want 0", got)
	}
}

func TestJitterBufferNoByteLoss(t *testing.T) {
	sink := &chunkSink{}
	jb := newTestBuffer(t, sink)

	written := 0
	for i := 0; i < 50; i++ {
		chunk := pattern(17, byte(i))
		jb.Write(chunk)
		written += len(chunk)
	}

	waitFor(t, 2*time.Second, func() bool {
		return sink.total()+jb.Buffered() == written && jb.Buffered() < 100
	})

	// Push past the threshold once more to flush the remainder.
	jb.Write(make([]byte, 100))
	written += 100

	waitFor(t, 2*time.Second, func() bool { return sink.total() == written })
}

func TestJitterBufferMidDrainRefillDrainsWithoutRetrigger(t *testing.T) {
	sink := &chunkSink{}
	firstChunk := make(chan struct{})
	release := make(chan struct{})
	var blockOnce sync.Once

	jb, err := NewJitterBuffer(JitterBufferConfig{
		TargetDuration: 100 * time.Millisecond,
		SampleRate:     1000,
		BitDepth:       16,
		OnChunk: func(chunk []byte) error {
			err := sink.consume(chunk)
			blockOnce.Do(func() {
				close(firstChunk)
				<-release
			})
			return err
		},
	})
	if err != nil {
		t.Fatalf("NewJitterBuffer() error: %v", err)
	}

	first := pattern(100, 0)
	jb.Write(first) // crosses the 100-byte threshold, drain starts
	<-firstChunk

	// The drain is paused inside the callback with the buffer empty. This
	// write alone stays below the threshold, so only the running pass can
	// deliver it.
	refill := pattern(60, 100)
	jb.Write(refill)
	close(release)

	waitFor(t, 2*time.Second, func() bool { return sink.total() == 160 })

	want := append(append([]byte{}, first...), refill...)
	if got := sink.joined(); !bytes.Equal(got, want) {
		t.Errorf("drained bytes = %v, want %v", got, want)
	}
}

func TestJitterBufferRestartsAfterDepletion(t *testing.T) {
	sink := &chunkSink{}
	jb := newTestBuffer(t, sink)

	jb.Write(pattern(120, 0))
	waitFor(t, 2*time.Second, func() bool { return sink.total() == 120 && jb.Buffered() == 0 })

	// Below the threshold after the drain stopped: held.
	jb.Write(pattern(40, 120))
	time.Sleep(20 * time.Millisecond)
	if got := sink.total(); got != 120 {
		t.Errorf("drained %d bytes below the restart threshold, want 120", got)
	}

	// Crossing it again drains everything held plus the new data.
	jb.Write(pattern(80, 160))
	waitFor(t, 2*time.Second, func() bool { return sink.total() == 240 })
}

func TestJitterBufferConsumerErrorDoesNotAbort(t *testing.T) {
	sink := &chunkSink{fail: true}
	jb := newTestBuffer(t, sink)

	jb.Write(make([]byte, 150))

	waitFor(t, 2*time.Second, func() bool { return jb.Buffered() == 0 })
}

func TestJitterBufferDestroyClearsState(t *testing.T) {
	sink := &chunkSink{}
	jb := newTestBuffer(t, sink)

	jb.Write(make([]byte, 50))
	jb.Destroy()

	if got := jb.Buffered(); got != 0 {
		t.Errorf("Buffered() after Destroy = %d, want 0", got)
	}
}
