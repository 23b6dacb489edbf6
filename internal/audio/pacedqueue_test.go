package audio

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// collector gathers emitted frames behind a mutex.
type collector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collector) emit(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
}

func (c *collector) joined() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []byte
	for _, f := range c.frames {
		out = append(out, f...)
	}
	return out
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// fastFormat keeps frame sizes tiny so tests run in milliseconds.
var fastFormat = Format{SampleRate: 1000, BytesPerSample: 1, Channels: 1}

func pattern(n int, seed byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestPacedQueueDeliversAllBytesInOrder(t *testing.T) {
	c := &collector{}
	// 4 bytes per 4ms frame
	q := NewPacedQueue(fastFormat, 4*time.Millisecond, c.emit)

	first := pattern(10, 0)
	second := pattern(7, 100)
	q.Enqueue(first)
	q.Enqueue(second)

	want := append(append([]byte{}, first...), second...)
	waitFor(t, 2*time.Second, func() bool {
		return len(c.joined()) == len(want)
	})

	if got := c.joined(); !bytes.Equal(got, want) {
		t.Errorf("emitted bytes = %v, want %v", got, want)
	}
}

func TestPacedQueueFrameSizes(t *testing.T) {
	c := &collector{}
	q := NewPacedQueue(fastFormat, 4*time.Millisecond, c.emit)

	q.Enqueue(pattern(10, 0)) // 4 + 4 + 2

	waitFor(t, 2*time.Second, func() bool { return c.count() == 3 })

	c.mu.Lock()
	defer c.mu.Unlock()
	wantSizes := []int{4, 4, 2}
	for i, f := range c.frames {
		if len(f) != wantSizes[i] {
			t.Errorf("frame %d size = %d, want %d", i, len(f), wantSizes[i])
		}
	}
}

func TestPacedQueueInterruptDropsPending(t *testing.T) {
	c := &collector{}
	q := NewPacedQueue(fastFormat, 10*time.Millisecond, c.emit)

	// Long buffer: 100 frames worth, so the drain is mid-flight when we interrupt.
	q.Enqueue(pattern(255, 0))
	waitFor(t, 2*time.Second, func() bool { return c.count() >= 1 })

	q.Interrupt()
	if q.Pending() != 0 {
		t.Errorf("Pending() after interrupt = %d, want 0", q.Pending())
	}

	// Allow at most one more in-flight frame, then nothing.
	time.Sleep(50 * time.Millisecond)
	stable := c.count()
	time.Sleep(50 * time.Millisecond)
	if got := c.count(); got != stable {
		t.Errorf("frames kept flowing after interrupt: %d -> %d", stable, got)
	}
}

func TestPacedQueueEnqueueAfterInterrupt(t *testing.T) {
	c := &collector{}
	q := NewPacedQueue(fastFormat, 2*time.Millisecond, c.emit)

	q.Enqueue(pattern(50, 0))
	q.Interrupt()

	fresh := pattern(6, 200)
	q.Enqueue(fresh)

	waitFor(t, 2*time.Second, func() bool {
		return bytes.HasSuffix(c.joined(), fresh)
	})
}

func TestPacedQueueSingleDrain(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0

	q := NewPacedQueue(fastFormat, 2*time.Millisecond, func(frame []byte) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			q.Enqueue(pattern(8, byte(i)))
			time.Sleep(time.Millisecond)
		}
	}()
	<-done

	waitFor(t, 5*time.Second, func() bool { return q.Pending() == 0 })
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 1 {
		t.Errorf("observed %d concurrent emissions, want at most 1", maxActive)
	}
}
