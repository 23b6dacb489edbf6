package audio

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// JitterBufferConfig configures a JitterBuffer.
type JitterBufferConfig struct {
	// TargetDuration is the amount of audio the buffer aims to hold.
	TargetDuration time.Duration
	// MinThresholdFactor is the fraction of the target that must be buffered
	// before draining starts. Defaults to 0.5.
	MinThresholdFactor float64
	// SampleRate in Hz, e.g. 16000.
	SampleRate int
	// BitDepth in bits per sample; must be a multiple of 8.
	BitDepth int
	// OnChunk receives buffered chunks in write order.
	OnChunk func(chunk []byte) error
}

// JitterBuffer accumulates bursty inbound audio and releases it once a minimum
// threshold is met, draining continuously until depleted. Data arriving
// mid-drain is consumed in the same pass; once the buffer runs dry, the next
// threshold-crossing Write starts a new pass.
type JitterBuffer struct {
	onChunk        func(chunk []byte) error
	bytesPerSample int
	minStartBytes  int

	mu       sync.Mutex
	chunks   [][]byte
	total    int
	draining bool
}

// NewJitterBuffer validates the configuration and creates a buffer.
func NewJitterBuffer(cfg JitterBufferConfig) (*JitterBuffer, error) {
	if cfg.BitDepth%8 != 0 || cfg.BitDepth <= 0 {
		return nil, fmt.Errorf("bit depth must be a positive multiple of 8, got %d", cfg.BitDepth)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.OnChunk == nil {
		return nil, fmt.Errorf("OnChunk callback is required")
	}

	factor := cfg.MinThresholdFactor
	if factor <= 0 {
		factor = 0.5
	}

	bytesPerSample := cfg.BitDepth / 8
	bytesPerMs := float64(cfg.SampleRate*bytesPerSample) / 1000
	targetBytes := float64(cfg.TargetDuration.Milliseconds()) * bytesPerMs
	if targetBytes < float64(bytesPerSample) {
		targetBytes = float64(bytesPerSample)
	}
	minStart := int(targetBytes * factor)
	if minStart < bytesPerSample {
		minStart = bytesPerSample
	}

	return &JitterBuffer{
		onChunk:        cfg.OnChunk,
		bytesPerSample: bytesPerSample,
		minStartBytes:  minStart,
	}, nil
}

// Write appends a chunk to the buffer and starts draining if the start
// threshold has been reached.
func (j *JitterBuffer) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	j.mu.Lock()
	j.chunks = append(j.chunks, chunk)
	j.total += len(chunk)
	start := !j.draining && j.total >= j.minStartBytes
	if start {
		j.draining = true
	}
	j.mu.Unlock()

	if start {
		go j.drain()
	}
}

// Buffered returns the number of bytes currently held.
func (j *JitterBuffer) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}

// Destroy clears all buffered state. It does not close any downstream resource.
func (j *JitterBuffer) Destroy() {
	j.mu.Lock()
	j.chunks = nil
	j.total = 0
	j.mu.Unlock()
}

func (j *JitterBuffer) drain() {
	for {
		j.mu.Lock()
		if j.total < j.bytesPerSample || len(j.chunks) == 0 {
			// Emptiness and the draining flag flip under the same lock, so a
			// refill either lands while this loop still runs and is consumed
			// below, or arrives later and restarts draining through Write.
			j.draining = false
			j.mu.Unlock()
			return
		}
		chunk := j.chunks[0]
		j.chunks = j.chunks[1:]
		j.total -= len(chunk)
		j.mu.Unlock()

		if err := j.onChunk(chunk); err != nil {
			slog.Warn("[JitterBuffer] Chunk consumer failed", "error", err)
		}

		runtime.Gosched()
	}
}
