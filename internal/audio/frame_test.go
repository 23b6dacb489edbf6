package audio

import (
	"bytes"
	"testing"
	"time"
)

func TestFrameBytes(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		dur    time.Duration
		want   int
	}{
		{"slin16 40ms", Slin16, 40 * time.Millisecond, 1280},
		{"slin16 20ms", Slin16, 20 * time.Millisecond, 640},
		{"8k mono 40ms", Format{SampleRate: 8000, BytesPerSample: 2, Channels: 1}, 40 * time.Millisecond, 640},
		{"stereo doubles", Format{SampleRate: 8000, BytesPerSample: 2, Channels: 2}, 40 * time.Millisecond, 1280},
		{"never below one sample", Slin16, time.Microsecond, 2},
	}

	for _, tt := range tests {
		if got := tt.format.FrameBytes(tt.dur); got != tt.want {
			t.Errorf("%s: FrameBytes() = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestSplitExact(t *testing.T) {
	// 3 full 40ms frames at slin16 = 3 * 1280 bytes
	buf := make([]byte, 3*1280)
	for i := range buf {
		buf[i] = byte(i)
	}

	frames := Split(buf, Slin16, 40*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("Split() produced %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if len(f) != 1280 {
			t.Errorf("frame %d length = %d, want 1280", i, len(f))
		}
	}
}

func TestSplitTrailingFrame(t *testing.T) {
	buf := make([]byte, 2*1280+100)

	frames := Split(buf, Slin16, 40*time.Millisecond)
	if len(frames) != 3 {
		t.Fatalf("Split() produced %d frames, want 3", len(frames))
	}
	if len(frames[2]) != 100 {
		t.Errorf("last frame length = %d, want 100", len(frames[2]))
	}
}

func TestSplitRoundTrip(t *testing.T) {
	sizes := []int{1, 2, 100, 1280, 1281, 5000, 12800}

	for _, size := range sizes {
		buf := make([]byte, size)
		for i := range buf {
			buf[i] = byte(i % 251)
		}

		frames := Split(buf, Slin16, 40*time.Millisecond)

		var rejoined []byte
		for _, f := range frames {
			rejoined = append(rejoined, f...)
		}
		if !bytes.Equal(rejoined, buf) {
			t.Errorf("size %d: concatenated frames do not reproduce the original buffer", size)
		}

		wantFrames := (size + 1279) / 1280
		if len(frames) != wantFrames {
			t.Errorf("size %d: got %d frames, want %d", size, len(frames), wantFrames)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	if frames := Split(nil, Slin16, 40*time.Millisecond); frames != nil {
		t.Errorf("Split(nil) = %v, want nil", frames)
	}
}
