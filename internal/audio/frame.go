// Package audio provides the pacing primitives for call media: exact frame
// splitting, wall-clock paced playback toward the telephony leg, and a jitter
// buffer for smoothing bursty inbound audio.
package audio

import "time"

// Format describes raw PCM audio.
type Format struct {
	SampleRate     int // samples per second, e.g. 16000
	BytesPerSample int // e.g. 2 for 16-bit linear
	Channels       int // e.g. 1 for mono
}

// Slin16 is 16-bit linear PCM at 16 kHz mono, the external media format
// negotiated with the PBX.
var Slin16 = Format{SampleRate: 16000, BytesPerSample: 2, Channels: 1}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BytesPerSample * f.Channels
}

// FrameBytes returns the number of bytes in a frame of the given duration.
// The result is at least one sample so pacing math never degenerates to zero.
func (f Format) FrameBytes(d time.Duration) int {
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	if n < f.BytesPerSample*f.Channels {
		n = f.BytesPerSample * f.Channels
	}
	return n
}

// Split slices buf into frames of frameDur each. All frames are full-size
// except possibly the last; concatenating the frames reproduces buf exactly.
// Frames alias buf rather than copying it.
func Split(buf []byte, f Format, frameDur time.Duration) [][]byte {
	if len(buf) == 0 {
		return nil
	}

	frameBytes := f.FrameBytes(frameDur)
	frames := make([][]byte, 0, (len(buf)+frameBytes-1)/frameBytes)
	for offset := 0; offset < len(buf); offset += frameBytes {
		end := offset + frameBytes
		if end > len(buf) {
			end = len(buf)
		}
		frames = append(frames, buf[offset:end])
	}
	return frames
}
