// Package audio buffers inbound PCM from the call transport and slices it
// into fixed-size frames for the transcription engine.
package audio

import (
	"fmt"
	"sync"
	"time"
)

const (
	// SampleRate is the PCM rate used on both legs of a call.
	SampleRate = 16000
	// BytesPerSample for 16-bit mono PCM.
	BytesPerSample = 2
	// DefaultFrameBytes is 100ms of 16kHz mono PCM16.
	DefaultFrameBytes = 3200

	minFrameDuration = 50 * time.Millisecond
	maxFrameDuration = 1000 * time.Millisecond
)

// FrameDuration returns the audio duration covered by frameBytes.
func FrameDuration(frameBytes int) time.Duration {
	samples := frameBytes / BytesPerSample
	return time.Duration(samples) * time.Second / SampleRate
}

// ValidateFrameBytes checks a frame size against the window accepted by the
// streaming STT engines (50ms to 1s) and sample alignment.
func ValidateFrameBytes(frameBytes int) error {
	if frameBytes <= 0 || frameBytes%BytesPerSample != 0 {
		return fmt.Errorf("frame size %d is not a whole number of samples", frameBytes)
	}
	d := FrameDuration(frameBytes)
	if d < minFrameDuration || d > maxFrameDuration {
		return fmt.Errorf("frame size %d covers %s, want between %s and %s", frameBytes, d, minFrameDuration, maxFrameDuration)
	}
	return nil
}

// IngestBuffer is an unbounded FIFO byte buffer. It never drops or pads.
type IngestBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func NewIngestBuffer() *IngestBuffer {
	return &IngestBuffer{}
}

// Append copies b onto the tail of the buffer.
func (b *IngestBuffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	b.mu.Unlock()
}

// DrainFrame removes and returns the oldest frameSize bytes, or nil when
// fewer are buffered.
func (b *IngestBuffer) DrainFrame(frameSize int) []byte {
	if frameSize <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) < frameSize {
		return nil
	}
	frame := make([]byte, frameSize)
	copy(frame, b.buf[:frameSize])
	b.compactLocked(frameSize)
	return frame
}

// Flush removes and returns whatever remains, possibly a short frame.
func (b *IngestBuffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return nil
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	b.buf = b.buf[:0]
	return out
}

// Len reports the number of buffered bytes.
func (b *IngestBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *IngestBuffer) compactLocked(n int) {
	rest := len(b.buf) - n
	copy(b.buf, b.buf[n:])
	b.buf = b.buf[:rest]
}
