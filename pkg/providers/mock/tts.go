package mock

import (
	"context"
	"sync"
	"time"
)

type TTSConfig struct {
	// Chunks is emitted for every utterance. When empty, the text itself
	// is emitted as a single chunk.
	Chunks [][]byte
	// ChunkDelay is waited before each chunk.
	ChunkDelay time.Duration
	// Block makes Synthesize wait for cancellation after the first chunk.
	Block bool
	Err   error
}

// StreamingTTS is an in-memory engine that records every utterance.
type StreamingTTS struct {
	mu     sync.Mutex
	cfg    TTSConfig
	texts  []string
	active int
	peak   int
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	return &StreamingTTS{cfg: cfg}
}

func (t *StreamingTTS) Name() string { return "mock_tts" }

// Configure replaces the behavior for later utterances.
func (t *StreamingTTS) Configure(cfg TTSConfig) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

func (t *StreamingTTS) Synthesize(ctx context.Context, text string, emit func([]byte) error) error {
	t.mu.Lock()
	cfg := t.cfg
	t.texts = append(t.texts, text)
	t.active++
	if t.active > t.peak {
		t.peak = t.active
	}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.active--
		t.mu.Unlock()
	}()

	if cfg.Err != nil {
		return cfg.Err
	}
	chunks := cfg.Chunks
	if len(chunks) == 0 {
		chunks = [][]byte{[]byte(text)}
	}
	for i, chunk := range chunks {
		if cfg.ChunkDelay > 0 {
			timer := time.NewTimer(cfg.ChunkDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(chunk); err != nil {
			return err
		}
		if cfg.Block && i == 0 {
			<-ctx.Done()
			return ctx.Err()
		}
	}
	return nil
}

// Texts returns every utterance requested so far.
func (t *StreamingTTS) Texts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.texts...)
}

// PeakConcurrent is the most utterances that were ever in flight together.
func (t *StreamingTTS) PeakConcurrent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}
