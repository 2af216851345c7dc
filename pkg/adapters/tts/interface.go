package tts

import "context"

// StreamingTTS defines the contract for any TTS vendor implementation.
// Each Synthesize call is one utterance; audio chunks are delivered to emit
// in the order the engine produced them.
type StreamingTTS interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Synthesize streams audio for text until the engine signals the end of
	// the utterance, emit fails, or ctx is cancelled. On cancellation it
	// returns ctx.Err() and emits nothing further.
	Synthesize(ctx context.Context, text string, emit func(chunk []byte) error) error
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	SessionID  string
	SampleRate int
}

// Factory builds a synthesizer for one call.
type Factory func(cfg Config) StreamingTTS
