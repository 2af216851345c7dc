package stt

import (
	"context"
	"fmt"
)

// EventKind classifies transcription events.
type EventKind int

const (
	// EventTurnStarted marks speech onset detected by the engine.
	EventTurnStarted EventKind = iota
	// EventPartial carries a best-effort interim transcript.
	EventPartial
	// EventFinal carries authoritative text for a completed utterance chunk.
	EventFinal
	// EventError reports a fatal engine failure; the stream is unusable after it.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTurnStarted:
		return "turn_started"
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item on the Results channel.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the engine connection.
	Start(ctx context.Context) error
	// Close performs the engine's terminate handshake, then closes the
	// connection and the Results channel. Safe to call more than once.
	Close() error
	// SendAudio forwards one PCM frame.
	SendAudio(frame []byte) error
	// Results returns the event channel. It is closed after Close or on a
	// dropped connection, in which case an EventError precedes the close.
	Results() <-chan Event
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Language   string
}

// Factory builds one engine connection per call.
type Factory func(cfg Config) StreamingSTT
