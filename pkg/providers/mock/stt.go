package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
)

// ErrNotStarted is returned by SendAudio before Start.
var ErrNotStarted = errors.New("mock stt: not started")

type STTConfig struct {
	// Script is emitted once, on the first audio frame. Tests usually drive
	// events with Emit instead.
	Script   []stt.Event
	StartErr error
}

// StreamingSTT is an in-memory engine. It records every frame it is sent
// and whether the terminate handshake ran.
type StreamingSTT struct {
	cfg        STTConfig
	out        chan stt.Event
	mu         sync.Mutex
	started    bool
	closed     bool
	scripted   bool
	frames     [][]byte
	terminated bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	return &StreamingSTT{cfg: cfg, out: make(chan stt.Event, 64)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) SendAudio(frame []byte) error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	script := !s.scripted && len(s.cfg.Script) > 0
	s.scripted = true
	s.mu.Unlock()
	if script {
		for _, ev := range s.cfg.Script {
			s.Emit(ev)
		}
	}
	return nil
}

// Emit pushes one event to Results. It is dropped after Close.
func (s *StreamingSTT) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- ev
}

// Fail emits an error event and closes the stream, like a dropped socket.
func (s *StreamingSTT) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- stt.Event{Kind: stt.EventError, Err: err}
	s.closed = true
	close(s.out)
}

func (s *StreamingSTT) Results() <-chan stt.Event { return s.out }

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.terminated = true
	close(s.out)
	return nil
}

// Frames returns a copy of every frame received.
func (s *StreamingSTT) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

// Terminated reports whether Close ran the terminate handshake.
func (s *StreamingSTT) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
