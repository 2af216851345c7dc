// Package assemblyai streams call audio to the AssemblyAI v3 realtime
// endpoint over a websocket.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/redact"
	"github.com/harunnryd/bondcast/pkg/resilience"
)

const DefaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"

var ErrNotStarted = errors.New("assemblyai stream not started")

type Config struct {
	APIKey     string
	Endpoint   string
	SampleRate int
	SessionID  string
	// TerminateTimeout bounds the wait for the server's Termination
	// message after Terminate is sent.
	TerminateTimeout time.Duration
	WriteTimeout     time.Duration
}

type message struct {
	Type            string `json:"type"`
	ID              string `json:"id,omitempty"`
	TurnOrder       int    `json:"turn_order"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	Error           string `json:"error,omitempty"`
}

type StreamingSTT struct {
	cfg        Config
	dialer     *websocket.Dialer
	conn       *websocket.Conn
	writeMu    sync.Mutex
	out        chan stt.Event
	readerDone chan struct{}
	quit       chan struct{}
	closing    atomic.Bool
	started    atomic.Bool
	closeOnce  sync.Once
	logger     *slog.Logger

	// turn assembly, owned by the read loop
	building  bool
	hasFinal  bool
	lastOrder int
}

func New(cfg Config) *StreamingSTT {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &StreamingSTT{
		cfg:        cfg,
		dialer:     &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		out:        make(chan stt.Event, 64),
		readerDone: make(chan struct{}),
		quit:       make(chan struct{}),
		logger: logging.NewComponentLogger(slog.Default(), "assemblyai_stt").
			With(slog.String("session_id", cfg.SessionID)),
	}
}

func (s *StreamingSTT) Name() string { return "assemblyai_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.cfg.APIKey == "" {
		return errorsx.Wrap(errors.New("missing assemblyai api key"), errorsx.ReasonSTTConnect)
	}
	u, err := s.buildURL()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{"Authorization": []string{s.cfg.APIKey}})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return errorsx.Wrap(resilience.RateLimitError{Provider: "assemblyai", Message: resp.Status}, errorsx.ReasonSTTConnect)
		}
		s.logger.Error("assemblyai_connect_failed", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.conn = conn
	s.started.Store(true)
	s.logger.Info("assemblyai_connected", slog.Int("sample_rate", s.cfg.SampleRate))
	go s.readLoop()
	return nil
}

func (s *StreamingSTT) buildURL() (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	q.Set("format_turns", "true")
	q.Set("encoding", "pcm_s16le")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *StreamingSTT) SendAudio(frame []byte) error {
	if !s.started.Load() || s.closing.Load() {
		return errorsx.Wrap(ErrNotStarted, errorsx.ReasonSTTSend)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan stt.Event { return s.out }

// Close sends Terminate and waits for the server to end the session
// before the socket is closed.
func (s *StreamingSTT) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if !s.started.Load() {
			close(s.quit)
			close(s.out)
			return
		}
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		werr := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Terminate"}`))
		s.writeMu.Unlock()
		if werr != nil {
			err = errorsx.Wrap(werr, errorsx.ReasonSTTTerminate)
		} else {
			select {
			case <-s.readerDone:
			case <-time.After(s.cfg.TerminateTimeout):
				s.logger.Warn("assemblyai_terminate_timeout")
			}
		}
		close(s.quit)
		_ = s.conn.Close()
		<-s.readerDone
	})
	return err
}

func (s *StreamingSTT) readLoop() {
	defer close(s.readerDone)
	defer close(s.out)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				s.logger.Error("assemblyai_stream_dropped", slog.String("error", err.Error()))
				s.emit(stt.Event{Kind: stt.EventError, Err: errorsx.Wrap(err, errorsx.ReasonSTTStream)})
			}
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("assemblyai_undecodable_message", slog.String("error", err.Error()))
			continue
		}
		if done := s.handle(msg); done {
			return
		}
	}
}

// handle maps one server message to events and reports whether the
// server ended the session.
func (s *StreamingSTT) handle(msg message) bool {
	switch msg.Type {
	case "Begin":
		s.logger.Debug("assemblyai_session_begin", slog.String("id", msg.ID))
	case "Turn":
		if msg.TurnIsFormatted {
			// A formatted turn may be resent; a repeated turn_order is not a new turn.
			if s.hasFinal && msg.TurnOrder <= s.lastOrder {
				return false
			}
			open := s.building
			s.building = false
			s.hasFinal = true
			s.lastOrder = msg.TurnOrder
			if msg.Transcript == "" {
				if open {
					s.emit(stt.Event{Kind: stt.EventFinal})
				}
				return false
			}
			s.logger.Debug("assemblyai_final", slog.String("text", redact.Transcript(msg.Transcript, 80)))
			s.emit(stt.Event{Kind: stt.EventFinal, Text: msg.Transcript})
			return false
		}
		if !s.building {
			s.building = true
			s.emit(stt.Event{Kind: stt.EventTurnStarted})
		}
		if msg.Transcript != "" {
			s.emit(stt.Event{Kind: stt.EventPartial, Text: msg.Transcript})
		}
	case "Termination":
		return true
	case "Error":
		if !s.closing.Load() {
			s.emit(stt.Event{Kind: stt.EventError, Err: errorsx.Wrap(errors.New(msg.Error), errorsx.ReasonSTTStream)})
		}
		return true
	}
	return false
}

func (s *StreamingSTT) emit(ev stt.Event) {
	select {
	case s.out <- ev:
	case <-s.quit:
	}
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
