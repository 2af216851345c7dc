// Package deepgram adapts the Deepgram live transcription SDK to the
// streaming transcript contract.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/redact"
)

var ErrNotStarted = errors.New("deepgram stream not started")

type Config struct {
	APIKey         string
	Model          string
	Language       string
	SampleRate     int
	Encoding       string
	UtteranceEndMS int
	SessionID      string
}

type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	logger     *slog.Logger

	outMu     sync.Mutex
	out       chan stt.Event
	outClosed bool

	started   atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once
	// inTurn is set by the first interim result of a turn so that engines
	// without VAD events still report turn onset.
	inTurn     atomic.Bool
	metaLogged atomic.Bool
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &StreamingSTT{
		cfg: cfg,
		out: make(chan stt.Event, 256),
		logger: logging.NewComponentLogger(slog.Default(), "deepgram_stt").
			With(slog.String("session_id", cfg.SessionID)),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var dgCtx context.Context
	dgCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: true,
		VadEvents:      true,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}

	dgClient, err := client.NewWSUsingCallback(dgCtx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	s.dgClient = dgClient
	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed")
		return errorsx.Wrap(errors.New("deepgram connection failed"), errorsx.ReasonSTTConnect)
	}
	s.started.Store(true)
	s.logger.Info("deepgram_connected",
		slog.String("model", s.cfg.Model),
		slog.Int("sample_rate", s.cfg.SampleRate))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && !s.closing.Load() {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
			s.fail(errorsx.Wrap(err, errorsx.ReasonSTTStream))
		}
	}()
	return nil
}

func (s *StreamingSTT) SendAudio(frame []byte) error {
	if !s.started.Load() || s.closing.Load() {
		return errorsx.Wrap(ErrNotStarted, errorsx.ReasonSTTSend)
	}
	if _, err := s.pipeWriter.Write(frame); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan stt.Event { return s.out }

// Close ends the audio stream so the SDK flushes what it holds, then
// stops the client and closes Results.
func (s *StreamingSTT) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.pipeWriter != nil {
			_ = s.pipeWriter.Close()
		}
		if s.dgClient != nil {
			s.dgClient.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.closeOut()
		s.logger.Info("deepgram_closed")
	})
	return nil
}

func (s *StreamingSTT) emit(ev stt.Event) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outClosed {
		return
	}
	select {
	case s.out <- ev:
	default:
		s.logger.Warn("deepgram_out_channel_full", slog.String("event", ev.Kind.String()))
	}
}

func (s *StreamingSTT) fail(err error) {
	s.emit(stt.Event{Kind: stt.EventError, Err: err})
	s.closeOut()
}

func (s *StreamingSTT) closeOut() {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if !s.outClosed {
		s.outClosed = true
		close(s.out)
	}
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	p := c.parent
	if mr.IsFinal {
		p.inTurn.Store(false)
		p.logger.Debug("deepgram_final", slog.String("text", redact.Transcript(transcript, 80)))
		p.emit(stt.Event{Kind: stt.EventFinal, Text: transcript})
		return nil
	}
	if p.inTurn.CompareAndSwap(false, true) {
		p.emit(stt.Event{Kind: stt.EventTurnStarted})
	}
	p.emit(stt.Event{Kind: stt.EventPartial, Text: transcript})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if c.parent.metaLogged.CompareAndSwap(false, true) {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	if c.parent.inTurn.CompareAndSwap(false, true) {
		c.parent.emit(stt.Event{Kind: stt.EventTurnStarted})
	}
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.inTurn.Store(false)
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	if !c.parent.closing.Load() {
		c.parent.logger.Error("deepgram_connection_dropped")
		c.parent.fail(errorsx.Wrap(errors.New("deepgram connection closed"), errorsx.ReasonSTTStream))
	}
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	if !c.parent.closing.Load() {
		c.parent.fail(errorsx.Wrap(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonSTTStream))
	}
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("size_bytes", len(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
