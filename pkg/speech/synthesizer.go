// Package speech streams agent lines through a TTS engine to the caller.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/bondcast/pkg/adapters/tts"
	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/metrics"
	"github.com/harunnryd/bondcast/pkg/redact"
	"github.com/harunnryd/bondcast/pkg/resilience"
)

// ErrEngineUnavailable is returned while the rate-limit breaker is open.
var ErrEngineUnavailable = errors.New("tts engine unavailable")

// Sink receives PCM chunks in the order they must be played.
type Sink interface {
	SendAudio(chunk []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(chunk []byte) error

func (f SinkFunc) SendAudio(chunk []byte) error { return f(chunk) }

// Synthesizer owns one engine for one call. Speak calls must not overlap;
// the session serializes them.
type Synthesizer struct {
	engine    tts.StreamingTTS
	sessionID string
	breaker   *resilience.CircuitBreaker
	retry     resilience.RetryPolicy
	obs       metrics.Observer
	now       func() time.Time
	logger    *slog.Logger
}

func NewSynthesizer(engine tts.StreamingTTS, sessionID string) *Synthesizer {
	return &Synthesizer{
		engine:    engine,
		sessionID: sessionID,
		breaker:   resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:     resilience.NewRetryPolicy(1, 200*time.Millisecond),
		obs:       metrics.NoopObserver{},
		now:       time.Now,
		logger:    logging.NewComponentLogger(slog.Default(), "speech"),
	}
}

func (s *Synthesizer) SetObserver(obs metrics.Observer) { s.obs = metrics.OrNoop(obs) }

func (s *Synthesizer) SetRetryPolicy(p resilience.RetryPolicy) { s.retry = p }

func (s *Synthesizer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logging.NewComponentLogger(logger, "speech")
	}
}

// Speak streams text to sink. A failure before the first chunk is retried;
// once audio has reached the caller the utterance is never restarted.
// Cancellation returns ctx.Err() and forwards nothing further.
func (s *Synthesizer) Speak(ctx context.Context, text string, sink Sink) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !s.breaker.Allow() {
		s.logger.Warn("tts_breaker_open", slog.String("session_id", s.sessionID))
		return errorsx.Wrap(ErrEngineUnavailable, errorsx.ReasonTTSRateLimit)
	}

	started := s.now()
	sent := 0
	emit := func(chunk []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		if sent == 0 {
			s.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventTTSFirstAudio,
				Time:  s.now(),
				Value: float64(s.now().Sub(started).Milliseconds()),
				Tags:  map[string]string{"session_id": s.sessionID, "provider": s.engine.Name()},
			})
		}
		sent += len(chunk)
		if err := sink.SendAudio(chunk); err != nil {
			return errorsx.Wrap(err, errorsx.ReasonTransportSend)
		}
		return nil
	}

	err := s.retry.Do(ctx, func() error {
		err := s.engine.Synthesize(ctx, text, emit)
		if err != nil && (sent > 0 || ctx.Err() != nil) {
			return stopRetry{err}
		}
		return err
	})
	var stop stopRetry
	if errors.As(err, &stop) {
		err = stop.err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		if s.breaker.OnError(err) {
			s.logger.Warn("tts_breaker_opened", slog.String("session_id", s.sessionID))
		}
		if resilience.IsRateLimit(err) {
			err = errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
		} else {
			err = errorsx.Wrap(err, errorsx.ReasonTTSStream)
		}
		s.logger.Error("tts_failed",
			slog.String("session_id", s.sessionID),
			slog.String("provider", s.engine.Name()),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return err
	}
	s.breaker.OnSuccess()
	s.logger.Debug("tts_done",
		slog.String("session_id", s.sessionID),
		slog.Int("bytes", sent),
		slog.String("text", redact.Transcript(text, 80)))
	return nil
}

// stopRetry marks a failure that must not be retried.
type stopRetry struct{ err error }

func (e stopRetry) Error() string { return e.err.Error() }
func (e stopRetry) Unwrap() error { return e.err }
