package metrics

import "time"

// Event names recorded by call sessions and provider wrappers.
const (
	EventSessionPhase      = "session_phase"
	EventBargeIn           = "barge_in"
	EventResponseGenerated = "response_generated"
	EventResponseSilent    = "response_silent"
	EventResponseFallback  = "response_fallback"
	EventNudgeSent         = "nudge_sent"
	EventCallClosed        = "call_closed"
	EventTurnCommitted     = "turn_committed"
	EventUserFinal         = "user_final"
	EventTTSFirstAudio     = "tts_first_audio"

	EventBreakerOpen   = "llm_breaker_open"
	EventBreakerClose  = "llm_breaker_close"
	EventBreakerDenied = "llm_breaker_denied"
	EventRateLimit     = "llm_rate_limit"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// OrNoop returns obs, or a NoopObserver when obs is nil.
func OrNoop(obs Observer) Observer {
	if obs == nil {
		return NoopObserver{}
	}
	return obs
}
