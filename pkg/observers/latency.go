package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/bondcast/pkg/metrics"
)

// LatencyObserver logs per-turn latency: final transcript to resolved
// response, and final transcript to first synthesized audio byte.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTrace
	log   *slog.Logger
}

type turnTrace struct {
	userFinal time.Time
	responded time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	sessionID := ev.Tags["session_id"]
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case metrics.EventUserFinal:
		// Later finals in the same turn move the baseline forward.
		o.turns[sessionID] = &turnTrace{userFinal: ev.Time}
	case metrics.EventResponseGenerated:
		if t := o.turns[sessionID]; t != nil && t.responded.IsZero() {
			t.responded = ev.Time
		}
	case metrics.EventTTSFirstAudio:
		t := o.turns[sessionID]
		if t == nil || t.responded.IsZero() {
			return
		}
		o.log.Info("turn_latency",
			slog.String("session_id", sessionID),
			slog.Int64("llm_ms", durationMs(t.userFinal, t.responded)),
			slog.Int64("first_audio_ms", durationMs(t.userFinal, ev.Time)),
		)
		delete(o.turns, sessionID)
	case metrics.EventBargeIn:
		if t := o.turns[sessionID]; t != nil {
			t.responded = time.Time{}
		}
	case metrics.EventCallClosed:
		delete(o.turns, sessionID)
	}
}

// Pending reports how many sessions have an unfinished trace.
func (o *LatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.turns)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
