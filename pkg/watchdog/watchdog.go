// Package watchdog decides, from settled silence and call duration, when a
// call should answer, nudge, or end.
package watchdog

import (
	"context"
	"time"

	"github.com/harunnryd/bondcast/pkg/turn"
)

// Thresholds are the timing knobs of the rules, all measured from either
// the call start (elapsed) or the last user activity (silence).
type Thresholds struct {
	SilenceThreshold time.Duration
	FirstTimeout     time.Duration
	SecondTimeout    time.Duration
	StreamTimeout    time.Duration
	MaxCallDuration  time.Duration
	TranscriptSettle time.Duration
}

// DefaultThresholds match the production call profile.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SilenceThreshold: 500 * time.Millisecond,
		FirstTimeout:     4 * time.Second,
		SecondTimeout:    time.Second,
		StreamTimeout:    2 * time.Second,
		MaxCallDuration:  120 * time.Second,
		TranscriptSettle: 10 * time.Second,
	}
}

type Action int

const (
	ActionNone Action = iota
	// ActionSettleTranscript clears a transcribing flag the engine never settled.
	ActionSettleTranscript
	// ActionCloseEnded closes a call whose end was latched and has nothing left to play.
	ActionCloseEnded
	ActionMaxDuration
	ActionRespond
	ActionFirstNudge
	ActionSecondNudge
	ActionFinalTimeout
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSettleTranscript:
		return "settle_transcript"
	case ActionCloseEnded:
		return "close_ended"
	case ActionMaxDuration:
		return "max_duration"
	case ActionRespond:
		return "respond"
	case ActionFirstNudge:
		return "first_nudge"
	case ActionSecondNudge:
		return "second_nudge"
	case ActionFinalTimeout:
		return "final_timeout"
	default:
		return "unknown"
	}
}

// Evaluate returns the first matching rule for s. It never mutates anything.
func Evaluate(s turn.Snapshot, th Thresholds) Action {
	if s.PlayingAudio {
		return ActionNone
	}
	if s.Transcribing {
		if th.TranscriptSettle > 0 && !s.TranscribingSince.IsZero() && s.Now.Sub(s.TranscribingSince) >= th.TranscriptSettle {
			return ActionSettleTranscript
		}
		return ActionNone
	}
	// Max duration pre-empts a response in flight; the executor cancels it.
	if !s.CallEnding && th.MaxCallDuration > 0 && s.Elapsed() > th.MaxCallDuration {
		return ActionMaxDuration
	}
	if s.CallEnding {
		if !s.Responding {
			return ActionCloseEnded
		}
		return ActionNone
	}
	if s.Responding {
		return ActionNone
	}

	silence := s.Silence()
	userSpoke := s.CurrentUserUtterance != ""
	switch {
	case userSpoke && silence >= th.SilenceThreshold:
		return ActionRespond
	case userSpoke:
		return ActionNone
	case s.Warning == turn.WarningNone && silence >= th.FirstTimeout:
		return ActionFirstNudge
	case s.Warning == turn.WarningFirstSent && silence >= th.SecondTimeout:
		return ActionSecondNudge
	case s.Warning == turn.WarningSecondSent && silence >= th.StreamTimeout:
		return ActionFinalTimeout
	}
	return ActionNone
}

// Executor owns the call state the watchdog inspects and carries out its
// actions. Execute returns true when the loop should evaluate again at once
// rather than wait for the next tick.
type Executor interface {
	Snapshot() turn.Snapshot
	Execute(ctx context.Context, action Action) (reevaluate bool)
}

// maxImmediate bounds back-to-back evaluations within one tick.
const maxImmediate = 4

// Loop runs Evaluate on a fixed tick for the lifetime of a call.
type Loop struct {
	exec       Executor
	thresholds Thresholds
	tick       time.Duration
}

func NewLoop(exec Executor, thresholds Thresholds, tick time.Duration) *Loop {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &Loop{exec: exec, thresholds: thresholds, tick: tick}
}

// Run blocks until ctx ends.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Step(ctx)
		}
	}
}

// Step performs one tick and returns the last action taken.
func (l *Loop) Step(ctx context.Context) Action {
	last := ActionNone
	for i := 0; i < maxImmediate; i++ {
		if ctx.Err() != nil {
			return last
		}
		action := Evaluate(l.exec.Snapshot(), l.thresholds)
		if action == ActionNone {
			return last
		}
		last = action
		if !l.exec.Execute(ctx, action) {
			return last
		}
	}
	return last
}
