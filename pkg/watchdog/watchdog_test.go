package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/bondcast/pkg/turn"
)

var start = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func snapshot(elapsed, silence time.Duration) turn.Snapshot {
	now := start.Add(elapsed)
	return turn.Snapshot{
		Now:                now,
		CallStartedAt:      start,
		LastUserActivityAt: now.Add(-silence),
	}
}

func TestEvaluateRules(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		name string
		mod  func(*turn.Snapshot)
		el   time.Duration
		sil  time.Duration
		want Action
	}{
		{"quiet start", nil, time.Second, time.Second, ActionNone},
		{"response after threshold", func(s *turn.Snapshot) { s.CurrentUserUtterance = "what's up" }, 10 * time.Second, 500 * time.Millisecond, ActionRespond},
		{"response waits for threshold", func(s *turn.Snapshot) { s.CurrentUserUtterance = "what's up" }, 10 * time.Second, 499 * time.Millisecond, ActionNone},
		{"no nudge with pending utterance", func(s *turn.Snapshot) { s.CurrentUserUtterance = "hi"; s.Responding = true }, 10 * time.Second, 5 * time.Second, ActionNone},
		{"first nudge", nil, 5 * time.Second, 4 * time.Second, ActionFirstNudge},
		{"second nudge", func(s *turn.Snapshot) { s.Warning = turn.WarningFirstSent }, 9 * time.Second, time.Second, ActionSecondNudge},
		{"second stage waits", func(s *turn.Snapshot) { s.Warning = turn.WarningSecondSent }, 9 * time.Second, time.Second, ActionNone},
		{"final timeout", func(s *turn.Snapshot) { s.Warning = turn.WarningSecondSent }, 9 * time.Second, 2 * time.Second, ActionFinalTimeout},
		{"skip while playing", func(s *turn.Snapshot) { s.PlayingAudio = true }, 200 * time.Second, 10 * time.Second, ActionNone},
		{"skip while transcribing", func(s *turn.Snapshot) { s.Transcribing = true; s.TranscribingSince = s.Now.Add(-time.Second) }, 200 * time.Second, 10 * time.Second, ActionNone},
		{"settle stale transcribing", func(s *turn.Snapshot) { s.Transcribing = true; s.TranscribingSince = s.Now.Add(-th.TranscriptSettle) }, 20 * time.Second, 10 * time.Second, ActionSettleTranscript},
		{"busy responding", func(s *turn.Snapshot) { s.Responding = true }, 20 * time.Second, 10 * time.Second, ActionNone},
		{"max duration while responding", func(s *turn.Snapshot) { s.Responding = true; s.CurrentUserUtterance = "hi" }, 121 * time.Second, time.Second, ActionMaxDuration},
		{"max duration once ending", func(s *turn.Snapshot) { s.CallEnding = true; s.Responding = true }, 121 * time.Second, 0, ActionNone},
		{"ended and idle", func(s *turn.Snapshot) { s.CallEnding = true }, 10 * time.Second, 0, ActionCloseEnded},
		{"ended still speaking", func(s *turn.Snapshot) { s.CallEnding = true; s.Responding = true }, 10 * time.Second, 0, ActionNone},
		{"max duration", nil, 121 * time.Second, 0, ActionMaxDuration},
	}
	for _, tc := range cases {
		s := snapshot(tc.el, tc.sil)
		if tc.mod != nil {
			tc.mod(&s)
		}
		if got := Evaluate(s, th); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestMaxDurationBeatsFinalTimeout(t *testing.T) {
	th := DefaultThresholds()
	s := snapshot(th.MaxCallDuration+time.Second, th.StreamTimeout+time.Second)
	s.Warning = turn.WarningSecondSent
	if got := Evaluate(s, th); got != ActionMaxDuration {
		t.Fatalf("expected max duration to win, got %s", got)
	}
	s.CurrentUserUtterance = "one more thing"
	if got := Evaluate(s, th); got != ActionMaxDuration {
		t.Fatalf("expected max duration to pre-empt response, got %s", got)
	}
}

type fakeExecutor struct {
	snap     turn.Snapshot
	executed []Action
	onExec   func(*fakeExecutor, Action) bool
}

func (f *fakeExecutor) Snapshot() turn.Snapshot { return f.snap }

func (f *fakeExecutor) Execute(ctx context.Context, a Action) bool {
	f.executed = append(f.executed, a)
	if f.onExec != nil {
		return f.onExec(f, a)
	}
	return false
}

func TestStepReevaluatesAfterNudge(t *testing.T) {
	th := DefaultThresholds()
	exec := &fakeExecutor{snap: snapshot(10*time.Second, 10*time.Second)}
	exec.onExec = func(f *fakeExecutor, a Action) bool {
		switch a {
		case ActionFirstNudge:
			f.snap.Warning = turn.WarningFirstSent
			return true
		case ActionSecondNudge:
			f.snap.Warning = turn.WarningSecondSent
			return false
		}
		return false
	}
	loop := NewLoop(exec, th, time.Millisecond)
	if got := loop.Step(context.Background()); got != ActionSecondNudge {
		t.Fatalf("expected immediate second evaluation, got %s", got)
	}
	if len(exec.executed) != 2 || exec.executed[0] != ActionFirstNudge {
		t.Fatalf("unexpected execution order %v", exec.executed)
	}
}

func TestStepIsBounded(t *testing.T) {
	exec := &fakeExecutor{snap: snapshot(time.Second, time.Second)}
	exec.snap.CurrentUserUtterance = "loop"
	exec.onExec = func(*fakeExecutor, Action) bool { return true }
	NewLoop(exec, DefaultThresholds(), time.Millisecond).Step(context.Background())
	if len(exec.executed) != maxImmediate {
		t.Fatalf("expected %d executions, got %d", maxImmediate, len(exec.executed))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	exec := &fakeExecutor{snap: snapshot(time.Second, 0)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewLoop(exec, DefaultThresholds(), time.Millisecond).Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("loop did not stop")
	}
}
