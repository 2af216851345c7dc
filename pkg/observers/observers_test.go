package observers

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/bondcast/pkg/metrics"
	"github.com/harunnryd/bondcast/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	redact.SetEnabled(true)
	defer redact.SetEnabled(false)

	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	tags := map[string]string{"session_id": "sess/1"}
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventUserFinal,
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"text": "mail me at a@b.com"},
	})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventCallClosed, Time: time.Now(), Value: 1000, Tags: tags})

	obs.mu.Lock()
	open := len(obs.files)
	obs.mu.Unlock()
	if open != 0 {
		t.Fatalf("expected file closed after call_closed, %d open", open)
	}

	b, err := os.ReadFile(filepath.Join(dir, "sess_1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	out := string(b)
	if !strings.Contains(out, metrics.EventCallClosed) {
		t.Fatalf("expected call_closed in timeline")
	}
	if strings.Contains(out, "a@b.com") {
		t.Fatalf("expected transcript field redacted")
	}
}

func TestLatencyObserverLogsTurn(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	tags := map[string]string{"session_id": "s1"}
	base := time.Unix(100, 0)

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventUserFinal, Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventResponseGenerated, Time: base.Add(300 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTTSFirstAudio, Time: base.Add(500 * time.Millisecond), Tags: tags})

	out := buf.String()
	if !strings.Contains(out, "turn_latency") || !strings.Contains(out, "llm_ms=300") || !strings.Contains(out, "first_audio_ms=500") {
		t.Fatalf("unexpected latency log %q", out)
	}
	if obs.Pending() != 0 {
		t.Fatalf("expected trace released")
	}
}

func TestLatencyObserverIgnoresNudgeAudio(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(&buf, nil)))
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventTTSFirstAudio, Time: time.Now(), Tags: map[string]string{"session_id": "s1"}})
	if buf.Len() != 0 {
		t.Fatalf("expected no log without a user turn")
	}
}

func TestPurgeTimelines(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.jsonl")
	keep := filepath.Join(dir, "notes.txt")
	fresh := filepath.Join(dir, "fresh.jsonl")
	for _, p := range []string{old, keep, fresh} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.Chtimes(keep, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	n, err := PurgeTimelines(dir, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one purge, got %d err=%v", n, err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("non-timeline file should survive")
	}
	if n, err := PurgeTimelines(filepath.Join(dir, "missing"), time.Hour); n != 0 || err != nil {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a, b := metrics.NewMemoryObserver(), metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil, b)
	m.RecordEvent(metrics.MetricsEvent{Name: metrics.EventNudgeSent})
	if a.Count(metrics.EventNudgeSent) != 1 || b.Count(metrics.EventNudgeSent) != 1 {
		t.Fatalf("expected fan-out to both observers")
	}
}

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	obs := NewLoggerObserver(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventBargeIn, Tags: map[string]string{"session_id": "s1"}})
	if buf.Len() != 0 {
		t.Fatalf("expected barge_in at debug to be filtered, got %q", buf.String())
	}
	obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventCallClosed,
		Value: 1000,
		Tags:  map[string]string{"session_id": "s1", "reason": "goodbye"},
	})
	out := buf.String()
	for _, want := range []string{"event=call_closed", "value=1000", "reason=goodbye", "session_id=s1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in %q", want, out)
		}
	}
	if strings.Index(out, "reason=") > strings.Index(out, "session_id=") {
		t.Fatalf("expected tags in sorted order: %q", out)
	}
}
