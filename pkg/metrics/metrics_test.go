package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	obs := NewJSONLObserver(&buf)
	obs.RecordEvent(MetricsEvent{Name: EventBargeIn, Time: time.Unix(10, 0), Tags: map[string]string{"session_id": "s1"}})
	obs.RecordEvent(MetricsEvent{Name: EventCallClosed, Time: time.Unix(11, 0), Value: 1000})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first["name"] != EventBargeIn || first["session_id"] != "s1" {
		t.Fatalf("unexpected record %v", first)
	}
}

func TestAsyncObserverDeliversAndCloses(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 4)
	async.RecordEvent(MetricsEvent{Name: EventNudgeSent})
	async.Close()
	async.Close()
	async.RecordEvent(MetricsEvent{Name: EventNudgeSent})

	deadline := time.Now().Add(time.Second)
	for mem.Count(EventNudgeSent) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly one delivered event, got %d", mem.Count(EventNudgeSent))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSamplingObserverRate(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.5)
	for i := 0; i < 10; i++ {
		s.RecordEvent(MetricsEvent{Name: EventTurnCommitted})
	}
	if got := mem.Count(EventTurnCommitted); got != 5 {
		t.Fatalf("expected 5 sampled events, got %d", got)
	}
	if OrNoop(nil) == nil {
		t.Fatalf("expected noop observer")
	}
}
