package deepgram

import (
	"encoding/json"
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
	"github.com/harunnryd/bondcast/pkg/errorsx"
)

func message(t *testing.T, raw string) *msginterfaces.MessageResponse {
	t.Helper()
	var mr msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &mr); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return &mr
}

func drain(s *StreamingSTT) []stt.Event {
	var out []stt.Event
	for {
		select {
		case ev, ok := <-s.Results():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCallbackMapsResults(t *testing.T) {
	s := New(Config{})
	cb := &callback{parent: s}

	_ = cb.SpeechStarted(&msginterfaces.SpeechStartedResponse{})
	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"how are"}]},"is_final":false}`))
	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":""}]},"is_final":false}`))
	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"How are you?"}]},"is_final":true}`))
	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"good"}]},"is_final":false}`))

	got := drain(s)
	want := []stt.Event{
		{Kind: stt.EventTurnStarted},
		{Kind: stt.EventPartial, Text: "how are"},
		{Kind: stt.EventFinal, Text: "How are you?"},
		{Kind: stt.EventTurnStarted},
		{Kind: stt.EventPartial, Text: "good"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), got)
	}
	for i := range want {
		if got[i].Kind != want[i].Kind || got[i].Text != want[i].Text {
			t.Fatalf("event %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestUnexpectedCloseFailsStream(t *testing.T) {
	s := New(Config{})
	cb := &callback{parent: s}
	_ = cb.Close(&msginterfaces.CloseResponse{})

	ev, ok := <-s.Results()
	if !ok || ev.Kind != stt.EventError || !errorsx.HasReason(ev.Err, errorsx.ReasonSTTStream) {
		t.Fatalf("expected stream error, got %+v (open=%v)", ev, ok)
	}
	if _, ok := <-s.Results(); ok {
		t.Fatalf("expected results closed after failure")
	}
	_ = cb.Message(message(t, `{"channel":{"alternatives":[{"transcript":"late"}]},"is_final":true}`))
}

func TestCloseBeforeStart(t *testing.T) {
	s := New(Config{})
	if err := s.SendAudio([]byte{1}); !errorsx.HasReason(err, errorsx.ReasonSTTSend) {
		t.Fatalf("expected stt_send, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = s.Close()
	cb := &callback{parent: s}
	_ = cb.Close(&msginterfaces.CloseResponse{})
	if _, ok := <-s.Results(); ok {
		t.Fatalf("expected closed results")
	}
}
