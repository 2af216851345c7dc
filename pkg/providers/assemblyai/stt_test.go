package assemblyai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
	"github.com/harunnryd/bondcast/pkg/errorsx"
)

type fakeServer struct {
	t          *testing.T
	script     []string
	audio      chan []byte
	terminated chan struct{}
	authHeader chan string
	query      chan string
	dropAfter  bool
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.authHeader <- r.Header.Get("Authorization")
	f.query <- r.URL.RawQuery
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	for _, msg := range f.script {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
	if f.dropAfter {
		return
	}
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.BinaryMessage {
			f.audio <- data
			continue
		}
		if strings.Contains(string(data), "Terminate") {
			close(f.terminated)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Termination"}`))
			return
		}
	}
}

func newFakeServer(t *testing.T, script ...string) *fakeServer {
	return &fakeServer{
		t:          t,
		script:     script,
		audio:      make(chan []byte, 8),
		terminated: make(chan struct{}),
		authHeader: make(chan string, 1),
		query:      make(chan string, 1),
	}
}

func start(t *testing.T, f *fakeServer) *StreamingSTT {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	s := New(Config{
		APIKey:           "key",
		Endpoint:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		TerminateTimeout: time.Second,
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func next(t *testing.T, s *StreamingSTT) stt.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Results():
		if !ok {
			t.Fatalf("results closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return stt.Event{}
}

func TestTurnMessagesMapToEvents(t *testing.T) {
	f := newFakeServer(t,
		`{"type":"Begin","id":"abc"}`,
		`{"type":"Turn","turn_order":0,"transcript":"hello","turn_is_formatted":false}`,
		`{"type":"Turn","turn_order":0,"transcript":"hello there","turn_is_formatted":false}`,
		`{"type":"Turn","turn_order":0,"transcript":"Hello there.","turn_is_formatted":true,"end_of_turn":true}`,
		`{"type":"Turn","turn_order":0,"transcript":"Hello there.","turn_is_formatted":true,"end_of_turn":true}`,
		`{"type":"Turn","turn_order":1,"transcript":"and","turn_is_formatted":false}`,
	)
	s := start(t, f)
	defer s.Close()

	if got := <-f.authHeader; got != "key" {
		t.Fatalf("expected api key header, got %q", got)
	}
	if q := <-f.query; !strings.Contains(q, "sample_rate=16000") || !strings.Contains(q, "format_turns=true") {
		t.Fatalf("unexpected query %q", q)
	}

	want := []stt.Event{
		{Kind: stt.EventTurnStarted},
		{Kind: stt.EventPartial, Text: "hello"},
		{Kind: stt.EventPartial, Text: "hello there"},
		{Kind: stt.EventFinal, Text: "Hello there."},
		{Kind: stt.EventTurnStarted},
		{Kind: stt.EventPartial, Text: "and"},
	}
	for i, w := range want {
		got := next(t, s)
		if got.Kind != w.Kind || got.Text != w.Text {
			t.Fatalf("event %d: expected %v %q, got %v %q", i, w.Kind, w.Text, got.Kind, got.Text)
		}
	}
}

func TestRepeatedWordsAcrossTurnsAreKept(t *testing.T) {
	f := newFakeServer(t,
		`{"type":"Begin","id":"abc"}`,
		`{"type":"Turn","turn_order":0,"transcript":"yes","turn_is_formatted":false}`,
		`{"type":"Turn","turn_order":0,"transcript":"Yes.","turn_is_formatted":true,"end_of_turn":true}`,
		`{"type":"Turn","turn_order":1,"transcript":"yes","turn_is_formatted":false}`,
		`{"type":"Turn","turn_order":1,"transcript":"Yes.","turn_is_formatted":true,"end_of_turn":true}`,
		`{"type":"Turn","turn_order":1,"transcript":"Yes.","turn_is_formatted":true,"end_of_turn":true}`,
		`{"type":"Turn","turn_order":2,"transcript":"","turn_is_formatted":false}`,
		`{"type":"Turn","turn_order":2,"transcript":"","turn_is_formatted":true,"end_of_turn":true}`,
		`{"type":"Turn","turn_order":3,"transcript":"ok","turn_is_formatted":false}`,
	)
	s := start(t, f)
	defer s.Close()

	want := []stt.Event{
		{Kind: stt.EventTurnStarted},
		{Kind: stt.EventPartial, Text: "yes"},
		{Kind: stt.EventFinal, Text: "Yes."},
		{Kind: stt.EventTurnStarted},
		{Kind: stt.EventPartial, Text: "yes"},
		{Kind: stt.EventFinal, Text: "Yes."},
		{Kind: stt.EventTurnStarted},
		{Kind: stt.EventFinal},
		{Kind: stt.EventTurnStarted},
		{Kind: stt.EventPartial, Text: "ok"},
	}
	for i, w := range want {
		got := next(t, s)
		if got.Kind != w.Kind || got.Text != w.Text {
			t.Fatalf("event %d: expected %v %q, got %v %q", i, w.Kind, w.Text, got.Kind, got.Text)
		}
	}
}

func TestCloseSendsTerminate(t *testing.T) {
	f := newFakeServer(t)
	s := start(t, f)

	if err := s.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	select {
	case got := <-f.audio:
		if len(got) != 3 {
			t.Fatalf("unexpected frame %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("audio not received")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-f.terminated:
	default:
		t.Fatalf("expected Terminate before close returned")
	}
	if _, ok := <-s.Results(); ok {
		t.Fatalf("expected results closed after terminate")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := s.SendAudio([]byte{1}); !errorsx.HasReason(err, errorsx.ReasonSTTSend) {
		t.Fatalf("expected stt_send after close, got %v", err)
	}
}

func TestDroppedConnectionEmitsError(t *testing.T) {
	f := newFakeServer(t)
	f.dropAfter = true
	s := start(t, f)
	defer s.Close()

	ev := next(t, s)
	if ev.Kind != stt.EventError || !errorsx.HasReason(ev.Err, errorsx.ReasonSTTStream) {
		t.Fatalf("expected stream error event, got %+v", ev)
	}
	if _, ok := <-s.Results(); ok {
		t.Fatalf("expected results closed after error")
	}
}

func TestStartRequiresKey(t *testing.T) {
	s := New(Config{})
	if err := s.Start(context.Background()); !errorsx.HasReason(err, errorsx.ReasonSTTConnect) {
		t.Fatalf("expected stt_connect, got %v", err)
	}
	if err := s.SendAudio([]byte{1}); err == nil {
		t.Fatalf("expected send before start to fail")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close unstarted: %v", err)
	}
}
