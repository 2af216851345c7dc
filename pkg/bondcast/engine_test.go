package bondcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/harunnryd/bondcast/pkg/store"
	"github.com/harunnryd/bondcast/pkg/transports"
	"github.com/harunnryd/bondcast/pkg/transports/websocket"
)

func newTestEngine(t *testing.T) (*Engine, *httptest.Server) {
	t.Helper()
	cfg, err := LoadConfig(writeConfig(t, mockConfigYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	e, err := NewEngine(context.Background(), EngineOptions{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	srv, ok := e.Transport().(*websocket.Server)
	if !ok {
		t.Fatalf("expected websocket transport, got %T", e.Transport())
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return e, ts
}

func dialCall(t *testing.T, ts *httptest.Server, username string) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/speech/" + username + "/default/"
	ws, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestEngineServesGreeting(t *testing.T) {
	e, ts := newTestEngine(t)
	ws := dialCall(t, ts, "alice")

	if err := ws.WriteJSON(transports.Control{Type: transports.TypeReadyForStreaming}); err != nil {
		t.Fatalf("write ready: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawGreeting, sawRecording bool
	for !sawGreeting || !sawRecording {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (greeting=%v recording=%v)", err, sawGreeting, sawRecording)
		}
		switch kind {
		case gws.BinaryMessage:
			if string(data) == "Hi Alice, welcome back!" {
				sawGreeting = true
			}
		case gws.TextMessage:
			if strings.Contains(string(data), transports.TypeStartRecording) {
				sawRecording = true
			}
		}
	}
	if e.Registry().Count() != 1 {
		t.Fatalf("expected one live call, got %d", e.Registry().Count())
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *gws.CloseError
		if !errors.As(err, &ce) || ce.Code != transports.CloseNormal {
			t.Fatalf("expected normal close after stop, got %v", err)
		}
		break
	}
	if e.Registry().Count() != 0 {
		t.Fatalf("expected no live calls after stop, got %d", e.Registry().Count())
	}
}

func TestEngineRejectsUnknownUser(t *testing.T) {
	_, ts := newTestEngine(t)
	ws := dialCall(t, ts, "mallory")
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *gws.CloseError
		if !errors.As(err, &ce) || ce.Code != transports.CloseUnknownUser {
			t.Fatalf("expected close %d, got %v", transports.CloseUnknownUser, err)
		}
		return
	}
}

func TestEngineUnknownProvider(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, mockConfigYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Vendors.LLM.Provider = "claude"
	_, err = NewEngine(context.Background(), EngineOptions{
		Config: cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestSeedProfiles(t *testing.T) {
	profiles, err := seedProfiles([]UserConfig{
		{Username: "alice", DisplayName: "Alice", DateOfBirth: "1990-04-12"},
		{ID: 42, Username: "bob"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if profiles[0].ID != 1 || profiles[1].ID != 42 {
		t.Fatalf("unexpected ids: %d %d", profiles[0].ID, profiles[1].ID)
	}
	want := time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC)
	if !profiles[0].DateOfBirth.Equal(want) {
		t.Fatalf("unexpected dob %s", profiles[0].DateOfBirth)
	}

	if _, err := seedProfiles([]UserConfig{{Username: "x", DateOfBirth: "12/04/1990"}}); err == nil {
		t.Fatalf("expected date parse error")
	}
	if _, err := seedProfiles([]UserConfig{{DisplayName: "nameless"}}); err == nil {
		t.Fatalf("expected missing username error")
	}
}

func TestMemoryContextSeeded(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, mockConfigYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	e := &Engine{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	contexts, err := e.buildContextStore(context.Background())
	if err != nil {
		t.Fatalf("context store: %v", err)
	}
	got, err := contexts.Load(context.Background(), 7)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.OpeningGreeting != "Hi Alice, welcome back!" {
		t.Fatalf("unexpected greeting %q", got.OpeningGreeting)
	}
	if _, ok := contexts.(*store.MemoryContextStore); !ok {
		t.Fatalf("expected memory store, got %T", contexts)
	}
}
