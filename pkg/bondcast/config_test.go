package bondcast

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/bondcast/pkg/dialogue"
)

const mockConfigYAML = `
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
    settings:
      replies: ['{"text":"Nice to hear.","emotion":"happy"}']
transports:
  provider: websocket
  settings:
    server_addr: 127.0.0.1:0
stores:
  directory: memory
  context: memory
  users:
    - id: 7
      username: alice
      display_name: Alice
      date_of_birth: "1990-04-12"
      greeting: "Hi Alice, welcome back!"
      background: "${BONDCAST_TEST_BACKGROUND}"
turn:
  silence_threshold: 2s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("BONDCAST_TEST_BACKGROUND", "likes hiking")
	cfg, err := LoadConfig(writeConfig(t, mockConfigYAML))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Turn.SilenceThreshold != 2*time.Second {
		t.Fatalf("expected silence threshold 2s, got %s", cfg.Turn.SilenceThreshold)
	}
	if cfg.Turn.FirstTimeout <= 0 || cfg.Turn.MaxCallDuration <= 0 {
		t.Fatalf("expected watchdog defaults, got %+v", cfg.Turn)
	}
	if cfg.Transports.Provider != "websocket" || !cfg.Privacy.RedactPII {
		t.Fatalf("unexpected defaults: transport=%q redact=%v", cfg.Transports.Provider, cfg.Privacy.RedactPII)
	}
	if len(cfg.Stores.Users) != 1 || cfg.Stores.Users[0].Background != "likes hiking" {
		t.Fatalf("expected env-expanded user background, got %+v", cfg.Stores.Users)
	}
	if cfg.LLM.MaxAttempts != 2 || cfg.Shutdown.DrainTimeout != 10*time.Second {
		t.Fatalf("unexpected llm/shutdown defaults: %+v %+v", cfg.LLM, cfg.Shutdown)
	}

	sc := cfg.SessionConfig()
	if sc.Thresholds.SilenceThreshold != 2*time.Second || sc.FrameBytes != cfg.Audio.FrameBytes {
		t.Fatalf("session config not mapped: %+v", sc)
	}
	dc := cfg.DialogueConfig()
	if dc.Retry.MaxAttempts != 2 || !dc.Structured {
		t.Fatalf("dialogue config not mapped: %+v", dc)
	}
}

func TestLoadConfigExpandsVendorSettings(t *testing.T) {
	t.Setenv("BONDCAST_TEST_TRANSCRIPT", "hello there")
	t.Setenv("BONDCAST_TEST_REPLY", "ok")
	body := strings.Replace(mockConfigYAML, "  stt:\n    provider: mock\n",
		"  stt:\n    provider: mock\n    settings:\n      transcript: \"${BONDCAST_TEST_TRANSCRIPT}\"\n", 1)
	body = strings.Replace(body, `replies: ['{"text":"Nice to hear.","emotion":"happy"}']`, `replies: ["${BONDCAST_TEST_REPLY}"]`, 1)
	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["transcript"]; got != "hello there" {
		t.Fatalf("expected expanded transcript, got %v", got)
	}
	replies, ok := cfg.Vendors.LLM.Settings["replies"].([]any)
	if !ok || len(replies) != 1 || replies[0] != "ok" {
		t.Fatalf("expected expanded replies, got %#v", cfg.Vendors.LLM.Settings["replies"])
	}

	sc := cfg.SessionConfig()
	if sc.ResponseTimeout != 20*time.Second || sc.SynthesisFailureLimit != 2 {
		t.Fatalf("turn bounds not defaulted: %+v", sc)
	}
	if sc.Lines.Apology != dialogue.DefaultApologyLine {
		t.Fatalf("expected apology line, got %q", sc.Lines.Apology)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"missing stt": {
			body: "vendors:\n  tts:\n    provider: mock\n  llm:\n    provider: mock\n",
			want: "vendors.stt.provider",
		},
		"postgres without dsn": {
			body: "vendors:\n  stt: {provider: mock}\n  tts: {provider: mock}\n  llm: {provider: mock}\nstores:\n  directory: postgres\n",
			want: "postgres_dsn",
		},
		"redis without url": {
			body: "vendors:\n  stt: {provider: mock}\n  tts: {provider: mock}\n  llm: {provider: mock}\nstores:\n  context: redis\n",
			want: "redis_url",
		},
		"odd frame size": {
			body: "vendors:\n  stt: {provider: mock}\n  tts: {provider: mock}\n  llm: {provider: mock}\naudio:\n  frame_bytes: 3\n",
			want: "audio.frame_bytes",
		},
		"unknown directory": {
			body: "vendors:\n  stt: {provider: mock}\n  tts: {provider: mock}\n  llm: {provider: mock}\nstores:\n  directory: ldap\n",
			want: "stores.directory",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
