// Package elevenlabs synthesizes speech through the ElevenLabs
// stream-input websocket, one connection per utterance.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/bondcast/pkg/adapters/tts"
	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/resilience"
)

const DefaultEndpoint = "wss://api.elevenlabs.io/v1/text-to-speech"

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Endpoint     string
	SessionID    string
	Stability    float64
	Similarity   float64
}

type streamMessage struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

type ElevenLabsTTS struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_flash_v2"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	return &ElevenLabsTTS{
		cfg:    cfg,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts").
			With(slog.String("session_id", cfg.SessionID)),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Synthesize(ctx context.Context, text string, emit func(chunk []byte) error) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errorsx.Wrap(errors.New("missing elevenlabs config"), errorsx.ReasonTTSConnect)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	u, err := s.buildURL()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	conn, resp, err := s.dialer.DialContext(ctx, u, http.Header{"xi-api-key": []string{s.cfg.APIKey}})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Warn("elevenlabs_rate_limited", slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		return errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, payload := range []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	} {
		if err := conn.WriteJSON(payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errorsx.Wrap(err, errorsx.ReasonTTSSend)
		}
	}

	chunks := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errorsx.Wrap(err, errorsx.ReasonTTSStream)
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("elevenlabs_undecodable_message", slog.String("error", err.Error()))
			continue
		}
		if msg.Error != "" {
			if strings.Contains(strings.ToLower(msg.Error), "quota") || strings.Contains(strings.ToLower(msg.Error), "rate") {
				return resilience.RateLimitError{Provider: "elevenlabs", Message: msg.Message}
			}
			return errorsx.Wrap(errors.New(msg.Error+": "+msg.Message), errorsx.ReasonTTSStream)
		}
		if msg.Audio != "" {
			raw, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return errorsx.Wrap(err, errorsx.ReasonTTSStream)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := emit(raw); err != nil {
				return err
			}
			chunks++
		}
		if msg.IsFinal {
			s.logger.Debug("elevenlabs_utterance_done", slog.Int("chunks", chunks))
			return nil
		}
	}
}

func (s *ElevenLabsTTS) buildURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(s.cfg.Endpoint, "/") + "/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", s.cfg.ModelID)
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
