package bondcast

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
	"github.com/harunnryd/bondcast/pkg/adapters/tts"
	"github.com/harunnryd/bondcast/pkg/configutil"
	"github.com/harunnryd/bondcast/pkg/llm"
	"github.com/harunnryd/bondcast/pkg/providers/assemblyai"
	"github.com/harunnryd/bondcast/pkg/providers/deepgram"
	"github.com/harunnryd/bondcast/pkg/providers/elevenlabs"
	"github.com/harunnryd/bondcast/pkg/providers/gemini"
	"github.com/harunnryd/bondcast/pkg/providers/mock"
	"github.com/harunnryd/bondcast/pkg/providers/openai"
)

type assemblyAISettings struct {
	APIKey           string        `mapstructure:"api_key"`
	Endpoint         string        `mapstructure:"endpoint"`
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout"`
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

type mockSTTSettings struct {
	Transcript string `mapstructure:"transcript"`
}

type elevenlabsSettings struct {
	APIKey       string  `mapstructure:"api_key"`
	VoiceID      string  `mapstructure:"voice_id"`
	ModelID      string  `mapstructure:"model_id"`
	OutputFormat string  `mapstructure:"output_format"`
	Endpoint     string  `mapstructure:"endpoint"`
	Stability    float64 `mapstructure:"stability"`
	Similarity   float64 `mapstructure:"similarity_boost"`
}

type mockTTSSettings struct {
	ChunkDelay time.Duration `mapstructure:"chunk_delay"`
}

type openAISettings struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type geminiSettings struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type mockLLMSettings struct {
	Replies []string      `mapstructure:"replies"`
	Delay   time.Duration `mapstructure:"delay"`
}

// DefaultProviders registers every built-in engine.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	registerSTT(reg)
	registerTTS(reg)
	registerLLM(reg)
	return reg
}

func registerSTT(reg *ProviderRegistry) {
	reg.RegisterSTT("assemblyai", func(cfg Config) (stt.Factory, error) {
		var settings assemblyAISettings
		if err := configutil.Decode("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"endpoint", "terminate_timeout"},
		}, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return func(c stt.Config) stt.StreamingSTT {
			return assemblyai.New(assemblyai.Config{
				APIKey:           settings.APIKey,
				Endpoint:         settings.Endpoint,
				SampleRate:       sampleRate(c.SampleRate, cfg),
				SessionID:        c.SessionID,
				TerminateTimeout: settings.TerminateTimeout,
			})
		}, nil
	})

	reg.RegisterSTT("deepgram", func(cfg Config) (stt.Factory, error) {
		var settings deepgramSettings
		if err := configutil.Decode("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "language", "encoding", "utterance_end_ms"},
		}, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		if settings.Language == "" {
			settings.Language = "en"
		}
		if settings.Encoding != "" && !strings.EqualFold(settings.Encoding, "linear16") {
			return nil, fmt.Errorf("vendors.stt.settings.encoding must be linear16 for browser PCM, got %s", settings.Encoding)
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if utteranceEnd < 0 || utteranceEnd > 5000 {
			return nil, fmt.Errorf("vendors.stt.settings.utterance_end_ms must be between 0 and 5000, got %d", utteranceEnd)
		}
		return func(c stt.Config) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:         settings.APIKey,
				Model:          settings.Model,
				Language:       settings.Language,
				SampleRate:     sampleRate(c.SampleRate, cfg),
				UtteranceEndMS: utteranceEnd,
				SessionID:      c.SessionID,
			})
		}, nil
	})

	reg.RegisterSTT("mock", func(cfg Config) (stt.Factory, error) {
		var settings mockSTTSettings
		if err := configutil.Decode("vendors.stt.settings", cfg.Vendors.STT.Settings, configutil.Schema{
			Optional: []string{"transcript"},
		}, &settings); err != nil {
			return nil, err
		}
		var script []stt.Event
		if t := strings.TrimSpace(settings.Transcript); t != "" {
			script = []stt.Event{
				{Kind: stt.EventTurnStarted},
				{Kind: stt.EventPartial, Text: t},
				{Kind: stt.EventFinal, Text: t},
			}
		}
		return func(stt.Config) stt.StreamingSTT {
			return mock.NewSTT(mock.STTConfig{Script: script})
		}, nil
	})
}

func registerTTS(reg *ProviderRegistry) {
	reg.RegisterTTS("elevenlabs", func(cfg Config) (tts.Factory, error) {
		var settings elevenlabsSettings
		if err := configutil.Decode("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Required: []string{"api_key", "voice_id"},
			Optional: []string{"model_id", "output_format", "endpoint", "stability", "similarity_boost"},
		}, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		if settings.OutputFormat == "" {
			settings.OutputFormat = fmt.Sprintf("pcm_%d", sampleRate(0, cfg))
		}
		return func(c tts.Config) tts.StreamingTTS {
			return elevenlabs.New(elevenlabs.Config{
				APIKey:       settings.APIKey,
				VoiceID:      settings.VoiceID,
				ModelID:      settings.ModelID,
				OutputFormat: settings.OutputFormat,
				Endpoint:     settings.Endpoint,
				SessionID:    c.SessionID,
				Stability:    settings.Stability,
				Similarity:   settings.Similarity,
			})
		}, nil
	})

	reg.RegisterTTS("mock", func(cfg Config) (tts.Factory, error) {
		var settings mockTTSSettings
		if err := configutil.Decode("vendors.tts.settings", cfg.Vendors.TTS.Settings, configutil.Schema{
			Optional: []string{"chunk_delay"},
		}, &settings); err != nil {
			return nil, err
		}
		return func(tts.Config) tts.StreamingTTS {
			return mock.NewTTS(mock.TTSConfig{ChunkDelay: settings.ChunkDelay})
		}, nil
	})
}

func registerLLM(reg *ProviderRegistry) {
	reg.RegisterLLM("openai", func(_ context.Context, cfg Config) (llm.LLMAdapter, error) {
		var settings openAISettings
		if err := configutil.Decode("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url", "timeout"},
		}, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		return openai.NewAdapter(openai.Config{
			APIKey:  settings.APIKey,
			Model:   settings.Model,
			BaseURL: settings.BaseURL,
			Timeout: settings.Timeout,
		}), nil
	})

	reg.RegisterLLM("gemini", func(ctx context.Context, cfg Config) (llm.LLMAdapter, error) {
		var settings geminiSettings
		if err := configutil.Decode("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Required: []string{"api_key"},
			Optional: []string{"model", "base_url"},
		}, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		return gemini.NewAdapter(ctx, gemini.Config{
			APIKey:  settings.APIKey,
			Model:   settings.Model,
			BaseURL: settings.BaseURL,
		})
	})

	reg.RegisterLLM("mock", func(_ context.Context, cfg Config) (llm.LLMAdapter, error) {
		var settings mockLLMSettings
		if err := configutil.Decode("vendors.llm.settings", cfg.Vendors.LLM.Settings, configutil.Schema{
			Optional: []string{"replies", "delay"},
		}, &settings); err != nil {
			return nil, err
		}
		return mock.NewLLMAdapter(mock.LLMConfig{Replies: settings.Replies, Delay: settings.Delay}), nil
	})
}

func sampleRate(requested int, cfg Config) int {
	if requested > 0 {
		return requested
	}
	if cfg.Audio.SampleRate > 0 {
		return cfg.Audio.SampleRate
	}
	return 16000
}
