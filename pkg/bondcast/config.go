package bondcast

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/bondcast/pkg/audio"
	"github.com/harunnryd/bondcast/pkg/dialogue"
	"github.com/harunnryd/bondcast/pkg/llm"
	"github.com/harunnryd/bondcast/pkg/session"
	"github.com/harunnryd/bondcast/pkg/watchdog"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Stores        StoresConfig        `mapstructure:"stores"`
	Audio         AudioConfig         `mapstructure:"audio"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Dialogue      DialogueConfig      `mapstructure:"dialogue"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type StoresConfig struct {
	// Directory is postgres or memory.
	Directory string `mapstructure:"directory"`
	// Context is redis, memory or none.
	Context     string       `mapstructure:"context"`
	PostgresDSN string       `mapstructure:"postgres_dsn"`
	RedisURL    string       `mapstructure:"redis_url"`
	Migrate     bool         `mapstructure:"migrate"`
	Users       []UserConfig `mapstructure:"users"`
}

// UserConfig seeds the memory directory.
type UserConfig struct {
	ID           int64  `mapstructure:"id"`
	Username     string `mapstructure:"username"`
	DisplayName  string `mapstructure:"display_name"`
	DateOfBirth  string `mapstructure:"date_of_birth"`
	PriorContext string `mapstructure:"prior_context"`
	Greeting     string `mapstructure:"greeting"`
	Background   string `mapstructure:"background"`
}

type AudioConfig struct {
	FrameBytes int `mapstructure:"frame_bytes"`
	SampleRate int `mapstructure:"sample_rate"`
}

type TurnConfig struct {
	TickInterval            time.Duration `mapstructure:"tick_interval"`
	SilenceThreshold        time.Duration `mapstructure:"silence_threshold"`
	FirstTimeout            time.Duration `mapstructure:"first_timeout"`
	SecondTimeout           time.Duration `mapstructure:"second_timeout"`
	StreamTimeout           time.Duration `mapstructure:"stream_timeout"`
	MaxCallDuration         time.Duration `mapstructure:"max_call_duration"`
	TranscriptSettleTimeout time.Duration `mapstructure:"transcript_settle_timeout"`
	BargeInMinPartials      int           `mapstructure:"barge_in_min_partials"`
	PlaybackAckTimeout      time.Duration `mapstructure:"playback_ack_timeout"`
	PlaybackWaitTimeout     time.Duration `mapstructure:"playback_wait_timeout"`
	ResponseTimeout         time.Duration `mapstructure:"response_timeout"`
	SynthesisFailureLimit   int           `mapstructure:"synthesis_failure_limit"`
	DrainTimeout            time.Duration `mapstructure:"drain_timeout"`
	NudgeLine               string        `mapstructure:"nudge_line"`
	SecondNudgeLine         string        `mapstructure:"second_nudge_line"`
	GoodbyeLine             string        `mapstructure:"goodbye_line"`
	MaxDurationLine         string        `mapstructure:"max_duration_line"`
}

type DialogueConfig struct {
	SystemPrompt   string            `mapstructure:"system_prompt"`
	Personas       map[string]string `mapstructure:"personas"`
	Structured     bool              `mapstructure:"structured"`
	MaxHistory     int               `mapstructure:"max_history"`
	EndCallPhrases []string          `mapstructure:"end_call_phrases"`
	EndCallToken   string            `mapstructure:"end_call_token"`
	SilenceToken   string            `mapstructure:"silence_token"`
	ApologyLine    string            `mapstructure:"apology_line"`
}

type LLMConfig struct {
	Temperature      float64       `mapstructure:"temperature"`
	MaxTokens        int           `mapstructure:"max_tokens"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	// BreakerCountAll opens the breaker on any error, not only rate limits.
	BreakerCountAll bool `mapstructure:"breaker_count_all"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
	// SampleRate thins the metrics_path sink only.
	SampleRate    float64 `mapstructure:"sample_rate"`
	ArtifactsDir  string  `mapstructure:"artifacts_dir"`
	RetentionDays int     `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type ShutdownConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

func setDefaults(v *viper.Viper) {
	th := watchdog.DefaultThresholds()
	sc := session.DefaultConfig()
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("transports.provider", "websocket")
	v.SetDefault("stores.directory", "memory")
	v.SetDefault("stores.context", "none")
	v.SetDefault("audio.frame_bytes", audio.DefaultFrameBytes)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("turn.tick_interval", sc.TickInterval)
	v.SetDefault("turn.silence_threshold", th.SilenceThreshold)
	v.SetDefault("turn.first_timeout", th.FirstTimeout)
	v.SetDefault("turn.second_timeout", th.SecondTimeout)
	v.SetDefault("turn.stream_timeout", th.StreamTimeout)
	v.SetDefault("turn.max_call_duration", th.MaxCallDuration)
	v.SetDefault("turn.transcript_settle_timeout", th.TranscriptSettle)
	v.SetDefault("turn.barge_in_min_partials", sc.BargeInMinPartials)
	v.SetDefault("turn.playback_ack_timeout", sc.PlaybackAckTimeout)
	v.SetDefault("turn.playback_wait_timeout", sc.PlaybackWaitTimeout)
	v.SetDefault("turn.response_timeout", sc.ResponseTimeout)
	v.SetDefault("turn.synthesis_failure_limit", sc.SynthesisFailureLimit)
	v.SetDefault("turn.drain_timeout", sc.DrainTimeout)
	v.SetDefault("turn.nudge_line", sc.Lines.Nudge)
	v.SetDefault("turn.goodbye_line", sc.Lines.Goodbye)
	v.SetDefault("turn.max_duration_line", sc.Lines.MaxDuration)
	v.SetDefault("dialogue.structured", true)
	v.SetDefault("dialogue.max_history", 0)
	v.SetDefault("dialogue.end_call_phrases", dialogue.DefaultEndCallPhrases)
	v.SetDefault("dialogue.end_call_token", dialogue.DefaultEndCallToken)
	v.SetDefault("dialogue.silence_token", dialogue.DefaultSilenceToken)
	v.SetDefault("dialogue.apology_line", dialogue.DefaultApologyLine)
	v.SetDefault("llm.temperature", 0.9)
	v.SetDefault("llm.max_tokens", 300)
	v.SetDefault("llm.max_attempts", 2)
	v.SetDefault("llm.base_delay", 100*time.Millisecond)
	v.SetDefault("llm.max_delay", 2*time.Second)
	v.SetDefault("llm.breaker_threshold", 3)
	v.SetDefault("llm.breaker_cooldown", 30*time.Second)
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("shutdown.drain_timeout", 10*time.Second)
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if err := audio.ValidateFrameBytes(c.Audio.FrameBytes); err != nil {
		return fmt.Errorf("audio.frame_bytes: %w", err)
	}
	switch strings.ToLower(c.Stores.Directory) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Stores.PostgresDSN) == "" {
			return fmt.Errorf("stores.postgres_dsn is required for the postgres directory")
		}
	default:
		return fmt.Errorf("stores.directory must be one of [postgres, memory], got %s", c.Stores.Directory)
	}
	switch strings.ToLower(c.Stores.Context) {
	case "memory", "none", "":
	case "redis":
		if strings.TrimSpace(c.Stores.RedisURL) == "" {
			return fmt.Errorf("stores.redis_url is required for the redis context store")
		}
	default:
		return fmt.Errorf("stores.context must be one of [redis, memory, none], got %s", c.Stores.Context)
	}
	t := c.Turn
	if t.SilenceThreshold <= 0 || t.FirstTimeout <= 0 || t.SecondTimeout <= 0 || t.StreamTimeout <= 0 || t.MaxCallDuration <= 0 {
		return fmt.Errorf("turn thresholds must be positive")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be between 0 and 1, got %g", c.Observability.SampleRate)
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.max_attempts must be at least 1, got %d", c.LLM.MaxAttempts)
	}
	return nil
}

// Thresholds maps the turn block onto the watchdog thresholds.
func (c Config) Thresholds() watchdog.Thresholds {
	return watchdog.Thresholds{
		SilenceThreshold: c.Turn.SilenceThreshold,
		FirstTimeout:     c.Turn.FirstTimeout,
		SecondTimeout:    c.Turn.SecondTimeout,
		StreamTimeout:    c.Turn.StreamTimeout,
		MaxCallDuration:  c.Turn.MaxCallDuration,
		TranscriptSettle: c.Turn.TranscriptSettleTimeout,
	}
}

func (c Config) SessionConfig() session.Config {
	return session.Config{
		Thresholds:            c.Thresholds(),
		TickInterval:          c.Turn.TickInterval,
		FrameBytes:            c.Audio.FrameBytes,
		BargeInMinPartials:    c.Turn.BargeInMinPartials,
		PlaybackAckTimeout:    c.Turn.PlaybackAckTimeout,
		PlaybackWaitTimeout:   c.Turn.PlaybackWaitTimeout,
		ResponseTimeout:       c.Turn.ResponseTimeout,
		SynthesisFailureLimit: c.Turn.SynthesisFailureLimit,
		DrainTimeout:          c.Turn.DrainTimeout,
		Lines: session.Lines{
			Nudge:       c.Turn.NudgeLine,
			SecondNudge: c.Turn.SecondNudgeLine,
			Goodbye:     c.Turn.GoodbyeLine,
			MaxDuration: c.Turn.MaxDurationLine,
			Apology:     c.Dialogue.ApologyLine,
		},
	}
}

func (c Config) DialogueConfig() dialogue.Config {
	return dialogue.Config{
		SystemTemplate: c.Dialogue.SystemPrompt,
		Personas:       c.Dialogue.Personas,
		Structured:     c.Dialogue.Structured,
		Temperature:    c.LLM.Temperature,
		MaxTokens:      c.LLM.MaxTokens,
		MaxHistory:     c.Dialogue.MaxHistory,
		EndCallPhrases: c.Dialogue.EndCallPhrases,
		EndCallToken:   c.Dialogue.EndCallToken,
		SilenceToken:   c.Dialogue.SilenceToken,
		ApologyLine:    c.Dialogue.ApologyLine,
		Retry: llm.RetryConfig{
			MaxAttempts: c.LLM.MaxAttempts,
			BaseDelay:   c.LLM.BaseDelay,
			MaxDelay:    c.LLM.MaxDelay,
			Jitter:      0.2,
		},
	}
}

// expandEnvStrings substitutes ${VAR} in every string the config holds,
// including the free-form vendor and transport settings.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg).Elem())
	for _, settings := range []map[string]any{
		cfg.Vendors.STT.Settings,
		cfg.Vendors.TTS.Settings,
		cfg.Vendors.LLM.Settings,
		cfg.Transports.Settings,
	} {
		expandAny(settings)
	}
}

// expandAny rewrites strings in place inside decoded YAML values and
// returns the expanded value for callers holding a bare string.
func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
	case map[string]any:
		for k := range val {
			val[k] = expandAny(val[k])
		}
	}
	return v
}

func expandValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := range v.NumField() {
			expandValue(v.Field(i))
		}
	case reflect.Slice:
		for i := range v.Len() {
			expandValue(v.Index(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Map:
		if v.Type().Elem().Kind() != reflect.String {
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			v.SetMapIndex(iter.Key(), reflect.ValueOf(os.ExpandEnv(iter.Value().String())))
		}
	}
}
