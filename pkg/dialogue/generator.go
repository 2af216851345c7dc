// Package dialogue turns the state of a call into the agent's next line.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/llm"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/redact"
)

const (
	DefaultApologyLine  = "I'm having trouble processing that right now."
	DefaultEndCallToken = "<END_CALL>"
	DefaultSilenceToken = "<SILENCE>"
)

// DefaultEndCallPhrases are the legacy goodbye markers recognised in free text.
var DefaultEndCallPhrases = []string{"I will talk to you later"}

type Config struct {
	SystemTemplate string
	// Personas overrides SystemTemplate per session variant.
	Personas       map[string]string
	Structured     bool
	Temperature    float64
	MaxTokens      int
	MaxHistory     int
	EndCallPhrases []string
	EndCallToken   string
	SilenceToken   string
	ApologyLine    string
	Retry          llm.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.Temperature == 0 {
		c.Temperature = 0.9
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 300
	}
	if c.EndCallPhrases == nil {
		c.EndCallPhrases = DefaultEndCallPhrases
	}
	if c.EndCallToken == "" {
		c.EndCallToken = DefaultEndCallToken
	}
	if c.SilenceToken == "" {
		c.SilenceToken = DefaultSilenceToken
	}
	if c.ApologyLine == "" {
		c.ApologyLine = DefaultApologyLine
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 2
	}
	return c
}

// Result is the resolved outcome of one turn.
type Result struct {
	Text          string
	ShouldEndCall bool
	// Silent means no reply is warranted: nothing is spoken or recorded.
	Silent bool
	// Fallback means the engine failed and Text is the apology line.
	Fallback bool
	Usage    llm.Usage
}

// Generator issues one engine request per turn. It holds no per-call state
// and may be shared by every session.
type Generator struct {
	adapter  llm.LLMAdapter
	prompt   *PromptBuilder
	personas map[string]*PromptBuilder
	parser   Parser
	cfg      Config
	logger   *slog.Logger
}

func NewGenerator(adapter llm.LLMAdapter, cfg Config) (*Generator, error) {
	cfg = cfg.withDefaults()
	prompt, err := NewPromptBuilder(cfg)
	if err != nil {
		return nil, err
	}
	personas := make(map[string]*PromptBuilder, len(cfg.Personas))
	for variant, tpl := range cfg.Personas {
		pc := cfg
		pc.SystemTemplate = tpl
		b, err := NewPromptBuilder(pc)
		if err != nil {
			return nil, fmt.Errorf("persona %q: %w", variant, err)
		}
		personas[variant] = b
	}
	return &Generator{
		adapter:  adapter,
		prompt:   prompt,
		personas: personas,
		parser: Parser{
			EndCallPhrases: cfg.EndCallPhrases,
			EndCallToken:   cfg.EndCallToken,
			SilenceToken:   cfg.SilenceToken,
		},
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "dialogue"),
	}, nil
}

// Generate resolves the next agent line. The only error it returns is the
// context's, on cancellation; engine failures become the apology fallback.
func (g *Generator) Generate(ctx context.Context, in Input) (Result, error) {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	prompt := g.prompt
	if b, ok := g.personas[in.Variant]; ok {
		prompt = b
	}
	req, err := prompt.Build(in)
	if err != nil {
		g.logger.Error("prompt_build_failed", slog.String("error", err.Error()))
		return g.fallback(), nil
	}

	resp, err := llm.Retry(ctx, g.cfg.Retry, func(ctx context.Context) (llm.Response, error) {
		return g.adapter.Generate(ctx, req)
	})
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if err != nil {
		if errors.Is(err, llm.ErrEmptyCompletion) {
			return Result{Silent: true}, nil
		}
		err = errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
		g.logger.Warn("llm_generate_failed",
			slog.String("provider", g.adapter.Name()),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return g.fallback(), nil
	}

	d := g.parser.Parse(resp.Text)
	g.logger.Debug("llm_decision",
		slog.Bool("structured", d.Structured),
		slog.Bool("end_call", d.EndCall),
		slog.Bool("silent", d.Silent),
		slog.String("text", redact.Transcript(d.Text, 120)))
	if d.Silent {
		return Result{Silent: true, Usage: resp.Usage}, nil
	}
	return Result{Text: d.Text, ShouldEndCall: d.EndCall, Usage: resp.Usage}, nil
}

func (g *Generator) fallback() Result {
	return Result{Text: g.cfg.ApologyLine, ShouldEndCall: true, Fallback: true}
}
