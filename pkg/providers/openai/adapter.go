// Package openai talks to OpenAI-compatible chat completion APIs, Groq
// included, through go-openai.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/llm"
	"github.com/harunnryd/bondcast/pkg/resilience"
)

const (
	GroqBaseURL  = "https://api.groq.com/openai/v1"
	DefaultModel = "llama-3.3-70b-versatile"
)

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

type Adapter struct {
	client *goopenai.Client
	model  string
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = GroqBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Adapter{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	req := goopenai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    toMessages(input.Messages),
		Temperature: float32(input.Temperature),
		MaxTokens:   input.MaxTokens,
	}
	if input.Format != nil {
		// JSON mode; the field list is spelled out in the system prompt.
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		return llm.Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, llm.ErrEmptyCompletion
	}
	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return llm.Response{}, llm.ErrEmptyCompletion
	}
	return llm.Response{
		Text:         text,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toMessages(in []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(in))
	for _, m := range in {
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return errorsx.Wrap(resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}, errorsx.ReasonLLMRateLimit)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return errorsx.Wrap(resilience.RateLimitError{Provider: "openai", Message: reqErr.Error()}, errorsx.ReasonLLMRateLimit)
	}
	return errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
}

var _ llm.LLMAdapter = (*Adapter)(nil)
