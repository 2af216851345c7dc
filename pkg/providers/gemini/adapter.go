// Package gemini generates replies with the Gemini API, using the native
// response schema for structured output.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/llm"
	"github.com/harunnryd/bondcast/pkg/resilience"
)

const DefaultModel = "gemini-2.0-flash"

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

type Adapter struct {
	client *genai.Client
	model  string
}

// NewAdapter builds the process-wide client. ctx only scopes client
// construction.
func NewAdapter(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client, model: cfg.Model}, nil
}

func (a *Adapter) Name() string { return "gemini" }

func (a *Adapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	system, contents := toContents(input.Messages)
	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, buildConfig(system, input))
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, ctx.Err()
		}
		return llm.Response{}, classify(err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return llm.Response{}, llm.ErrEmptyCompletion
	}
	out := llm.Response{Text: text}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

// toContents lifts system messages into the system instruction; the
// assistant role maps to "model".
func toContents(messages []llm.Message) (*genai.Content, []*genai.Content) {
	var system []*genai.Part
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, &genai.Part{Text: m.Content})
		case llm.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) == 0 {
		return nil, contents
	}
	return &genai.Content{Parts: system}, contents
}

func buildConfig(system *genai.Content, input llm.Context) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if input.Temperature > 0 {
		t := float32(input.Temperature)
		cfg.Temperature = &t
	}
	if input.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(input.MaxTokens)
	}
	if input.Format != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toSchema(input.Format)
	}
	return cfg
}

func toSchema(format *llm.ResponseFormat) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(format.Fields)),
	}
	for _, f := range format.Fields {
		typ := genai.TypeString
		if f.Type == llm.FieldBoolean {
			typ = genai.TypeBoolean
		}
		schema.Properties[f.Name] = &genai.Schema{Type: typ, Description: f.Description}
		schema.Required = append(schema.Required, f.Name)
	}
	return schema
}

func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return errorsx.Wrap(resilience.RateLimitError{Provider: "gemini", Message: apiErr.Message}, errorsx.ReasonLLMRateLimit)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code == http.StatusTooManyRequests {
		return errorsx.Wrap(resilience.RateLimitError{Provider: "gemini", Message: apiErrPtr.Message}, errorsx.ReasonLLMRateLimit)
	}
	return errorsx.Wrap(err, errorsx.ReasonLLMGenerate)
}

var _ llm.LLMAdapter = (*Adapter)(nil)
