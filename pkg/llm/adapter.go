package llm

import (
	"context"
	"errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyCompletion is returned when the engine answered but produced no
// content. It is distinct from transport and timeout failures.
var ErrEmptyCompletion = errors.New("llm returned empty completion")

type Message struct {
	Role    string
	Content string
}

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldBoolean FieldType = "boolean"
)

type Field struct {
	Name        string
	Type        FieldType
	Description string
}

// ResponseFormat asks the engine for a JSON object with the given fields,
// all required. Providers map it to their native schema or JSON mode.
type ResponseFormat struct {
	Name   string
	Fields []Field
}

type Context struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Format      *ResponseFormat
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
}

type LLMAdapter interface {
	Generate(ctx context.Context, input Context) (Response, error)
	Name() string
}
