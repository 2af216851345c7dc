package mock

import (
	"context"
	"sync"
	"time"

	"github.com/harunnryd/bondcast/pkg/llm"
)

type LLMConfig struct {
	// Replies are returned in order; the last one repeats.
	Replies []string
	// Delay is waited before answering, abandoned on cancellation.
	Delay time.Duration
	// Block waits for cancellation instead of answering.
	Block bool
	Err   error
}

// LLMAdapter is a scripted engine that records every request.
type LLMAdapter struct {
	mu       sync.Mutex
	cfg      LLMConfig
	calls    int
	requests []llm.Context
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if len(cfg.Replies) == 0 {
		cfg.Replies = []string{`{"response":"mock response","end_call":false}`}
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

// Configure replaces the behavior for later requests.
func (a *LLMAdapter) Configure(cfg LLMConfig) {
	a.mu.Lock()
	if len(cfg.Replies) == 0 {
		cfg.Replies = a.cfg.Replies
	}
	a.cfg = cfg
	a.calls = 0
	a.mu.Unlock()
}

func (a *LLMAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	a.mu.Lock()
	cfg := a.cfg
	i := a.calls
	a.calls++
	a.requests = append(a.requests, input)
	a.mu.Unlock()

	if cfg.Block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	if cfg.Delay > 0 {
		timer := time.NewTimer(cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return llm.Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	if cfg.Err != nil {
		return llm.Response{}, cfg.Err
	}
	if i >= len(cfg.Replies) {
		i = len(cfg.Replies) - 1
	}
	text := cfg.Replies[i]
	if text == "" {
		return llm.Response{}, llm.ErrEmptyCompletion
	}
	return llm.Response{Text: text, FinishReason: "stop"}, nil
}

// Requests returns every request received so far.
func (a *LLMAdapter) Requests() []llm.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.Context(nil), a.requests...)
}
