package dialogue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/bondcast/pkg/llm"
	"github.com/harunnryd/bondcast/pkg/turn"
)

type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	last    llm.Context
	block   bool
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(ctx context.Context, in llm.Context) (llm.Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.last = in
	block := s.block
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return llm.Response{}, s.errs[i]
	}
	if i < len(s.replies) {
		return llm.Response{Text: s.replies[i]}, nil
	}
	return llm.Response{}, llm.ErrEmptyCompletion
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestGenerator(t *testing.T, adapter llm.LLMAdapter, structured bool) *Generator {
	t.Helper()
	g, err := NewGenerator(adapter, Config{
		Structured: structured,
		Retry:      llm.RetryConfig{MaxAttempts: 2, Sleep: noSleep},
	})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	return g
}

func TestParserStructured(t *testing.T) {
	p := Parser{EndCallPhrases: DefaultEndCallPhrases, EndCallToken: DefaultEndCallToken, SilenceToken: DefaultSilenceToken}

	d := p.Parse("```json\n{\"response\": \"Sounds fun!\", \"end_call\": false}\n```")
	if !d.Structured || d.Text != "Sounds fun!" || d.EndCall || d.Silent {
		t.Fatalf("unexpected decision %+v", d)
	}

	d = p.Parse(`{"response":"Bye for now!","end_call":true}`)
	if d.Text != "Bye for now!" || !d.EndCall {
		t.Fatalf("expected end call decision, got %+v", d)
	}

	d = p.Parse(`{"response":"<SILENCE>","end_call":false}`)
	if !d.Silent {
		t.Fatalf("expected silent decision, got %+v", d)
	}
}

func TestParserLegacyMarkers(t *testing.T) {
	p := Parser{EndCallPhrases: DefaultEndCallPhrases, EndCallToken: DefaultEndCallToken, SilenceToken: DefaultSilenceToken}

	d := p.Parse("It was great. I will talk to you later!")
	if !d.EndCall || d.Structured {
		t.Fatalf("expected phrase to end call, got %+v", d)
	}
	if d.Text != "It was great. I will talk to you later!" {
		t.Fatalf("phrase should stay in spoken text, got %q", d.Text)
	}

	d = p.Parse("See you soon <END_CALL>")
	if !d.EndCall || d.Text != "See you soon" {
		t.Fatalf("expected token stripped, got %+v", d)
	}

	d = p.Parse("  <SILENCE>. ")
	if !d.Silent {
		t.Fatalf("expected silence, got %+v", d)
	}

	d = p.Parse("{not json")
	if d.Silent || d.Text != "{not json" {
		t.Fatalf("malformed json should be spoken text, got %+v", d)
	}
}

func TestGenerateStructuredReply(t *testing.T) {
	adapter := &scriptedLLM{replies: []string{`{"response":"Nice, tell me more.","end_call":false}`}}
	g := newTestGenerator(t, adapter, true)

	res, err := g.Generate(context.Background(), Input{
		Profile:       Profile{DisplayName: "Sam"},
		UserUtterance: "I went hiking",
		History: []turn.Entry{
			{Speaker: turn.SpeakerAgent, Text: "Hey Sam! How's it going?"},
		},
		Now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "Nice, tell me more." || res.ShouldEndCall || res.Silent || res.Fallback {
		t.Fatalf("unexpected result %+v", res)
	}
	msgs := adapter.last.Messages
	if len(msgs) != 3 {
		t.Fatalf("expected system, history and user messages, got %d", len(msgs))
	}
	if msgs[1].Role != llm.RoleAssistant || msgs[2].Role != llm.RoleUser || msgs[2].Content != "I went hiking" {
		t.Fatalf("unexpected message layout %+v", msgs)
	}
	if adapter.last.Format == nil {
		t.Fatalf("expected structured response format")
	}
	if !strings.Contains(msgs[0].Content, "Sam") || !strings.Contains(msgs[0].Content, "Monday") {
		t.Fatalf("system prompt missing persona data: %q", msgs[0].Content)
	}
}

func TestGenerateEmptyCompletionIsSilent(t *testing.T) {
	adapter := &scriptedLLM{}
	g := newTestGenerator(t, adapter, true)
	res, err := g.Generate(context.Background(), Input{UserUtterance: "hmm"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !res.Silent || res.Text != "" || res.ShouldEndCall {
		t.Fatalf("expected silent result, got %+v", res)
	}
	if adapter.calls != 1 {
		t.Fatalf("empty completion must not be retried, got %d calls", adapter.calls)
	}
}

func TestGenerateRetriesThenFallsBack(t *testing.T) {
	boom := errors.New("connection reset")
	adapter := &scriptedLLM{errs: []error{boom, boom}}
	g := newTestGenerator(t, adapter, false)
	res, err := g.Generate(context.Background(), Input{UserUtterance: "hello?"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if adapter.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", adapter.calls)
	}
	if !res.Fallback || !res.ShouldEndCall || res.Text != DefaultApologyLine {
		t.Fatalf("expected apology fallback, got %+v", res)
	}
}

func TestGenerateRecoversOnRetry(t *testing.T) {
	adapter := &scriptedLLM{errs: []error{errors.New("timeout")}, replies: []string{"", "All good here."}}
	g := newTestGenerator(t, adapter, false)
	res, err := g.Generate(context.Background(), Input{UserUtterance: "how are you"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "All good here." || res.Fallback {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestGenerateCancelled(t *testing.T) {
	adapter := &scriptedLLM{block: true}
	g := newTestGenerator(t, adapter, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Generate(ctx, Input{UserUtterance: "wait"})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("generate did not return after cancel")
	}
}

func TestPromptHistoryTrim(t *testing.T) {
	b, err := NewPromptBuilder(Config{MaxHistory: 2, SilenceToken: DefaultSilenceToken})
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	hist := []turn.Entry{
		{Speaker: turn.SpeakerAgent, Text: "one"},
		{Speaker: turn.SpeakerUser, Text: "two"},
		{Speaker: turn.SpeakerAgent, Text: "three"},
	}
	req, err := b.Build(Input{History: hist, UserUtterance: "four", Now: time.Now()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(req.Messages) != 4 || req.Messages[1].Content != "two" {
		t.Fatalf("unexpected trimmed messages %+v", req.Messages)
	}
	if req.Format != nil {
		t.Fatalf("unstructured builder must not set a format")
	}
}

func TestPromptBadTemplate(t *testing.T) {
	if _, err := NewPromptBuilder(Config{SystemTemplate: "{{.Name"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAge(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	if got := Age(time.Date(2000, 6, 16, 0, 0, 0, 0, time.UTC), now); got != 25 {
		t.Fatalf("expected 25, got %d", got)
	}
	if got := Age(time.Date(2000, 6, 15, 0, 0, 0, 0, time.UTC), now); got != 26 {
		t.Fatalf("expected 26, got %d", got)
	}
	if got := Age(time.Time{}, now); got != 0 {
		t.Fatalf("expected 0 for unknown dob, got %d", got)
	}
}

func TestGenerateUsesVariantPersona(t *testing.T) {
	adapter := &scriptedLLM{replies: []string{"hi", "hi"}}
	g, err := NewGenerator(adapter, Config{
		Personas: map[string]string{"fte": "First time caller {{.Name}}."},
		Retry:    llm.RetryConfig{Sleep: noSleep},
	})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := g.Generate(context.Background(), Input{Variant: "fte", Profile: Profile{DisplayName: "Ana"}, UserUtterance: "yo"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := adapter.last.Messages[0].Content; got != "First time caller Ana." {
		t.Fatalf("expected variant persona, got %q", got)
	}
	if _, err := g.Generate(context.Background(), Input{Variant: "default", UserUtterance: "yo"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := adapter.last.Messages[0].Content; !strings.Contains(got, "Bondi") {
		t.Fatalf("expected default persona, got %q", got)
	}
}
