package dialogue

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/harunnryd/bondcast/pkg/llm"
	"github.com/harunnryd/bondcast/pkg/turn"
)

// DefaultSystemTemplate is the persona used when none is configured.
const DefaultSystemTemplate = `You are Bondi, a warm and curious friend on a short voice call with {{.Name}}{{if .Age}}, who is {{.Age}}{{end}}.
Today is {{.Weekday}} and the call has lasted {{.ElapsedSeconds}} seconds.
Reply in one or two short spoken sentences. No lists, no emoji, no stage directions.
{{- if .PriorContext}}
What you already know about {{.Name}}: {{.PriorContext}}
{{- end}}
{{- if .Background}}
Recent context: {{.Background}}
{{- end}}
If the conversation has reached a natural goodbye, end the call.
If {{.Name}}'s words need no reply at all, answer with exactly {{.SilenceToken}}.`

const structuredInstruction = `Answer only with a JSON object of the form {"response": "<what you say>", "end_call": <true|false>}.`

// DecisionFormat is the structured shape requested from the engine.
var DecisionFormat = &llm.ResponseFormat{
	Name: "turn_decision",
	Fields: []llm.Field{
		{Name: "response", Type: llm.FieldString, Description: "What the agent says next, spoken aloud."},
		{Name: "end_call", Type: llm.FieldBoolean, Description: "True when this reply closes the call."},
	},
}

// Profile is what the prompt knows about the caller.
type Profile struct {
	DisplayName  string
	DateOfBirth  time.Time
	PriorContext string
}

// Input is everything one generation reads. It is a copy; the generator
// never touches live session state.
type Input struct {
	Variant            string
	Profile            Profile
	Background         string
	History            []turn.Entry
	LastAgentUtterance string
	UserUtterance      string
	Elapsed            time.Duration
	Now                time.Time
}

type promptData struct {
	Name               string
	Age                int
	Weekday            string
	ElapsedSeconds     int
	PriorContext       string
	Background         string
	LastAgentUtterance string
	SilenceToken       string
}

// PromptBuilder renders the persona template and lays out the chat history.
type PromptBuilder struct {
	system       *template.Template
	structured   bool
	maxHistory   int
	silenceToken string
	temperature  float64
	maxTokens    int
}

func NewPromptBuilder(cfg Config) (*PromptBuilder, error) {
	text := cfg.SystemTemplate
	if strings.TrimSpace(text) == "" {
		text = DefaultSystemTemplate
	}
	tpl, err := template.New("system").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse system template: %w", err)
	}
	return &PromptBuilder{
		system:       tpl,
		structured:   cfg.Structured,
		maxHistory:   cfg.MaxHistory,
		silenceToken: cfg.SilenceToken,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// Build turns in into an engine request.
func (b *PromptBuilder) Build(in Input) (llm.Context, error) {
	data := promptData{
		Name:               nameOrDefault(in.Profile.DisplayName),
		Age:                Age(in.Profile.DateOfBirth, in.Now),
		Weekday:            in.Now.Weekday().String(),
		ElapsedSeconds:     int(in.Elapsed / time.Second),
		PriorContext:       strings.TrimSpace(in.Profile.PriorContext),
		Background:         strings.TrimSpace(in.Background),
		LastAgentUtterance: in.LastAgentUtterance,
		SilenceToken:       b.silenceToken,
	}
	var sys bytes.Buffer
	if err := b.system.Execute(&sys, data); err != nil {
		return llm.Context{}, fmt.Errorf("render system template: %w", err)
	}
	system := strings.TrimSpace(sys.String())
	if b.structured {
		system += "\n" + structuredInstruction
	}

	history := in.History
	if b.maxHistory > 0 && len(history) > b.maxHistory {
		history = history[len(history)-b.maxHistory:]
	}
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, e := range history {
		role := llm.RoleUser
		if e.Speaker == turn.SpeakerAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: e.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: in.UserUtterance})

	req := llm.Context{
		Messages:    msgs,
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
	}
	if b.structured {
		req.Format = DecisionFormat
	}
	return req, nil
}

// Age returns whole years between dob and now, or 0 when dob is unknown.
func Age(dob, now time.Time) int {
	if dob.IsZero() || now.Before(dob) {
		return 0
	}
	years := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		years--
	}
	return years
}

func nameOrDefault(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "your friend"
}
