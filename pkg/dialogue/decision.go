package dialogue

import (
	"encoding/json"
	"strings"
)

// Decision is the parsed outcome of one engine completion.
type Decision struct {
	Text       string
	EndCall    bool
	Silent     bool
	Structured bool
}

// Parser reads engine output. Structured JSON is preferred; anything else
// goes through the marker checks.
type Parser struct {
	EndCallPhrases []string
	EndCallToken   string
	SilenceToken   string
}

type structuredDecision struct {
	Response *string `json:"response"`
	EndCall  bool    `json:"end_call"`
}

func (p Parser) Parse(raw string) Decision {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Decision{Silent: true}
	}
	if d, ok := p.parseStructured(text); ok {
		return d
	}
	return p.parseMarked(text)
}

func (p Parser) parseStructured(text string) (Decision, bool) {
	cleaned := cleanJSON(text)
	if !strings.HasPrefix(cleaned, "{") {
		return Decision{}, false
	}
	var out structuredDecision
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil || out.Response == nil {
		return Decision{}, false
	}
	spoken := strings.TrimSpace(*out.Response)
	if p.isSilence(spoken) {
		return Decision{Silent: true, EndCall: out.EndCall, Structured: true}, true
	}
	return Decision{Text: spoken, EndCall: out.EndCall, Structured: true}, true
}

func (p Parser) parseMarked(text string) Decision {
	end := false
	if tok := strings.TrimSpace(p.EndCallToken); tok != "" && strings.Contains(text, tok) {
		end = true
		text = strings.TrimSpace(strings.ReplaceAll(text, tok, ""))
	}
	lower := strings.ToLower(text)
	for _, phrase := range p.EndCallPhrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(lower, phrase) {
			end = true
			break
		}
	}
	if p.isSilence(text) {
		return Decision{Silent: true, EndCall: end}
	}
	return Decision{Text: text, EndCall: end}
}

func (p Parser) isSilence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}
	tok := strings.TrimSpace(p.SilenceToken)
	return tok != "" && strings.EqualFold(strings.Trim(text, " .\"'"), tok)
}

// cleanJSON strips code fences and surrounding chatter from a JSON answer.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
