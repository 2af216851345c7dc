package turn

import (
	"strings"
	"time"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Entry is one line of conversation history.
type Entry struct {
	Speaker Speaker
	Text    string
}

// WarningStage tracks inactivity escalation. It only moves forward, one
// stage at a time, and resets to WarningNone on user speech.
type WarningStage int

const (
	WarningNone WarningStage = iota
	WarningFirstSent
	WarningSecondSent
)

func (w WarningStage) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningFirstSent:
		return "first_warning_sent"
	case WarningSecondSent:
		return "second_warning_sent"
	default:
		return "unknown"
	}
}

// UtteranceKind says why the agent is speaking. Nudges are not turns and
// are never committed to history.
type UtteranceKind int

const (
	UtteranceGreeting UtteranceKind = iota
	UtteranceReply
	UtteranceNudge
	UtteranceClosing
)

func (k UtteranceKind) String() string {
	switch k {
	case UtteranceGreeting:
		return "greeting"
	case UtteranceReply:
		return "reply"
	case UtteranceNudge:
		return "nudge"
	case UtteranceClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// State is the authoritative record of what is happening in one call.
// It has no lock of its own: the owning session guards it, together with
// its task handles, under a single mutex.
type State struct {
	callStartedAt        time.Time
	lastUserActivityAt   time.Time
	currentUserUtterance string
	lastAgentUtterance   string
	history              []Entry

	playingAudio      bool
	transcribing      bool
	transcribingSince time.Time
	callEnding        bool
	responding        bool
	warning           WarningStage
}

func NewState(startedAt time.Time) *State {
	return &State{callStartedAt: startedAt, lastUserActivityAt: startedAt}
}

// Snapshot is an immutable copy of State taken at Now.
type Snapshot struct {
	Now                  time.Time
	CallStartedAt        time.Time
	LastUserActivityAt   time.Time
	CurrentUserUtterance string
	LastAgentUtterance   string
	History              []Entry
	PlayingAudio         bool
	Transcribing         bool
	TranscribingSince    time.Time
	CallEnding           bool
	Responding           bool
	Warning              WarningStage
}

// Silence is the time since the last user activity or agent speech baseline.
func (s Snapshot) Silence() time.Duration { return s.Now.Sub(s.LastUserActivityAt) }

// Elapsed is the time since the call started.
func (s Snapshot) Elapsed() time.Duration { return s.Now.Sub(s.CallStartedAt) }

func (s *State) Snapshot(now time.Time) Snapshot {
	history := make([]Entry, len(s.history))
	copy(history, s.history)
	return Snapshot{
		Now:                  now,
		CallStartedAt:        s.callStartedAt,
		LastUserActivityAt:   s.lastUserActivityAt,
		CurrentUserUtterance: s.currentUserUtterance,
		LastAgentUtterance:   s.lastAgentUtterance,
		History:              history,
		PlayingAudio:         s.playingAudio,
		Transcribing:         s.transcribing,
		TranscribingSince:    s.transcribingSince,
		CallEnding:           s.callEnding,
		Responding:           s.responding,
		Warning:              s.warning,
	}
}

// MarkTurnStarted records speech onset reported by the engine.
func (s *State) MarkTurnStarted(now time.Time) {
	if !s.transcribing {
		s.transcribingSince = now
	}
	s.transcribing = true
}

// MarkUserActivity records that the user is speaking without adding text.
func (s *State) MarkUserActivity(now time.Time) {
	s.touch(now)
	s.warning = WarningNone
}

// AppendFinal adds a finalized transcript chunk to the user's turn.
func (s *State) AppendFinal(text string, now time.Time) {
	text = strings.TrimSpace(text)
	if text != "" {
		if s.currentUserUtterance == "" {
			s.currentUserUtterance = text
		} else {
			s.currentUserUtterance += " " + text
		}
	}
	s.warning = WarningNone
	s.touch(now)
	s.transcribing = false
	s.transcribingSince = time.Time{}
}

// SettleTranscribing clears a transcribing flag the engine never settled.
func (s *State) SettleTranscribing() {
	s.transcribing = false
	s.transcribingSince = time.Time{}
}

// AdvanceWarning moves to next if it is exactly one stage ahead.
func (s *State) AdvanceWarning(next WarningStage) bool {
	if next != s.warning+1 || next > WarningSecondSent {
		return false
	}
	s.warning = next
	return true
}

// LatchEnding sets callEnding and reports whether this call latched it.
func (s *State) LatchEnding() bool {
	if s.callEnding {
		return false
	}
	s.callEnding = true
	return true
}

func (s *State) CallEnding() bool { return s.callEnding }

func (s *State) SetPlaying(v bool) { s.playingAudio = v }

func (s *State) Playing() bool { return s.playingAudio }

func (s *State) SetResponding(v bool) { s.responding = v }

func (s *State) Responding() bool { return s.responding }

func (s *State) CurrentUserUtterance() string { return s.currentUserUtterance }

// DiscardUserUtterance drops the pending user text without recording it.
func (s *State) DiscardUserUtterance() {
	s.currentUserUtterance = ""
}

// MarkAgentSpoke resets the silence baseline after agent speech.
func (s *State) MarkAgentSpoke(now time.Time) {
	s.touch(now)
}

// CommitTurn records a finished agent utterance. For every kind but nudges
// the pending user text is committed first, then the agent text, and the
// user's turn is cleared. Entries from the same speaker are merged so the
// history always alternates.
func (s *State) CommitTurn(kind UtteranceKind, agentText string) {
	if kind == UtteranceNudge {
		return
	}
	if s.currentUserUtterance != "" {
		s.appendEntry(SpeakerUser, s.currentUserUtterance)
		s.currentUserUtterance = ""
	}
	agentText = strings.TrimSpace(agentText)
	if agentText == "" {
		return
	}
	s.appendEntry(SpeakerAgent, agentText)
	s.lastAgentUtterance = agentText
}

func (s *State) appendEntry(speaker Speaker, text string) {
	if n := len(s.history); n > 0 && s.history[n-1].Speaker == speaker {
		s.history[n-1].Text += " " + text
		return
	}
	s.history = append(s.history, Entry{Speaker: speaker, Text: text})
}

func (s *State) touch(now time.Time) {
	if now.Before(s.callStartedAt) {
		now = s.callStartedAt
	}
	if now.After(s.lastUserActivityAt) {
		s.lastUserActivityAt = now
	}
}
