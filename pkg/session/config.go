package session

import (
	"time"

	"github.com/harunnryd/bondcast/pkg/audio"
	"github.com/harunnryd/bondcast/pkg/dialogue"
	"github.com/harunnryd/bondcast/pkg/watchdog"
)

// VariantDefault is the only variant that drives the client's recorder.
const VariantDefault = "default"

// Lines are the fixed utterances the controller speaks on its own.
type Lines struct {
	Nudge       string
	SecondNudge string
	Goodbye     string
	MaxDuration string
	// Apology replaces a reply the engine could not produce in time.
	Apology string
}

func DefaultLines() Lines {
	return Lines{
		Nudge:       "Are you still there?",
		Goodbye:     "Let's do this Bond Cast later.",
		MaxDuration: "Sorry but I have to go right now. It was nice chatting and I will talk to you later.",
		Apology:     dialogue.DefaultApologyLine,
	}
}

type Config struct {
	Thresholds   watchdog.Thresholds
	TickInterval time.Duration
	FrameBytes   int
	// BargeInMinPartials is how many partial transcripts pre-empt audio
	// that is already playing.
	BargeInMinPartials  int
	PlaybackAckTimeout  time.Duration
	PlaybackWaitTimeout time.Duration
	// ResponseTimeout bounds one generation; past it the turn gets the
	// apology line and the call ends.
	ResponseTimeout time.Duration
	// SynthesisFailureLimit is how many consecutive synthesis failures end
	// the call. A failed reply is re-spoken, never regenerated.
	SynthesisFailureLimit int
	// DrainTimeout bounds how long teardown waits for cancelled tasks.
	DrainTimeout time.Duration
	Lines        Lines
}

func DefaultConfig() Config {
	return Config{
		Thresholds:            watchdog.DefaultThresholds(),
		TickInterval:          100 * time.Millisecond,
		FrameBytes:            audio.DefaultFrameBytes,
		BargeInMinPartials:    1,
		PlaybackAckTimeout:    3 * time.Second,
		PlaybackWaitTimeout:   30 * time.Second,
		ResponseTimeout:       20 * time.Second,
		SynthesisFailureLimit: 2,
		DrainTimeout:          2 * time.Second,
		Lines:                 DefaultLines(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Thresholds == (watchdog.Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.FrameBytes <= 0 {
		c.FrameBytes = d.FrameBytes
	}
	if c.BargeInMinPartials <= 0 {
		c.BargeInMinPartials = d.BargeInMinPartials
	}
	if c.PlaybackAckTimeout <= 0 {
		c.PlaybackAckTimeout = d.PlaybackAckTimeout
	}
	if c.PlaybackWaitTimeout <= 0 {
		c.PlaybackWaitTimeout = d.PlaybackWaitTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.SynthesisFailureLimit <= 0 {
		c.SynthesisFailureLimit = d.SynthesisFailureLimit
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.Lines.Nudge == "" {
		c.Lines.Nudge = d.Lines.Nudge
	}
	if c.Lines.Goodbye == "" {
		c.Lines.Goodbye = d.Lines.Goodbye
	}
	if c.Lines.MaxDuration == "" {
		c.Lines.MaxDuration = d.Lines.MaxDuration
	}
	if c.Lines.Apology == "" {
		c.Lines.Apology = d.Lines.Apology
	}
	return c
}
