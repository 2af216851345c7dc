// Package session runs one live call: it owns the turn state, the
// transcript pump, the watchdog and the single in-flight response chain.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
	"github.com/harunnryd/bondcast/pkg/adapters/tts"
	"github.com/harunnryd/bondcast/pkg/audio"
	"github.com/harunnryd/bondcast/pkg/dialogue"
	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/metrics"
	"github.com/harunnryd/bondcast/pkg/redact"
	"github.com/harunnryd/bondcast/pkg/resilience"
	"github.com/harunnryd/bondcast/pkg/speech"
	"github.com/harunnryd/bondcast/pkg/store"
	"github.com/harunnryd/bondcast/pkg/transports"
	"github.com/harunnryd/bondcast/pkg/turn"
	"github.com/harunnryd/bondcast/pkg/watchdog"
)

// Responder produces the agent's next line. *dialogue.Generator is the
// production implementation.
type Responder interface {
	Generate(ctx context.Context, in dialogue.Input) (dialogue.Result, error)
}

// Deps are the collaborators of one call. STT and TTS are per call; the
// responder is shared.
type Deps struct {
	Conn         transports.Conn
	STT          stt.StreamingSTT
	TTS          tts.StreamingTTS
	Responder    Responder
	Observer     metrics.Observer
	Logger       *slog.Logger
	Now          func() time.Time
	ConnectRetry resilience.RetryPolicy
}

type task struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// utterance is one line handed to the synthesizer. played is closed when
// the line is finished or abandoned.
type utterance struct {
	kind        turn.UtteranceKind
	text        string
	task        *task
	synthesized bool
	played      chan struct{}
	once        sync.Once
}

func (u *utterance) finish() { u.once.Do(func() { close(u.played) }) }

type CallSession struct {
	id       string
	username string
	variant  string
	cfg      Config

	conn      transports.Conn
	stt       stt.StreamingSTT
	synth     *speech.Synthesizer
	responder Responder
	retry     resilience.RetryPolicy
	obs       metrics.Observer
	logger    *slog.Logger
	now       func() time.Time

	phase  *turn.PhaseMachine
	ingest *audio.IngestBuffer
	loop   *watchdog.Loop

	ctx       context.Context
	cancel    context.CancelFunc
	sttCtx    context.Context
	sttCancel context.CancelFunc

	// mu guards the turn state together with every task handle.
	mu               sync.Mutex
	state            *turn.State
	profile          store.Profile
	background       string
	greeting         string
	pendingResponse  *task
	pendingSynthesis *task
	draining         map[*task]struct{}
	current          *utterance
	partials         int
	synthFailures    int
	sttStarted       bool
	closing          bool

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session in the Connecting phase.
func New(id, username, variant string, cfg Config, deps Deps) *CallSession {
	cfg = cfg.withDefaults()
	if variant == "" {
		variant = VariantDefault
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := logging.NewComponentLogger(base, "session").With(
		slog.String("session_id", id),
		slog.String("username", username),
		slog.String("variant", variant),
	)
	retry := deps.ConnectRetry
	if retry == (resilience.RetryPolicy{}) {
		retry = resilience.NewRetryPolicy(2, 200*time.Millisecond)
	}
	obs := metrics.OrNoop(deps.Observer)

	synth := speech.NewSynthesizer(deps.TTS, id)
	synth.SetObserver(obs)
	synth.SetLogger(base)

	ctx, cancel := context.WithCancel(context.Background())
	sttCtx, sttCancel := context.WithCancel(context.Background())
	s := &CallSession{
		id:        id,
		username:  username,
		variant:   variant,
		cfg:       cfg,
		conn:      deps.Conn,
		stt:       deps.STT,
		synth:     synth,
		responder: deps.Responder,
		retry:     retry,
		obs:       obs,
		logger:    logger,
		now:       now,
		phase:     turn.NewPhaseMachine(),
		ingest:    audio.NewIngestBuffer(),
		ctx:       ctx,
		cancel:    cancel,
		sttCtx:    sttCtx,
		sttCancel: sttCancel,
		state:     turn.NewState(now()),
		draining:  make(map[*task]struct{}),
		done:      make(chan struct{}),
	}
	s.phase.AddListener(s)
	s.loop = watchdog.NewLoop(s, cfg.Thresholds, cfg.TickInterval)
	return s
}

func (s *CallSession) ID() string { return s.id }

func (s *CallSession) Phase() turn.Phase { return s.phase.Phase() }

// Done is closed once teardown has finished.
func (s *CallSession) Done() <-chan struct{} { return s.done }

// OnPhaseChange records every phase transition.
func (s *CallSession) OnPhaseChange(ev turn.PhaseChange) {
	s.logger.Info("session_phase",
		slog.String("from", ev.From.String()),
		slog.String("to", ev.To.String()),
		slog.String("reason", ev.Reason))
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionPhase,
		Time: ev.Timestamp,
		Tags: map[string]string{
			"session_id": s.id,
			"from":       ev.From.String(),
			"to":         ev.To.String(),
			"reason":     ev.Reason,
		},
	})
}

// Accept binds the resolved caller to the session.
func (s *CallSession) Accept(profile store.Profile, cached store.Context) error {
	s.mu.Lock()
	s.profile = profile
	s.background = cached.Background
	s.greeting = store.Greeting(cached, profile)
	s.mu.Unlock()
	return s.phase.Transition(turn.PhaseAccepted, "identity_resolved")
}

// Start connects the transcription engine and waits for the client's
// ready signal. On failure the session is already closed with 1011.
func (s *CallSession) Start(ctx context.Context) error {
	err := s.retry.Do(ctx, func() error { return s.stt.Start(s.sttCtx) })
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		s.fail(err, "speech recognition unavailable")
		return err
	}
	s.mu.Lock()
	s.sttStarted = true
	s.mu.Unlock()
	go s.pumpTranscripts()
	return s.phase.Transition(turn.PhaseAwaitingReady, "stt_connected")
}

// HandleControl dispatches one inbound control message.
func (s *CallSession) HandleControl(msg transports.Control) {
	switch msg.Type {
	case transports.TypeReadyForStreaming:
		s.onReady()
	case transports.TypeAudioStarted:
		s.mu.Lock()
		s.state.SetPlaying(true)
		s.mu.Unlock()
	case transports.TypeAudioDone:
		s.onAudioDone()
	case transports.TypeAudioCleanup:
		s.onAudioCleanup()
	default:
		s.logger.Warn("control_ignored",
			slog.String("type", msg.Type),
			slog.String("reason_code", string(errorsx.ReasonTransportMalformed)))
	}
}

// HandleAudio buffers caller PCM and forwards every complete frame.
func (s *CallSession) HandleAudio(pcm []byte) {
	s.mu.Lock()
	closing, started := s.closing, s.sttStarted
	s.mu.Unlock()
	if closing {
		return
	}
	s.ingest.Append(pcm)
	if !started {
		return
	}
	for {
		frame := s.ingest.DrainFrame(s.cfg.FrameBytes)
		if frame == nil {
			return
		}
		if err := s.stt.SendAudio(frame); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
			s.logger.Warn("stt_send_failed",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
			return
		}
	}
}

// Disconnected ends the call when the client goes away.
func (s *CallSession) Disconnected(err error) {
	if err != nil {
		s.logger.Debug("client_disconnected", slog.String("error", err.Error()))
	}
	s.Close(transports.CloseNormal, "client_disconnected")
}

func (s *CallSession) onReady() {
	if err := s.phase.Transition(turn.PhaseActive, "ready_for_streaming"); err != nil {
		s.logger.Warn("ready_ignored", slog.String("error", err.Error()))
		return
	}
	s.mu.Lock()
	s.state = turn.NewState(s.now())
	greeting := s.greeting
	s.mu.Unlock()

	go s.loop.Run(s.ctx)

	if strings.TrimSpace(greeting) != "" {
		s.mu.Lock()
		if !s.closing {
			s.state.SetResponding(true)
			s.startSynthesisLocked(turn.UtteranceGreeting, greeting)
		}
		s.mu.Unlock()
	}
	if s.variant == VariantDefault {
		s.sendControl(transports.Control{Type: transports.TypeStartRecording})
	}
}

func (s *CallSession) onAudioDone() {
	s.mu.Lock()
	s.state.SetPlaying(false)
	if u := s.current; u != nil && u.synthesized {
		s.finishUtteranceLocked(u)
	}
	ending := s.state.CallEnding() && s.current == nil && s.pendingResponse == nil && !s.closing
	s.mu.Unlock()
	if ending {
		s.Close(transports.CloseNormal, "call_ended")
	}
}

func (s *CallSession) onAudioCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SetPlaying(false)
	if u := s.current; u != nil && u.synthesized {
		s.current = nil
		u.finish()
	}
	if s.pendingResponse == nil && s.current == nil {
		s.state.SetResponding(false)
	}
}

func (s *CallSession) pumpTranscripts() {
	for ev := range s.stt.Results() {
		switch ev.Kind {
		case stt.EventTurnStarted:
			s.mu.Lock()
			s.state.MarkTurnStarted(s.now())
			s.mu.Unlock()
		case stt.EventPartial:
			s.onPartial(ev.Text)
		case stt.EventFinal:
			s.onFinal(ev.Text)
		case stt.EventError:
			err := ev.Err
			if err == nil {
				err = errors.New("transcription engine error")
			}
			s.fail(errorsx.Wrap(err, errorsx.ReasonSTTStream), "transcription failed")
			return
		}
	}
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if !closing {
		s.fail(errorsx.Wrap(errors.New("transcript stream closed"), errorsx.ReasonSTTStream), "transcription failed")
	}
}

func (s *CallSession) onPartial(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.mu.Lock()
	playing := s.state.Playing()
	if playing {
		s.partials++
	} else {
		s.partials = 0
	}
	gated := playing && s.partials < s.cfg.BargeInMinPartials
	if gated {
		s.state.MarkUserActivity(s.now())
	}
	s.mu.Unlock()
	if gated {
		return
	}
	s.cancelPendingTurnWork("partial")
}

func (s *CallSession) onFinal(text string) {
	if strings.TrimSpace(text) == "" {
		s.mu.Lock()
		s.state.SettleTranscribing()
		s.mu.Unlock()
		return
	}
	s.cancelPendingTurnWork("final")
	s.mu.Lock()
	s.state.AppendFinal(text, s.now())
	s.partials = 0
	s.mu.Unlock()
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventUserFinal,
		Time: s.now(),
		Tags: map[string]string{"session_id": s.id},
	})
	s.logger.Debug("user_final", slog.String("text", redact.Transcript(text, 120)))
}

// cancelPendingTurnWork is the only place turn work is cancelled. It
// returns after every cancelled task has exited.
func (s *CallSession) cancelPendingTurnWork(trigger string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	hadUtterance := s.current != nil
	wasPlaying := s.state.Playing()
	tasks := s.detachTasksLocked()
	s.state.SetResponding(false)
	s.state.MarkUserActivity(s.now())
	s.mu.Unlock()

	for _, t := range tasks {
		<-t.done
	}
	if len(tasks) == 0 && !wasPlaying && !hadUtterance {
		return
	}
	s.sendControl(transports.Control{Type: transports.TypeStopAudio})
	s.mu.Lock()
	s.state.SetPlaying(false)
	s.mu.Unlock()

	s.logger.Info("barge_in", slog.String("trigger", trigger), slog.Int("cancelled", len(tasks)))
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventBargeIn,
		Time:  s.now(),
		Value: float64(len(tasks)),
		Tags:  map[string]string{"session_id": s.id, "trigger": trigger},
	})
}

// detachTasksLocked cancels both task handles, moves them to the draining
// set and abandons the current utterance.
func (s *CallSession) detachTasksLocked() []*task {
	var tasks []*task
	for _, t := range []*task{s.pendingResponse, s.pendingSynthesis} {
		if t == nil {
			continue
		}
		s.draining[t] = struct{}{}
		t.cancel()
		tasks = append(tasks, t)
	}
	s.pendingResponse = nil
	s.pendingSynthesis = nil
	if u := s.current; u != nil {
		s.current = nil
		u.finish()
	}
	return tasks
}

func (s *CallSession) newTaskLocked() *task {
	ctx, cancel := context.WithCancel(s.ctx)
	return &task{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (s *CallSession) finishTask(t *task) {
	s.mu.Lock()
	delete(s.draining, t)
	s.mu.Unlock()
	t.cancel()
	close(t.done)
}

// launchResponseLocked starts the response chain for the current user
// utterance. It refuses while anything is in flight or still draining.
func (s *CallSession) launchResponseLocked() bool {
	if s.closing || s.state.Responding() || s.state.CallEnding() {
		return false
	}
	if len(s.draining) > 0 || s.pendingResponse != nil || s.current != nil {
		return false
	}
	now := s.now()
	snap := s.state.Snapshot(now)
	if snap.CurrentUserUtterance == "" {
		return false
	}
	in := dialogue.Input{
		Variant: s.variant,
		Profile: dialogue.Profile{
			DisplayName:  s.profile.DisplayName,
			DateOfBirth:  s.profile.DateOfBirth,
			PriorContext: s.profile.PriorContextSummary,
		},
		Background:         s.background,
		History:            snap.History,
		LastAgentUtterance: snap.LastAgentUtterance,
		UserUtterance:      snap.CurrentUserUtterance,
		Elapsed:            snap.Elapsed(),
		Now:                now,
	}
	t := s.newTaskLocked()
	s.pendingResponse = t
	s.state.SetResponding(true)
	go s.runResponse(t, in)
	return true
}

func (s *CallSession) runResponse(t *task, in dialogue.Input) {
	defer s.finishTask(t)
	started := s.now()
	ctx, cancel := context.WithTimeout(t.ctx, s.cfg.ResponseTimeout)
	res, err := s.responder.Generate(ctx, in)
	if err != nil && t.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("response_timeout",
			slog.Duration("timeout", s.cfg.ResponseTimeout),
			slog.String("reason_code", string(errorsx.ReasonLLMGenerate)))
		res, err = dialogue.Result{Text: s.cfg.Lines.Apology, ShouldEndCall: true, Fallback: true}, nil
	}
	cancel()

	s.mu.Lock()
	if t.ctx.Err() != nil || s.pendingResponse != t {
		s.mu.Unlock()
		return
	}
	s.pendingResponse = nil
	if err != nil {
		s.state.SetResponding(false)
		s.mu.Unlock()
		s.logger.Log(t.ctx, errorsx.Level(err), "response_failed", errorsx.Attrs(err)...)
		return
	}
	if res.Silent {
		s.state.SetResponding(false)
		s.state.DiscardUserUtterance()
		s.mu.Unlock()
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventResponseSilent,
			Time: s.now(),
			Tags: map[string]string{"session_id": s.id},
		})
		return
	}
	ending := res.ShouldEndCall && s.state.LatchEnding()
	s.startSynthesisLocked(turn.UtteranceReply, res.Text)
	s.mu.Unlock()

	name := metrics.EventResponseGenerated
	if res.Fallback {
		name = metrics.EventResponseFallback
	}
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  s.now(),
		Value: float64(s.now().Sub(started).Milliseconds()),
		Tags: map[string]string{
			"session_id": s.id,
			"end_call":   strconv.FormatBool(res.ShouldEndCall),
		},
	})
	s.logger.Info("response_generated",
		slog.Bool("end_call", res.ShouldEndCall),
		slog.Bool("fallback", res.Fallback),
		slog.String("text", redact.Transcript(res.Text, 120)))
	if ending {
		s.transition(turn.PhaseEnding, "end_call")
	}
}

// startSynthesisLocked hands text to the synthesizer. Audio is not sent
// until every draining task has exited.
func (s *CallSession) startSynthesisLocked(kind turn.UtteranceKind, text string) *utterance {
	if prev := s.pendingSynthesis; prev != nil {
		s.draining[prev] = struct{}{}
		prev.cancel()
		s.pendingSynthesis = nil
	}
	if u := s.current; u != nil {
		s.current = nil
		u.finish()
	}
	waits := make([]<-chan struct{}, 0, len(s.draining))
	for t := range s.draining {
		waits = append(waits, t.done)
	}
	u := &utterance{kind: kind, text: text, task: s.newTaskLocked(), played: make(chan struct{})}
	s.pendingSynthesis = u.task
	s.current = u
	go s.runSynthesis(u, waits)
	return u
}

func (s *CallSession) runSynthesis(u *utterance, waits []<-chan struct{}) {
	t := u.task
	defer s.finishTask(t)
	for _, w := range waits {
		select {
		case <-w:
		case <-t.ctx.Done():
			return
		}
	}
	ctx, cancel := context.WithTimeout(t.ctx, s.cfg.PlaybackWaitTimeout)
	err := s.synth.Speak(ctx, u.text, speech.SinkFunc(s.conn.SendAudio))
	cancel()

	s.mu.Lock()
	if s.pendingSynthesis == t {
		s.pendingSynthesis = nil
	}
	if t.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if err != nil {
		exhausted := s.abandonUtteranceLocked(u)
		s.mu.Unlock()
		s.logger.Log(t.ctx, errorsx.Level(err), "utterance_abandoned",
			append([]any{slog.String("kind", u.kind.String())}, errorsx.Attrs(err)...)...)
		if exhausted {
			s.synthesisExhausted(err)
		}
		return
	}
	s.synthFailures = 0
	u.synthesized = true
	s.state.MarkAgentSpoke(s.now())
	if s.current == u && !s.state.Playing() {
		time.AfterFunc(s.cfg.PlaybackAckTimeout, func() { s.onPlaybackAckTimeout(u) })
	}
	s.mu.Unlock()
}

// abandonUtteranceLocked handles a failed synthesis. A reply is spoken
// again without asking the responder; once the failure limit is reached
// the call is latched ending and true is returned.
func (s *CallSession) abandonUtteranceLocked(u *utterance) bool {
	if s.current != u {
		return false
	}
	s.synthFailures++
	if s.synthFailures >= s.cfg.SynthesisFailureLimit {
		s.current = nil
		u.finish()
		s.state.LatchEnding()
		s.state.SetResponding(false)
		return true
	}
	if u.kind == turn.UtteranceReply {
		s.startSynthesisLocked(u.kind, u.text)
		return false
	}
	s.current = nil
	s.state.SetResponding(false)
	u.finish()
	return false
}

// synthesisExhausted ends a call that can no longer be spoken to.
func (s *CallSession) synthesisExhausted(err error) {
	s.logger.Error("synthesis_exhausted", errorsx.Attrs(err)...)
	s.sendControl(transports.Control{Type: transports.TypeError, Message: "speech synthesis unavailable"})
	s.transition(turn.PhaseEnding, "synthesis_failed")
	s.Close(transports.CloseNormal, "synthesis_failed")
}

// onPlaybackAckTimeout treats an utterance as finished when the client
// never reported playing it.
func (s *CallSession) onPlaybackAckTimeout(u *utterance) {
	s.mu.Lock()
	if s.closing || s.current != u || s.state.Playing() {
		s.mu.Unlock()
		return
	}
	s.finishUtteranceLocked(u)
	ending := s.state.CallEnding() && s.pendingResponse == nil
	s.mu.Unlock()
	s.logger.Warn("playback_ack_timeout", slog.String("kind", u.kind.String()))
	if ending {
		s.Close(transports.CloseNormal, "call_ended")
	}
}

// finishUtteranceLocked commits a played utterance to the history.
func (s *CallSession) finishUtteranceLocked(u *utterance) {
	if s.current != u {
		return
	}
	s.current = nil
	s.state.CommitTurn(u.kind, u.text)
	s.state.SetResponding(false)
	s.state.MarkAgentSpoke(s.now())
	u.finish()
	if u.kind != turn.UtteranceNudge {
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventTurnCommitted,
			Time: s.now(),
			Tags: map[string]string{"session_id": s.id, "kind": u.kind.String()},
		})
	}
}

// speakAndWait speaks text and blocks until it has played, the wait bound
// passes, or ctx ends.
func (s *CallSession) speakAndWait(ctx context.Context, kind turn.UtteranceKind, text string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	u := s.startSynthesisLocked(kind, text)
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.PlaybackWaitTimeout)
	defer timer.Stop()
	select {
	case <-u.played:
	case <-ctx.Done():
	case <-timer.C:
		s.mu.Lock()
		if s.pendingSynthesis == u.task {
			s.draining[u.task] = struct{}{}
			u.task.cancel()
			s.pendingSynthesis = nil
		}
		s.finishUtteranceLocked(u)
		s.mu.Unlock()
		s.logger.Warn("playback_wait_timeout", slog.String("kind", kind.String()))
	}
}

// Snapshot implements watchdog.Executor.
func (s *CallSession) Snapshot() turn.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot(s.now())
}

// Execute implements watchdog.Executor.
func (s *CallSession) Execute(ctx context.Context, action watchdog.Action) bool {
	switch action {
	case watchdog.ActionSettleTranscript:
		s.mu.Lock()
		s.state.SettleTranscribing()
		s.mu.Unlock()
		s.logger.Warn("transcript_settled")
		return true
	case watchdog.ActionCloseEnded:
		s.Close(transports.CloseNormal, "call_ended")
	case watchdog.ActionMaxDuration:
		s.endWith(ctx, s.cfg.Lines.MaxDuration, "max_duration")
	case watchdog.ActionRespond:
		s.mu.Lock()
		s.launchResponseLocked()
		s.mu.Unlock()
	case watchdog.ActionFirstNudge:
		s.mu.Lock()
		ok := s.state.AdvanceWarning(turn.WarningFirstSent)
		s.mu.Unlock()
		if !ok {
			return false
		}
		s.recordNudge(turn.WarningFirstSent)
		s.speakAndWait(ctx, turn.UtteranceNudge, s.cfg.Lines.Nudge)
		return true
	case watchdog.ActionSecondNudge:
		s.mu.Lock()
		ok := s.state.AdvanceWarning(turn.WarningSecondSent)
		s.mu.Unlock()
		if !ok {
			return false
		}
		s.recordNudge(turn.WarningSecondSent)
		if s.cfg.Lines.SecondNudge != "" {
			s.speakAndWait(ctx, turn.UtteranceNudge, s.cfg.Lines.SecondNudge)
		}
	case watchdog.ActionFinalTimeout:
		s.endWith(ctx, s.cfg.Lines.Goodbye, "inactivity")
	}
	return false
}

func (s *CallSession) endWith(ctx context.Context, line, reason string) {
	s.mu.Lock()
	tasks := s.detachTasksLocked()
	s.state.SetResponding(false)
	s.state.LatchEnding()
	s.mu.Unlock()
	if len(tasks) > 0 {
		s.sendControl(transports.Control{Type: transports.TypeStopAudio})
	}
	s.transition(turn.PhaseEnding, reason)
	s.speakAndWait(ctx, turn.UtteranceClosing, line)
	s.Close(transports.CloseNormal, reason)
}

func (s *CallSession) recordNudge(stage turn.WarningStage) {
	s.logger.Info("nudge_sent", slog.String("stage", stage.String()))
	s.obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventNudgeSent,
		Time: s.now(),
		Tags: map[string]string{"session_id": s.id, "stage": stage.String()},
	})
}

func (s *CallSession) fail(err error, message string) {
	s.logger.Error("session_failed", errorsx.Attrs(err)...)
	s.sendControl(transports.Control{Type: transports.TypeError, Message: message})
	s.Close(transports.CloseInternalError, string(errorsx.Reason(err)))
}

func (s *CallSession) sendControl(msg transports.Control) {
	if err := s.conn.SendControl(msg); err != nil {
		s.logger.Debug("control_send_failed",
			slog.String("type", msg.Type),
			slog.String("reason_code", string(errorsx.ReasonTransportSend)),
			slog.String("error", err.Error()))
	}
}

func (s *CallSession) transition(to turn.Phase, reason string) {
	if err := s.phase.Transition(to, reason); err != nil {
		var invalid *turn.InvalidTransitionError
		if errors.As(err, &invalid) {
			s.logger.Debug("phase_transition_skipped", slog.String("error", err.Error()))
			return
		}
		s.logger.Warn("phase_transition_failed", slog.String("error", err.Error()))
	}
}

// Close tears the call down with code. Only the first call has any effect.
func (s *CallSession) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.detachTasksLocked()
		waits := make([]<-chan struct{}, 0, len(s.draining))
		for t := range s.draining {
			waits = append(waits, t.done)
		}
		started := s.sttStarted
		s.mu.Unlock()

		s.cancel()
		s.awaitDrain(waits)

		if started {
			if rest := s.ingest.Flush(); len(rest) > 0 {
				if err := s.stt.SendAudio(rest); err != nil {
					s.logger.Debug("stt_flush_failed", slog.String("error", err.Error()))
				}
			}
		}
		phase := s.phase.Phase()
		if s.variant == VariantDefault && (phase == turn.PhaseActive || phase == turn.PhaseEnding) {
			s.sendControl(transports.Control{Type: transports.TypeStopRecording})
		}
		if err := s.stt.Close(); err != nil {
			err = errorsx.Wrap(err, errorsx.ReasonSTTTerminate)
			s.logger.Warn("stt_terminate_failed",
				slog.String("reason_code", string(errorsx.Reason(err))),
				slog.String("error", err.Error()))
		}
		s.sttCancel()
		if err := s.conn.Close(code, reason); err != nil {
			s.logger.Debug("conn_close_failed", slog.String("error", err.Error()))
		}
		s.transition(turn.PhaseClosed, reason)
		s.obs.RecordEvent(metrics.MetricsEvent{
			Name: metrics.EventCallClosed,
			Time: s.now(),
			Tags: map[string]string{
				"session_id": s.id,
				"close_code": strconv.Itoa(code),
				"reason":     reason,
			},
		})
		close(s.done)
	})
}

func (s *CallSession) awaitDrain(waits []<-chan struct{}) {
	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	for _, w := range waits {
		select {
		case <-w:
		case <-timer.C:
			s.logger.Warn("task_drain_timeout")
			return
		}
	}
}
