package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/bondcast/pkg/adapters/stt"
	"github.com/harunnryd/bondcast/pkg/adapters/tts"
	"github.com/harunnryd/bondcast/pkg/audio"
	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/metrics"
	"github.com/harunnryd/bondcast/pkg/store"
	"github.com/harunnryd/bondcast/pkg/transports"
)

// ErrDraining is returned for calls arriving during shutdown.
var ErrDraining = errors.New("server is draining")

// Manager resolves incoming calls into sessions. It implements
// transports.Accepter.
type Manager struct {
	cfg       Config
	directory store.Directory
	contexts  store.ContextStore
	sttNew    stt.Factory
	ttsNew    tts.Factory
	responder Responder
	registry  *Registry
	obs       metrics.Observer
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

type ManagerOptions struct {
	Config    Config
	Directory store.Directory
	Contexts  store.ContextStore
	STT       stt.Factory
	TTS       tts.Factory
	Responder Responder
	Registry  *Registry
	Observer  metrics.Observer
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Contexts == nil {
		opts.Contexts = store.NoContextStore{}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		cfg:       opts.Config,
		directory: opts.Directory,
		contexts:  opts.Contexts,
		sttNew:    opts.STT,
		ttsNew:    opts.TTS,
		responder: opts.Responder,
		registry:  opts.Registry,
		obs:       metrics.OrNoop(opts.Observer),
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     uuid.NewString,
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

// Accept resolves the caller, builds the session and connects its
// transcription engine. A rejected call is already closed on conn.
func (m *Manager) Accept(ctx context.Context, req transports.CallRequest, conn transports.Conn) (transports.Handler, error) {
	logger := logging.NewComponentLogger(m.logger, "session_manager")
	if m.registry.Draining() {
		_ = conn.Close(transports.CloseNormal, "server_shutdown")
		return nil, &transports.RejectError{Code: transports.CloseNormal, Reason: "server_shutdown", Err: ErrDraining}
	}

	id := m.newID()
	s := New(id, req.Username, req.Variant, m.cfg, Deps{
		Conn: conn,
		STT: m.sttNew(stt.Config{
			SessionID:  id,
			SampleRate: audio.SampleRate,
		}),
		TTS: m.ttsNew(tts.Config{
			SessionID:  id,
			SampleRate: audio.SampleRate,
		}),
		Responder: m.responder,
		Observer:  m.obs,
		Logger:    m.logger,
		Now:       m.now,
	})

	profile, err := m.directory.Lookup(ctx, req.Username)
	if err != nil {
		code, reason := transports.CloseInternalError, string(errorsx.ReasonIdentityLookup)
		if errors.Is(err, store.ErrNotFound) {
			code, reason = transports.CloseUnknownUser, string(errorsx.ReasonIdentityNotFound)
		}
		err = errorsx.Wrap(err, errorsx.ReasonCode(reason))
		logger.Warn("call_rejected",
			slog.String("session_id", id),
			slog.String("username", req.Username),
			slog.String("reason_code", reason),
			slog.String("error", err.Error()))
		s.Close(code, reason)
		return nil, &transports.RejectError{Code: code, Reason: reason, Err: err}
	}

	cached, err := m.contexts.Load(ctx, profile.ID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonContextLoad)
		logger.Warn("context_load_failed",
			slog.String("session_id", id),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		cached = store.Context{}
	}
	if err := s.Accept(profile, cached); err != nil {
		s.Close(transports.CloseInternalError, "accept_failed")
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, &transports.RejectError{Code: transports.CloseInternalError, Reason: string(errorsx.Reason(err)), Err: err}
	}
	m.registry.Add(s)
	logger.Info("call_accepted",
		slog.String("session_id", id),
		slog.String("username", req.Username),
		slog.String("variant", req.Variant),
		slog.String("remote_ip", req.RemoteIP))
	return s, nil
}
