package bondcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/harunnryd/bondcast/pkg/configutil"
	"github.com/harunnryd/bondcast/pkg/dialogue"
	"github.com/harunnryd/bondcast/pkg/llm"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/metrics"
	"github.com/harunnryd/bondcast/pkg/observers"
	"github.com/harunnryd/bondcast/pkg/redact"
	"github.com/harunnryd/bondcast/pkg/resilience"
	"github.com/harunnryd/bondcast/pkg/runner"
	"github.com/harunnryd/bondcast/pkg/session"
	"github.com/harunnryd/bondcast/pkg/store"
	"github.com/harunnryd/bondcast/pkg/transports"
	"github.com/harunnryd/bondcast/pkg/transports/websocket"
)

// DateLayout is the format of seeded dates of birth.
const DateLayout = "2006-01-02"

type Engine struct {
	cfg       Config
	providers *ProviderRegistry
	manager   *session.Manager
	registry  *session.Registry
	transport transports.Transport
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	closers   []func() error
	logger    *slog.Logger
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	// Directory and Contexts override the stores named in the config.
	Directory store.Directory
	Contexts  store.ContextStore
	// Transport overrides the configured transport. It is built from the
	// returned accepter so it can route calls to the session manager.
	Transport func(transports.Accepter) transports.Transport
	Logger    *slog.Logger
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	redact.SetEnabled(cfg.Privacy.RedactPII)
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("bondcast_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
		"directory", cfg.Stores.Directory,
		"context_store", cfg.Stores.Context,
	)

	e := &Engine{cfg: cfg, providers: opts.Providers, logger: logger}
	if e.providers == nil {
		e.providers = DefaultProviders()
	}
	ok := false
	defer func() {
		if !ok {
			e.closeAll()
		}
	}()

	obs, err := e.buildObservers()
	if err != nil {
		return nil, err
	}

	directory := opts.Directory
	if directory == nil {
		if directory, err = e.buildDirectory(ctx); err != nil {
			return nil, err
		}
	}
	contexts := opts.Contexts
	if contexts == nil {
		if contexts, err = e.buildContextStore(ctx); err != nil {
			return nil, err
		}
	}

	sttFactory, err := e.providers.BuildSTTFactory(cfg)
	if err != nil {
		return nil, err
	}
	ttsFactory, err := e.providers.BuildTTSFactory(cfg)
	if err != nil {
		return nil, err
	}
	adapter, err := e.providers.BuildLLM(ctx, cfg)
	if err != nil {
		return nil, err
	}
	breaker := resilience.NewCircuitBreaker(cfg.LLM.BreakerThreshold, cfg.LLM.BreakerCooldown)
	if cfg.LLM.BreakerCountAll {
		breaker.CountAll()
	}
	guarded := llm.NewCircuitBreakerAdapter(adapter, breaker)
	guarded.SetObserver(obs)
	generator, err := dialogue.NewGenerator(guarded, cfg.DialogueConfig())
	if err != nil {
		return nil, fmt.Errorf("dialogue generator: %w", err)
	}

	e.registry = session.NewRegistry()
	e.manager = session.NewManager(session.ManagerOptions{
		Config:    cfg.SessionConfig(),
		Directory: directory,
		Contexts:  contexts,
		STT:       sttFactory,
		TTS:       ttsFactory,
		Responder: generator,
		Registry:  e.registry,
		Observer:  obs,
		Logger:    logging.NewComponentLogger(logger, "session"),
	})

	if opts.Transport != nil {
		e.transport = opts.Transport(e.manager)
	} else if e.transport, err = buildTransport(cfg, e.manager); err != nil {
		return nil, err
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "BondCast Ready"}
			if rr, ok := e.transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			logger.Info("engine_ready", fields...)
		},
		OnStop: func() {
			e.closeAll()
			logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", e.registry.Count())
		},
	}
	e.runner = runner.NewLifecycleRunner(drainerFunc(e.drain), hooks, cfg.Shutdown.DrainTimeout)
	ok = true
	return e, nil
}

func (e *Engine) buildObservers() (metrics.Observer, error) {
	list := []metrics.Observer{
		observers.NewLatencyObserver(e.logger),
		observers.NewLoggerObserver(e.logger),
	}
	o := e.cfg.Observability
	if dir := strings.TrimSpace(o.ArtifactsDir); dir != "" {
		if o.RetentionDays > 0 {
			if n, err := observers.PurgeTimelines(dir, time.Duration(o.RetentionDays)*24*time.Hour); err != nil {
				e.logger.Warn("timeline_purge_failed", "error", err)
			} else if n > 0 {
				e.logger.Info("timeline_purged", "files", n)
			}
		}
		timeline := observers.NewTimelineObserver(dir)
		e.closers = append(e.closers, timeline.Close)
		list = append(list, timeline)
	}
	if path := strings.TrimSpace(o.MetricsPath); path != "" {
		jsonl, err := metrics.OpenJSONLFile(path)
		if err != nil {
			return nil, fmt.Errorf("observability.metrics_path: %w", err)
		}
		e.closers = append(e.closers, jsonl.Close)
		var sink metrics.Observer = jsonl
		if rate := o.SampleRate; rate > 0 && rate < 1 {
			sink = metrics.NewSamplingObserver(jsonl, rate)
		}
		list = append(list, sink)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(list...), 2048)
	// Flushed before the sinks behind it are closed.
	e.closers = append([]func() error{func() error { e.asyncObs.Close(); return nil }}, e.closers...)
	return e.asyncObs, nil
}

func (e *Engine) buildDirectory(ctx context.Context) (store.Directory, error) {
	s := e.cfg.Stores
	switch strings.ToLower(strings.TrimSpace(s.Directory)) {
	case "postgres":
		pool, err := store.OpenPool(ctx, s.PostgresDSN)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() error { pool.Close(); return nil })
		if s.Migrate {
			if err := store.Migrate(ctx, pool); err != nil {
				return nil, err
			}
		}
		return store.NewPostgresDirectory(pool), nil
	case "memory", "":
		profiles, err := seedProfiles(s.Users)
		if err != nil {
			return nil, err
		}
		return store.NewMemoryDirectory(profiles...), nil
	default:
		return nil, fmt.Errorf("unsupported directory store: %s", s.Directory)
	}
}

func (e *Engine) buildContextStore(ctx context.Context) (store.ContextStore, error) {
	s := e.cfg.Stores
	switch strings.ToLower(strings.TrimSpace(s.Context)) {
	case "redis":
		client, err := store.OpenRedis(ctx, s.RedisURL)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, client.Close)
		return store.NewRedisContextStore(client), nil
	case "memory":
		contexts := store.NewMemoryContextStore()
		for _, u := range s.Users {
			if u.Greeting == "" && u.Background == "" {
				continue
			}
			if err := contexts.Save(ctx, u.ID, store.Context{OpeningGreeting: u.Greeting, Background: u.Background}); err != nil {
				return nil, err
			}
		}
		return contexts, nil
	case "none", "":
		return store.NoContextStore{}, nil
	default:
		return nil, fmt.Errorf("unsupported context store: %s", s.Context)
	}
}

func seedProfiles(users []UserConfig) ([]store.Profile, error) {
	out := make([]store.Profile, 0, len(users))
	for i, u := range users {
		if strings.TrimSpace(u.Username) == "" {
			return nil, fmt.Errorf("stores.users[%d].username is required", i)
		}
		p := store.Profile{
			ID:                  u.ID,
			Username:            u.Username,
			DisplayName:         u.DisplayName,
			PriorContextSummary: u.PriorContext,
		}
		if p.ID == 0 {
			p.ID = int64(i + 1)
		}
		if d := strings.TrimSpace(u.DateOfBirth); d != "" {
			dob, err := time.Parse(DateLayout, d)
			if err != nil {
				return nil, fmt.Errorf("stores.users[%d].date_of_birth: %w", i, err)
			}
			p.DateOfBirth = dob
		}
		out = append(out, p)
	}
	return out, nil
}

func buildTransport(cfg Config, accepter transports.Accepter) (transports.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transports.Provider)) {
	case "websocket", "":
		var settings websocket.Config
		if err := configutil.Decode("transports.settings", cfg.Transports.Settings, configutil.Schema{
			Optional: []string{"server_addr", "allow_any_origin", "allowed_origins", "write_timeout", "read_limit"},
		}, &settings); err != nil {
			return nil, err
		}
		return websocket.New(settings, accepter), nil
	default:
		return nil, fmt.Errorf("unsupported transport provider: %s", cfg.Transports.Provider)
	}
}

// Start opens the transport and runs the lifecycle until ctx is done or
// Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := e.runner.Run(ctx); err != nil {
			e.logger.Warn("engine_stop_failed", "error", err)
		}
	}()
	return nil
}

func (e *Engine) Stop() error {
	return e.runner.Stop()
}

func (e *Engine) drain() error {
	var errs error
	if err := e.transport.Stop(); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := e.registry.Drain(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("drain calls: %w", err))
	}
	return errs
}

func (e *Engine) closeAll() {
	closers := e.closers
	e.closers = nil
	for _, c := range closers {
		if err := c(); err != nil {
			e.logger.Warn("close_failed", "error", err)
		}
	}
}

func (e *Engine) Manager() *session.Manager { return e.manager }

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

type drainerFunc func() error

func (f drainerFunc) Drain() error { return f() }
