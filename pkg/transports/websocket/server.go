// Package websocket serves browser calls over a websocket: JSON control
// messages and binary PCM16 audio in both directions.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/harunnryd/bondcast/pkg/errorsx"
	"github.com/harunnryd/bondcast/pkg/logging"
	"github.com/harunnryd/bondcast/pkg/transports"
)

type Config struct {
	ServerAddr     string        `mapstructure:"server_addr"`
	AllowAnyOrigin bool          `mapstructure:"allow_any_origin"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	ReadLimit      int64         `mapstructure:"read_limit"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

type Server struct {
	cfg      Config
	accepter transports.Accepter
	server   *http.Server
	upgrader gws.Upgrader
	draining atomic.Bool
	logger   *slog.Logger
}

func New(cfg Config, accepter transports.Accepter) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:      cfg,
		accepter: accepter,
		upgrader: gws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.NewComponentLogger(slog.Default(), "websocket_transport"),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	return s
}

func (s *Server) Name() string { return "websocket" }

func (s *Server) ReadyFields() map[string]any {
	return map[string]any{
		"listen_addr": s.cfg.ServerAddr,
		"call_route":  "/ws/speech/{username}/{variant}/",
	}
}

// Handler returns the HTTP routes served by Start.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/speech/{username}/{variant}/{$}", s.ServeCall)
	mux.HandleFunc("GET /ws/speech/{username}/{variant}", s.ServeCall)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", s.cfg.ServerAddr)
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket_server_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop refuses new calls and closes the listener. Live calls are closed
// by the session registry.
func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// ServeCall upgrades one browser call and runs its read loop.
func (s *Server) ServeCall(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	req := transports.CallRequest{
		Username: strings.TrimSpace(r.PathValue("username")),
		Variant:  strings.TrimSpace(r.PathValue("variant")),
		RemoteIP: remoteIP(r),
	}
	if req.Username == "" {
		http.Error(w, "missing username", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade_failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(s.cfg.ReadLimit)
	c := newConn(ws, s.cfg.WriteTimeout)
	defer func() { <-c.Done() }()

	handler, err := s.accepter.Accept(r.Context(), req, c)
	if err != nil {
		var reject *transports.RejectError
		code := transports.CloseInternalError
		if errors.As(err, &reject) {
			code = reject.Code
		}
		s.logger.Info("call_refused",
			slog.String("username", req.Username),
			slog.Int("close_code", code),
			slog.String("error", err.Error()))
		_ = c.Close(code, "")
		return
	}
	s.readLoop(ws, c, handler)
}

func (s *Server) readLoop(ws *gws.Conn, c *conn, handler transports.Handler) {
	for {
		kind, msg, err := ws.ReadMessage()
		if err != nil {
			handler.Disconnected(err)
			_ = c.Close(transports.CloseNormal, "")
			return
		}
		switch kind {
		case gws.BinaryMessage:
			handler.HandleAudio(msg)
		case gws.TextMessage:
			ctrl, err := transports.ParseControl(msg)
			if err != nil {
				err = errorsx.Wrap(err, errorsx.ReasonTransportMalformed)
				s.logger.Warn("control_malformed",
					slog.String("reason_code", string(errorsx.Reason(err))),
					slog.String("error", err.Error()))
				continue
			}
			handler.HandleControl(ctrl)
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
