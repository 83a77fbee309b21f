// Package httpapi exposes the acknowledgment and notification operations over
// HTTP, streams realtime events over WebSocket and serves Prometheus metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"queuebell/internal/ack"
	"queuebell/internal/eventbus"
	"queuebell/internal/queue"
	"queuebell/internal/router"
	logx "queuebell/pkg/logx"
)

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Token, when set, must be presented as a Bearer token on /v1 and
	// /debug routes.
	Token string
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// Acknowledger is the acknowledgment lifecycle. *ack.Controller implements it.
type Acknowledger interface {
	Acknowledge(ctx context.Context, entryID, ackType string, eta *time.Duration) (ack.Outcome, error)
	Cancel(ctx context.Context, entryID string) (ack.Outcome, error)
	Revoke(ctx context.Context, entryID string) (ack.Outcome, error)
}

// Notifier sends a notification for an entry. *router.Router implements it.
type Notifier interface {
	SendNotification(ctx context.Context, e queue.Entry, notifType string, opts router.Options) (router.Result, error)
}

// EntryReader loads queue entries.
type EntryReader interface {
	Get(ctx context.Context, id string) (queue.Entry, error)
}

type Deps struct {
	Acks     Acknowledger
	Notifier Notifier
	Entries  EntryReader
	Bus      eventbus.Bus
	Gatherer prometheus.Gatherer
	// Ready reports readiness for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
	Log   logx.Logger
}

type Server struct {
	cfg      Config
	deps     Deps
	log      logx.Logger
	mux      chi.Router
	upgrader websocket.Upgrader
}

func New(cfg Config, deps Deps) *Server {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  deps.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Group(func(r chi.Router) {
			r.Use(s.accessLog)
			r.Post("/acknowledge", s.handleAcknowledge)
			r.Post("/cancel", s.handleCancel)
			r.Post("/revoke", s.handleRevoke)
			r.Post("/notify", s.handleNotify)
		})
		r.Get("/events", s.handleEvents)
	})
	if s.cfg.Pprof {
		r.With(s.requireToken).Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) Handler() http.Handler { return s.mux }

// Serve listens on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("http api shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("http api stopped")
	return nil
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			renderError(w, r, http.StatusUnauthorized, errors.New("missing or invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("http handler panic", logx.Any("panic", rec), logx.String("path", r.URL.Path))
				renderError(w, r, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
