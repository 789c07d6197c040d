// Package httpserver is the optional operator HTTP surface: health, task
// status, run history, manual control, Prometheus metrics and pprof.
//
// It binds to loopback by default. A non-loopback address requires a token.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"cronward/internal/runtime/supervisor"
	"cronward/internal/storage"
	"cronward/internal/task"
	"cronward/internal/task/scheduler"
	logx "cronward/pkg/logx"
)

const DefaultAddr = "127.0.0.1:9180"

type Config struct {
	Addr  string
	Token string
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Scheduler is what the handlers need from the scheduler service.
type Scheduler interface {
	Snapshot() scheduler.Snapshot
	Trigger(id string) error
	SetEnabled(id string, enabled bool) error
	NextTriggers(id string, n int) []time.Time
}

type History interface {
	History(ctx context.Context, f storage.RunFilter) ([]task.RunRecord, error)
}

type Deps struct {
	Scheduler Scheduler
	History   History
	Metrics   http.Handler
	Loops     func() []supervisor.LoopInfo
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	// WriteTimeout stays 0 unless set: pprof profiles stream for 30s.
	return &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
}

// Addr is the bound address while Run is serving, "" otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(tokenAuth(s.cfg.Token))
		r.Get("/status", s.handleStatus)
		r.Get("/status/{id}", s.handleTaskStatus)
		r.Get("/runs", s.handleRuns)
		r.Post("/tasks/{id}/trigger", s.handleTrigger)
		r.Post("/tasks/{id}/enable", s.handleToggle(true))
		r.Post("/tasks/{id}/disable", s.handleToggle(false))
		if s.deps.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
		}
		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Run listens and serves until ctx is done. It is meant to run under a
// supervisor restart loop.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if strings.TrimSpace(s.cfg.Token) == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("http: refusing to serve %s without a token", addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	// srvCtx also ends when Serve fails, so the shutdown goroutine never
	// outlives this call.
	srvCtx, cancelSrv := context.WithCancel(ctx)
	defer cancelSrv()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-srvCtx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-stopped
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method), logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()), logx.Duration("dur", time.Since(start)),
			logx.String("remote", r.RemoteAddr))
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
