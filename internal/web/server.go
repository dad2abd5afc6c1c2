// Package web serves the local admin API: queue inspection, manual
// broadcasts, and operational status. It binds to loopback by default and
// carries no auth; treat it as an operator console, not a public surface.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"groupcast/internal/broadcast"
	"groupcast/internal/ratelimit"
	"groupcast/internal/scheduler"
	"groupcast/internal/sendqueue"
	"groupcast/pkg/logx"
)

type Config struct {
	Addr       string // default "127.0.0.1:8080"
	RatePerSec int    // mutating-route throttle, default 5
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	return c
}

type Server struct {
	cfg      Config
	log      logx.Logger
	caster   *broadcast.Broadcaster
	queue    *sendqueue.Queue
	limiter  *ratelimit.Limiter
	sched    *scheduler.Service
	gatherer prometheus.Gatherer

	mu   sync.Mutex
	http *http.Server
}

func New(cfg Config, caster *broadcast.Broadcaster, queue *sendqueue.Queue,
	limiter *ratelimit.Limiter, sched *scheduler.Service,
	gatherer prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		log:      log,
		caster:   caster,
		queue:    queue,
		limiter:  limiter,
		sched:    sched,
		gatherer: gatherer,
	}
}

// Router builds the chi handler. Split out so tests can drive it with
// httptest without binding a socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", s.handleQueue)
		r.Get("/limiter", s.handleLimiter)
		r.Get("/scheduler", s.handleScheduler)

		// Mutating routes share one throttle; a runaway client cannot spam
		// broadcasts through the console.
		r.Group(func(r chi.Router) {
			r.Use(throttle(rate.Limit(s.cfg.RatePerSec)))
			r.Post("/broadcast", s.handleBroadcast)
			r.Post("/queue/clear", s.handleClearAll)
			r.Post("/queue/clear-completed", s.handleClearCompleted)
			r.Delete("/tasks/{name}", s.handleCancelTask)
		})
	})
	return r
}

// Start binds the listener and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.http != nil {
		s.mu.Unlock()
		return errors.New("web: already started")
	}
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.http = srv
	s.mu.Unlock()

	go func() {
		s.log.Info("admin api listening", logx.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin api server exited", logx.Err(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)))
	})
}

// throttle applies a shared token-bucket limit to the wrapped routes.
func throttle(limit rate.Limit) func(http.Handler) http.Handler {
	lim := rate.NewLimiter(limit, int(limit)+1)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
