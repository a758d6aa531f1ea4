package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vinayprograms/agentwatch/alert"
	"github.com/vinayprograms/agentwatch/clock"
	"github.com/vinayprograms/agentwatch/errors"
	"github.com/vinayprograms/agentwatch/ingest"
	"github.com/vinayprograms/agentwatch/liveness"
	"github.com/vinayprograms/agentwatch/logging"
	"github.com/vinayprograms/agentwatch/metrics"
)

// QueueReporter exposes retry queue statistics.
type QueueReporter interface {
	QueueStats() alert.QueueStats
}

// SuppressionReporter lists agents with an open death alert.
type SuppressionReporter interface {
	Suppressed() []string
}

// Config wires a Server. Store and Ingest are required.
type Config struct {
	Store       *liveness.Store
	Ingest      *ingest.Adapter
	Queue       QueueReporter
	Suppression SuppressionReporter

	// AdminToken guards DELETE. Empty leaves it open.
	AdminToken string

	// MaxBodyBytes caps a report body.
	MaxBodyBytes int64

	Watch WatchConfig

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Server serves the HTTP API.
type Server struct {
	r   *chi.Mux
	cfg Config
	log *logging.Logger

	// closing ends open watch streams on Shutdown.
	closing   chan struct{}
	closeOnce sync.Once
	watchers  sync.WaitGroup

	mu  sync.Mutex
	srv *http.Server
}

// New creates a Server with its routes mounted.
func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	cfg.Watch.applyDefaults()

	s := &Server{
		r:       chi.NewRouter(),
		cfg:     cfg,
		log:     cfg.Logger.WithComponent("api"),
		closing: make(chan struct{}),
	}

	s.r.Use(middleware.RequestID)
	s.r.Use(middleware.Recoverer)
	s.r.Use(s.logRequests)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	s.r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())

	s.r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/agents", s.listAgents)
		r.Route("/agents/{id}", func(r chi.Router) {
			r.Get("/", s.getAgent)
			r.With(s.requireAdmin).Delete("/", s.deleteAgent)
			r.Post("/report", s.postReport)
			r.Get("/watch", s.watch)
		})
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.r }

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.Info("listening", logging.Fields{"addr": ln.Addr().String()})
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Unavailable("serving http", errors.WithCause(err))
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Unavailable("listening on "+addr, errors.WithCause(err))
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, closes watch streams and waits for
// in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		return errors.Wrap(err, "shutting down http server")
	}
	return nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, errors.Unauthorized("admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		fields := logging.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields)
			return
		}
		s.log.Debug("request", fields)
	})
}
