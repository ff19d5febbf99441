package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
)

const (
	DefaultMaxBodyBytes = 32 << 20
	DefaultReadyTimeout = 5 * time.Second
)

// Coordinator is the batch lifecycle the HTTP surface drives.
type Coordinator interface {
	Submit(ctx context.Context, sub run.Submission) (run.Batch, error)
	RunIncremental(ctx context.Context, id string) (run.RunResult, error)
	Batch(ctx context.Context, id string) (run.Batch, error)
	Result(ctx context.Context, id string) (run.RunResult, error)
	Quarantined(ctx context.Context, id string) ([]quarantine.Record, error)
	Cancel(ctx context.Context, id string) error
}

var _ Coordinator = (*run.Coordinator)(nil)

type Config struct {
	Logger      *slog.Logger
	Coordinator Coordinator
	Dimensions  dimension.Store

	// Ready reports whether backing stores are reachable. Nil means always ready.
	Ready func(ctx context.Context) error

	CORSOrigins   []string
	SentryEnabled bool
	MaxBodyBytes  int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Coordinator == nil {
		return errors.New("coordinator is required")
	}
	if cfg.Dimensions == nil {
		return errors.New("dimension store is required")
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router chi.Router

	// shuttingDown makes the readiness probe fail while the process drains.
	shuttingDown atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) SetShuttingDown() {
	s.shuttingDown.Store(true)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)

	// Sentry middleware for error and performance monitoring (before Recoverer to capture panics)
	if s.cfg.SentryEnabled {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true,
		})
		r.Use(sentryHandler.Handle)
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r)
				if txn := sentry.TransactionFromContext(r.Context()); txn != nil {
					txn.Name = r.Method + " " + routePattern(r)
				}
			})
		})
	}

	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/batches/{batchID}", func(r chi.Router) {
			r.Get("/", s.getBatch)
			r.Post("/rows", s.submitRows)
			r.Post("/run", s.runBatch)
			r.Post("/cancel", s.cancelBatch)
			r.Get("/quarantine", s.getQuarantine)
		})
		r.Get("/dimensions/{entity}/{naturalKey}", s.getDimension)
	})

	return r
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultReadyTimeout)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.log.Warn("server: readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
