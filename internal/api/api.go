// Package api exposes the HTTP surface of SyncPipe.
//
// The website posts validated forms to /api/submissions. The remaining
// endpoints are read-only views for operators: a submission's state and
// audit trail, pipeline statistics, pending retries and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/audit"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/pipeline"
	"github.com/BTreeMap/SyncPipe/internal/retry"
	"github.com/BTreeMap/SyncPipe/internal/stats"
	"github.com/BTreeMap/SyncPipe/internal/store"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Submitter accepts new submissions. *pipeline.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, sub *models.Submission) (pipeline.Result, error)
}

// StatsSource computes pipeline statistics. *stats.Aggregator implements it.
type StatsSource interface {
	Compute(ctx context.Context) (stats.Report, error)
}

// RetryView exposes the scheduler's pending work. *retry.Scheduler implements it.
type RetryView interface {
	ListPending() []retry.PendingInfo
	QueueSizes() map[models.ErrorCategory]int
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr   string
	Checks map[string]func() any
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithHealthCheck adds a named value reported by /health, such as the CRM
// circuit breaker state.
func WithHealthCheck(name string, fn func() any) Option {
	return func(o *Opts) {
		if o.Checks == nil {
			o.Checks = make(map[string]func() any)
		}
		o.Checks[name] = fn
	}
}

// Server serves the SyncPipe HTTP API.
type Server struct {
	submitter Submitter
	repo      store.SubmissionRepo
	auditLog  *audit.Logger
	stats     StatsSource
	retries   RetryView
	validate  *validator.Validate
	checks    map[string]func() any
	addr      string
	srv       *http.Server
}

// NewServer creates a Server. retries may be nil.
func NewServer(submitter Submitter, repo store.SubmissionRepo, auditLog *audit.Logger, statsSource StatsSource, retries RetryView, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		submitter: submitter,
		repo:      repo,
		auditLog:  auditLog,
		stats:     statsSource,
		retries:   retries,
		validate:  validator.New(),
		checks:    cfg.Checks,
		addr:      cfg.Addr,
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/submissions", s.createSubmissionHandler)
		r.Get("/submissions/{id}", s.getSubmissionHandler)
		r.Get("/submissions/{id}/audit", s.submissionAuditHandler)
		r.Get("/stats", s.statsHandler)
		r.Get("/retries", s.retriesHandler)
	})
	return r
}

// Start listens in the background. Listen errors other than a clean
// shutdown are logged.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Server.Start: listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server.Start: listener stopped", "error", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping HTTP server")
	return s.srv.Shutdown(ctx)
}
