// Package server runs lorry as a small CI service. Builds are triggered
// over HTTP and executed on the caller-provided trigger (backed by the
// runner's pool); build history, health and Prometheus metrics are
// exposed alongside.
//
// Routes:
//
//	POST /api/v1/builds      trigger a build, returns 202 + the build
//	GET  /api/v1/builds      recent builds from history
//	GET  /api/v1/builds/{id} one build with its jobs
//	GET  /healthz            liveness
//	GET  /metrics            Prometheus metrics
//
// The /api/v1 routes require the configured bearer token when one is
// set; /healthz and /metrics are always open.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/observability"
	"github.com/lorry-ci/lorry/internal/settings"
	"github.com/lorry-ci/lorry/internal/store"
)

// TriggerRequest is the POST /api/v1/builds payload.
type TriggerRequest struct {
	// RepoDir is the repository to build, as a path on the server host.
	RepoDir string `json:"repoDir"`

	// Branch overrides branch detection for the branches safelist.
	Branch string `json:"branch,omitempty"`

	// NoCache disables the directory cache for this build.
	NoCache bool `json:"noCache,omitempty"`
}

// TriggerFunc prepares a build synchronously (parse, expand, number)
// and starts it in the background, returning the pending build record.
type TriggerFunc func(ctx context.Context, req TriggerRequest) (*model.Build, error)

// Config wires a Server's collaborators.
type Config struct {
	Settings *settings.Settings
	Store    *store.Store
	Trigger  TriggerFunc
	Logger   *zap.Logger
	Version  string
}

// Server is the lorry HTTP API.
type Server struct {
	settings *settings.Settings
	store    *store.Store
	trigger  TriggerFunc
	logger   *zap.Logger
	limiter  *rate.Limiter
	version  string
}

// New returns a Server. A nil Logger falls back to a no-op logger; the
// trigger limiter comes from the server settings.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rate.Limiter
	if rpm := cfg.Settings.Server.TriggerRPM; rpm > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)
	}
	return &Server{
		settings: cfg.Settings,
		store:    cfg.Store,
		trigger:  cfg.Trigger,
		logger:   logger,
		limiter:  limiter,
		version:  cfg.Version,
	}
}

// Router assembles the route table with middleware applied.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware(s.logger))
	router.Use(accessMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(authMiddleware(s.settings.Server.Token))
	api.Handle("/builds",
		rateLimitMiddleware(s.limiter)(http.HandlerFunc(s.handleTriggerBuild))).Methods(http.MethodPost)
	api.HandleFunc("/builds", s.handleListBuilds).Methods(http.MethodGet)
	api.HandleFunc("/builds/{id}", s.handleGetBuild).Methods(http.MethodGet)
	return router
}

// ListenAndServe runs the server until the context is canceled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.settings.Server.Bind,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}
