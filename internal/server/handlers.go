package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/store"
)

// defaultListLimit bounds GET /api/v1/builds when no limit is given.
const defaultListLimit = 20

// maxListLimit is the largest page a single request may ask for.
const maxListLimit = 100

// handleTriggerBuild starts a build for the requested repository and
// answers 202 with the pending build while jobs run in the background.
func (s *Server) handleTriggerBuild(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.RepoDir) == "" {
		writeError(w, r, http.StatusBadRequest, "repoDir is required")
		return
	}
	if s.trigger == nil {
		writeError(w, r, http.StatusServiceUnavailable, "build triggering is disabled")
		return
	}

	build, err := s.trigger(r.Context(), req)
	if err != nil {
		requestLogger(r.Context(), s.logger).Warn("trigger failed",
			zap.String("repo", req.RepoDir), zap.Error(err))
		writeError(w, r, triggerStatus(err), err.Error())
		return
	}

	requestLogger(r.Context(), s.logger).Info("build triggered",
		zap.Int64("build", build.Number), zap.String("repo", req.RepoDir))
	writeJSON(w, http.StatusAccepted, build)
}

// triggerStatus maps trigger errors onto HTTP statuses via their CLI
// exit codes.
func triggerStatus(err error) int {
	var cliErr *model.CLIError
	if !errors.As(err, &cliErr) {
		return http.StatusInternalServerError
	}
	switch cliErr.Code {
	case model.ExitConfigNotFound:
		return http.StatusNotFound
	case model.ExitInvalidConfig:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleListBuilds returns recent builds, newest first.
func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "build history is disabled")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	builds, err := s.store.RecentBuilds(r.Context(), limit)
	if err != nil {
		requestLogger(r.Context(), s.logger).Error("history query failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to read build history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"builds": builds})
}

// handleGetBuild returns one build with its jobs.
func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, r, http.StatusServiceUnavailable, "build history is disabled")
		return
	}

	id := mux.Vars(r)["id"]
	build, err := s.store.BuildByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "no build with id "+id)
			return
		}
		requestLogger(r.Context(), s.logger).Error("history query failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "failed to read build history")
		return
	}
	writeJSON(w, http.StatusOK, build)
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "lorry",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope, echoing the request id
// so clients can correlate with server logs.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"message":   message,
			"requestId": requestID(r.Context()),
		},
	})
}
