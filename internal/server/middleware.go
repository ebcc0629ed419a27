package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lorry-ci/lorry/internal/observability"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
)

// requestID returns the request id placed on the context by
// requestIDMiddleware, or "" outside a request.
func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// requestLogger returns the request-scoped logger, falling back to the
// given one.
func requestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return fallback
}

// requestIDMiddleware assigns each request an id, echoes it in the
// X-Request-ID response header and hangs a request-scoped logger on the
// context. A client-supplied X-Request-ID is kept.
func requestIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)

			ctx := context.WithValue(r.Context(), requestIDKey, id)
			ctx = context.WithValue(ctx, loggerKey, logger.With(zap.String("requestId", id)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// accessMiddleware records one log line and the HTTP metrics for every
// request.
func accessMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		observability.HTTPRequestsInFlight.Inc()
		defer observability.HTTPRequestsInFlight.Dec()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		elapsed := time.Since(start)
		route := routeTemplate(r)
		observability.ObserveHTTPRequest(r.Method, route, statusClass(recorder.status), elapsed)
		requestLogger(r.Context(), zap.NewNop()).Info("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("elapsed", elapsed))
	})
}

// authMiddleware enforces the configured API token. An empty token
// disables authentication. The Authorization header is accepted with or
// without a Bearer prefix.
func authMiddleware(token string) mux.MiddlewareFunc {
	if token == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if strings.TrimPrefix(header, "Bearer ") != token {
				writeError(w, r, http.StatusUnauthorized, "missing or invalid API token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware answers 429 when the token bucket is exhausted.
// A nil limiter disables limiting.
func rateLimitMiddleware(limiter *rate.Limiter) mux.MiddlewareFunc {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				observability.RateLimitDeniedTotal.Inc()
				writeError(w, r, http.StatusTooManyRequests, "too many build requests, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// routeTemplate reports the matched mux route pattern, so metrics
// aggregate by route rather than by concrete URL.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

// statusClass folds a status code into its class ("2xx", "4xx") to keep
// metric cardinality low.
func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
