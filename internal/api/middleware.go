package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rafaeljc/wayfinder/internal/logger"
	"github.com/rafaeljc/wayfinder/internal/observability"
)

// APIKeyHeader carries the client's API key.
const APIKeyHeader = "X-API-Key"

// routeNotFound labels requests that matched no route, so scanners cannot
// inflate metric cardinality.
const routeNotFound = "not_found"

// RequestLogger logs every completed request and stores a request-scoped
// logger (carrying the request id) in the context for handlers.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())

			log := base.With(slog.String("request_id", reqID))
			ctx := logger.WithContext(r.Context(), log)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			level := slog.LevelInfo
			status := ww.Status()
			if status >= 500 {
				level = slog.LevelError
			} else if status >= 400 {
				level = slog.LevelWarn
			}

			log.Log(ctx, level, "HTTP request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_ip", r.RemoteAddr),
			)
		})
	}
}

// Metrics records request count and latency labelled by the chi route pattern
// rather than the raw path.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routeNotFound
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" && !strings.HasSuffix(p, "/*") {
				route = strings.TrimSuffix(p, "/")
				if route == "" {
					route = "/"
				}
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		observability.APIReqTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		observability.APIReqDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// authenticateAPIKey compares the SHA-256 of X-API-Key with the configured
// hash in constant time.
func (a *API) authenticateAPIKey(next http.Handler) http.Handler {
	if a.opts.SkipAuth {
		return next
	}

	expected, err := hex.DecodeString(strings.ToLower(a.opts.APIKeyHash))
	if err != nil || len(expected) != sha256.Size {
		panic("api: apiKeyHash must be a hex-encoded SHA-256 digest")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "Missing API key")
			return
		}

		sum := sha256.Sum256([]byte(key))
		if subtle.ConstantTimeCompare(sum[:], expected) != 1 {
			logger.FromContext(r.Context()).Warn("rejected request with invalid API key")
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
