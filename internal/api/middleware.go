// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
)

// Rate limit tiers. Auth is strict to slow brute force; health is permissive
// for monitoring probes.
var (
	rateLimitAPI    = rateLimitConfig{requests: 100, window: time.Minute}
	rateLimitAuth   = rateLimitConfig{requests: 5, window: 5 * time.Minute}
	rateLimitHealth = rateLimitConfig{requests: 1000, window: time.Minute}
)

type rateLimitConfig struct {
	requests int
	window   time.Duration
}

// apiMiddleware bundles the cross-cutting middleware factories.
type apiMiddleware struct {
	cors     func(http.Handler) http.Handler
	disabled bool
}

func newAPIMiddleware(corsOrigins []string, rateLimitDisabled bool) *apiMiddleware {
	corsHandler := cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           86400,
	})
	return &apiMiddleware{cors: corsHandler, disabled: rateLimitDisabled}
}

// CORS returns the shared CORS middleware.
func (m *apiMiddleware) CORS() func(http.Handler) http.Handler {
	return m.cors
}

func (m *apiMiddleware) rateLimit(cfg rateLimitConfig) func(http.Handler) http.Handler {
	if m.disabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(cfg.requests, cfg.window, httprate.WithKeyFuncs(httprate.KeyByIP))
}

// RateLimit is the default per-IP limiter for data endpoints.
func (m *apiMiddleware) RateLimit() func(http.Handler) http.Handler {
	return m.rateLimit(rateLimitAPI)
}

// RateLimitAuth is the strict limiter for login.
func (m *apiMiddleware) RateLimitAuth() func(http.Handler) http.Handler {
	return m.rateLimit(rateLimitAuth)
}

// RateLimitHealth is the permissive limiter for health probes.
func (m *apiMiddleware) RateLimitHealth() func(http.Handler) http.Handler {
	return m.rateLimit(rateLimitHealth)
}

// securityHeaders adds baseline security headers to API responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger emits one structured log line per request and feeds the
// request counter, labeled with the matched route pattern rather than the
// raw path to keep metric cardinality bounded.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()

		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("request")
	})
}
