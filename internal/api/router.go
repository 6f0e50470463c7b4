// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamwarden/streamwarden/internal/logging"
)

// Config configures the HTTP server.
type Config struct {
	Addr              string
	Auth              AuthConfig
	CORSOrigins       []string
	RateLimitDisabled bool
	ShutdownTimeout   time.Duration
}

// Server is the HTTP front end. It runs as a supervised service.
type Server struct {
	cfg     Config
	handler *Handler
	auth    *authenticator
	mw      *apiMiddleware
}

// NewServer wires the router dependencies.
func NewServer(cfg Config, handler *Handler) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		auth:    newAuthenticator(cfg.Auth),
		mw:      newAPIMiddleware(cfg.CORSOrigins, cfg.RateLimitDisabled),
	}
}

// Routes builds the full route tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(s.mw.CORS())

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(s.mw.RateLimitHealth())
		r.Get("/", s.handler.Health)
	})

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(s.mw.RateLimitAuth())
		r.Post("/login", s.auth.Login)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.mw.RateLimit())
		r.Use(securityHeaders)
		r.Use(s.auth.Authenticate)

		r.Get("/sessions/active", s.handler.ActiveSessions)

		r.Route("/violations", func(r chi.Router) {
			r.Get("/", s.handler.ListViolations)
			r.Get("/{id}", s.handler.GetViolation)
			r.Post("/{id}/ack", s.handler.AcknowledgeViolation)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handler.ListRules)
			r.Post("/", s.handler.SaveRule)
			r.Get("/{id}", s.handler.GetRule)
			r.Post("/{id}/enable", s.handler.SetRuleEnabled)
		})

		r.Get("/ws", s.handler.WebSocket)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Serve runs the HTTP server until ctx is canceled, then drains in-flight
// requests. The signature matches suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) String() string { return "http-server" }
