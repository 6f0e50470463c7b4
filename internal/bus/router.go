// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/rules"
	"github.com/streamwarden/streamwarden/internal/tracker"
)

// Evaluator is the engine-facing surface the router needs.
type Evaluator interface {
	EvaluateSession(ctx context.Context, trigger *models.Session, user models.ServerUser, server models.Server) (*rules.PassResult, error)
}

// Router consumes session events and drives evaluation passes. Handler
// failures are retried with exponential backoff; panics are converted to
// errors by the recoverer middleware.
type Router struct {
	router *message.Router
	bus    *Bus
}

// NewRouter wires the evaluation handler onto the bus.
func NewRouter(b *Bus, engine Evaluator) (*Router, error) {
	wmRouter, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 30 * time.Second,
	}, b.logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	wmRouter.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2,
		Logger:          b.logger,
	}
	wmRouter.AddMiddleware(retry.Middleware)

	wmRouter.AddNoPublisherHandler(
		"engine.evaluate",
		TopicSessionEvents,
		b.pubsub,
		func(msg *message.Message) error {
			return handleSessionEvent(msg, engine)
		},
	)

	return &Router{router: wmRouter, bus: b}, nil
}

// Run blocks processing events until ctx is canceled.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Serve satisfies suture.Service.
func (r *Router) Serve(ctx context.Context) error {
	if err := r.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Router) String() string { return "evaluation-router" }

// Close stops the router.
func (r *Router) Close() error {
	return r.router.Close()
}

// handleSessionEvent triggers one evaluation pass per session start or
// update. End events are ignored: a closed session can no longer hold a
// policy violation open, and its history is visible to later passes anyway.
func handleSessionEvent(msg *message.Message, engine Evaluator) error {
	ev, err := DecodeEvent(msg)
	if err != nil {
		// Undecodable payloads would fail forever; drop them.
		logging.Error().Err(err).Str("message_id", msg.UUID).Msg("dropping malformed session event")
		return nil
	}
	if ev.Type == tracker.EventSessionEnded {
		return nil
	}

	sess := ev.Session
	user := models.ServerUser{ID: sess.ServerUserID, ServerID: sess.ServerID}
	server := models.Server{ID: sess.ServerID}

	pass, err := engine.EvaluateSession(msg.Context(), &sess, user, server)
	if err != nil {
		return fmt.Errorf("evaluation pass for session %s: %w", sess.ID, err)
	}

	if matches := pass.Matches(); len(matches) > 0 {
		logging.Info().
			Str("session_id", sess.ID).
			Str("server_user_id", sess.ServerUserID).
			Int("matched_rules", len(matches)).
			Int("action_failures", len(pass.ActionFailures)).
			Msg("evaluation pass matched")
	}
	return nil
}
