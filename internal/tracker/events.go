// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package tracker

import (
	"context"
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

// EventType classifies a session lifecycle transition.
type EventType string

const (
	EventSessionStarted EventType = "session.started"
	EventSessionUpdated EventType = "session.updated"
	EventSessionEnded   EventType = "session.ended"
)

// CloseReason records why a session was closed.
type CloseReason string

const (
	// CloseReasonMediaChange: the poll showed different content under the
	// same transport key.
	CloseReasonMediaChange CloseReason = "media_change"

	// CloseReasonAbsent: the transport key disappeared from the poll set.
	CloseReasonAbsent CloseReason = "absent"

	// CloseReasonSuperseded: closed while self-healing a duplicate open
	// session for one transport key.
	CloseReasonSuperseded CloseReason = "superseded"
)

// Event is one session lifecycle transition emitted by the tracker.
type Event struct {
	Type EventType `json:"type"`

	// Session is a copy of the session at the time of the transition.
	Session models.Session `json:"session"`

	// Reason is set for session.ended events.
	Reason CloseReason `json:"reason,omitempty"`

	At time.Time `json:"at"`
}

// EventSink receives session lifecycle events. The bus publisher implements
// this; tests use in-memory recorders.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}

// SessionStore persists session lifecycle transitions. The tracker is the
// only writer of session rows.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	CloseSession(ctx context.Context, s *models.Session) error

	// OpenSessions returns all sessions still marked open for a server,
	// used to rebuild tracker state after a restart.
	OpenSessions(ctx context.Context, serverID string) ([]models.Session, error)
}
