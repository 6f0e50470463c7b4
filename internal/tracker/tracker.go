// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package tracker reconciles raw per-poll snapshots into logical sessions.
//
// Media servers report transport-level session keys that stay stable for one
// player connection but may outlive several distinct pieces of content (live
// TV, autoplay). The tracker segments that stream of snapshots into logical
// sessions: one continuous watch of one piece of content. It owns the
// open-session registry for one server; trackers for different servers are
// independent and run in parallel.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

// Action is the tracker's decision for one snapshot.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Decision is the outcome of processing one snapshot.
type Decision struct {
	Action  Action
	Session *models.Session
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	Created int
	Updated int
	Closed  int
}

// ErrWrongServer is returned when a snapshot for another server reaches this
// tracker.
var ErrWrongServer = errors.New("tracker: snapshot belongs to a different server")

// Tracker reconciles poll snapshots for a single media server. All per-key
// decisions for the server are serialized behind one mutex so that create,
// close and update happen as a single atomic decision per key per poll cycle.
type Tracker struct {
	serverID string
	store    SessionStore
	sink     EventSink
	now      func() time.Time

	mu sync.Mutex
	// open maps sessionKey to the single open session for that transport
	// key. Invariant: at most one open session per key.
	open map[string]*models.Session
}

// New creates a tracker for one server.
func New(serverID string, store SessionStore, sink EventSink) *Tracker {
	return &Tracker{
		serverID: serverID,
		store:    store,
		sink:     sink,
		now:      time.Now,
		open:     make(map[string]*models.Session),
	}
}

// ServerID returns the server this tracker is scoped to.
func (t *Tracker) ServerID() string {
	return t.serverID
}

// Restore rebuilds the open-session registry from the store after a restart.
// If the store reports more than one open session for a transport key the
// tracker self-heals: the newest stays open, older ones are closed, and the
// anomaly is logged.
func (t *Tracker) Restore(ctx context.Context) error {
	sessions, err := t.store.OpenSessions(ctx, t.serverID)
	if err != nil {
		return fmt.Errorf("restore open sessions: %w", err)
	}

	byKey := make(map[string][]models.Session)
	for _, s := range sessions {
		byKey[s.SessionKey] = append(byKey[s.SessionKey], s)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for key, group := range byKey {
		sort.Slice(group, func(i, j int) bool {
			return group[i].StartedAt.Before(group[j].StartedAt)
		})

		// Close all but the newest.
		for i := 0; i < len(group)-1; i++ {
			stale := group[i]
			logging.Warn().
				Str("server_id", t.serverID).
				Str("session_key", key).
				Str("session_id", stale.ID).
				Msg("duplicate open session for transport key, closing older")
			metrics.TrackerAnomalies.WithLabelValues(t.serverID).Inc()
			t.closeLocked(ctx, &stale, CloseReasonSuperseded)
		}

		newest := group[len(group)-1]
		t.open[key] = &newest
	}

	metrics.OpenSessions.WithLabelValues(t.serverID).Set(float64(len(t.open)))
	return nil
}

// Process applies one snapshot and returns the create-or-update decision.
// The snapshot must already be normalized (bounded fields, port-less IP).
func (t *Tracker) Process(ctx context.Context, snap models.PollSnapshot) (Decision, error) {
	if snap.ServerID != t.serverID {
		return Decision{}, fmt.Errorf("%w: got %q, tracker owns %q", ErrWrongServer, snap.ServerID, t.serverID)
	}
	if snap.SessionKey == "" {
		return Decision{}, errors.New("tracker: snapshot has no session key")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	dec, err := t.processLocked(ctx, snap)
	metrics.OpenSessions.WithLabelValues(t.serverID).Set(float64(len(t.open)))
	return dec, err
}

// ProcessCycle applies a full poll cycle: every snapshot in the cycle is
// reconciled, and any transport key known from previous cycles that is absent
// from this one is closed as ended. The whole cycle runs under the tracker
// lock so concurrent polls for the same server cannot interleave.
func (t *Tracker) ProcessCycle(ctx context.Context, snaps []models.PollSnapshot) (CycleStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stats CycleStats
	var errs []error

	seen := make(map[string]bool, len(snaps))
	for i := range snaps {
		snap := snaps[i]
		if snap.ServerID != t.serverID || snap.SessionKey == "" {
			errs = append(errs, fmt.Errorf("tracker: skipping malformed snapshot %q/%q", snap.ServerID, snap.SessionKey))
			continue
		}
		seen[snap.SessionKey] = true

		dec, err := t.processLocked(ctx, snap)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		switch dec.Action {
		case ActionCreate:
			stats.Created++
		case ActionUpdate:
			stats.Updated++
		}
	}

	// Absence policy: any key present before but missing from this cycle
	// means the stream stopped.
	for key, sess := range t.open {
		if seen[key] {
			continue
		}
		t.closeLocked(ctx, sess, CloseReasonAbsent)
		delete(t.open, key)
		stats.Closed++
	}

	metrics.OpenSessions.WithLabelValues(t.serverID).Set(float64(len(t.open)))
	return stats, errors.Join(errs...)
}

// OpenCount returns the number of currently open sessions for the server.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// processLocked makes the create-vs-update decision for one snapshot.
// Caller holds t.mu.
func (t *Tracker) processLocked(ctx context.Context, snap models.PollSnapshot) (Decision, error) {
	existing, known := t.open[snap.SessionKey]
	if !known {
		sess, err := t.createLocked(ctx, snap)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionCreate, Session: sess}, nil
	}

	if DetectMediaChange(existing.RatingKey, snap.RatingKey, existing.LiveUUID, snap.LiveUUID) {
		// Same transport key, new content: close the old logical session
		// before the new one may claim the key.
		t.closeLocked(ctx, existing, CloseReasonMediaChange)
		delete(t.open, snap.SessionKey)

		sess, err := t.createLocked(ctx, snap)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Action: ActionCreate, Session: sess}, nil
	}

	t.applySnapshot(existing, snap)
	if err := t.store.UpdateSession(ctx, existing); err != nil {
		return Decision{}, fmt.Errorf("update session %s: %w", existing.ID, err)
	}
	metrics.SessionsUpdated.WithLabelValues(t.serverID).Inc()
	t.emit(ctx, Event{Type: EventSessionUpdated, Session: *existing, At: existing.UpdatedAt})

	return Decision{Action: ActionUpdate, Session: existing}, nil
}

func (t *Tracker) createLocked(ctx context.Context, snap models.PollSnapshot) (*models.Session, error) {
	now := t.now()
	sess := &models.Session{
		ID:              uuid.NewString(),
		ServerID:        snap.ServerID,
		SessionKey:      snap.SessionKey,
		RatingKey:       snap.RatingKey,
		LiveUUID:        snap.LiveUUID,
		State:           snap.State,
		ProgressMs:      snap.ProgressMs,
		TotalDurationMs: snap.TotalDurationMs,
		IsTranscode:     snap.IsTranscode,
		ServerUserID:    snap.ServerUserID,
		IPAddress:       snap.IPAddress,
		DeviceID:        snap.DeviceID,
		PlayerName:      snap.PlayerName,
		MediaType:       snap.MediaType,
		Title:           snap.Title,
		StartedAt:       now,
		UpdatedAt:       now,
	}

	if err := t.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session for key %s: %w", snap.FullKey(), err)
	}

	t.open[snap.SessionKey] = sess
	metrics.SessionsCreated.WithLabelValues(t.serverID).Inc()
	t.emit(ctx, Event{Type: EventSessionStarted, Session: *sess, At: now})

	logging.Debug().
		Str("server_id", t.serverID).
		Str("session_key", snap.SessionKey).
		Str("session_id", sess.ID).
		Str("user", sess.ServerUserID).
		Msg("session started")

	return sess, nil
}

// closeLocked closes a session, freezing final progress. Store and sink
// failures are logged, not returned: the in-memory decision stands and the
// next cycle must not be blocked on a persistence hiccup.
func (t *Tracker) closeLocked(ctx context.Context, sess *models.Session, reason CloseReason) {
	sess.Close(t.now())

	if err := t.store.CloseSession(ctx, sess); err != nil {
		logging.Err(err).
			Str("server_id", t.serverID).
			Str("session_id", sess.ID).
			Msg("failed to persist session close")
	}
	metrics.SessionsClosed.WithLabelValues(t.serverID, string(reason)).Inc()
	t.emit(ctx, Event{Type: EventSessionEnded, Session: *sess, Reason: reason, At: *sess.EndedAt})

	logging.Debug().
		Str("server_id", t.serverID).
		Str("session_id", sess.ID).
		Str("reason", string(reason)).
		Msg("session ended")
}

// applySnapshot folds poll state into the open session in place. Content
// identity follows the latest poll (a live channel surf keeps the session but
// the current channel's rating key) and identity fields only ever gain
// information.
func (t *Tracker) applySnapshot(sess *models.Session, snap models.PollSnapshot) {
	if snap.RatingKey != "" {
		sess.RatingKey = snap.RatingKey
	}
	if snap.LiveUUID != "" {
		sess.LiveUUID = snap.LiveUUID
	}
	if snap.Title != "" {
		sess.Title = snap.Title
	}
	if snap.IPAddress != "" && snap.IPAddress != sess.IPAddress {
		sess.IPAddress = snap.IPAddress
		// Location belongs to the previous address.
		sess.Latitude = 0
		sess.Longitude = 0
		sess.City = ""
		sess.Country = ""
	}
	if snap.DeviceID != "" {
		sess.DeviceID = snap.DeviceID
	}
	if snap.PlayerName != "" {
		sess.PlayerName = snap.PlayerName
	}
	if snap.MediaType != "" {
		sess.MediaType = snap.MediaType
	}

	sess.State = snap.State
	sess.ProgressMs = snap.ProgressMs
	if snap.TotalDurationMs > 0 {
		sess.TotalDurationMs = snap.TotalDurationMs
	}
	sess.IsTranscode = snap.IsTranscode
	sess.UpdatedAt = t.now()
}

func (t *Tracker) emit(ctx context.Context, ev Event) {
	if t.sink == nil {
		return
	}
	if err := t.sink.Publish(ctx, ev); err != nil {
		logging.Err(err).
			Str("server_id", t.serverID).
			Str("event", string(ev.Type)).
			Msg("failed to publish session event")
	}
}
