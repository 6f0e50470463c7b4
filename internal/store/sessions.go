// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/streamwarden/streamwarden/internal/models"
)

const sessionColumns = `id, server_id, session_key, rating_key, live_uuid, state,
	progress_ms, total_duration_ms, is_transcode, server_user_id, ip_address,
	device_id, player_name, media_type, title, latitude, longitude, city,
	country, started_at, updated_at, ended_at`

// CreateSession inserts a new logical session row.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn.ExecContext(ctx, query,
		sess.ID, sess.ServerID, sess.SessionKey, sess.RatingKey, sess.LiveUUID,
		string(sess.State), sess.ProgressMs, sess.TotalDurationMs, sess.IsTranscode,
		sess.ServerUserID, sess.IPAddress, sess.DeviceID, sess.PlayerName,
		sess.MediaType, sess.Title, sess.Latitude, sess.Longitude, sess.City,
		sess.Country, sess.StartedAt, sess.UpdatedAt, nullableTime(sess.EndedAt))
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// UpdateSession rewrites the mutable fields of an existing session row.
func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	query := `UPDATE sessions SET
		rating_key = ?, live_uuid = ?, state = ?, progress_ms = ?,
		total_duration_ms = ?, is_transcode = ?, ip_address = ?, device_id = ?,
		player_name = ?, media_type = ?, title = ?, latitude = ?, longitude = ?,
		city = ?, country = ?, updated_at = ?
		WHERE id = ?`

	res, err := s.conn.ExecContext(ctx, query,
		sess.RatingKey, sess.LiveUUID, string(sess.State), sess.ProgressMs,
		sess.TotalDurationMs, sess.IsTranscode, sess.IPAddress, sess.DeviceID,
		sess.PlayerName, sess.MediaType, sess.Title, sess.Latitude,
		sess.Longitude, sess.City, sess.Country, sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sess.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: no such row", sess.ID)
	}
	return nil
}

// CloseSession persists a session's terminal state.
func (s *Store) CloseSession(ctx context.Context, sess *models.Session) error {
	query := `UPDATE sessions SET
		state = ?, progress_ms = ?, updated_at = ?, ended_at = ?
		WHERE id = ?`

	_, err := s.conn.ExecContext(ctx, query,
		string(sess.State), sess.ProgressMs, sess.UpdatedAt,
		nullableTime(sess.EndedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sess.ID, err)
	}
	return nil
}

// OpenSessions returns all sessions still marked open for a server, used to
// rebuild tracker state after a restart.
func (s *Store) OpenSessions(ctx context.Context, serverID string) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE server_id = ? AND ended_at IS NULL
		ORDER BY started_at`

	rows, err := s.conn.QueryContext(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("query open sessions: %w", err)
	}
	defer closeQuietly(rows)
	return scanSessions(rows)
}

// ActiveSessionsForUser returns the currently open sessions for a server user
// across all servers.
func (s *Store) ActiveSessionsForUser(ctx context.Context, serverUserID string) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE server_user_id = ? AND ended_at IS NULL
		ORDER BY started_at`

	rows, err := s.conn.QueryContext(ctx, query, serverUserID)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer closeQuietly(rows)
	return scanSessions(rows)
}

// RecentSessionsForUser returns up to limit sessions for a server user whose
// last activity falls within the window, newest first.
func (s *Store) RecentSessionsForUser(ctx context.Context, serverUserID string, window time.Duration, limit int) ([]models.Session, error) {
	cutoff := time.Now().Add(-window)
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE server_user_id = ? AND updated_at >= ?
		ORDER BY updated_at DESC
		LIMIT ?`

	rows, err := s.conn.QueryContext(ctx, query, serverUserID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer closeQuietly(rows)
	return scanSessions(rows)
}

// ListActiveSessions returns every open session across all servers, newest
// first. The API serves this view.
func (s *Store) ListActiveSessions(ctx context.Context) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE ended_at IS NULL
		ORDER BY started_at DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer closeQuietly(rows)
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]models.Session, error) {
	var out []models.Session
	for rows.Next() {
		var sess models.Session
		var state string
		var endedAt sql.NullTime

		err := rows.Scan(&sess.ID, &sess.ServerID, &sess.SessionKey,
			&sess.RatingKey, &sess.LiveUUID, &state, &sess.ProgressMs,
			&sess.TotalDurationMs, &sess.IsTranscode, &sess.ServerUserID,
			&sess.IPAddress, &sess.DeviceID, &sess.PlayerName, &sess.MediaType,
			&sess.Title, &sess.Latitude, &sess.Longitude, &sess.City,
			&sess.Country, &sess.StartedAt, &sess.UpdatedAt, &endedAt)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		sess.State = models.PlaybackState(state)
		if endedAt.Valid {
			t := endedAt.Time
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
