// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/streamwarden/streamwarden/internal/rules"
)

// ErrNotFound reports a lookup for a row that does not exist.
var ErrNotFound = errors.New("not found")

const violationColumns = `id, rule_id, rule_name, rule_type, server_id,
	server_user_id, session_id, severity, data, created_at, acknowledged_at,
	acknowledged_by`

// SaveViolation inserts a violation record.
func (s *Store) SaveViolation(ctx context.Context, v *rules.Violation) error {
	query := `INSERT INTO violations (` + violationColumns + `) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.conn.ExecContext(ctx, query,
		v.ID, v.RuleID, v.RuleName, string(v.RuleType), v.ServerID,
		v.ServerUserID, v.SessionID, string(v.Severity), string(v.Data),
		v.CreatedAt, nullableTime(v.AcknowledgedAt), v.AcknowledgedBy)
	if err != nil {
		return fmt.Errorf("insert violation %s: %w", v.ID, err)
	}
	return nil
}

// GetViolation returns one violation by id.
func (s *Store) GetViolation(ctx context.Context, id string) (*rules.Violation, error) {
	query := `SELECT ` + violationColumns + ` FROM violations WHERE id = ?`

	v, err := scanViolation(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("violation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get violation %s: %w", id, err)
	}
	return v, nil
}

// ListViolations returns violations matching the filter, newest first.
func (s *Store) ListViolations(ctx context.Context, filter rules.ViolationFilter) ([]rules.Violation, error) {
	var where []string
	var args []any

	if len(filter.RuleTypes) > 0 {
		where = append(where, "rule_type IN ("+placeholders(len(filter.RuleTypes))+")")
		for _, rt := range filter.RuleTypes {
			args = append(args, string(rt))
		}
	}
	if len(filter.Severities) > 0 {
		where = append(where, "severity IN ("+placeholders(len(filter.Severities))+")")
		for _, sev := range filter.Severities {
			args = append(args, string(sev))
		}
	}
	if filter.ServerUserID != "" {
		where = append(where, "server_user_id = ?")
		args = append(args, filter.ServerUserID)
	}
	if filter.ServerID != "" {
		where = append(where, "server_id = ?")
		args = append(args, filter.ServerID)
	}
	if filter.Acknowledged != nil {
		if *filter.Acknowledged {
			where = append(where, "acknowledged_at IS NOT NULL")
		} else {
			where = append(where, "acknowledged_at IS NULL")
		}
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + violationColumns + ` FROM violations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer closeQuietly(rows)

	var out []rules.Violation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate violations: %w", err)
	}
	return out, nil
}

// AcknowledgeViolation marks a violation as reviewed. Acknowledging twice
// keeps the first acknowledgement.
func (s *Store) AcknowledgeViolation(ctx context.Context, id, acknowledgedBy string) error {
	query := `UPDATE violations SET acknowledged_at = ?, acknowledged_by = ?
		WHERE id = ? AND acknowledged_at IS NULL`

	res, err := s.conn.ExecContext(ctx, query, time.Now().UTC(), acknowledgedBy, id)
	if err != nil {
		return fmt.Errorf("acknowledge violation %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either missing or already acknowledged; distinguish for the caller.
		if _, getErr := s.GetViolation(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanViolation(row rowScanner) (*rules.Violation, error) {
	var v rules.Violation
	var ruleType, severity, data string
	var ackAt sql.NullTime

	err := row.Scan(&v.ID, &v.RuleID, &v.RuleName, &ruleType, &v.ServerID,
		&v.ServerUserID, &v.SessionID, &severity, &data, &v.CreatedAt,
		&ackAt, &v.AcknowledgedBy)
	if err != nil {
		return nil, err
	}

	v.RuleType = rules.RuleType(ruleType)
	v.Severity = rules.Severity(severity)
	v.Data = []byte(data)
	if ackAt.Valid {
		t := ackAt.Time
		v.AcknowledgedAt = &t
	}
	return &v, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
