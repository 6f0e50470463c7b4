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
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/rules"
)

const ruleColumns = `id, name, rule_type, enabled, severity, groups, actions,
	created_at, updated_at`

// EnabledRules returns the rules the engine should evaluate.
func (s *Store) EnabledRules(ctx context.Context) ([]rules.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM detection_rules
		WHERE enabled ORDER BY name`)
}

// ListRules returns every configured rule, enabled or not.
func (s *Store) ListRules(ctx context.Context) ([]rules.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM detection_rules
		ORDER BY name`)
}

// GetRule returns one rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM detection_rules WHERE id = ?`

	r, err := scanRule(s.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get rule %s: %w", id, err)
	}
	return r, nil
}

// SaveRule inserts or replaces a rule. Condition groups and actions are stored
// as JSON documents; DuckDB validates the JSON on write.
func (s *Store) SaveRule(ctx context.Context, rule *rules.Rule) error {
	groups, err := json.Marshal(rule.Groups)
	if err != nil {
		return fmt.Errorf("marshal rule groups: %w", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return fmt.Errorf("marshal rule actions: %w", err)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `INSERT INTO detection_rules (` + ruleColumns + `) VALUES
		(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			rule_type = excluded.rule_type,
			enabled = excluded.enabled,
			severity = excluded.severity,
			groups = excluded.groups,
			actions = excluded.actions,
			updated_at = excluded.updated_at`

	_, err = s.conn.ExecContext(ctx, query,
		rule.ID, rule.Name, string(rule.Type), rule.Enabled,
		string(rule.Severity), string(groups), string(actions),
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.ID, err)
	}
	return nil
}

// SetRuleEnabled toggles a rule without touching its definition.
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	query := `UPDATE detection_rules SET enabled = ?, updated_at = ? WHERE id = ?`

	res, err := s.conn.ExecContext(ctx, query, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("toggle rule %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) queryRules(ctx context.Context, query string) ([]rules.Rule, error) {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer closeQuietly(rows)

	var out []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

func scanRule(row rowScanner) (*rules.Rule, error) {
	var r rules.Rule
	var ruleType, severity, groups, actions string

	err := row.Scan(&r.ID, &r.Name, &ruleType, &r.Enabled, &severity,
		&groups, &actions, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Type = rules.RuleType(ruleType)
	r.Severity = rules.Severity(severity)
	if err := json.Unmarshal([]byte(groups), &r.Groups); err != nil {
		return nil, fmt.Errorf("decode rule groups: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
		return nil, fmt.Errorf("decode rule actions: %w", err)
	}
	return &r, nil
}
