// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package rules evaluates configurable multi-clause policy rules against
// session activity and produces violations with supporting evidence.
//
// A rule carries one or more condition groups. A group matches when all of
// its conditions match (AND); the rule matches when at least one group
// matches (OR across groups), which lets a policy express alternatives like
// "flag if (A and B) or (C)".
package rules

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
)

// RuleType identifies a condition evaluator.
type RuleType string

const (
	RuleTypeConcurrentStreams     RuleType = "concurrent_streams"
	RuleTypeImpossibleTravel      RuleType = "impossible_travel"
	RuleTypeSimultaneousLocations RuleType = "simultaneous_locations"
	RuleTypeDeviceVelocity        RuleType = "device_velocity"
	RuleTypeGeoRestriction        RuleType = "geo_restriction"
	RuleTypeAccountInactivity     RuleType = "account_inactivity"
)

// Severity ranks a rule's violations.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ActionType names a follow-on action run when a rule matches.
type ActionType string

const (
	// ActionRecordViolation persists a Violation.
	ActionRecordViolation ActionType = "record_violation"

	// ActionNotify fans the violation out to the configured notifiers.
	ActionNotify ActionType = "notify"

	// ActionTerminateSession asks the external dispatcher to stop the
	// triggering stream.
	ActionTerminateSession ActionType = "terminate_session"
)

// Action is one configured follow-on step of a rule.
type Action struct {
	Type ActionType `json:"type"`

	// Target narrows delivery for notify actions (a notifier name).
	// Empty means all notifiers.
	Target string `json:"target,omitempty"`
}

// Condition is one testable clause. The Type tag selects the evaluator and
// determines the shape of Params; there is no reflection in dispatch.
type Condition struct {
	Type   RuleType        `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ConditionGroup is an AND-combined list of conditions.
type ConditionGroup []Condition

// Rule is a named, enabled/disabled policy.
type Rule struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Type     RuleType         `json:"type"`
	Enabled  bool             `json:"enabled"`
	Severity Severity         `json:"severity"`
	Groups   []ConditionGroup `json:"groups"`
	Actions  []Action         `json:"actions"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EvaluationContext is the read-only bundle handed to every evaluator for one
// pass. It is assembled fresh per pass from a consistent snapshot of the
// session state and is never mutated by evaluators.
type EvaluationContext struct {
	// Session is the triggering session.
	Session *models.Session

	ServerUser models.ServerUser
	Server     models.Server

	// ActiveSessions are the currently open sessions for the server user,
	// including the triggering session.
	ActiveSessions []models.Session

	// RecentSessions is a bounded window of session history for the server
	// user, newest first, including closed sessions.
	RecentSessions []models.Session

	// Rule is the rule under evaluation.
	Rule *Rule

	// Now is the pass start time; evaluators use it instead of the wall
	// clock so a pass is a pure function of its context.
	Now time.Time
}

// EvaluatorResult is the outcome of one condition evaluation.
type EvaluatorResult struct {
	// Matched reports whether the condition held.
	Matched bool `json:"matched"`

	// Actual is the observed value, for evidence and display.
	Actual any `json:"actual,omitempty"`

	// RelatedSessionIDs lists other sessions implicated by a cross-session
	// condition.
	RelatedSessionIDs []string `json:"related_session_ids,omitempty"`

	// Details is the typed evidence payload for this condition type,
	// serialized to an open JSON shape.
	Details json.RawMessage `json:"details,omitempty"`
}

// ConditionEvidence ties one matching condition's result to its group.
type ConditionEvidence struct {
	GroupIndex        int             `json:"group_index"`
	Type              RuleType        `json:"type"`
	Actual            any             `json:"actual,omitempty"`
	RelatedSessionIDs []string        `json:"related_session_ids,omitempty"`
	Details           json.RawMessage `json:"details,omitempty"`
}

// EvaluationResult is the aggregated per-rule outcome of one pass.
type EvaluationResult struct {
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	RuleType RuleType `json:"rule_type"`
	Severity Severity `json:"severity"`
	Matched  bool     `json:"matched"`

	// MatchedGroups records the indices of every group that matched, so
	// evidence shows which alternative fired.
	MatchedGroups []int `json:"matched_groups,omitempty"`

	Actions  []Action            `json:"actions,omitempty"`
	Evidence []ConditionEvidence `json:"evidence,omitempty"`
}

// Violation is the persisted record of a matched rule instance. It is created
// by the action phase, never by evaluators.
type Violation struct {
	ID           string   `json:"id"`
	RuleID       string   `json:"rule_id"`
	RuleName     string   `json:"rule_name"`
	RuleType     RuleType `json:"rule_type"`
	ServerID     string   `json:"server_id"`
	ServerUserID string   `json:"server_user_id"`
	SessionID    string   `json:"session_id"`
	Severity     Severity `json:"severity"`

	// Data is the structured evidence payload captured at match time.
	Data json.RawMessage `json:"data,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

// ConditionEvaluator evaluates one condition type. Implementations must be
// pure functions of the (context, condition) pair: no hidden state, no side
// effects, no I/O beyond what the context already contains.
type ConditionEvaluator interface {
	// Type returns the condition tag this evaluator handles.
	Type() RuleType

	// Evaluate tests the condition against the pass context.
	Evaluate(ctx context.Context, ec *EvaluationContext, cond Condition) (EvaluatorResult, error)
}

// HistoryProvider supplies the consistent active/recent session snapshot an
// evaluation pass is built on.
type HistoryProvider interface {
	// ActiveSessionsForUser returns the currently open sessions for a
	// server user across all servers.
	ActiveSessionsForUser(ctx context.Context, serverUserID string) ([]models.Session, error)

	// RecentSessionsForUser returns up to limit sessions (open or closed)
	// for a server user whose last activity falls within the window,
	// newest first.
	RecentSessionsForUser(ctx context.Context, serverUserID string, window time.Duration, limit int) ([]models.Session, error)
}

// RuleStore supplies and persists rule configurations.
type RuleStore interface {
	EnabledRules(ctx context.Context) ([]Rule, error)
	ListRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	SaveRule(ctx context.Context, rule *Rule) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error
}

// ViolationStore persists violations.
type ViolationStore interface {
	SaveViolation(ctx context.Context, v *Violation) error
	GetViolation(ctx context.Context, id string) (*Violation, error)
	ListViolations(ctx context.Context, filter ViolationFilter) ([]Violation, error)
	AcknowledgeViolation(ctx context.Context, id, acknowledgedBy string) error
}

// ViolationFilter narrows violation queries.
type ViolationFilter struct {
	RuleTypes    []RuleType `json:"rule_types,omitempty"`
	Severities   []Severity `json:"severities,omitempty"`
	ServerUserID string     `json:"server_user_id,omitempty"`
	ServerID     string     `json:"server_id,omitempty"`
	Acknowledged *bool      `json:"acknowledged,omitempty"`
	Since        *time.Time `json:"since,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// Notifier delivers a violation to an external channel (webhook, Discord).
type Notifier interface {
	Send(ctx context.Context, v *Violation) error
	Name() string
	Enabled() bool
}

// SessionTerminator requests that the media server stop a stream. Delivery
// mechanics are an external concern.
type SessionTerminator interface {
	TerminateSession(ctx context.Context, serverID, sessionKey, reason string) error
}

// Broadcaster pushes violations to connected clients (websocket hub).
type Broadcaster interface {
	BroadcastJSON(messageType string, data any)
}

// GeoResolver is the cached IP-to-location lookup used to enrich pass
// contexts. It is the only blocking dependency an evaluation pass touches.
type GeoResolver interface {
	Resolve(ctx context.Context, ipAddress string) (*models.Geolocation, error)
}
