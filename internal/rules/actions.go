// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
)

// ActionFailure records one failed post-match action. The action phase keeps
// going past failures, so a single pass can report several.
type ActionFailure struct {
	RuleID string     `json:"rule_id"`
	Action ActionType `json:"action"`
	Target string     `json:"target,omitempty"`
	Err    error      `json:"-"`
}

func (f ActionFailure) Error() string {
	if f.Target != "" {
		return fmt.Sprintf("action %s (%s) for rule %s: %v", f.Action, f.Target, f.RuleID, f.Err)
	}
	return fmt.Sprintf("action %s for rule %s: %v", f.Action, f.RuleID, f.Err)
}

// ActionExecutor runs the configured actions of one matched rule.
type ActionExecutor interface {
	Execute(ctx context.Context, res *EvaluationResult, ec *EvaluationContext) []ActionFailure
}

// Dispatcher is the production ActionExecutor. It records violations, fans
// notifications out to the configured notifiers and requests stream
// termination. Collaborators left nil disable the corresponding action with a
// reported failure rather than a silent no-op.
type Dispatcher struct {
	violations  ViolationStore
	notifiers   []Notifier
	terminator  SessionTerminator
	broadcaster Broadcaster
	newID       func() string
}

// NewDispatcher builds a Dispatcher. Any collaborator may be nil.
func NewDispatcher(violations ViolationStore, notifiers []Notifier, terminator SessionTerminator, broadcaster Broadcaster) *Dispatcher {
	return &Dispatcher{
		violations:  violations,
		notifiers:   notifiers,
		terminator:  terminator,
		broadcaster: broadcaster,
		newID:       func() string { return uuid.NewString() },
	}
}

// Execute runs every configured action of a matched rule, in order. Failures
// are collected, not fatal: one broken webhook must not suppress the recorded
// violation or the termination request.
func (d *Dispatcher) Execute(ctx context.Context, res *EvaluationResult, ec *EvaluationContext) []ActionFailure {
	v := d.buildViolation(res, ec)

	var failures []ActionFailure
	fail := func(action ActionType, target string, err error) {
		metrics.ActionFailures.WithLabelValues(string(action)).Inc()
		logging.Error().Err(err).
			Str("rule_id", res.RuleID).
			Str("action", string(action)).
			Str("target", target).
			Msg("rule action failed")
		failures = append(failures, ActionFailure{RuleID: res.RuleID, Action: action, Target: target, Err: err})
	}

	for _, action := range res.Actions {
		switch action.Type {
		case ActionRecordViolation:
			if d.violations == nil {
				fail(action.Type, "", fmt.Errorf("no violation store configured"))
				continue
			}
			if err := d.violations.SaveViolation(ctx, v); err != nil {
				fail(action.Type, "", err)
				continue
			}
			if d.broadcaster != nil {
				d.broadcaster.BroadcastJSON("violation", v)
			}

		case ActionNotify:
			for _, f := range d.notify(ctx, action.Target, v) {
				fail(f.Action, f.Target, f.Err)
			}

		case ActionTerminateSession:
			if d.terminator == nil {
				fail(action.Type, "", fmt.Errorf("no session terminator configured"))
				continue
			}
			reason := fmt.Sprintf("policy violation: %s", res.RuleName)
			if err := d.terminator.TerminateSession(ctx, ec.Session.ServerID, ec.Session.SessionKey, reason); err != nil {
				fail(action.Type, "", err)
			}

		default:
			fail(action.Type, action.Target, fmt.Errorf("unknown action type"))
		}
	}
	return failures
}

// notify fans the violation out to the configured notifiers. An empty target
// addresses every enabled notifier; a named target addresses exactly one.
func (d *Dispatcher) notify(ctx context.Context, target string, v *Violation) []ActionFailure {
	var failures []ActionFailure
	delivered := false

	for _, n := range d.notifiers {
		if target != "" && !strings.EqualFold(n.Name(), target) {
			continue
		}
		if !n.Enabled() {
			continue
		}
		delivered = true
		if err := n.Send(ctx, v); err != nil {
			failures = append(failures, ActionFailure{Action: ActionNotify, Target: n.Name(), Err: err})
		}
	}

	if !delivered && target != "" {
		failures = append(failures, ActionFailure{
			Action: ActionNotify,
			Target: target,
			Err:    fmt.Errorf("no enabled notifier named %q", target),
		})
	}
	return failures
}

// buildViolation freezes the match into its persisted record. Evidence
// marshaling is infallible here: every Details payload was produced by an
// evaluator's own Marshal call.
func (d *Dispatcher) buildViolation(res *EvaluationResult, ec *EvaluationContext) *Violation {
	data, err := json.Marshal(struct {
		MatchedGroups []int               `json:"matched_groups"`
		Evidence      []ConditionEvidence `json:"evidence"`
	}{
		MatchedGroups: res.MatchedGroups,
		Evidence:      res.Evidence,
	})
	if err != nil {
		logging.Error().Err(err).Str("rule_id", res.RuleID).Msg("marshal violation evidence")
	}

	return &Violation{
		ID:           d.newID(),
		RuleID:       res.RuleID,
		RuleName:     res.RuleName,
		RuleType:     res.RuleType,
		ServerID:     ec.Session.ServerID,
		ServerUserID: ec.Session.ServerUserID,
		SessionID:    ec.Session.ID,
		Severity:     res.Severity,
		Data:         data,
		CreatedAt:    ec.Now,
	}
}
