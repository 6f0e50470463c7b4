// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// AccountInactivityEvidence is the evidence payload for account_inactivity.
type AccountInactivityEvidence struct {
	LastSessionID string    `json:"last_session_id,omitempty"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	IdleDays      float64   `json:"idle_days"`
	MaxIdleDays   int       `json:"max_idle_days"`
}

// AccountInactivityEvaluator flags accounts whose most recent prior session
// predates the pass by more than the configured idle threshold. This is an
// audit signal for stale accounts, not an active abuse signal, and is meant
// to be paired with report-only actions.
type AccountInactivityEvaluator struct{}

// Type returns the condition tag.
func (AccountInactivityEvaluator) Type() RuleType {
	return RuleTypeAccountInactivity
}

// Evaluate matches when the gap since the user's previous session exceeds the
// threshold. A user with no prior history never matches.
func (AccountInactivityEvaluator) Evaluate(_ context.Context, ec *EvaluationContext, cond Condition) (EvaluatorResult, error) {
	params, err := decodeParams(cond.Params, DefaultAccountInactivityParams())
	if err != nil {
		return EvaluatorResult{}, err
	}
	if params.MaxIdleDays <= 0 {
		return EvaluatorResult{}, fmt.Errorf("max_idle_days must be positive, got %d", params.MaxIdleDays)
	}

	var lastID string
	var lastSeen time.Time
	for i := range ec.RecentSessions {
		s := &ec.RecentSessions[i]
		if s.ID == ec.Session.ID || s.ServerUserID != ec.Session.ServerUserID {
			continue
		}
		if seen := lastActivity(s); seen.After(lastSeen) {
			lastSeen = seen
			lastID = s.ID
		}
	}
	if lastID == "" {
		return EvaluatorResult{}, nil
	}

	idle := ec.Now.Sub(lastSeen)
	idleDays := idle.Hours() / 24

	res := EvaluatorResult{
		Matched: idleDays > float64(params.MaxIdleDays),
		Actual:  round2(idleDays),
	}
	if !res.Matched {
		return res, nil
	}

	res.RelatedSessionIDs = []string{lastID}
	details, err := json.Marshal(AccountInactivityEvidence{
		LastSessionID: lastID,
		LastSeenAt:    lastSeen,
		IdleDays:      round2(idleDays),
		MaxIdleDays:   params.MaxIdleDays,
	})
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("marshal evidence: %w", err)
	}
	res.Details = details
	return res, nil
}
