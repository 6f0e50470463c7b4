// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// ConcurrentStreamsEvidence is the evidence payload for concurrent_streams.
type ConcurrentStreamsEvidence struct {
	ActiveCount int      `json:"active_count"`
	Threshold   int      `json:"threshold"`
	SessionIDs  []string `json:"session_ids"`
}

// ConcurrentStreamsEvaluator counts a user's open sessions. Each open logical
// session counts once; sessions are deduplicated by session ID, not transport
// key, so a channel surf does not shed a count.
type ConcurrentStreamsEvaluator struct{}

// Type returns the condition tag.
func (ConcurrentStreamsEvaluator) Type() RuleType {
	return RuleTypeConcurrentStreams
}

// Evaluate matches when the user's active session count is at or above the
// threshold.
func (ConcurrentStreamsEvaluator) Evaluate(_ context.Context, ec *EvaluationContext, cond Condition) (EvaluatorResult, error) {
	params, err := decodeParams(cond.Params, DefaultConcurrentStreamsParams())
	if err != nil {
		return EvaluatorResult{}, err
	}
	if params.Threshold <= 0 {
		return EvaluatorResult{}, fmt.Errorf("threshold must be positive, got %d", params.Threshold)
	}

	seen := make(map[string]bool, len(ec.ActiveSessions)+1)
	var ids []string
	for i := range ec.ActiveSessions {
		s := &ec.ActiveSessions[i]
		if s.ServerUserID != ec.Session.ServerUserID || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		ids = append(ids, s.ID)
	}
	// The triggering session counts even if the active snapshot missed it.
	if !seen[ec.Session.ID] {
		ids = append(ids, ec.Session.ID)
	}

	count := len(ids)
	res := EvaluatorResult{
		Matched: count >= params.Threshold,
		Actual:  count,
	}
	if !res.Matched {
		return res, nil
	}

	res.RelatedSessionIDs = ids
	details, err := json.Marshal(ConcurrentStreamsEvidence{
		ActiveCount: count,
		Threshold:   params.Threshold,
		SessionIDs:  ids,
	})
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("marshal evidence: %w", err)
	}
	res.Details = details
	return res, nil
}
