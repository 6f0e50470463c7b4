// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
)

// LocationPair is one pair of concurrently active sessions at distinct
// locations.
type LocationPair struct {
	SessionA   string  `json:"session_a"`
	LocationA  string  `json:"location_a"`
	SessionB   string  `json:"session_b"`
	LocationB  string  `json:"location_b"`
	DistanceKm float64 `json:"distance_km"`
}

// SimultaneousLocationsEvidence is the evidence payload for
// simultaneous_locations.
type SimultaneousLocationsEvidence struct {
	Pairs         []LocationPair `json:"pairs"`
	MinDistanceKm float64        `json:"min_distance_km"`
}

// SimultaneousLocationsEvaluator matches when two or more of the user's
// currently active sessions resolve to locations farther apart than the
// configured minimum.
type SimultaneousLocationsEvaluator struct{}

// Type returns the condition tag.
func (SimultaneousLocationsEvaluator) Type() RuleType {
	return RuleTypeSimultaneousLocations
}

// Evaluate checks every pair of located active sessions for the user.
func (SimultaneousLocationsEvaluator) Evaluate(_ context.Context, ec *EvaluationContext, cond Condition) (EvaluatorResult, error) {
	params, err := decodeParams(cond.Params, DefaultSimultaneousLocationsParams())
	if err != nil {
		return EvaluatorResult{}, err
	}
	if params.MinDistanceKm <= 0 {
		return EvaluatorResult{}, fmt.Errorf("min_distance_km must be positive, got %v", params.MinDistanceKm)
	}

	located := locatedUserSessions(ec)
	if len(located) < 2 {
		return EvaluatorResult{}, nil
	}

	var pairs []LocationPair
	implicated := make(map[string]bool)
	maxDistance := 0.0

	for i := 0; i < len(located); i++ {
		for j := i + 1; j < len(located); j++ {
			a, b := located[i], located[j]
			d := HaversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
			if d > maxDistance {
				maxDistance = d
			}
			if d < params.MinDistanceKm {
				continue
			}
			pairs = append(pairs, LocationPair{
				SessionA:   a.ID,
				LocationA:  formatLocation(a.City, a.Country),
				SessionB:   b.ID,
				LocationB:  formatLocation(b.City, b.Country),
				DistanceKm: round2(d),
			})
			implicated[a.ID] = true
			implicated[b.ID] = true
		}
	}

	res := EvaluatorResult{
		Matched: len(pairs) > 0,
		Actual:  round2(maxDistance),
	}
	if !res.Matched {
		return res, nil
	}

	ids := make([]string, 0, len(implicated))
	for _, s := range located {
		if implicated[s.ID] {
			ids = append(ids, s.ID)
		}
	}
	res.RelatedSessionIDs = ids

	details, err := json.Marshal(SimultaneousLocationsEvidence{
		Pairs:         pairs,
		MinDistanceKm: params.MinDistanceKm,
	})
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("marshal evidence: %w", err)
	}
	res.Details = details
	return res, nil
}

// locatedUserSessions collects the user's active sessions with resolved
// coordinates, including the triggering session exactly once.
func locatedUserSessions(ec *EvaluationContext) []*models.Session {
	var out []*models.Session
	seen := make(map[string]bool)

	consider := func(s *models.Session) {
		if s.ServerUserID != ec.Session.ServerUserID || seen[s.ID] {
			return
		}
		if IsUnknownLocation(s.Latitude, s.Longitude) {
			return
		}
		seen[s.ID] = true
		out = append(out, s)
	}

	for i := range ec.ActiveSessions {
		consider(&ec.ActiveSessions[i])
	}
	consider(ec.Session)
	return out
}
