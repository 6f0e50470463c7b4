// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
)

// ImpossibleTravelEvidence is the evidence payload for impossible_travel.
type ImpossibleTravelEvidence struct {
	FromSessionID string    `json:"from_session_id"`
	FromLocation  string    `json:"from_location"`
	FromLatitude  float64   `json:"from_latitude"`
	FromLongitude float64   `json:"from_longitude"`
	FromSeenAt    time.Time `json:"from_seen_at"`
	ToLocation    string    `json:"to_location"`
	ToLatitude    float64   `json:"to_latitude"`
	ToLongitude   float64   `json:"to_longitude"`
	ToSeenAt      time.Time `json:"to_seen_at"`
	DistanceKm    float64   `json:"distance_km"`
	ElapsedMins   float64   `json:"elapsed_mins"`
	SpeedKmh      float64   `json:"speed_kmh"`
}

// ImpossibleTravelEvaluator compares the triggering session's location
// against the most recent other session for the same user and matches when
// the implied travel speed is physically implausible.
type ImpossibleTravelEvaluator struct{}

// Type returns the condition tag.
func (ImpossibleTravelEvaluator) Type() RuleType {
	return RuleTypeImpossibleTravel
}

// Evaluate matches when distance/elapsed between this session and the user's
// previous one exceeds the configured maximum speed.
func (ImpossibleTravelEvaluator) Evaluate(_ context.Context, ec *EvaluationContext, cond Condition) (EvaluatorResult, error) {
	params, err := decodeParams(cond.Params, DefaultImpossibleTravelParams())
	if err != nil {
		return EvaluatorResult{}, err
	}
	if params.MaxSpeedKmh <= 0 {
		return EvaluatorResult{}, fmt.Errorf("max_speed_kmh must be positive, got %v", params.MaxSpeedKmh)
	}

	trigger := ec.Session
	if IsUnknownLocation(trigger.Latitude, trigger.Longitude) {
		return EvaluatorResult{}, nil
	}

	prev := previousLocatedSession(ec, time.Duration(params.LookbackMinutes)*time.Minute)
	if prev == nil {
		return EvaluatorResult{}, nil
	}

	prevSeen := lastActivity(prev)
	elapsed := trigger.StartedAt.Sub(prevSeen)
	if elapsed <= 0 {
		// Overlapping streams are the simultaneous_locations rule's
		// concern; travel speed is meaningless without elapsed time.
		return EvaluatorResult{}, nil
	}

	distanceKm := HaversineKm(prev.Latitude, prev.Longitude, trigger.Latitude, trigger.Longitude)
	if distanceKm < params.MinDistanceKm {
		return EvaluatorResult{}, nil
	}

	const floatEpsilon = 1e-9
	hours := elapsed.Hours()
	if math.Abs(hours) < floatEpsilon {
		hours = floatEpsilon
	}
	speedKmh := distanceKm / hours

	res := EvaluatorResult{
		Matched: speedKmh > params.MaxSpeedKmh,
		Actual:  round2(speedKmh),
	}
	if !res.Matched {
		return res, nil
	}

	res.RelatedSessionIDs = []string{prev.ID}
	details, err := json.Marshal(ImpossibleTravelEvidence{
		FromSessionID: prev.ID,
		FromLocation:  formatLocation(prev.City, prev.Country),
		FromLatitude:  prev.Latitude,
		FromLongitude: prev.Longitude,
		FromSeenAt:    prevSeen,
		ToLocation:    formatLocation(trigger.City, trigger.Country),
		ToLatitude:    trigger.Latitude,
		ToLongitude:   trigger.Longitude,
		ToSeenAt:      trigger.StartedAt,
		DistanceKm:    round2(distanceKm),
		ElapsedMins:   round2(elapsed.Minutes()),
		SpeedKmh:      round2(speedKmh),
	})
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("marshal evidence: %w", err)
	}
	res.Details = details
	return res, nil
}

// previousLocatedSession returns the most recent other session of the same
// user within the lookback window that carries a resolved location.
func previousLocatedSession(ec *EvaluationContext, lookback time.Duration) *models.Session {
	cutoff := ec.Now.Add(-lookback)
	var best *models.Session
	var bestSeen time.Time

	for i := range ec.RecentSessions {
		s := &ec.RecentSessions[i]
		if s.ID == ec.Session.ID || s.ServerUserID != ec.Session.ServerUserID {
			continue
		}
		if IsUnknownLocation(s.Latitude, s.Longitude) {
			continue
		}
		seen := lastActivity(s)
		if seen.Before(cutoff) {
			continue
		}
		if best == nil || seen.After(bestSeen) {
			best = s
			bestSeen = seen
		}
	}
	return best
}

// lastActivity is the instant a session was last observed: its end for closed
// sessions, its latest update otherwise.
func lastActivity(s *models.Session) time.Time {
	if s.EndedAt != nil {
		return *s.EndedAt
	}
	return s.UpdatedAt
}
