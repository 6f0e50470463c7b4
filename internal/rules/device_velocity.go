// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// DeviceVelocityEvidence is the evidence payload for device_velocity.
type DeviceVelocityEvidence struct {
	Fingerprints    []string  `json:"fingerprints"`
	MaxFingerprints int       `json:"max_fingerprints"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
}

// DeviceVelocityEvaluator counts the distinct device/IP fingerprints a user
// produced within a rolling window. A burst of distinct fingerprints is the
// signature of shared credentials in circulation.
type DeviceVelocityEvaluator struct{}

// Type returns the condition tag.
func (DeviceVelocityEvaluator) Type() RuleType {
	return RuleTypeDeviceVelocity
}

// Evaluate matches when distinct fingerprints in the window exceed the limit.
func (DeviceVelocityEvaluator) Evaluate(_ context.Context, ec *EvaluationContext, cond Condition) (EvaluatorResult, error) {
	params, err := decodeParams(cond.Params, DefaultDeviceVelocityParams())
	if err != nil {
		return EvaluatorResult{}, err
	}
	if params.WindowMinutes <= 0 || params.MaxFingerprints <= 0 {
		return EvaluatorResult{}, fmt.Errorf("window_minutes and max_fingerprints must be positive")
	}

	window := time.Duration(params.WindowMinutes) * time.Minute
	cutoff := ec.Now.Add(-window)

	prints := make(map[string]bool)
	related := make(map[string]bool)

	for i := range ec.RecentSessions {
		s := &ec.RecentSessions[i]
		if s.ServerUserID != ec.Session.ServerUserID {
			continue
		}
		if lastActivity(s).Before(cutoff) {
			continue
		}
		prints[fingerprint(s.DeviceID, s.IPAddress)] = true
		if s.ID != ec.Session.ID {
			related[s.ID] = true
		}
	}
	prints[fingerprint(ec.Session.DeviceID, ec.Session.IPAddress)] = true

	count := len(prints)
	res := EvaluatorResult{
		Matched: count > params.MaxFingerprints,
		Actual:  count,
	}
	if !res.Matched {
		return res, nil
	}

	list := make([]string, 0, len(prints))
	for p := range prints {
		list = append(list, p)
	}
	sort.Strings(list)

	ids := make([]string, 0, len(related))
	for id := range related {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	res.RelatedSessionIDs = ids

	details, err := json.Marshal(DeviceVelocityEvidence{
		Fingerprints:    list,
		MaxFingerprints: params.MaxFingerprints,
		WindowStart:     cutoff,
		WindowEnd:       ec.Now,
	})
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("marshal evidence: %w", err)
	}
	res.Details = details
	return res, nil
}

// fingerprint combines device and network identity into one churn unit.
func fingerprint(deviceID, ip string) string {
	return deviceID + "|" + ip
}
