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
)

// GeoRestrictionEvidence is the evidence payload for geo_restriction.
type GeoRestrictionEvidence struct {
	Country          string   `json:"country"`
	Location         string   `json:"location"`
	IPAddress        string   `json:"ip_address,omitempty"`
	AllowedCountries []string `json:"allowed_countries,omitempty"`
	BlockedCountries []string `json:"blocked_countries,omitempty"`
}

// GeoRestrictionEvaluator matches sessions streaming from a disallowed
// country: outside the allow-list when one is set, otherwise inside the
// deny-list. A session with no resolved country never matches; geography
// cannot be held against a stream that could not be located.
type GeoRestrictionEvaluator struct{}

// Type returns the condition tag.
func (GeoRestrictionEvaluator) Type() RuleType {
	return RuleTypeGeoRestriction
}

// Evaluate applies the allow/deny lists to the session's resolved country.
func (GeoRestrictionEvaluator) Evaluate(_ context.Context, ec *EvaluationContext, cond Condition) (EvaluatorResult, error) {
	params, err := decodeParams(cond.Params, GeoRestrictionParams{})
	if err != nil {
		return EvaluatorResult{}, err
	}
	if len(params.AllowedCountries) == 0 && len(params.BlockedCountries) == 0 {
		return EvaluatorResult{}, fmt.Errorf("geo_restriction requires an allow or deny list")
	}

	country := strings.TrimSpace(ec.Session.Country)
	if country == "" || strings.EqualFold(country, "Local") {
		return EvaluatorResult{}, nil
	}

	matched := false
	if len(params.AllowedCountries) > 0 {
		matched = !containsFold(params.AllowedCountries, country)
	} else {
		matched = containsFold(params.BlockedCountries, country)
	}

	res := EvaluatorResult{Matched: matched, Actual: country}
	if !matched {
		return res, nil
	}

	details, err := json.Marshal(GeoRestrictionEvidence{
		Country:          country,
		Location:         formatLocation(ec.Session.City, country),
		IPAddress:        ec.Session.IPAddress,
		AllowedCountries: params.AllowedCountries,
		BlockedCountries: params.BlockedCountries,
	})
	if err != nil {
		return EvaluatorResult{}, fmt.Errorf("marshal evidence: %w", err)
	}
	res.Details = details
	return res, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
