// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ConcurrentStreamsParams configures the concurrent_streams condition.
type ConcurrentStreamsParams struct {
	// Threshold is the active-session count at which the condition
	// matches. A user at exactly the threshold matches.
	Threshold int `json:"threshold"`
}

// DefaultConcurrentStreamsParams returns production defaults.
func DefaultConcurrentStreamsParams() ConcurrentStreamsParams {
	return ConcurrentStreamsParams{Threshold: 3}
}

// ImpossibleTravelParams configures the impossible_travel condition.
type ImpossibleTravelParams struct {
	// MaxSpeedKmh is the fastest physically plausible travel speed.
	// 900 km/h approximates sustained commercial air travel.
	MaxSpeedKmh float64 `json:"max_speed_kmh"`

	// MinDistanceKm ignores transitions between nearby locations, which
	// are routinely produced by carrier NAT and mobile handoff.
	MinDistanceKm float64 `json:"min_distance_km"`

	// LookbackMinutes bounds how far back the comparison session may be.
	LookbackMinutes int `json:"lookback_minutes"`
}

// DefaultImpossibleTravelParams returns production defaults.
func DefaultImpossibleTravelParams() ImpossibleTravelParams {
	return ImpossibleTravelParams{
		MaxSpeedKmh:     900,
		MinDistanceKm:   100,
		LookbackMinutes: 8 * 60,
	}
}

// SimultaneousLocationsParams configures the simultaneous_locations condition.
type SimultaneousLocationsParams struct {
	// MinDistanceKm is the smallest separation between two concurrently
	// active sessions that counts as distinct locations.
	MinDistanceKm float64 `json:"min_distance_km"`
}

// DefaultSimultaneousLocationsParams returns production defaults.
func DefaultSimultaneousLocationsParams() SimultaneousLocationsParams {
	return SimultaneousLocationsParams{MinDistanceKm: 50}
}

// DeviceVelocityParams configures the device_velocity condition.
type DeviceVelocityParams struct {
	// WindowMinutes is the rolling window over which fingerprints count.
	WindowMinutes int `json:"window_minutes"`

	// MaxFingerprints is the distinct device/IP fingerprint count above
	// which the condition matches.
	MaxFingerprints int `json:"max_fingerprints"`
}

// DefaultDeviceVelocityParams returns production defaults.
func DefaultDeviceVelocityParams() DeviceVelocityParams {
	return DeviceVelocityParams{WindowMinutes: 60, MaxFingerprints: 3}
}

// GeoRestrictionParams configures the geo_restriction condition. When
// AllowedCountries is non-empty it is a whitelist and BlockedCountries is
// ignored.
type GeoRestrictionParams struct {
	AllowedCountries []string `json:"allowed_countries,omitempty"`
	BlockedCountries []string `json:"blocked_countries,omitempty"`
}

// AccountInactivityParams configures the account_inactivity condition.
type AccountInactivityParams struct {
	// MaxIdleDays is the number of days without a session after which the
	// account is flagged.
	MaxIdleDays int `json:"max_idle_days"`
}

// DefaultAccountInactivityParams returns production defaults.
func DefaultAccountInactivityParams() AccountInactivityParams {
	return AccountInactivityParams{MaxIdleDays: 90}
}

// decodeParams unmarshals condition params over a defaults value. An empty
// payload keeps the defaults; a malformed payload is an evaluator fault.
func decodeParams[T any](raw json.RawMessage, defaults T) (T, error) {
	out := defaults
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("invalid condition params: %w", err)
	}
	return out, nil
}
