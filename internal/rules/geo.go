// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import "math"

// coordinateEpsilon is the threshold below which coordinates count as the
// (0, 0) "unknown location" sentinel. 1e-7 degrees is about a centimeter at
// the equator, well under any real coordinate difference, while avoiding
// direct float equality.
const coordinateEpsilon = 1e-7

// IsUnknownLocation reports whether the coordinates are the unknown-location
// sentinel.
func IsUnknownLocation(lat, lon float64) bool {
	return math.Abs(lat) < coordinateEpsilon && math.Abs(lon) < coordinateEpsilon
}

// HaversineKm returns the great-circle distance between two points in
// kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	lat1Rad := lat1 * math.Pi / 180.0
	lon1Rad := lon1 * math.Pi / 180.0
	lat2Rad := lat2 * math.Pi / 180.0
	lon2Rad := lon2 * math.Pi / 180.0

	dLat := lat2Rad - lat1Rad
	dLon := lon2Rad - lon1Rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// formatLocation renders a human-readable place name from optional parts.
func formatLocation(city, country string) string {
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case country != "":
		return country
	case city != "":
		return city
	default:
		return "Unknown"
	}
}

// round2 rounds to two decimals for evidence payloads.
func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
