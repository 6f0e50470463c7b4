// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import (
	"strings"
	"unicode/utf8"
)

// Field bounds enforced at the poller boundary. The tracker assumes snapshots
// that reach it are already normalized.
const (
	maxIdentifierLen = 256
	maxTitleLen      = 1024
	maxProgressMs    = int64(7 * 24 * 60 * 60 * 1000) // one week of playback
)

// PollSnapshot is the raw per-transport-key state reported by a media server
// during one poll cycle. Vendor field mapping happens upstream; this struct is
// the vendor-neutral shape the tracker consumes.
type PollSnapshot struct {
	ServerID   string `json:"server_id"`
	SessionKey string `json:"session_key"`

	RatingKey string `json:"rating_key,omitempty"`
	LiveUUID  string `json:"live_uuid,omitempty"`

	State           PlaybackState `json:"state"`
	ProgressMs      int64         `json:"progress_ms"`
	TotalDurationMs int64         `json:"total_duration_ms"`
	IsTranscode     bool          `json:"is_transcode"`

	ServerUserID string `json:"server_user_id"`
	IPAddress    string `json:"ip_address,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
	PlayerName   string `json:"player_name,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
	Title        string `json:"title,omitempty"`
}

// Normalize bounds string lengths, clamps numeric ranges, maps unknown states
// to stopped, and strips any port suffix from the IP address. It never fails:
// a partially-null snapshot stays partially null and the tracker treats the
// missing identity fields conservatively.
func (p *PollSnapshot) Normalize() {
	p.ServerID = truncate(strings.TrimSpace(p.ServerID), maxIdentifierLen)
	p.SessionKey = truncate(strings.TrimSpace(p.SessionKey), maxIdentifierLen)
	p.RatingKey = truncate(strings.TrimSpace(p.RatingKey), maxIdentifierLen)
	p.LiveUUID = truncate(strings.TrimSpace(p.LiveUUID), maxIdentifierLen)
	p.ServerUserID = truncate(strings.TrimSpace(p.ServerUserID), maxIdentifierLen)
	p.DeviceID = truncate(strings.TrimSpace(p.DeviceID), maxIdentifierLen)
	p.PlayerName = truncate(p.PlayerName, maxIdentifierLen)
	p.MediaType = truncate(strings.ToLower(strings.TrimSpace(p.MediaType)), maxIdentifierLen)
	p.Title = truncate(p.Title, maxTitleLen)
	p.IPAddress = StripPort(strings.TrimSpace(p.IPAddress))

	switch p.State {
	case StatePlaying, StatePaused, StateStopped:
	default:
		p.State = StateStopped
	}

	if p.ProgressMs < 0 {
		p.ProgressMs = 0
	}
	if p.ProgressMs > maxProgressMs {
		p.ProgressMs = maxProgressMs
	}
	if p.TotalDurationMs < 0 {
		p.TotalDurationMs = 0
	}
}

// FullKey returns the serverID:sessionKey composite for this snapshot.
func (p *PollSnapshot) FullKey() string {
	return p.ServerID + ":" + p.SessionKey
}

// truncate cuts s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// StripPort removes a trailing :port from an IPv4 or bracketed IPv6 address.
// Bare IPv6 addresses (multiple colons, no brackets) are returned unchanged.
func StripPort(addr string) string {
	if addr == "" {
		return addr
	}
	if strings.HasPrefix(addr, "[") {
		if idx := strings.LastIndex(addr, "]:"); idx != -1 {
			return addr[1:idx]
		}
		return strings.Trim(addr, "[]")
	}
	if strings.Count(addr, ":") == 1 {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return addr[:idx]
		}
	}
	return addr
}
