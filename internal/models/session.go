// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package models defines the shared data model: logical sessions, raw poll
// snapshots, geolocations and server identities.
package models

import (
	"time"
)

// PlaybackState is the player state reported by the media server.
type PlaybackState string

const (
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
	StateStopped PlaybackState = "stopped"
)

// Session is one continuous playback of one piece of content, as reconstructed
// by the tracker. A transport session key may outlive several logical sessions
// (live TV, autoplay), so the tracker assigns its own ID per logical session.
type Session struct {
	// ID is the internal logical session identifier (UUID), unique per
	// logical session rather than per transport key.
	ID string `json:"id"`

	// ServerID plus SessionKey identify the transport-level session: the
	// vendor-assigned key that stays stable across polls for one physical
	// player connection.
	ServerID   string `json:"server_id"`
	SessionKey string `json:"session_key"`

	// RatingKey is the vendor content identifier. Empty when the vendor did
	// not report one.
	RatingKey string `json:"rating_key,omitempty"`

	// LiveUUID is present only for live-TV playback and stays stable across
	// channel changes within one tune-in.
	LiveUUID string `json:"live_uuid,omitempty"`

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

	// Geolocation, filled in from the resolver when the IP is public and a
	// lookup has succeeded. Zero coordinates mean unknown.
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// FullKey returns the serverID:sessionKey composite that identifies the
// transport session across the whole deployment.
func (s *Session) FullKey() string {
	return s.ServerID + ":" + s.SessionKey
}

// Open reports whether the session has not been closed yet.
func (s *Session) Open() bool {
	return s.EndedAt == nil
}

// Close marks the session ended at the given instant, freezing final progress.
// Closing an already-closed session is a no-op.
func (s *Session) Close(at time.Time) {
	if s.EndedAt != nil {
		return
	}
	t := at
	s.EndedAt = &t
	s.State = StateStopped
	s.UpdatedAt = at
}

// ServerUser is the media-server account a session belongs to.
type ServerUser struct {
	ID       string `json:"id"`
	ServerID string `json:"server_id"`
	Username string `json:"username,omitempty"`
}

// Server identifies one monitored media server instance.
type Server struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Vendor string `json:"vendor,omitempty"` // plex, jellyfin, emby
}

// Geolocation is the resolved geographic position of an IP address.
type Geolocation struct {
	IPAddress  string    `json:"ip_address"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	City       string    `json:"city,omitempty"`
	Region     string    `json:"region,omitempty"`
	Country    string    `json:"country"`
	ResolvedAt time.Time `json:"resolved_at"`
}
