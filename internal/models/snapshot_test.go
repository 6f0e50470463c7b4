// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package models

import (
	"strings"
	"testing"
	"time"
)

func TestPollSnapshotNormalize(t *testing.T) {
	tests := []struct {
		name  string
		in    PollSnapshot
		check func(t *testing.T, p PollSnapshot)
	}{
		{
			name: "trims and lowercases",
			in: PollSnapshot{
				ServerID:   "  srv-1  ",
				SessionKey: " abc ",
				MediaType:  " Movie ",
			},
			check: func(t *testing.T, p PollSnapshot) {
				if p.ServerID != "srv-1" || p.SessionKey != "abc" {
					t.Errorf("identifiers not trimmed: %q %q", p.ServerID, p.SessionKey)
				}
				if p.MediaType != "movie" {
					t.Errorf("media type = %q, want movie", p.MediaType)
				}
			},
		},
		{
			name: "bounds long identifiers",
			in:   PollSnapshot{RatingKey: strings.Repeat("x", 10_000)},
			check: func(t *testing.T, p PollSnapshot) {
				if len(p.RatingKey) != maxIdentifierLen {
					t.Errorf("rating key length = %d, want %d", len(p.RatingKey), maxIdentifierLen)
				}
			},
		},
		{
			name: "clamps negative progress",
			in:   PollSnapshot{ProgressMs: -500, TotalDurationMs: -1},
			check: func(t *testing.T, p PollSnapshot) {
				if p.ProgressMs != 0 || p.TotalDurationMs != 0 {
					t.Errorf("negative values not clamped: %d %d", p.ProgressMs, p.TotalDurationMs)
				}
			},
		},
		{
			name: "clamps absurd progress",
			in:   PollSnapshot{ProgressMs: maxProgressMs + 1},
			check: func(t *testing.T, p PollSnapshot) {
				if p.ProgressMs != maxProgressMs {
					t.Errorf("progress = %d, want %d", p.ProgressMs, maxProgressMs)
				}
			},
		},
		{
			name: "unknown state maps to stopped",
			in:   PollSnapshot{State: "buffering"},
			check: func(t *testing.T, p PollSnapshot) {
				if p.State != StateStopped {
					t.Errorf("state = %q, want stopped", p.State)
				}
			},
		},
		{
			name: "known state preserved",
			in:   PollSnapshot{State: StatePaused},
			check: func(t *testing.T, p PollSnapshot) {
				if p.State != StatePaused {
					t.Errorf("state = %q, want paused", p.State)
				}
			},
		},
		{
			name: "strips IPv4 port",
			in:   PollSnapshot{IPAddress: "203.0.113.7:32400"},
			check: func(t *testing.T, p PollSnapshot) {
				if p.IPAddress != "203.0.113.7" {
					t.Errorf("ip = %q", p.IPAddress)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.in
			p.Normalize()
			tt.check(t, p)
		})
	}
}

func TestStripPort(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"203.0.113.7:32400", "203.0.113.7"},
		{"203.0.113.7", "203.0.113.7"},
		{"[::1]:8096", "::1"},
		{"[2001:db8::1]", "2001:db8::1"},
		{"2001:db8::1", "2001:db8::1"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := StripPort(tt.in); got != tt.want {
				t.Errorf("StripPort(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSessionClose(t *testing.T) {
	s := Session{ID: "s1", State: StatePlaying}
	if !s.Open() {
		t.Fatal("new session should be open")
	}

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Close(first)

	if s.Open() {
		t.Error("closed session reports open")
	}
	if s.State != StateStopped {
		t.Errorf("state = %q, want stopped", s.State)
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(first) {
		t.Errorf("ended at = %v, want %v", s.EndedAt, first)
	}

	// Second close must not move the end timestamp.
	s.Close(first.Add(time.Hour))
	if !s.EndedAt.Equal(first) {
		t.Errorf("second close moved EndedAt to %v", s.EndedAt)
	}
}

func TestFullKey(t *testing.T) {
	s := Session{ServerID: "srv-1", SessionKey: "abc"}
	if got := s.FullKey(); got != "srv-1:abc" {
		t.Errorf("FullKey = %q", got)
	}

	p := PollSnapshot{ServerID: "srv-1", SessionKey: "abc"}
	if p.FullKey() != s.FullKey() {
		t.Error("snapshot and session full keys disagree")
	}
}
