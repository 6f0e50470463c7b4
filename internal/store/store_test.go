// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/rules"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := New(Config{
		Path:      filepath.Join(t.TempDir(), "test.db"),
		MaxMemory: "256MB",
		Threads:   2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func testSession(id, userID string) *models.Session {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return &models.Session{
		ID:           id,
		ServerID:     "srv-1",
		SessionKey:   "key-" + id,
		RatingKey:    "movie-42",
		State:        models.StatePlaying,
		ProgressMs:   60_000,
		ServerUserID: userID,
		IPAddress:    "203.0.113.9",
		DeviceID:     "dev-1",
		Title:        "Some Movie",
		Latitude:     40.7128,
		Longitude:    -74.0060,
		City:         "New York",
		Country:      "United States",
		StartedAt:    now.Add(-10 * time.Minute),
		UpdatedAt:    now,
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess := testSession("s1", "u1")
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	open, err := s.OpenSessions(ctx, "srv-1")
	if err != nil {
		t.Fatalf("OpenSessions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open sessions = %d, want 1", len(open))
	}
	got := open[0]
	if got.ID != "s1" || got.RatingKey != "movie-42" || got.City != "New York" {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.EndedAt != nil {
		t.Error("open session must have no end time")
	}

	sess.ProgressMs = 120_000
	sess.State = models.StatePaused
	sess.UpdatedAt = sess.UpdatedAt.Add(30 * time.Second)
	if err := s.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}

	sess.Close(sess.UpdatedAt.Add(time.Minute))
	if err := s.CloseSession(ctx, sess); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	open, err = s.OpenSessions(ctx, "srv-1")
	if err != nil {
		t.Fatalf("OpenSessions: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("open sessions after close = %d, want 0", len(open))
	}
}

func TestUpdateMissingSession(t *testing.T) {
	s := setupTestStore(t)
	if err := s.UpdateSession(context.Background(), testSession("ghost", "u1")); err == nil {
		t.Fatal("expected error updating a session that was never created")
	}
}

func TestSessionsForUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := testSession("s1", "u1")
	b := testSession("s2", "u1")
	b.ServerID = "srv-2"
	other := testSession("s3", "u2")
	closed := testSession("s4", "u1")

	for _, sess := range []*models.Session{a, b, other, closed} {
		if err := s.CreateSession(ctx, sess); err != nil {
			t.Fatalf("CreateSession(%s): %v", sess.ID, err)
		}
	}
	closed.Close(closed.UpdatedAt.Add(time.Minute))
	if err := s.CloseSession(ctx, closed); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	active, err := s.ActiveSessionsForUser(ctx, "u1")
	if err != nil {
		t.Fatalf("ActiveSessionsForUser: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active for u1 = %d, want 2 across servers", len(active))
	}

	recent, err := s.RecentSessionsForUser(ctx, "u1", 100*365*24*time.Hour, 10)
	if err != nil {
		t.Fatalf("RecentSessionsForUser: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("recent for u1 = %d, want 3 including closed", len(recent))
	}

	limited, err := s.RecentSessionsForUser(ctx, "u1", 100*365*24*time.Hour, 2)
	if err != nil {
		t.Fatalf("RecentSessionsForUser: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited recent = %d, want 2", len(limited))
	}
}

func testViolation(id string) *rules.Violation {
	data, _ := json.Marshal(map[string]any{"active_count": 4})
	return &rules.Violation{
		ID:           id,
		RuleID:       "r1",
		RuleName:     "too many streams",
		RuleType:     rules.RuleTypeConcurrentStreams,
		ServerID:     "srv-1",
		ServerUserID: "u1",
		SessionID:    "s1",
		Severity:     rules.SeverityCritical,
		Data:         data,
		CreatedAt:    time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestViolationRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	v := testViolation("v1")
	if err := s.SaveViolation(ctx, v); err != nil {
		t.Fatalf("SaveViolation: %v", err)
	}

	got, err := s.GetViolation(ctx, "v1")
	if err != nil {
		t.Fatalf("GetViolation: %v", err)
	}
	if got.RuleName != "too many streams" || got.Severity != rules.SeverityCritical {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	var data map[string]any
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}

	if _, err := s.GetViolation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing violation error = %v, want ErrNotFound", err)
	}
}

func TestViolationFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	a := testViolation("v1")
	b := testViolation("v2")
	b.RuleType = rules.RuleTypeImpossibleTravel
	b.Severity = rules.SeverityWarning
	b.ServerUserID = "u2"
	b.CreatedAt = a.CreatedAt.Add(time.Hour)

	for _, v := range []*rules.Violation{a, b} {
		if err := s.SaveViolation(ctx, v); err != nil {
			t.Fatalf("SaveViolation(%s): %v", v.ID, err)
		}
	}

	t.Run("newest first", func(t *testing.T) {
		got, err := s.ListViolations(ctx, rules.ViolationFilter{})
		if err != nil {
			t.Fatalf("ListViolations: %v", err)
		}
		if len(got) != 2 || got[0].ID != "v2" {
			t.Errorf("order = %v, want v2 first", ids(got))
		}
	})

	t.Run("by rule type", func(t *testing.T) {
		got, err := s.ListViolations(ctx, rules.ViolationFilter{
			RuleTypes: []rules.RuleType{rules.RuleTypeImpossibleTravel},
		})
		if err != nil {
			t.Fatalf("ListViolations: %v", err)
		}
		if len(got) != 1 || got[0].ID != "v2" {
			t.Errorf("filtered = %v, want [v2]", ids(got))
		}
	})

	t.Run("by user", func(t *testing.T) {
		got, err := s.ListViolations(ctx, rules.ViolationFilter{ServerUserID: "u1"})
		if err != nil {
			t.Fatalf("ListViolations: %v", err)
		}
		if len(got) != 1 || got[0].ID != "v1" {
			t.Errorf("filtered = %v, want [v1]", ids(got))
		}
	})

	t.Run("by acknowledgement", func(t *testing.T) {
		if err := s.AcknowledgeViolation(ctx, "v1", "admin"); err != nil {
			t.Fatalf("AcknowledgeViolation: %v", err)
		}
		acked := true
		got, err := s.ListViolations(ctx, rules.ViolationFilter{Acknowledged: &acked})
		if err != nil {
			t.Fatalf("ListViolations: %v", err)
		}
		if len(got) != 1 || got[0].ID != "v1" || got[0].AcknowledgedBy != "admin" {
			t.Errorf("acknowledged = %+v, want v1 by admin", got)
		}
	})
}

func ids(vs []rules.Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}

func TestRuleRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	params, _ := json.Marshal(rules.ConcurrentStreamsParams{Threshold: 4})
	rule := &rules.Rule{
		ID:       "r1",
		Name:     "too many streams",
		Type:     rules.RuleTypeConcurrentStreams,
		Enabled:  true,
		Severity: rules.SeverityCritical,
		Groups: []rules.ConditionGroup{{
			{Type: rules.RuleTypeConcurrentStreams, Params: params},
		}},
		Actions: []rules.Action{
			{Type: rules.ActionRecordViolation},
			{Type: rules.ActionNotify, Target: "discord"},
		},
	}
	if err := s.SaveRule(ctx, rule); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}

	got, err := s.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if len(got.Groups) != 1 || len(got.Groups[0]) != 1 {
		t.Fatalf("groups = %+v, want one group with one condition", got.Groups)
	}
	var p rules.ConcurrentStreamsParams
	if err := json.Unmarshal(got.Groups[0][0].Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if p.Threshold != 4 {
		t.Errorf("threshold = %d, want 4", p.Threshold)
	}
	if len(got.Actions) != 2 || got.Actions[1].Target != "discord" {
		t.Errorf("actions = %+v, want notify target preserved", got.Actions)
	}

	t.Run("upsert replaces definition", func(t *testing.T) {
		rule.Name = "renamed"
		if err := s.SaveRule(ctx, rule); err != nil {
			t.Fatalf("SaveRule: %v", err)
		}
		got, err := s.GetRule(ctx, "r1")
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if got.Name != "renamed" {
			t.Errorf("name = %q, want renamed", got.Name)
		}
		all, err := s.ListRules(ctx)
		if err != nil {
			t.Fatalf("ListRules: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("rules = %d, want upsert not to duplicate", len(all))
		}
	})

	t.Run("toggle filters enabled set", func(t *testing.T) {
		if err := s.SetRuleEnabled(ctx, "r1", false); err != nil {
			t.Fatalf("SetRuleEnabled: %v", err)
		}
		enabled, err := s.EnabledRules(ctx)
		if err != nil {
			t.Fatalf("EnabledRules: %v", err)
		}
		if len(enabled) != 0 {
			t.Errorf("enabled = %d, want 0 after disable", len(enabled))
		}
	})

	t.Run("toggle missing rule errors", func(t *testing.T) {
		if err := s.SetRuleEnabled(ctx, "ghost", true); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}
