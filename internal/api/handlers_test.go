// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package api

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/rules"
	"github.com/streamwarden/streamwarden/internal/store"
)

type fakeSessionReader struct {
	sessions []models.Session
	err      error
}

func (f *fakeSessionReader) ListActiveSessions(context.Context) ([]models.Session, error) {
	return f.sessions, f.err
}

type fakeViolationStore struct {
	violations map[string]*rules.Violation
	lastFilter rules.ViolationFilter
}

func newFakeViolationStore(violations ...*rules.Violation) *fakeViolationStore {
	f := &fakeViolationStore{violations: make(map[string]*rules.Violation)}
	for _, v := range violations {
		f.violations[v.ID] = v
	}
	return f
}

func (f *fakeViolationStore) SaveViolation(_ context.Context, v *rules.Violation) error {
	f.violations[v.ID] = v
	return nil
}

func (f *fakeViolationStore) GetViolation(_ context.Context, id string) (*rules.Violation, error) {
	v, ok := f.violations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (f *fakeViolationStore) ListViolations(_ context.Context, filter rules.ViolationFilter) ([]rules.Violation, error) {
	f.lastFilter = filter
	var out []rules.Violation
	for _, v := range f.violations {
		out = append(out, *v)
	}
	return out, nil
}

func (f *fakeViolationStore) AcknowledgeViolation(_ context.Context, id, by string) error {
	v, ok := f.violations[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	v.AcknowledgedAt = &now
	v.AcknowledgedBy = by
	return nil
}

type fakeRuleStore struct {
	rules map[string]*rules.Rule
}

func newFakeRuleStore(rs ...*rules.Rule) *fakeRuleStore {
	f := &fakeRuleStore{rules: make(map[string]*rules.Rule)}
	for _, r := range rs {
		f.rules[r.ID] = r
	}
	return f
}

func (f *fakeRuleStore) EnabledRules(context.Context) ([]rules.Rule, error) {
	var out []rules.Rule
	for _, r := range f.rules {
		if r.Enabled {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeRuleStore) ListRules(context.Context) ([]rules.Rule, error) {
	var out []rules.Rule
	for _, r := range f.rules {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeRuleStore) GetRule(_ context.Context, id string) (*rules.Rule, error) {
	r, ok := f.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeRuleStore) SaveRule(_ context.Context, r *rules.Rule) error {
	f.rules[r.ID] = r
	return nil
}

func (f *fakeRuleStore) SetRuleEnabled(_ context.Context, id string, enabled bool) error {
	r, ok := f.rules[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Enabled = enabled
	return nil
}

type fakeHealth struct {
	err error
}

func (f *fakeHealth) Ping(context.Context) error { return f.err }

type testServer struct {
	srv        *httptest.Server
	sessions   *fakeSessionReader
	violations *fakeViolationStore
	rules      *fakeRuleStore
	health     *fakeHealth
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		sessions:   &fakeSessionReader{},
		violations: newFakeViolationStore(),
		rules:      newFakeRuleStore(),
		health:     &fakeHealth{},
	}
	handler := NewHandler(ts.sessions, ts.violations, ts.rules, ts.health, nil)
	server := NewServer(Config{
		Auth:              AuthConfig{Disabled: true},
		RateLimitDisabled: true,
	}, handler)
	ts.srv = httptest.NewServer(server.Routes())
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, APIResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var envelope APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return envelope
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		ts := newTestServer(t)
		resp, envelope := ts.get(t, "/api/v1/health")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if !envelope.Success {
			t.Error("expected success envelope")
		}
	})

	t.Run("storage down", func(t *testing.T) {
		ts := newTestServer(t)
		ts.health.err = errors.New("connection refused")
		resp, envelope := ts.get(t, "/api/v1/health")
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", resp.StatusCode)
		}
		if envelope.Success {
			t.Error("expected degraded envelope")
		}
	})
}

func TestActiveSessionsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.sessions.sessions = []models.Session{
		{ID: "s1", ServerID: "srv-1", ServerUserID: "u1"},
		{ID: "s2", ServerID: "srv-2", ServerUserID: "u2"},
	}

	resp, envelope := ts.get(t, "/api/v1/sessions/active")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if envelope.Meta == nil || envelope.Meta.Count != 2 {
		t.Errorf("meta = %+v, want count 2", envelope.Meta)
	}
}

func TestViolationEndpoints(t *testing.T) {
	now := time.Now().UTC()
	violation := &rules.Violation{
		ID:           "v1",
		RuleID:       "r1",
		RuleName:     "too many streams",
		RuleType:     rules.RuleTypeConcurrentStreams,
		ServerUserID: "u1",
		Severity:     rules.SeverityCritical,
		CreatedAt:    now,
	}

	t.Run("list passes filter through", func(t *testing.T) {
		ts := newTestServer(t)
		ts.violations = newFakeViolationStore(violation)
		handler := NewHandler(ts.sessions, ts.violations, ts.rules, ts.health, nil)
		srv := httptest.NewServer(NewServer(Config{Auth: AuthConfig{Disabled: true}, RateLimitDisabled: true}, handler).Routes())
		defer srv.Close()

		resp, err := http.Get(srv.URL + "/api/v1/violations?rule_type=concurrent_streams,impossible_travel&acknowledged=false&limit=10")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		envelope := decodeEnvelope(t, resp)
		if resp.StatusCode != http.StatusOK || !envelope.Success {
			t.Fatalf("status = %d, success = %v", resp.StatusCode, envelope.Success)
		}

		filter := ts.violations.lastFilter
		if len(filter.RuleTypes) != 2 || filter.RuleTypes[0] != rules.RuleTypeConcurrentStreams {
			t.Errorf("rule types = %v, want both parsed", filter.RuleTypes)
		}
		if filter.Acknowledged == nil || *filter.Acknowledged {
			t.Error("acknowledged filter must parse to false")
		}
		if filter.Limit != 10 {
			t.Errorf("limit = %d, want 10", filter.Limit)
		}
	})

	t.Run("bad filter rejected", func(t *testing.T) {
		ts := newTestServer(t)
		resp, envelope := ts.get(t, "/api/v1/violations?acknowledged=maybe")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		if envelope.Error == nil || envelope.Error.Code != ErrCodeBadRequest {
			t.Errorf("error = %+v, want BAD_REQUEST", envelope.Error)
		}
	})

	t.Run("get missing violation", func(t *testing.T) {
		ts := newTestServer(t)
		resp, envelope := ts.get(t, "/api/v1/violations/nope")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
		if envelope.Error == nil || envelope.Error.Code != ErrCodeNotFound {
			t.Errorf("error = %+v, want NOT_FOUND", envelope.Error)
		}
	})

	t.Run("acknowledge", func(t *testing.T) {
		ts := newTestServer(t)
		cp := *violation
		ts.violations.violations["v1"] = &cp

		resp, envelope := ts.post(t, "/api/v1/violations/v1/ack", acknowledgeRequest{AcknowledgedBy: "ops"})
		if resp.StatusCode != http.StatusOK || !envelope.Success {
			t.Fatalf("status = %d, success = %v", resp.StatusCode, envelope.Success)
		}
		if cp.AcknowledgedBy != "ops" || cp.AcknowledgedAt == nil {
			t.Errorf("violation = %+v, want acknowledged by ops", cp)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	validRule := func() rules.Rule {
		return rules.Rule{
			Name:     "limit streams",
			Type:     rules.RuleTypeConcurrentStreams,
			Enabled:  true,
			Severity: rules.SeverityWarning,
			Groups: []rules.ConditionGroup{
				{{Type: rules.RuleTypeConcurrentStreams, Params: json.RawMessage(`{"threshold":3}`)}},
			},
			Actions: []rules.Action{{Type: rules.ActionRecordViolation}},
		}
	}

	t.Run("create assigns id", func(t *testing.T) {
		ts := newTestServer(t)
		resp, envelope := ts.post(t, "/api/v1/rules", validRule())
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("status = %d, want 201", resp.StatusCode)
		}
		data, err := json.Marshal(envelope.Data)
		if err != nil {
			t.Fatalf("re-marshal data: %v", err)
		}
		var created rules.Rule
		if err := json.Unmarshal(data, &created); err != nil {
			t.Fatalf("unmarshal rule: %v", err)
		}
		if created.ID == "" {
			t.Error("created rule must get an id")
		}
		if _, ok := ts.rules.rules[created.ID]; !ok {
			t.Error("rule must be persisted under the assigned id")
		}
	})

	t.Run("invalid rule rejected with details", func(t *testing.T) {
		ts := newTestServer(t)
		bad := validRule()
		bad.Name = ""
		bad.Groups = []rules.ConditionGroup{{{Type: "made_up"}}}

		resp, envelope := ts.post(t, "/api/v1/rules", bad)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
		if envelope.Error == nil || envelope.Error.Code != ErrCodeValidationFailed {
			t.Fatalf("error = %+v, want VALIDATION_FAILED", envelope.Error)
		}
		if envelope.Error.Details == nil {
			t.Error("validation failure must carry problem details")
		}
	})

	t.Run("toggle enabled", func(t *testing.T) {
		ts := newTestServer(t)
		rule := validRule()
		rule.ID = "r1"
		ts.rules.rules["r1"] = &rule

		resp, _ := ts.post(t, "/api/v1/rules/r1/enable", enableRequest{Enabled: false})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if ts.rules.rules["r1"].Enabled {
			t.Error("rule must be disabled after toggle")
		}
	})

	t.Run("toggle missing rule", func(t *testing.T) {
		ts := newTestServer(t)
		resp, _ := ts.post(t, "/api/v1/rules/nope/enable", enableRequest{Enabled: true})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
}
