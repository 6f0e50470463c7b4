// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func newAuthedServer(t *testing.T) *httptest.Server {
	t.Helper()
	handler := NewHandler(&fakeSessionReader{}, newFakeViolationStore(), newFakeRuleStore(), &fakeHealth{}, nil)
	server := NewServer(Config{
		Auth: AuthConfig{
			Secret:   "test-secret",
			Username: "admin",
			Password: "hunter2",
			TokenTTL: time.Hour,
		},
		RateLimitDisabled: true,
	}, handler)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, srv *httptest.Server, username, password string) (*http.Response, string) {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: username, Password: password})
	resp, err := http.Post(srv.URL+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST login: %v", err)
	}
	envelope := decodeEnvelope(t, resp)
	if envelope.Data == nil {
		return resp, ""
	}
	raw, _ := json.Marshal(envelope.Data)
	var lr loginResponse
	_ = json.Unmarshal(raw, &lr)
	return resp, lr.Token
}

func TestLoginAndBearerAuth(t *testing.T) {
	srv := newAuthedServer(t)

	t.Run("data endpoint rejects missing token", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/sessions/active")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("wrong credentials rejected", func(t *testing.T) {
		resp, token := login(t, srv, "admin", "wrong")
		if resp.StatusCode != http.StatusUnauthorized || token != "" {
			t.Fatalf("status = %d token = %q, want 401 without token", resp.StatusCode, token)
		}
	})

	t.Run("valid token grants access", func(t *testing.T) {
		resp, token := login(t, srv, "admin", "hunter2")
		if resp.StatusCode != http.StatusOK || token == "" {
			t.Fatalf("status = %d, want 200 with token", resp.StatusCode)
		}

		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/sessions/active", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		dataResp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET with token: %v", err)
		}
		defer func() { _ = dataResp.Body.Close() }()
		if dataResp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", dataResp.StatusCode)
		}
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/sessions/active", nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("health does not require auth", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/health")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestTokenExpiry(t *testing.T) {
	a := newAuthenticator(AuthConfig{Secret: "s", TokenTTL: time.Hour})

	token, _, err := a.issueToken("admin", time.Now().Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if _, err := a.verifyToken(token); err == nil {
		t.Fatal("expired token must be rejected")
	}
}

func TestTokenWrongSecret(t *testing.T) {
	issuer := newAuthenticator(AuthConfig{Secret: "one", TokenTTL: time.Hour})
	verifier := newAuthenticator(AuthConfig{Secret: "two", TokenTTL: time.Hour})

	token, _, err := issuer.issueToken("admin", time.Now())
	if err != nil {
		t.Fatalf("issueToken: %v", err)
	}
	if _, err := verifier.verifyToken(token); err == nil {
		t.Fatal("token signed with a different secret must be rejected")
	}
}
