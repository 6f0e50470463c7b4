// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/streamwarden/streamwarden/internal/logging"
)

const tokenIssuer = "streamwarden"

// AuthConfig configures the bearer-token auth layer. With Disabled set the
// API is open; meant for deployments behind an authenticating proxy.
type AuthConfig struct {
	Disabled bool
	Secret   string
	Username string
	Password string
	TokenTTL time.Duration
}

type authenticator struct {
	cfg AuthConfig
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &authenticator{cfg: cfg}
}

// issueToken signs a token for the given subject.
func (a *authenticator) issueToken(subject string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(a.cfg.TokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// verifyToken parses and validates a bearer token, returning its subject.
func (a *authenticator) verifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(a.cfg.Secret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// checkCredentials compares a login attempt against the configured account
// in constant time.
func (a *authenticator) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.cfg.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.cfg.Password)) == 1
	return userOK && passOK
}

// Authenticate is the bearer-token middleware guarding data endpoints.
func (a *authenticator) Authenticate(next http.Handler) http.Handler {
	if a.cfg.Disabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			WriteUnauthorized(w, r, "missing bearer token")
			return
		}
		if _, err := a.verifyToken(tokenString); err != nil {
			logging.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
			WriteUnauthorized(w, r, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges the configured credentials for a bearer token.
func (a *authenticator) Login(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Disabled {
		WriteBadRequest(w, r, "authentication is disabled")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "malformed login request")
		return
	}
	if !a.checkCredentials(req.Username, req.Password) {
		logging.Warn().Str("username", req.Username).Str("remote", r.RemoteAddr).Msg("failed login attempt")
		WriteUnauthorized(w, r, "invalid credentials")
		return
	}

	token, expiresAt, err := a.issueToken(req.Username, time.Now())
	if err != nil {
		logging.Error().Err(err).Msg("failed to issue token")
		WriteError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to issue token")
		return
	}
	WriteSuccess(w, r, loginResponse{Token: token, ExpiresAt: expiresAt})
}
