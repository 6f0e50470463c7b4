// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package poller periodically fetches the active-session list from each
// monitored media server and feeds the snapshots into the tracker.
package poller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
)

// Client fetches the current session snapshot from one media server.
type Client interface {
	ServerID() string
	FetchSessions(ctx context.Context) ([]models.PollSnapshot, error)
}

// TautulliClientConfig configures one Tautulli endpoint.
type TautulliClientConfig struct {
	ServerID string
	URL      string
	APIKey   string
	Timeout  time.Duration
}

// TautulliClient pulls the activity snapshot from a Tautulli instance's
// get_activity command.
type TautulliClient struct {
	serverID string
	baseURL  string
	apiKey   string
	client   *http.Client
}

// NewTautulliClient builds the client.
func NewTautulliClient(cfg TautulliClientConfig) *TautulliClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TautulliClient{
		serverID: cfg.ServerID,
		baseURL:  strings.TrimSuffix(cfg.URL, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}
}

// ServerID identifies the server this client polls.
func (c *TautulliClient) ServerID() string { return c.serverID }

// Tautulli wraps every response in a common envelope.
type activityResponse struct {
	Response struct {
		Result  string `json:"result"`
		Message string `json:"message"`
		Data    struct {
			Sessions []activitySession `json:"sessions"`
		} `json:"data"`
	} `json:"response"`
}

// activitySession is the subset of Tautulli's session fields the tracker
// needs. Tautulli reports numbers as strings in several places, so the
// numeric fields decode through flexible types.
type activitySession struct {
	SessionKey         string     `json:"session_key"`
	RatingKey          string     `json:"rating_key"`
	LiveUUID           string     `json:"live_uuid"`
	State              string     `json:"state"`
	ViewOffset         flexInt64  `json:"view_offset"`
	Duration           flexInt64  `json:"duration"`
	TranscodeDecision  string     `json:"transcode_decision"`
	UserID             flexString `json:"user_id"`
	IPAddress          string     `json:"ip_address"`
	IPAddressPublic    string     `json:"ip_address_public"`
	MachineID          string     `json:"machine_id"`
	Player             string     `json:"player"`
	MediaType          string     `json:"media_type"`
	FullTitle          string     `json:"full_title"`
}

// FetchSessions returns the normalized snapshot of every active stream.
func (c *TautulliClient) FetchSessions(ctx context.Context) ([]models.PollSnapshot, error) {
	params := url.Values{}
	params.Set("apikey", c.apiKey)
	params.Set("cmd", "get_activity")

	reqURL := fmt.Sprintf("%s/api/v2?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get_activity request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get_activity status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out activityResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode get_activity: %w", err)
	}
	if out.Response.Result != "success" {
		return nil, fmt.Errorf("get_activity failed: %s", out.Response.Message)
	}

	snaps := make([]models.PollSnapshot, 0, len(out.Response.Data.Sessions))
	for _, s := range out.Response.Data.Sessions {
		ip := s.IPAddressPublic
		if ip == "" {
			ip = s.IPAddress
		}
		snap := models.PollSnapshot{
			ServerID:        c.serverID,
			SessionKey:      s.SessionKey,
			RatingKey:       s.RatingKey,
			LiveUUID:        s.LiveUUID,
			State:           models.PlaybackState(s.State),
			ProgressMs:      int64(s.ViewOffset),
			TotalDurationMs: int64(s.Duration),
			IsTranscode:     s.TranscodeDecision == "transcode",
			ServerUserID:    string(s.UserID),
			IPAddress:       ip,
			DeviceID:        s.MachineID,
			PlayerName:      s.Player,
			MediaType:       s.MediaType,
			Title:           s.FullTitle,
		}
		snap.Normalize()
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// TerminateSession asks Tautulli to stop one stream. The message is shown to
// the viewer by the media server.
func (c *TautulliClient) TerminateSession(ctx context.Context, sessionKey, message string) error {
	params := url.Values{}
	params.Set("apikey", c.apiKey)
	params.Set("cmd", "terminate_session")
	params.Set("session_key", sessionKey)
	if message != "" {
		params.Set("message", message)
	}

	reqURL := fmt.Sprintf("%s/api/v2?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("terminate_session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("terminate_session status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var out activityResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return fmt.Errorf("decode terminate_session: %w", err)
	}
	if out.Response.Result != "success" {
		return fmt.Errorf("terminate_session failed: %s", out.Response.Message)
	}
	return nil
}

// flexInt64 decodes JSON numbers that Tautulli sometimes quotes.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %q as int: %w", s, err)
	}
	*f = flexInt64(n)
	return nil
}

// flexString decodes JSON values that may be either strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	*f = flexString(strings.Trim(string(data), `"`))
	if *f == "null" {
		*f = ""
	}
	return nil
}
