// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package geoip

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/models"
)

const maxMindBaseURL = "https://geolite.info/geoip/v2.1/city"

// MaxMindProvider resolves addresses against the MaxMind GeoLite2 web
// service. It needs a free MaxMind account; the same credentials Tautulli
// uses for its own geolocation work here.
type MaxMindProvider struct {
	client     *http.Client
	accountID  string
	licenseKey string
	baseURL    string
}

// NewMaxMindProvider builds the provider with the account credentials.
func NewMaxMindProvider(accountID, licenseKey string) *MaxMindProvider {
	return &MaxMindProvider{
		client:     &http.Client{Timeout: 10 * time.Second},
		accountID:  accountID,
		licenseKey: licenseKey,
		baseURL:    maxMindBaseURL,
	}
}

// Name identifies the provider in logs and metrics.
func (p *MaxMindProvider) Name() string { return "maxmind-geolite2" }

type maxMindResponse struct {
	City struct {
		Names map[string]string `json:"names"`
	} `json:"city"`
	Country struct {
		ISOCode string            `json:"iso_code"`
		Names   map[string]string `json:"names"`
	} `json:"country"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"location"`
	Subdivisions []struct {
		ISOCode string            `json:"iso_code"`
		Names   map[string]string `json:"names"`
	} `json:"subdivisions"`
}

type maxMindError struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// Lookup resolves one address through the GeoLite2 city endpoint.
func (p *MaxMindProvider) Lookup(ctx context.Context, ip string) (*models.Geolocation, error) {
	url := fmt.Sprintf("%s/%s", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(p.accountID, p.licenseKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("maxmind request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr maxMindError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return nil, fmt.Errorf("maxmind %s: %s", apiErr.Code, apiErr.Error)
		}
		return nil, fmt.Errorf("maxmind status %d", resp.StatusCode)
	}

	var out maxMindResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	loc := &models.Geolocation{
		IPAddress:  ip,
		Latitude:   out.Location.Latitude,
		Longitude:  out.Location.Longitude,
		City:       out.City.Names["en"],
		Country:    out.Country.Names["en"],
		ResolvedAt: time.Now().UTC(),
	}
	if loc.Country == "" {
		loc.Country = out.Country.ISOCode
	}
	if len(out.Subdivisions) > 0 {
		loc.Region = out.Subdivisions[0].Names["en"]
		if loc.Region == "" {
			loc.Region = out.Subdivisions[0].ISOCode
		}
	}
	return loc, nil
}
