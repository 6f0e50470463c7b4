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
	"golang.org/x/time/rate"

	"github.com/streamwarden/streamwarden/internal/models"
)

// Provider performs an uncached lookup against one upstream source.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (*models.Geolocation, error)
}

const (
	ipAPIBaseURL = "http://ip-api.com/json"

	// ip-api.com's free tier allows 45 requests per minute; exceeding it
	// earns a temporary ban, so the limiter stays slightly under.
	ipAPIRequestsPerMinute = 40
)

// IPAPIProvider resolves addresses against the ip-api.com free endpoint,
// client-side rate limited to stay inside the service's quota.
type IPAPIProvider struct {
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewIPAPIProvider builds the provider with its quota limiter.
func NewIPAPIProvider() *IPAPIProvider {
	return &IPAPIProvider{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Minute/ipAPIRequestsPerMinute), ipAPIRequestsPerMinute),
		baseURL: ipAPIBaseURL,
	}
}

// Name identifies the provider in logs and metrics.
func (p *IPAPIProvider) Name() string { return "ip-api" }

type ipAPIResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Country    string  `json:"country"`
	RegionName string  `json:"regionName"`
	City       string  `json:"city"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Query      string  `json:"query"`
}

// Lookup resolves one address. It blocks on the rate limiter, so callers
// should bound ctx.
func (p *IPAPIProvider) Lookup(ctx context.Context, ip string) (*models.Geolocation, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	url := fmt.Sprintf("%s/%s?fields=status,message,country,regionName,city,lat,lon,query", p.baseURL, ip)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ip-api request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ip-api status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var out ipAPIResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("ip-api lookup failed: %s", out.Message)
	}

	return &models.Geolocation{
		IPAddress:  ip,
		Latitude:   out.Lat,
		Longitude:  out.Lon,
		City:       out.City,
		Region:     out.RegionName,
		Country:    out.Country,
		ResolvedAt: time.Now().UTC(),
	}, nil
}
