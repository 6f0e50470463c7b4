// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package geoip resolves IP addresses to geographic locations through a
// layered cache: an in-memory LRU in front of a persistent Badger cache in
// front of rate-limited upstream providers behind a circuit breaker.
package geoip

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/streamwarden/streamwarden/internal/cache"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

const (
	defaultMemoryCacheSize = 4096
	defaultMemoryCacheTTL  = time.Hour
	defaultDiskCacheTTL    = 7 * 24 * time.Hour
)

// ResolverConfig tunes the layered resolver.
type ResolverConfig struct {
	// Providers are tried in order until one succeeds.
	Providers []Provider

	// Disk is the persistent cache layer. Nil disables it.
	Disk *DiskCache

	MemoryCacheSize int
	MemoryCacheTTL  time.Duration
}

// Resolver is the production GeoResolver. Lookups walk memory, then disk,
// then the providers; successful provider results backfill both caches.
type Resolver struct {
	providers []Provider
	breakers  []*gobreaker.CircuitBreaker[*models.Geolocation]
	memory    *cache.LRU[*models.Geolocation]
	disk      *DiskCache
}

// NewResolver builds a Resolver, wrapping each provider in its own circuit
// breaker so one failing upstream cannot absorb every lookup's latency.
func NewResolver(cfg ResolverConfig) *Resolver {
	size := cfg.MemoryCacheSize
	if size <= 0 {
		size = defaultMemoryCacheSize
	}
	ttl := cfg.MemoryCacheTTL
	if ttl <= 0 {
		ttl = defaultMemoryCacheTTL
	}

	r := &Resolver{
		providers: cfg.Providers,
		memory:    cache.NewLRU[*models.Geolocation](size, ttl),
		disk:      cfg.Disk,
	}

	for _, p := range cfg.Providers {
		r.breakers = append(r.breakers, gobreaker.NewCircuitBreaker[*models.Geolocation](gobreaker.Settings{
			Name:        "geoip-" + p.Name(),
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Info().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("geolocation breaker state change")
			},
		}))
	}
	return r
}

// Resolve returns the location for an address. Private and unparseable
// addresses resolve to (nil, nil): there is nothing to look up and nothing
// wrong with the request. A nil location with nil error means unknown.
func (r *Resolver) Resolve(ctx context.Context, ipAddress string) (*models.Geolocation, error) {
	if !IsValidPublicIP(ipAddress) {
		metrics.GeoLookups.WithLabelValues("private").Inc()
		return nil, nil
	}

	if loc, ok := r.memory.Get(ipAddress); ok {
		metrics.GeoLookups.WithLabelValues("memory").Inc()
		return loc, nil
	}

	if r.disk != nil {
		if loc, ok := r.disk.Get(ipAddress); ok {
			metrics.GeoLookups.WithLabelValues("disk").Inc()
			r.memory.Add(ipAddress, loc)
			return loc, nil
		}
	}

	var lastErr error
	for i, p := range r.providers {
		loc, err := r.breakers[i].Execute(func() (*models.Geolocation, error) {
			return p.Lookup(ctx, ipAddress)
		})
		if err != nil {
			metrics.GeoProviderErrors.WithLabelValues(p.Name()).Inc()
			lastErr = fmt.Errorf("%s: %w", p.Name(), err)
			continue
		}

		metrics.GeoLookups.WithLabelValues("provider").Inc()
		r.memory.Add(ipAddress, loc)
		if r.disk != nil {
			if err := r.disk.Put(loc); err != nil {
				logging.Warn().Err(err).Str("ip", ipAddress).Msg("geolocation cache write failed")
			}
		}
		return loc, nil
	}

	metrics.GeoLookups.WithLabelValues("miss").Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("resolve %s: %w", ipAddress, lastErr)
	}
	return nil, nil
}

// Close releases the disk cache if one is attached.
func (r *Resolver) Close() error {
	if r.disk != nil {
		return r.disk.Close()
	}
	return nil
}
