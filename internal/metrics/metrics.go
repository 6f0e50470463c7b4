// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package metrics registers the Prometheus collectors for poller, tracker,
// rule engine, geolocation and API instrumentation. All collectors are
// promauto-registered on the default registry and exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poller metrics

	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_poll_cycles_total",
			Help: "Total poll cycles executed per server",
		},
		[]string{"server_id"},
	)

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_poll_errors_total",
			Help: "Total failed poll cycles per server",
		},
		[]string{"server_id"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamwarden_poll_duration_seconds",
			Help:    "Duration of one poll cycle including tracker reconciliation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server_id"},
	)

	// Tracker metrics

	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_sessions_created_total",
			Help: "Logical sessions created per server",
		},
		[]string{"server_id"},
	)

	SessionsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_sessions_updated_total",
			Help: "In-place session updates per server",
		},
		[]string{"server_id"},
	)

	SessionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_sessions_closed_total",
			Help: "Sessions closed per server, by reason",
		},
		[]string{"server_id", "reason"},
	)

	TrackerAnomalies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_tracker_anomalies_total",
			Help: "Open-session invariant violations self-healed by the tracker",
		},
		[]string{"server_id"},
	)

	OpenSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamwarden_open_sessions",
			Help: "Currently open logical sessions per server",
		},
		[]string{"server_id"},
	)

	// Rule engine metrics

	EvaluationPasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamwarden_evaluation_passes_total",
			Help: "Rule evaluation passes executed",
		},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_rule_matches_total",
			Help: "Rule matches by rule type",
		},
		[]string{"rule_type"},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_rule_errors_total",
			Help: "Isolated rule evaluation faults by rule type",
		},
		[]string{"rule_type"},
	)

	ActionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_action_failures_total",
			Help: "Failed post-match actions by action type",
		},
		[]string{"action"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamwarden_evaluation_duration_seconds",
			Help:    "Duration of one full evaluation pass",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// Geolocation metrics

	GeoLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_geo_lookups_total",
			Help: "Geolocation lookups by outcome (memory, disk, provider, miss)",
		},
		[]string{"outcome"},
	)

	GeoProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_geo_provider_errors_total",
			Help: "Geolocation provider failures by provider",
		},
		[]string{"provider"},
	)

	// API metrics

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamwarden_api_requests_total",
			Help: "API requests by method, route and status code",
		},
		[]string{"method", "route", "status"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamwarden_websocket_clients",
			Help: "Connected websocket clients",
		},
	)
)
