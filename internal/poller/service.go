// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package poller

import (
	"context"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/tracker"
)

const defaultPollInterval = 15 * time.Second

// Service polls one media server on a fixed interval and reconciles every
// snapshot through the tracker. It implements suture.Service; the supervisor
// restarts it if Serve returns.
type Service struct {
	client   Client
	tracker  *tracker.Tracker
	interval time.Duration
	breaker  *gobreaker.CircuitBreaker[[]models.PollSnapshot]
}

// NewService builds the polling service for one server.
func NewService(client Client, trk *tracker.Tracker, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	breaker := gobreaker.NewCircuitBreaker[[]models.PollSnapshot](gobreaker.Settings{
		Name:        "poller-" + client.ServerID(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("poller breaker state change")
		},
	})

	return &Service{
		client:   client,
		tracker:  trk,
		interval: interval,
		breaker:  breaker,
	}
}

// Serve restores tracker state and runs the poll loop until ctx is canceled.
func (s *Service) Serve(ctx context.Context) error {
	serverID := s.client.ServerID()

	if err := s.tracker.Restore(ctx); err != nil {
		return fmt.Errorf("restore tracker state for %s: %w", serverID, err)
	}

	logging.Info().
		Str("server_id", serverID).
		Dur("interval", s.interval).
		Int("open_sessions", s.tracker.OpenCount()).
		Msg("poller started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			logging.Info().Str("server_id", serverID).Msg("poller stopped")
			return ctx.Err()
		}
	}
}

func (s *Service) String() string {
	return "poller-" + s.client.ServerID()
}

// pollOnce runs one fetch-and-reconcile cycle. Failures are counted and
// logged, never fatal: the next tick tries again and the breaker sheds load
// while the server stays down. Tracker state is left untouched on a failed
// fetch so sessions do not flap closed during an outage.
func (s *Service) pollOnce(ctx context.Context) {
	serverID := s.client.ServerID()
	started := time.Now()

	snaps, err := s.breaker.Execute(func() ([]models.PollSnapshot, error) {
		return s.client.FetchSessions(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.PollErrors.WithLabelValues(serverID).Inc()
		logging.Warn().Err(err).Str("server_id", serverID).Msg("poll fetch failed")
		return
	}

	stats, err := s.tracker.ProcessCycle(ctx, snaps)
	if err != nil {
		metrics.PollErrors.WithLabelValues(serverID).Inc()
		logging.Error().Err(err).Str("server_id", serverID).Msg("poll reconcile failed")
		return
	}

	metrics.PollCycles.WithLabelValues(serverID).Inc()
	metrics.PollDuration.WithLabelValues(serverID).Observe(time.Since(started).Seconds())
	metrics.OpenSessions.WithLabelValues(serverID).Set(float64(s.tracker.OpenCount()))

	if stats.Created > 0 || stats.Closed > 0 {
		logging.Debug().
			Str("server_id", serverID).
			Int("created", stats.Created).
			Int("updated", stats.Updated).
			Int("closed", stats.Closed).
			Msg("poll cycle reconciled")
	}
}
