// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package main is the entry point for the StreamWarden server.
//
// StreamWarden watches playback activity on one or more media servers
// (via Tautulli), tracks session lifecycles, and evaluates sharing-detection
// rules against every session change. Matched rules record violations,
// notify webhooks, and can terminate the offending stream.
//
// The process initializes in this order:
//
//  1. Configuration: Koanf v2 layered defaults, YAML file, environment
//  2. Storage: DuckDB for sessions, violations, and rule definitions
//  3. Geolocation: ip-api.com provider behind memory and BadgerDB caches
//  4. Event bus: in-process Watermill Pub/Sub from tracker to rule engine
//  5. Rule engine: evaluators, action dispatcher, notifiers
//  6. Supervisor tree: pollers, evaluation router, websocket hub, HTTP API
//
// Minimal single-server setup via environment:
//
//	export TAUTULLI_ENABLED=true
//	export TAUTULLI_URL=http://localhost:8181
//	export TAUTULLI_API_KEY=your-api-key
//	export JWT_SECRET=$(openssl rand -base64 32)
//	export ADMIN_USERNAME=admin
//	export ADMIN_PASSWORD=secure-password
//	./streamwarden
//
// The server shuts down gracefully on SIGINT and SIGTERM: pollers stop,
// in-flight HTTP requests get the shutdown timeout to finish, then the
// database and caches close.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamwarden/streamwarden/internal/api"
	"github.com/streamwarden/streamwarden/internal/bus"
	"github.com/streamwarden/streamwarden/internal/config"
	"github.com/streamwarden/streamwarden/internal/geoip"
	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/notify"
	"github.com/streamwarden/streamwarden/internal/poller"
	"github.com/streamwarden/streamwarden/internal/rules"
	"github.com/streamwarden/streamwarden/internal/store"
	"github.com/streamwarden/streamwarden/internal/supervisor"
	"github.com/streamwarden/streamwarden/internal/tracker"
	ws "github.com/streamwarden/streamwarden/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config errors surface through the default logger; Init has not run.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Int("servers", len(cfg.Servers)).
		Str("db_path", cfg.Database.Path).
		Bool("auth_disabled", cfg.Auth.Disabled).
		Msg("Starting StreamWarden")

	if len(cfg.Servers) == 0 {
		logging.Warn().Msg("No media servers configured; only the API will be useful")
	}
	if cfg.Auth.Disabled {
		logging.Warn().Msg("Authentication is DISABLED; every endpoint is publicly accessible")
	}

	st, err := store.New(store.Config{
		Path:      cfg.Database.Path,
		MaxMemory: cfg.Database.MaxMemory,
		Threads:   cfg.Database.Threads,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database ready")

	diskCache, err := geoip.OpenDiskCache(cfg.GeoIP.CacheDir, cfg.GeoIP.DiskCacheTTL)
	if err != nil {
		logging.Fatal().Err(err).Str("dir", cfg.GeoIP.CacheDir).Msg("Failed to open geolocation cache")
	}
	var providers []geoip.Provider
	if cfg.GeoIP.MaxMindAccountID != "" && cfg.GeoIP.MaxMindLicenseKey != "" {
		providers = append(providers, geoip.NewMaxMindProvider(cfg.GeoIP.MaxMindAccountID, cfg.GeoIP.MaxMindLicenseKey))
		logging.Info().Msg("MaxMind GeoLite2 provider enabled")
	}
	providers = append(providers, geoip.NewIPAPIProvider())
	resolver := geoip.NewResolver(geoip.ResolverConfig{
		Providers:       providers,
		Disk:            diskCache,
		MemoryCacheSize: cfg.GeoIP.MemoryCacheSize,
		MemoryCacheTTL:  cfg.GeoIP.MemoryCacheTTL,
	})
	defer func() {
		if err := resolver.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing geolocation resolver")
		}
	}()

	eventBus := bus.New()
	defer func() {
		if err := eventBus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	var notifiers []rules.Notifier
	if cfg.Notifiers.Webhook.Enabled {
		notifiers = append(notifiers, notify.NewWebhookNotifier(notify.WebhookConfig{
			WebhookURL:  cfg.Notifiers.Webhook.URL,
			Headers:     cfg.Notifiers.Webhook.Headers,
			Enabled:     true,
			RateLimitMs: cfg.Notifiers.Webhook.RateLimitMs,
		}))
		logging.Info().Msg("Webhook notifier enabled")
	}
	if cfg.Notifiers.Discord.Enabled {
		notifiers = append(notifiers, notify.NewDiscordNotifier(notify.DiscordConfig{
			WebhookURL:  cfg.Notifiers.Discord.URL,
			Enabled:     true,
			RateLimitMs: cfg.Notifiers.Discord.RateLimitMs,
		}))
		logging.Info().Msg("Discord notifier enabled")
	}

	hub := ws.NewHub()

	clients := make([]*poller.TautulliClient, 0, len(cfg.Servers))
	terminators := make(poller.Terminators, len(cfg.Servers))
	for _, src := range cfg.Servers {
		client := poller.NewTautulliClient(poller.TautulliClientConfig{
			ServerID: src.ID,
			URL:      src.URL,
			APIKey:   src.APIKey,
			Timeout:  src.Timeout,
		})
		clients = append(clients, client)
		terminators[src.ID] = client
		logging.Info().
			Str("server_id", src.ID).
			Str("name", src.Name).
			Str("url", src.URL).
			Msg("Media server configured")
	}

	dispatcher := rules.NewDispatcher(st, notifiers, terminators, hub)
	engine, err := rules.NewEngine(rules.EngineConfig{
		Rules:         st,
		History:       st,
		Geo:           resolver,
		Executor:      dispatcher,
		RuleTimeout:   cfg.Rules.RuleTimeout,
		HistoryWindow: cfg.Rules.HistoryWindow,
		HistoryLimit:  cfg.Rules.HistoryLimit,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build rule engine")
	}

	router, err := bus.NewRouter(eventBus, engine)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build evaluation router")
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddIngestService(router)
	tree.AddIngestService(diskCache)
	for _, client := range clients {
		trk := tracker.New(client.ServerID(), st, eventBus)
		tree.AddIngestService(poller.NewService(client, trk, cfg.Poller.Interval))
	}
	tree.AddMessagingService(hub)

	handler := api.NewHandler(st, st, st, st, hub)
	server := api.NewServer(api.Config{
		Addr: cfg.Server.Addr(),
		Auth: api.AuthConfig{
			Disabled: cfg.Auth.Disabled,
			Secret:   cfg.Auth.JWTSecret,
			Username: cfg.Auth.Username,
			Password: cfg.Auth.Password,
			TokenTTL: cfg.Auth.TokenTTL,
		},
		CORSOrigins:       cfg.Server.CORSOrigins,
		RateLimitDisabled: cfg.Server.RateLimitDisabled,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, handler)
	tree.AddAPIService(server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", cfg.Server.Addr()).Msg("Supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited")
		stop()
		os.Exit(1)
	}
	logging.Info().Msg("Shutdown complete")
}
