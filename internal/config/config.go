// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

// Package config loads the layered service configuration: built-in defaults,
// an optional YAML file, then environment variables, with env taking the
// highest precedence.
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	GeoIP     GeoIPConfig     `koanf:"geoip"`
	Poller    PollerConfig    `koanf:"poller"`
	Tautulli  TautulliConfig  `koanf:"tautulli"`
	Servers   []ServerSource  `koanf:"servers"`
	Rules     RulesConfig     `koanf:"rules"`
	Notifiers NotifiersConfig `koanf:"notifiers"`
	Auth      AuthConfig      `koanf:"auth"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads" validate:"min=0"`
}

// GeoIPConfig configures the geolocation resolver and its caches.
type GeoIPConfig struct {
	CacheDir        string        `koanf:"cache_dir"`
	MemoryCacheSize int           `koanf:"memory_cache_size" validate:"min=0"`
	MemoryCacheTTL  time.Duration `koanf:"memory_cache_ttl"`
	DiskCacheTTL    time.Duration `koanf:"disk_cache_ttl"`

	// MaxMind GeoLite2 credentials. Both set enables the MaxMind provider
	// ahead of the free ip-api.com fallback.
	MaxMindAccountID  string `koanf:"maxmind_account_id"`
	MaxMindLicenseKey string `koanf:"maxmind_license_key"`
}

// PollerConfig configures the per-server polling loops.
type PollerConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// TautulliConfig is the single-server shortcut configuration. It covers the
// common one-server deployment without a YAML file; additional servers go in
// the servers list.
type TautulliConfig struct {
	Enabled  bool   `koanf:"enabled"`
	ServerID string `koanf:"server_id"`
	Name     string `koanf:"name"`
	URL      string `koanf:"url"`
	APIKey   string `koanf:"api_key"`
}

// ServerSource is one monitored media server.
type ServerSource struct {
	ID      string        `koanf:"id"`
	Name    string        `koanf:"name"`
	Type    string        `koanf:"type" validate:"oneof=tautulli"`
	URL     string        `koanf:"url" validate:"required,url"`
	APIKey  string        `koanf:"api_key" validate:"required"`
	Timeout time.Duration `koanf:"timeout"`
}

// RulesConfig configures the evaluation engine.
type RulesConfig struct {
	RuleTimeout   time.Duration `koanf:"rule_timeout"`
	HistoryWindow time.Duration `koanf:"history_window"`
	HistoryLimit  int           `koanf:"history_limit" validate:"min=0"`
}

// NotifiersConfig configures violation delivery channels.
type NotifiersConfig struct {
	Webhook WebhookNotifierConfig `koanf:"webhook"`
	Discord DiscordNotifierConfig `koanf:"discord"`
}

// WebhookNotifierConfig configures the generic webhook notifier.
type WebhookNotifierConfig struct {
	Enabled     bool              `koanf:"enabled"`
	URL         string            `koanf:"url"`
	Headers     map[string]string `koanf:"headers"`
	RateLimitMs int               `koanf:"rate_limit_ms" validate:"min=0"`
}

// DiscordNotifierConfig configures the Discord notifier.
type DiscordNotifierConfig struct {
	Enabled     bool   `koanf:"enabled"`
	URL         string `koanf:"url"`
	RateLimitMs int    `koanf:"rate_limit_ms" validate:"min=0"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	Disabled  bool          `koanf:"disabled"`
	JWTSecret string        `koanf:"jwt_secret"`
	Username  string        `koanf:"username"`
	Password  string        `koanf:"password"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8480,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{},
		},
		Database: DatabaseConfig{
			Path:      "/data/streamwarden.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		GeoIP: GeoIPConfig{
			CacheDir:        "/data/geoip",
			MemoryCacheSize: 4096,
			MemoryCacheTTL:  time.Hour,
			DiskCacheTTL:    7 * 24 * time.Hour,
		},
		Poller: PollerConfig{
			Interval: 15 * time.Second,
		},
		Rules: RulesConfig{
			RuleTimeout:   2 * time.Second,
			HistoryWindow: 24 * time.Hour,
			HistoryLimit:  200,
		},
		Notifiers: NotifiersConfig{
			Webhook: WebhookNotifierConfig{RateLimitMs: 500},
			Discord: DiscordNotifierConfig{RateLimitMs: 1000},
		},
		Auth: AuthConfig{
			Disabled: false,
			TokenTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks struct tags plus the cross-field constraints tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if !c.Auth.Disabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required unless auth is disabled")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if c.Auth.Username == "" || c.Auth.Password == "" {
			return fmt.Errorf("auth.username and auth.password are required unless auth is disabled")
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, src := range c.Servers {
		if src.ID == "" {
			return fmt.Errorf("server %q has no id", src.URL)
		}
		if seen[src.ID] {
			return fmt.Errorf("duplicate server id %q", src.ID)
		}
		seen[src.ID] = true
	}
	return nil
}
