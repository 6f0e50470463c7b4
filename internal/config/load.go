// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file search order. The first file that
// exists wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/streamwarden/config.yaml",
	"/etc/streamwarden/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "STREAMWARDEN_CONFIG"

// Load builds the configuration from defaults, an optional YAML file, and
// environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize folds the single-server Tautulli shortcut into the servers list
// and fills per-server defaults.
func (c *Config) normalize() {
	if c.Tautulli.Enabled && c.Tautulli.URL != "" {
		id := c.Tautulli.ServerID
		if id == "" {
			id = "tautulli-1"
		}
		name := c.Tautulli.Name
		if name == "" {
			name = "Tautulli"
		}
		c.Servers = append(c.Servers, ServerSource{
			ID:     id,
			Name:   name,
			Type:   "tautulli",
			URL:    c.Tautulli.URL,
			APIKey: c.Tautulli.APIKey,
		})
	}

	for i := range c.Servers {
		if c.Servers[i].Type == "" {
			c.Servers[i].Type = "tautulli"
		}
		if c.Servers[i].Name == "" {
			c.Servers[i].Name = c.Servers[i].ID
		}
	}
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps flat environment variable names to config paths. Unmapped
// variables are ignored so unrelated environment does not pollute the config.
var envMappings = map[string]string{
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_shutdown_timeout": "server.shutdown_timeout",
	"cors_origins":          "server.cors_origins",
	"disable_rate_limit":    "server.rate_limit_disabled",

	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",
	"duckdb_threads":    "database.threads",

	"geoip_cache_dir":         "geoip.cache_dir",
	"geoip_memory_cache_size": "geoip.memory_cache_size",
	"geoip_memory_cache_ttl":  "geoip.memory_cache_ttl",
	"geoip_disk_cache_ttl":    "geoip.disk_cache_ttl",
	"maxmind_account_id":      "geoip.maxmind_account_id",
	"maxmind_license_key":     "geoip.maxmind_license_key",

	"poll_interval": "poller.interval",

	"tautulli_enabled":   "tautulli.enabled",
	"tautulli_server_id": "tautulli.server_id",
	"tautulli_name":      "tautulli.name",
	"tautulli_url":       "tautulli.url",
	"tautulli_api_key":   "tautulli.api_key",

	"rule_timeout":   "rules.rule_timeout",
	"history_window": "rules.history_window",
	"history_limit":  "rules.history_limit",

	"webhook_enabled":       "notifiers.webhook.enabled",
	"webhook_url":           "notifiers.webhook.url",
	"webhook_rate_limit_ms": "notifiers.webhook.rate_limit_ms",
	"discord_enabled":       "notifiers.discord.enabled",
	"discord_webhook_url":   "notifiers.discord.url",
	"discord_rate_limit_ms": "notifiers.discord.rate_limit_ms",

	"auth_disabled":  "auth.disabled",
	"jwt_secret":     "auth.jwt_secret",
	"admin_username": "auth.username",
	"admin_password": "auth.password",
	"token_ttl":      "auth.token_ttl",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}

// sliceConfigPaths are the paths whose env values arrive as comma-separated
// strings but unmarshal into slices.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		var parts []string
		for _, p := range strings.Split(strVal, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if len(parts) > 0 {
			if err := k.Set(path, parts); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}
