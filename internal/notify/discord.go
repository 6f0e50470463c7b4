// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/rules"
)

// DiscordNotifier posts violations to a Discord webhook as rich embeds.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
	mu         sync.RWMutex

	lastSent  time.Time
	rateLimit time.Duration
}

// DiscordConfig configures the Discord notifier.
type DiscordConfig struct {
	WebhookURL  string `json:"webhook_url"`
	Enabled     bool   `json:"enabled"`
	RateLimitMs int    `json:"rate_limit_ms"`
}

// NewDiscordNotifier builds the notifier.
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	rateLimit := time.Duration(config.RateLimitMs) * time.Millisecond
	if rateLimit == 0 {
		rateLimit = time.Second
	}

	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled,
		rateLimit:  rateLimit,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the notifier name.
func (n *DiscordNotifier) Name() string { return "discord" }

// Enabled reports whether the notifier can deliver.
func (n *DiscordNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.webhookURL != ""
}

// SetEnabled enables or disables the notifier.
func (n *DiscordNotifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// Send posts one violation embed.
func (n *DiscordNotifier) Send(ctx context.Context, v *rules.Violation) error {
	n.mu.RLock()
	if !n.enabled || n.webhookURL == "" {
		n.mu.RUnlock()
		return nil
	}
	webhookURL := n.webhookURL
	rateLimit := n.rateLimit
	lastSent := n.lastSent
	n.mu.RUnlock()

	if wait := rateLimit - time.Since(lastSent); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	payload := discordWebhookPayload{Embeds: []discordEmbed{buildEmbed(v)}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send discord webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	n.mu.Lock()
	n.lastSent = time.Now()
	n.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func buildEmbed(v *rules.Violation) discordEmbed {
	fields := []discordEmbedField{
		{Name: "User", Value: v.ServerUserID, Inline: true},
		{Name: "Severity", Value: string(v.Severity), Inline: true},
		{Name: "Rule Type", Value: string(v.RuleType), Inline: true},
		{Name: "Server", Value: v.ServerID, Inline: true},
	}

	return discordEmbed{
		Title:       v.RuleName,
		Description: fmt.Sprintf("Rule %q matched for session %s", v.RuleName, v.SessionID),
		Color:       severityColor(v.Severity),
		Timestamp:   v.CreatedAt.Format(time.RFC3339),
		Fields:      fields,
		Footer:      discordEmbedFooter{Text: "StreamWarden"},
	}
}

func severityColor(severity rules.Severity) int {
	switch severity {
	case rules.SeverityCritical:
		return 0xFF0000
	case rules.SeverityWarning:
		return 0xFFA500
	case rules.SeverityInfo:
		return 0x3498DB
	default:
		return 0x95A5A6
	}
}

type discordWebhookPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      discordEmbedFooter  `json:"footer,omitempty"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbedFooter struct {
	Text string `json:"text,omitempty"`
}
