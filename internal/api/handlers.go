// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/streamwarden/streamwarden/internal/models"
	"github.com/streamwarden/streamwarden/internal/rules"
	"github.com/streamwarden/streamwarden/internal/store"
	"github.com/streamwarden/streamwarden/internal/websocket"
)

// SessionReader lists the currently open sessions across all servers.
type SessionReader interface {
	ListActiveSessions(ctx context.Context) ([]models.Session, error)
}

// HealthChecker reports whether the storage layer is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler carries the handler dependencies. The store satisfies all of the
// data interfaces; tests substitute fakes.
type Handler struct {
	sessions   SessionReader
	violations rules.ViolationStore
	rules      rules.RuleStore
	health     HealthChecker
	hub        *websocket.Hub
}

// NewHandler builds the handler set.
func NewHandler(sessions SessionReader, violations rules.ViolationStore, ruleStore rules.RuleStore, health HealthChecker, hub *websocket.Hub) *Handler {
	return &Handler{
		sessions:   sessions,
		violations: violations,
		rules:      ruleStore,
		health:     health,
		hub:        hub,
	}
}

// Health reports service liveness and storage reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := h.health.Ping(r.Context()); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}
	writeJSON(w, httpStatus, APIResponse{
		Success: httpStatus == http.StatusOK,
		Data: map[string]any{
			"status":            status,
			"websocket_clients": clients,
			"timestamp":         time.Now().UTC(),
		},
	})
}

// ActiveSessions lists the currently open sessions.
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListActiveSessions(r.Context())
	if err != nil {
		WriteDatabaseError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	WriteList(w, r, sessions, len(sessions))
}

// ListViolations lists violations filtered by query parameters.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseViolationFilter(r)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	violations, err := h.violations.ListViolations(r.Context(), filter)
	if err != nil {
		WriteDatabaseError(w, r, err)
		return
	}
	if violations == nil {
		violations = []rules.Violation{}
	}
	WriteList(w, r, violations, len(violations))
}

// GetViolation returns one violation by ID.
func (h *Handler) GetViolation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	v, err := h.violations.GetViolation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "violation not found")
			return
		}
		WriteDatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, v)
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

// AcknowledgeViolation marks a violation acknowledged. Acknowledging an
// already acknowledged violation succeeds without change.
func (h *Handler) AcknowledgeViolation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req acknowledgeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, r, "malformed request body")
			return
		}
	}
	if req.AcknowledgedBy == "" {
		req.AcknowledgedBy = "api"
	}

	if err := h.violations.AcknowledgeViolation(r.Context(), id, req.AcknowledgedBy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "violation not found")
			return
		}
		WriteDatabaseError(w, r, err)
		return
	}

	v, err := h.violations.GetViolation(r.Context(), id)
	if err != nil {
		WriteDatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, v)
}

// ListRules lists all configured rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	ruleList, err := h.rules.ListRules(r.Context())
	if err != nil {
		WriteDatabaseError(w, r, err)
		return
	}
	if ruleList == nil {
		ruleList = []rules.Rule{}
	}
	WriteList(w, r, ruleList, len(ruleList))
}

// GetRule returns one rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rule, err := h.rules.GetRule(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "rule not found")
			return
		}
		WriteDatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, rule)
}

// SaveRule creates or replaces a rule. A missing ID gets one assigned.
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		WriteBadRequest(w, r, "malformed rule body")
		return
	}

	created := rule.ID == ""
	if created {
		rule.ID = uuid.NewString()
	}
	if rule.Severity == "" {
		rule.Severity = rules.SeverityWarning
	}
	if problems := validateRule(&rule); len(problems) > 0 {
		WriteValidationError(w, r, "invalid rule", problems)
		return
	}

	if err := h.rules.SaveRule(r.Context(), &rule); err != nil {
		WriteDatabaseError(w, r, err)
		return
	}
	if created {
		WriteCreated(w, r, rule)
		return
	}
	WriteSuccess(w, r, rule)
}

type enableRequest struct {
	Enabled bool `json:"enabled"`
}

// SetRuleEnabled toggles a rule on or off.
func (h *Handler) SetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req enableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "malformed request body")
		return
	}

	if err := h.rules.SetRuleEnabled(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, r, "rule not found")
			return
		}
		WriteDatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]any{"id": id, "enabled": req.Enabled})
}

// WebSocket upgrades the connection and attaches it to the hub.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		WriteError(w, r, http.StatusServiceUnavailable, ErrCodeInternalError, "websocket hub not available")
		return
	}
	websocket.ServeWS(h.hub, w, r)
}

var knownRuleTypes = map[rules.RuleType]bool{
	rules.RuleTypeConcurrentStreams:     true,
	rules.RuleTypeImpossibleTravel:      true,
	rules.RuleTypeSimultaneousLocations: true,
	rules.RuleTypeDeviceVelocity:        true,
	rules.RuleTypeGeoRestriction:        true,
	rules.RuleTypeAccountInactivity:     true,
}

var knownActionTypes = map[rules.ActionType]bool{
	rules.ActionRecordViolation:  true,
	rules.ActionNotify:           true,
	rules.ActionTerminateSession: true,
}

var knownSeverities = map[rules.Severity]bool{
	rules.SeverityInfo:     true,
	rules.SeverityWarning:  true,
	rules.SeverityCritical: true,
}

func validateRule(rule *rules.Rule) []string {
	var problems []string
	if rule.Name == "" {
		problems = append(problems, "name is required")
	}
	if !knownSeverities[rule.Severity] {
		problems = append(problems, "unknown severity "+string(rule.Severity))
	}
	if len(rule.Groups) == 0 {
		problems = append(problems, "at least one condition group is required")
	}
	for i, group := range rule.Groups {
		if len(group) == 0 {
			problems = append(problems, "condition group "+strconv.Itoa(i)+" is empty")
		}
		for _, cond := range group {
			if !knownRuleTypes[cond.Type] {
				problems = append(problems, "unknown condition type "+string(cond.Type))
			}
		}
	}
	for _, action := range rule.Actions {
		if !knownActionTypes[action.Type] {
			problems = append(problems, "unknown action type "+string(action.Type))
		}
	}
	return problems
}

func parseViolationFilter(r *http.Request) (rules.ViolationFilter, error) {
	q := r.URL.Query()
	var filter rules.ViolationFilter

	for _, raw := range splitCSV(q.Get("rule_type")) {
		filter.RuleTypes = append(filter.RuleTypes, rules.RuleType(raw))
	}
	for _, raw := range splitCSV(q.Get("severity")) {
		filter.Severities = append(filter.Severities, rules.Severity(raw))
	}
	filter.ServerUserID = q.Get("user_id")
	filter.ServerID = q.Get("server_id")

	if raw := q.Get("acknowledged"); raw != "" {
		acknowledged, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errors.New("acknowledged must be true or false")
		}
		filter.Acknowledged = &acknowledged
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("since must be RFC 3339")
		}
		filter.Since = &since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
