// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/metrics"
	"github.com/streamwarden/streamwarden/internal/models"
)

const (
	defaultRuleTimeout   = 2 * time.Second
	defaultHistoryWindow = 24 * time.Hour
	defaultHistoryLimit  = 200
)

// ErrUnknownConditionType reports a condition whose type tag has no registered
// evaluator.
var ErrUnknownConditionType = errors.New("unknown condition type")

// EngineConfig wires an Engine's collaborators.
type EngineConfig struct {
	Rules    RuleStore
	History  HistoryProvider
	Geo      GeoResolver
	Executor ActionExecutor

	// RuleTimeout bounds the evaluation of a single rule. Zero selects the
	// default.
	RuleTimeout time.Duration

	// HistoryWindow and HistoryLimit bound the recent-session snapshot
	// fetched per pass. Zero selects the defaults.
	HistoryWindow time.Duration
	HistoryLimit  int
}

// Engine runs evaluation passes: it assembles one consistent context per
// triggering session, evaluates every enabled rule against it with per-rule
// fault isolation, and hands matches to the action executor.
type Engine struct {
	evaluators map[RuleType]ConditionEvaluator
	rules      RuleStore
	history    HistoryProvider
	geo        GeoResolver
	executor   ActionExecutor

	ruleTimeout   time.Duration
	historyWindow time.Duration
	historyLimit  int

	now func() time.Time
}

// NewEngine builds an Engine with the six built-in evaluators registered.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Rules == nil {
		return nil, errors.New("rules: engine requires a rule store")
	}
	if cfg.History == nil {
		return nil, errors.New("rules: engine requires a history provider")
	}
	if cfg.Executor == nil {
		return nil, errors.New("rules: engine requires an action executor")
	}

	e := &Engine{
		evaluators:    make(map[RuleType]ConditionEvaluator),
		rules:         cfg.Rules,
		history:       cfg.History,
		geo:           cfg.Geo,
		executor:      cfg.Executor,
		ruleTimeout:   cfg.RuleTimeout,
		historyWindow: cfg.HistoryWindow,
		historyLimit:  cfg.HistoryLimit,
		now:           time.Now,
	}
	if e.ruleTimeout <= 0 {
		e.ruleTimeout = defaultRuleTimeout
	}
	if e.historyWindow <= 0 {
		e.historyWindow = defaultHistoryWindow
	}
	if e.historyLimit <= 0 {
		e.historyLimit = defaultHistoryLimit
	}

	for _, ev := range []ConditionEvaluator{
		ConcurrentStreamsEvaluator{},
		ImpossibleTravelEvaluator{},
		SimultaneousLocationsEvaluator{},
		DeviceVelocityEvaluator{},
		GeoRestrictionEvaluator{},
		AccountInactivityEvaluator{},
	} {
		e.evaluators[ev.Type()] = ev
	}
	return e, nil
}

// RegisterEvaluator installs or replaces the evaluator for a condition type.
func (e *Engine) RegisterEvaluator(ev ConditionEvaluator) {
	e.evaluators[ev.Type()] = ev
}

// PassResult is the outcome of one evaluation pass.
type PassResult struct {
	Results []EvaluationResult

	// ActionFailures lists the actions that failed for matched rules. A
	// partially failed action phase does not undo the actions that
	// succeeded.
	ActionFailures []ActionFailure
}

// Matches returns only the matched results of the pass.
func (p *PassResult) Matches() []EvaluationResult {
	var out []EvaluationResult
	for _, r := range p.Results {
		if r.Matched {
			out = append(out, r)
		}
	}
	return out
}

// EvaluateSession runs one full pass for a triggering session. Rule faults are
// isolated: a panicking, erroring or timed-out rule counts as not matched and
// the pass continues. The returned error covers only pass-level failures
// (loading rules, assembling the context).
func (e *Engine) EvaluateSession(ctx context.Context, trigger *models.Session, user models.ServerUser, server models.Server) (*PassResult, error) {
	started := e.now()
	metrics.EvaluationPasses.Inc()
	defer func() {
		metrics.EvaluationDuration.Observe(time.Since(started).Seconds())
	}()

	enabled, err := e.rules.EnabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load enabled rules: %w", err)
	}
	if len(enabled) == 0 {
		return &PassResult{}, nil
	}

	ec, err := e.buildContext(ctx, trigger, user, server, started)
	if err != nil {
		return nil, err
	}

	pass := &PassResult{Results: make([]EvaluationResult, 0, len(enabled))}
	for i := range enabled {
		rule := &enabled[i]
		ec.Rule = rule
		res := e.evaluateRule(ctx, ec, rule)
		pass.Results = append(pass.Results, res)
		if res.Matched {
			metrics.RuleMatches.WithLabelValues(string(rule.Type)).Inc()
		}
	}

	for i := range pass.Results {
		res := &pass.Results[i]
		if !res.Matched {
			continue
		}
		pass.ActionFailures = append(pass.ActionFailures, e.executor.Execute(ctx, res, ec)...)
	}
	return pass, nil
}

// buildContext assembles the read-only snapshot every evaluator in the pass
// sees. The trigger and the history sessions are geo-enriched in place when
// their locations are still unresolved: session rows are persisted without
// coordinates, so the location-based evaluators see nothing unless the pass
// backfills them here. Lookups go through the cached resolver and are
// deduplicated per address within the pass; a resolver failure degrades the
// pass, it does not abort it.
func (e *Engine) buildContext(ctx context.Context, trigger *models.Session, user models.ServerUser, server models.Server, now time.Time) (*EvaluationContext, error) {
	active, err := e.history.ActiveSessionsForUser(ctx, trigger.ServerUserID)
	if err != nil {
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	recent, err := e.history.RecentSessionsForUser(ctx, trigger.ServerUserID, e.historyWindow, e.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load recent sessions: %w", err)
	}

	locations := make(map[string]*models.Geolocation)
	e.locateSession(ctx, trigger, locations)
	for i := range active {
		e.locateSession(ctx, &active[i], locations)
	}
	for i := range recent {
		e.locateSession(ctx, &recent[i], locations)
	}

	return &EvaluationContext{
		Session:        trigger,
		ServerUser:     user,
		Server:         server,
		ActiveSessions: active,
		RecentSessions: recent,
		Now:            now,
	}, nil
}

// locateSession backfills one session's coordinates through the resolver.
// Outcomes, failed lookups included, are memoized per address so a pass
// resolves each distinct IP at most once.
func (e *Engine) locateSession(ctx context.Context, s *models.Session, seen map[string]*models.Geolocation) {
	if e.geo == nil || s.IPAddress == "" || !IsUnknownLocation(s.Latitude, s.Longitude) {
		return
	}

	loc, ok := seen[s.IPAddress]
	if !ok {
		var err error
		loc, err = e.geo.Resolve(ctx, s.IPAddress)
		if err != nil {
			logging.Warn().Err(err).
				Str("session_id", s.ID).
				Str("ip", s.IPAddress).
				Msg("geolocation unavailable for pass")
			loc = nil
		}
		seen[s.IPAddress] = loc
	}
	if loc == nil {
		return
	}

	s.Latitude = loc.Latitude
	s.Longitude = loc.Longitude
	s.City = loc.City
	s.Country = loc.Country
}

// evaluateRule evaluates one rule's condition groups. Groups OR together; the
// conditions inside a group AND together with short-circuit on the first
// non-match. Every matching group is recorded, not just the first, so the
// evidence names each alternative that fired.
func (e *Engine) evaluateRule(ctx context.Context, ec *EvaluationContext, rule *Rule) (res EvaluationResult) {
	res = EvaluationResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		RuleType: rule.Type,
		Severity: rule.Severity,
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.RuleErrors.WithLabelValues(string(rule.Type)).Inc()
			logging.Error().
				Str("rule_id", rule.ID).
				Str("rule_name", rule.Name).
				Interface("panic", r).
				Msg("rule evaluation panicked")
			res = EvaluationResult{RuleID: rule.ID, RuleName: rule.Name, RuleType: rule.Type, Severity: rule.Severity}
		}
	}()

	if len(rule.Groups) == 0 {
		logging.Warn().Str("rule_id", rule.ID).Msg("rule has no condition groups")
		return res
	}

	ruleCtx, cancel := context.WithTimeout(ctx, e.ruleTimeout)
	defer cancel()

	for gi, group := range rule.Groups {
		evidence, matched, err := e.evaluateGroup(ruleCtx, ec, gi, group)
		if err != nil {
			metrics.RuleErrors.WithLabelValues(string(rule.Type)).Inc()
			logging.Error().Err(err).
				Str("rule_id", rule.ID).
				Str("rule_name", rule.Name).
				Int("group", gi).
				Msg("rule evaluation failed")
			return EvaluationResult{RuleID: rule.ID, RuleName: rule.Name, RuleType: rule.Type, Severity: rule.Severity}
		}
		if matched {
			res.MatchedGroups = append(res.MatchedGroups, gi)
			res.Evidence = append(res.Evidence, evidence...)
		}
	}

	if len(res.MatchedGroups) > 0 {
		res.Matched = true
		res.Actions = rule.Actions
	}
	return res
}

// evaluateGroup ANDs the conditions of one group. The first non-matching
// condition short-circuits; its successors are not evaluated.
func (e *Engine) evaluateGroup(ctx context.Context, ec *EvaluationContext, groupIndex int, group ConditionGroup) ([]ConditionEvidence, bool, error) {
	if len(group) == 0 {
		return nil, false, fmt.Errorf("group %d is empty", groupIndex)
	}

	evidence := make([]ConditionEvidence, 0, len(group))
	for _, cond := range group {
		if err := ctx.Err(); err != nil {
			return nil, false, fmt.Errorf("rule timed out: %w", err)
		}
		ev, ok := e.evaluators[cond.Type]
		if !ok {
			return nil, false, fmt.Errorf("%w: %q", ErrUnknownConditionType, cond.Type)
		}
		out, err := ev.Evaluate(ctx, ec, cond)
		if err != nil {
			return nil, false, fmt.Errorf("condition %s: %w", cond.Type, err)
		}
		if !out.Matched {
			return nil, false, nil
		}
		evidence = append(evidence, ConditionEvidence{
			GroupIndex:        groupIndex,
			Type:              cond.Type,
			Actual:            out.Actual,
			RelatedSessionIDs: out.RelatedSessionIDs,
			Details:           out.Details,
		})
	}
	return evidence, true, nil
}
