package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/repo"
)

// GenericSafeResponse is the last-resort reply when no fallback template
// exists and remediation is exhausted.
const GenericSafeResponse = "I'm sorry, I can't help with that request right now."

// Violation is one failed hard constraint.
type Violation struct {
	RuleID string
	Lane   string // "deterministic" or "subjective"
	Detail string
}

// Input carries everything the enforcer needs for one candidate response.
type Input struct {
	TurnID    string
	SessionID string
	Candidate string

	SessionVars map[string]any
	ProfileVars map[string]any

	// SurfacedRules are the hard-constraint rules retrieval matched this
	// turn. Global hard constraints are fetched independently.
	SurfacedRules []*models.Rule

	// Fallbacks are the fallback-mode templates in insertion order; the
	// first one is used when remediation fails.
	Fallbacks []*models.Template

	// Regenerate produces a new candidate given a violation summary.
	Regenerate func(ctx context.Context, violationSummary string) (string, error)

	// ResolveTemplate interpolates a fallback template body.
	ResolveTemplate func(body string) string
}

// Enforcer runs the two enforcement lanes and the remediation loop.
type Enforcer struct {
	cfg       config.EnforcementConfig
	judge     llm.Generator
	configs   repo.ConfigRepository
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewEnforcer builds the enforcer. The judge may be nil, which skips the
// subjective lane entirely.
func NewEnforcer(cfg config.EnforcementConfig, judge llm.Generator, configs repo.ConfigRepository, publisher events.Publisher, metrics *observability.Metrics, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		cfg:       cfg,
		judge:     judge,
		configs:   configs,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("component", "enforcer"),
	}
}

// Enforce validates the candidate, regenerating up to max_retries, then
// falls back to a template. The returned summary always reflects the final
// response.
func (e *Enforcer) Enforce(ctx context.Context, t repo.Tenant, in Input) (string, models.EnforcementSummary) {
	rules, err := e.collectRules(ctx, t, in.SurfacedRules)
	if err != nil {
		// Global rules are a hard requirement; without them enforcement
		// cannot vouch for the response.
		e.logger.Error("Failed to load global hard constraints", "error", err)
		return e.applyFallback(in, models.EnforcementSummary{
			Passed:     false,
			Violations: []string{"enforcement unavailable: " + err.Error()},
		})
	}
	if len(rules) == 0 {
		return in.Candidate, models.EnforcementSummary{Passed: true}
	}

	candidate := in.Candidate
	summary := models.EnforcementSummary{}
	maxRetries := e.cfg.MaxRetries
	for attempt := 0; ; attempt++ {
		violations := e.evaluate(ctx, rules, candidate, in)
		if len(violations) == 0 {
			summary.Passed = true
			summary.Violations = nil
			return candidate, summary
		}
		summary.Violations = violationStrings(violations)
		for _, v := range violations {
			e.metrics.EnforcementViolations.WithLabelValues(v.Lane).Inc()
		}
		e.publisher.Publish(events.Event{
			Kind:      events.KindEnforcementViolation,
			TenantID:  t.TenantID,
			AgentID:   t.AgentID,
			SessionID: in.SessionID,
			TurnID:    in.TurnID,
			Payload:   map[string]any{"violations": summary.Violations, "attempt": attempt},
		})

		if attempt >= maxRetries || in.Regenerate == nil {
			break
		}
		summary.RegenerationAttempted = true
		e.publisher.Publish(events.Event{
			Kind:      events.KindEnforcementRegeneration,
			TenantID:  t.TenantID,
			AgentID:   t.AgentID,
			SessionID: in.SessionID,
			TurnID:    in.TurnID,
			Payload:   map[string]any{"attempt": attempt + 1},
		})
		regenerated, err := in.Regenerate(ctx, strings.Join(summary.Violations, "; "))
		if err != nil {
			e.logger.Warn("Regeneration failed", "error", err)
			break
		}
		candidate = regenerated
	}

	summary.Passed = false
	resp, summary := e.applyFallback(in, summary)
	if summary.FallbackUsed {
		e.publisher.Publish(events.Event{
			Kind:      events.KindEnforcementFallback,
			TenantID:  t.TenantID,
			AgentID:   t.AgentID,
			SessionID: in.SessionID,
			TurnID:    in.TurnID,
		})
	}
	return resp, summary
}

// collectRules merges surfaced hard constraints with every enabled global
// hard constraint, deduplicated so each rule is evaluated exactly once.
func (e *Enforcer) collectRules(ctx context.Context, t repo.Tenant, surfaced []*models.Rule) ([]*models.Rule, error) {
	seen := map[string]bool{}
	var rules []*models.Rule
	for _, r := range surfaced {
		if r.IsHardConstraint && !seen[r.ID] {
			seen[r.ID] = true
			rules = append(rules, r)
		}
	}
	if !e.cfg.AlwaysGlobal() {
		return rules, nil
	}
	hard := true
	global, err := e.configs.ListRules(ctx, t, repo.RuleQuery{
		Scope:          models.ScopeGlobal,
		EnabledOnly:    true,
		HardConstraint: &hard,
	})
	if err != nil {
		return nil, fmt.Errorf("listing global hard constraints: %w", err)
	}
	for _, r := range global {
		if !seen[r.ID] {
			seen[r.ID] = true
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func (e *Enforcer) evaluate(ctx context.Context, rules []*models.Rule, candidate string, in Input) []Violation {
	extracted := ExtractVariables(candidate)
	vars := MergeVariables(extracted, in.SessionVars, in.ProfileVars)

	var violations []Violation
	for _, rule := range rules {
		if rule.EnforcementExpression != "" {
			if v := e.evalDeterministic(rule, vars); v != nil {
				violations = append(violations, *v)
			}
			continue
		}
		if v := e.evalSubjective(ctx, rule, candidate); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

func (e *Enforcer) evalDeterministic(rule *models.Rule, vars map[string]any) *Violation {
	expr, err := Compile(rule.EnforcementExpression)
	if err != nil {
		e.logger.Warn("Invalid enforcement expression",
			"rule_id", rule.ID, "expression", rule.EnforcementExpression, "error", err)
		return nil
	}
	ok, err := expr.Eval(vars)
	if err != nil {
		// Missing variables mean the constraint has nothing to bind to in
		// this response; there is no violation to report.
		e.logger.Debug("Expression did not evaluate", "rule_id", rule.ID, "error", err)
		return nil
	}
	if ok {
		return nil
	}
	return &Violation{
		RuleID: rule.ID,
		Lane:   "deterministic",
		Detail: fmt.Sprintf("expression %q failed", rule.EnforcementExpression),
	}
}

func (e *Enforcer) evalSubjective(ctx context.Context, rule *models.Rule, candidate string) *Violation {
	if e.judge == nil {
		return nil
	}
	prompt := fmt.Sprintf(
		"You are a strict compliance judge.\n\nConstraint:\nCondition: %s\nRequired behavior: %s\n\nCandidate response:\n%s\n\nDoes the candidate satisfy the constraint? Answer exactly PASS or FAIL: <reason>.",
		rule.ConditionText, rule.ActionText, candidate)
	resp, err := e.judge.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		// Fail-open: availability over strictness for the subjective lane.
		e.logger.Warn("Judge call failed", "rule_id", rule.ID, "error", err)
		return nil
	}
	verdict := strings.TrimSpace(resp.Content)
	upper := strings.ToUpper(verdict)
	switch {
	case strings.HasPrefix(upper, "PASS"):
		return nil
	case strings.HasPrefix(upper, "FAIL"):
		reason := strings.TrimSpace(strings.TrimPrefix(verdict[4:], ":"))
		return &Violation{RuleID: rule.ID, Lane: "subjective", Detail: reason}
	default:
		e.logger.Warn("Unparseable judge verdict, defaulting to pass",
			"rule_id", rule.ID, "verdict", verdict)
		return nil
	}
}

// applyFallback resolves the first fallback template. FallbackUsed marks a
// template being applied; the generic safe response is a last resort and
// is not counted as a fallback.
func (e *Enforcer) applyFallback(in Input, summary models.EnforcementSummary) (string, models.EnforcementSummary) {
	if len(in.Fallbacks) > 0 {
		summary.FallbackUsed = true
		body := in.Fallbacks[0].Body
		if in.ResolveTemplate != nil {
			body = in.ResolveTemplate(body)
		}
		return body, summary
	}
	return GenericSafeResponse, summary
}

func violationStrings(vs []Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = fmt.Sprintf("rule %s (%s): %s", v.RuleID, v.Lane, v.Detail)
	}
	return out
}
