// Package models defines the domain entities shared across the runtime:
// rules, scenarios, templates, interlocutor profiles, sessions, episodic
// memory, and the immutable turn/audit records.
package models

import "time"

// RuleScope determines which conversational context a rule binds to.
type RuleScope string

// Rule scope values.
const (
	ScopeGlobal   RuleScope = "global"
	ScopeScenario RuleScope = "scenario"
	ScopeStep     RuleScope = "step"
)

// ToolBindingWhen positions a tool binding relative to step execution.
type ToolBindingWhen string

// Tool binding positions.
const (
	BeforeStep ToolBindingWhen = "before_step"
	DuringStep ToolBindingWhen = "during_step"
	AfterStep  ToolBindingWhen = "after_step"
)

// ToolBinding attaches a tool invocation to a rule or scenario step.
type ToolBinding struct {
	ToolID            string          `json:"tool_id"`
	When              ToolBindingWhen `json:"when"`
	RequiredVariables []string        `json:"required_variables,omitempty"`
	DependsOn         []string        `json:"depends_on,omitempty"`
}

// Rule is a behavioral policy owned by (tenant, agent). ConditionText and
// ActionText are natural language; Embedding is precomputed over the
// condition text for retrieval.
type Rule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`

	ConditionText string    `json:"condition_text"`
	ActionText    string    `json:"action_text"`
	Embedding     []float32 `json:"-"`

	// Scope narrows where the rule applies. ScopeID references the bound
	// scenario or step when Scope is not global.
	Scope   RuleScope `json:"scope"`
	ScopeID string    `json:"scope_id,omitempty"`

	// Priority in [-100, 100]; higher wins ties.
	Priority           int  `json:"priority"`
	Enabled            bool `json:"enabled"`
	MaxFiresPerSession int  `json:"max_fires_per_session"` // 0 = unlimited
	CooldownTurns      int  `json:"cooldown_turns"`

	// IsHardConstraint marks rules enforced on every turn regardless of
	// retrieval. EnforcementExpression, when set, routes the rule to the
	// deterministic enforcement lane (e.g. "amount <= 50").
	IsHardConstraint      bool   `json:"is_hard_constraint"`
	EnforcementExpression string `json:"enforcement_expression,omitempty"`

	ToolBindings []ToolBinding `json:"tool_bindings,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// MatchedRule is a rule that passed the relevance judgment for the current
// turn, with the hybrid retrieval score and the judge's assessment.
type MatchedRule struct {
	Rule           *Rule   `json:"rule"`
	FinalScore     float64 `json:"final_score"`
	RelevanceScore float64 `json:"relevance_score"`
	Rationale      string  `json:"rationale,omitempty"`
}

// GlossaryItem is a domain term definition injected into generation prompts.
type GlossaryItem struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	AgentID    string `json:"agent_id"`
	Term       string `json:"term"`
	Definition string `json:"definition"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}
