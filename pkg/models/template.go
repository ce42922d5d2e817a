package models

import "time"

// TemplateMode controls how a template participates in generation.
type TemplateMode string

// Template modes. Suggest templates are offered to the LLM as guidance,
// exclusive templates bypass the LLM entirely, fallback templates are used
// when enforcement exhausts its remediation attempts.
const (
	TemplateSuggest   TemplateMode = "suggest"
	TemplateExclusive TemplateMode = "exclusive"
	TemplateFallback  TemplateMode = "fallback"
)

// Template is parameterized response text. The body may contain
// {name[:format]} placeholders resolved against profile and session
// variables.
type Template struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`

	Name     string       `json:"name"`
	Mode     TemplateMode `json:"mode"`
	Body     string       `json:"body"`
	Priority int          `json:"priority"`

	// Scope narrows applicability the same way rules scope.
	Scope   RuleScope `json:"scope"`
	ScopeID string    `json:"scope_id,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}
