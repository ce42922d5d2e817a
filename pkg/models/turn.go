package models

import "time"

// PhaseTiming records the execution window of a single pipeline phase.
type PhaseTiming struct {
	Phase      string    `json:"phase"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`
	Skipped    bool      `json:"skipped,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
}

// ToolCallRecord summarizes one tool invocation during a turn.
type ToolCallRecord struct {
	ToolID     string          `json:"tool_id"`
	When       ToolBindingWhen `json:"when"`
	Succeeded  bool            `json:"succeeded"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// ScenarioState is the scenario position reported to callers.
type ScenarioState struct {
	ScenarioID string `json:"scenario_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	Version    int    `json:"version,omitempty"`
}

// EnforcementSummary reports what the enforcement phase did to the
// candidate response.
type EnforcementSummary struct {
	Passed                bool     `json:"passed"`
	Violations            []string `json:"violations,omitempty"`
	RegenerationAttempted bool     `json:"regeneration_attempted"`
	FallbackUsed          bool     `json:"fallback_used"`
}

// AlignmentResult is the outcome of one processed turn.
type AlignmentResult struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	Response  string `json:"response"`

	MatchedRules  []MatchedRule      `json:"matched_rules,omitempty"`
	ScenarioState ScenarioState      `json:"scenario_state"`
	ToolsCalled   []ToolCallRecord   `json:"tools_called,omitempty"`
	Enforcement   EnforcementSummary `json:"enforcement"`

	TokensUsed   int           `json:"tokens_used"`
	LatencyMS    int64         `json:"latency_ms"`
	PhaseTimings []PhaseTiming `json:"phase_timings,omitempty"`
}

// TurnRecord is the immutable persisted record of one turn. Once written
// it is never modified.
type TurnRecord struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id"`

	TurnNumber   int    `json:"turn_number"`
	UserMessage  string `json:"user_message"`
	Response     string `json:"response"`
	MatchedRules []string `json:"matched_rules,omitempty"`

	ScenarioState ScenarioState      `json:"scenario_state"`
	Enforcement   EnforcementSummary `json:"enforcement"`
	PhaseTimings  []PhaseTiming      `json:"phase_timings,omitempty"`
	TokensUsed    int                `json:"tokens_used"`
	LatencyMS     int64              `json:"latency_ms"`

	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is an append-only audit trail entry.
type AuditEvent struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	AgentID   string `json:"agent_id"`
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`

	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
