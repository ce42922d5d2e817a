// Package pipeline implements the twelve-phase turn pipeline: a fixed
// phase sequence over a shared working set, with per-phase timing,
// degradation policy, and observability.
package pipeline

import (
	"context"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

// FailureMode declares how a phase error affects the turn.
type FailureMode int

// Failure modes. Fatal aborts the turn; Degrade logs and continues with
// the phase's neutral output; Skip silently skips.
const (
	Fatal FailureMode = iota
	Degrade
	Skip
)

// Phase is one pipeline stage. Run mutates the working set in place.
type Phase interface {
	Name() string
	FailureMode() FailureMode
	Run(ctx context.Context, ws *WorkingSet) error
}

// NavAction is the scenario navigation decision of the filtering phase.
type NavAction string

// Navigation actions.
const (
	NavNone       NavAction = "none"
	NavStart      NavAction = "start"
	NavContinue   NavAction = "continue"
	NavTransition NavAction = "transition"
	NavExit       NavAction = "exit"
	NavRelocalize NavAction = "relocalize"
)

// SituationalSnapshot is the structured read of the current turn produced
// by the sensor phase and consumed downstream.
type SituationalSnapshot struct {
	Language           string         `json:"language"`
	IntentChange       bool           `json:"intent_change"`
	Tone               string         `json:"tone"`
	FrustrationLevel   int            `json:"frustration_level"`
	CandidateVariables map[string]any `json:"candidate_variables,omitempty"`
}

// NeutralSnapshot is the degrade output of the sensor phase.
func NeutralSnapshot() *SituationalSnapshot {
	return &SituationalSnapshot{Language: "unknown", Tone: "neutral"}
}

// ScoredRule is one retrieval candidate with its hybrid score.
type ScoredRule struct {
	Rule       *models.Rule
	Cosine     float64
	BM25       float64
	FinalScore float64
}

// WorkingSet is the mutable state one turn flows through. Phase 1 fills
// the context portion; later phases append their outputs.
type WorkingSet struct {
	Tenant  repo.Tenant
	TurnID  string
	Message models.InboundMessage

	// Context (phase 1).
	Session        *models.Session
	Profile        *models.InterlocutorProfile
	Config         *config.PipelineConfig
	FieldDefs      []*models.FieldDefinition
	Glossary       []*models.GlossaryItem
	Scenario       *models.Scenario
	Step           *models.ScenarioStep
	Reconciliation *models.ReconciliationResult

	// Sensor (phase 2).
	Snapshot *SituationalSnapshot

	// Interlocutor updates (phase 3), applied at persistence.
	ProfileUpdates []repo.FieldUpdate

	// Retrieval and filtering (phases 4-5).
	Candidates []ScoredRule
	Matched    []models.MatchedRule
	NavAction  NavAction
	NavTarget  string

	// Gap-fill planning (phase 6).
	MissingFields []string
	AskPrompt     string

	// Tools (phases 7 and 10).
	ToolRecords []models.ToolCallRecord

	// Generation and enforcement (phases 8-9).
	ExclusiveTemplate *models.Template
	GenPrompt         string
	Candidate         string
	Response          string
	Enforcement       models.EnforcementSummary
	TokensUsed        int

	// Observability.
	Timings []models.PhaseTiming
}

// ActiveProfileFields returns the active field snapshot, or an empty map
// when the session has no profile.
func (ws *WorkingSet) ActiveProfileFields() map[string]any {
	if ws.Profile == nil {
		return map[string]any{}
	}
	return ws.Profile.ActiveFields()
}

// HardConstraintRules returns the matched rules flagged as hard
// constraints.
func (ws *WorkingSet) HardConstraintRules() []*models.Rule {
	var out []*models.Rule
	for _, m := range ws.Matched {
		if m.Rule.IsHardConstraint {
			out = append(out, m.Rule)
		}
	}
	return out
}

// StepBindings returns the tool bindings in play this turn: the active
// step's plus those of matched rules.
func (ws *WorkingSet) StepBindings() []models.ToolBinding {
	var out []models.ToolBinding
	if ws.Step != nil {
		out = append(out, ws.Step.ToolBindings...)
	}
	for _, m := range ws.Matched {
		out = append(out, m.Rule.ToolBindings...)
	}
	return out
}

// Result assembles the AlignmentResult returned to the caller.
func (ws *WorkingSet) Result(latencyMS int64) *models.AlignmentResult {
	res := &models.AlignmentResult{
		TurnID:       ws.TurnID,
		SessionID:    ws.Session.ID,
		Response:     ws.Response,
		MatchedRules: ws.Matched,
		ToolsCalled:  ws.ToolRecords,
		Enforcement:  ws.Enforcement,
		TokensUsed:   ws.TokensUsed,
		LatencyMS:    latencyMS,
		PhaseTimings: ws.Timings,
	}
	if ws.Session.ActiveScenarioID != "" {
		res.ScenarioState = models.ScenarioState{
			ScenarioID: ws.Session.ActiveScenarioID,
			StepID:     ws.Session.ActiveStepID,
			Version:    ws.Session.ActiveScenarioVersion,
		}
	}
	return res
}
