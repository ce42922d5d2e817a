package models

import (
	"fmt"
	"time"
)

// StepTransition is a directed edge in the scenario graph. ConditionFields
// name session variables that must be set for the transition to fire.
type StepTransition struct {
	ToStepID        string   `json:"to_step_id"`
	ConditionFields []string `json:"condition_fields,omitempty"`
}

// ScenarioStep is a node in the scenario graph.
type ScenarioStep struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt,omitempty"`

	// IsCheckpoint blocks backwards teleportation past this step during
	// migration re-routes.
	IsCheckpoint bool `json:"is_checkpoint"`

	ToolBindings   []ToolBinding    `json:"tool_bindings,omitempty"`
	Transitions    []StepTransition `json:"transitions,omitempty"`
	CollectsFields []string         `json:"collects_fields,omitempty"`
}

// Scenario is a versioned directed graph of steps owned by (tenant, agent).
// Published versions are immutable; a new publish bumps Version.
type Scenario struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`

	Name        string         `json:"name"`
	Version     int            `json:"version"`
	EntryStepID string         `json:"entry_step_id"`
	Steps       []ScenarioStep `json:"steps"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Step returns the step with the given id, or nil.
func (s *Scenario) Step(id string) *ScenarioStep {
	for i := range s.Steps {
		if s.Steps[i].ID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// Validate checks the scenario graph invariants: a defined entry step and
// every step reachable from it. An unreachable checkpoint would silently
// disable migration blocking, so reachability failures are hard errors.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario %s: no steps", s.ID)
	}
	if s.Step(s.EntryStepID) == nil {
		return fmt.Errorf("scenario %s: entry step %q not found", s.ID, s.EntryStepID)
	}

	reachable := map[string]bool{}
	queue := []string{s.EntryStepID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		step := s.Step(id)
		if step == nil {
			return fmt.Errorf("scenario %s: transition to unknown step %q", s.ID, id)
		}
		reachable[id] = true
		for _, t := range step.Transitions {
			queue = append(queue, t.ToStepID)
		}
	}

	for i := range s.Steps {
		if !reachable[s.Steps[i].ID] {
			if s.Steps[i].IsCheckpoint {
				return fmt.Errorf("scenario %s: isolated checkpoint %q", s.ID, s.Steps[i].ID)
			}
			return fmt.Errorf("scenario %s: step %q unreachable from entry", s.ID, s.Steps[i].ID)
		}
	}
	return nil
}
