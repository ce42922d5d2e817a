package models

import "time"

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

// Session statuses.
const (
	SessionActive SessionStatus = "active"
	SessionIdle   SessionStatus = "idle"
	SessionClosed SessionStatus = "closed"
)

// MigrationState tracks where a session stands relative to the live
// scenario version.
type MigrationState string

// Migration states. Synced means the session runs the live version;
// pending means a newer version was published; migrating is transient
// while reconciliation runs; exited means reconciliation abandoned the
// scenario.
const (
	MigrationSynced    MigrationState = "synced"
	MigrationPending   MigrationState = "pending"
	MigrationMigrating MigrationState = "migrating"
	MigrationExited    MigrationState = "exited"
)

// StepVisit is one entry in the session's step history.
type StepVisit struct {
	StepID           string    `json:"step_id"`
	StepContentHash  string    `json:"step_content_hash"`
	EnteredAt        time.Time `json:"entered_at"`
	TransitionReason string    `json:"transition_reason,omitempty"`
}

// PendingMigration marks that a newer scenario version was published while
// this session was in flight.
type PendingMigration struct {
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	DetectedAt  time.Time `json:"detected_at"`
}

// Session is live conversational state keyed by
// (tenant, agent, channel, channel_user_id).
type Session struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`

	Channel       string `json:"channel"`
	ChannelUserID string `json:"channel_user_id"`
	ProfileID     string `json:"profile_id,omitempty"`

	Status SessionStatus `json:"status"`

	ActiveScenarioID      string `json:"active_scenario_id,omitempty"`
	ActiveStepID          string `json:"active_step_id,omitempty"`
	ActiveScenarioVersion int    `json:"active_scenario_version,omitempty"`
	ScenarioChecksum      string `json:"scenario_checksum,omitempty"`

	Variables   map[string]any `json:"variables,omitempty"`
	TurnCount   int            `json:"turn_count"`
	StepHistory []StepVisit    `json:"step_history,omitempty"`

	MigrationState   MigrationState    `json:"migration_state"`
	PendingMigration *PendingMigration `json:"pending_migration,omitempty"`

	// RuleFires counts fires per rule id for MaxFiresPerSession;
	// RuleLastFiredTurn records the turn of the last fire for cooldowns.
	RuleFires         map[string]int `json:"rule_fires,omitempty"`
	RuleLastFiredTurn map[string]int `json:"rule_last_fired_turn,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// LastCheckpointIndex returns the index in StepHistory of the most recent
// visit to a checkpoint step of the given scenario, or -1.
func (s *Session) LastCheckpointIndex(sc *Scenario) int {
	for i := len(s.StepHistory) - 1; i >= 0; i-- {
		step := sc.Step(s.StepHistory[i].StepID)
		if step != nil && step.IsCheckpoint {
			return i
		}
	}
	return -1
}

// Variable returns a session variable and whether it is set and non-empty.
func (s *Session) Variable(name string) (any, bool) {
	v, ok := s.Variables[name]
	if !ok || v == nil {
		return nil, false
	}
	if str, isStr := v.(string); isStr && str == "" {
		return nil, false
	}
	return v, true
}

// SetVariable initializes the variable map on first use.
func (s *Session) SetVariable(name string, value any) {
	if s.Variables == nil {
		s.Variables = map[string]any{}
	}
	s.Variables[name] = value
}

// VisitStep appends a step visit and updates the active step pointer.
func (s *Session) VisitStep(stepID, contentHash, reason string, at time.Time) {
	s.ActiveStepID = stepID
	s.StepHistory = append(s.StepHistory, StepVisit{
		StepID:           stepID,
		StepContentHash:  contentHash,
		EnteredAt:        at,
		TransitionReason: reason,
	})
}
