// Package events defines the structured observability events emitted
// across a turn and the publisher contract transports or sinks implement.
package events

import "time"

// Event kinds.
const (
	KindTurnStarted   = "turn.started"
	KindTurnCompleted = "turn.completed"
	KindTurnFailed    = "turn.failed"

	KindPhaseCompleted = "phase.completed"
	KindPhaseDegraded  = "phase.degraded"

	KindEnforcementViolation    = "enforcement.violation"
	KindEnforcementRegeneration = "enforcement.regeneration"
	KindEnforcementFallback     = "enforcement.fallback"

	KindMigrationApplied    = "migration.applied"
	KindMigrationBlocked    = "migration.blocked"
	KindMigrationCollect    = "migration.collect"
	KindGapFillAutoFilled   = "migration.gap_fill_auto_filled"
	KindMigrationExited     = "migration.exited"

	KindIngestionEpisode   = "ingestion.episode"
	KindIngestionEntities  = "ingestion.entities"
	KindIngestionSummary   = "ingestion.summary"
	KindIngestionFailed    = "ingestion.failed"

	KindToolExecuted = "tool.executed"
	KindToolFailed   = "tool.failed"
)

// Event is one structured observability record.
type Event struct {
	Kind      string         `json:"kind"`
	TenantID  string         `json:"tenant_id"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id,omitempty"`
	TurnID    string         `json:"turn_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}
