package models

import "time"

// MigrationScenario is the kind of structural change upstream of an anchor.
type MigrationScenario string

// Migration scenarios, ordered from least to most restrictive. Clean graft
// means nothing upstream changed; gap fill means upstream nodes collecting
// new fields were inserted; re-route means a new fork redirects the path.
const (
	CleanGraft MigrationScenario = "clean_graft"
	GapFill    MigrationScenario = "gap_fill"
	ReRoute    MigrationScenario = "re_route"
)

// Restrictiveness orders migration scenarios for composite plans, where
// the most restrictive kind along the chain wins.
func (m MigrationScenario) Restrictiveness() int {
	switch m {
	case ReRoute:
		return 2
	case GapFill:
		return 1
	default:
		return 0
	}
}

// ForkBranch is one branch of a fork inserted upstream of an anchor.
type ForkBranch struct {
	ToStepID        string   `json:"to_step_id"`
	ConditionFields []string `json:"condition_fields,omitempty"`
}

// UpstreamChanges describes what the new version inserted upstream of an
// anchor.
type UpstreamChanges struct {
	InsertedNodes []ScenarioStep `json:"inserted_nodes,omitempty"`
	NewForks      []ForkBranch   `json:"new_forks,omitempty"`
}

// AnchorMigrationPolicy is an operator override for one anchor.
type AnchorMigrationPolicy struct {
	// ForceScenario overrides the computed migration scenario. Unknown
	// values are logged and ignored.
	ForceScenario string `json:"force_scenario,omitempty"`
	// UpdateDownstream, when false, leaves the session in place and only
	// bumps its scenario version.
	UpdateDownstream *bool `json:"update_downstream,omitempty"`
	// ScopeFilter restricts the policy to sessions on the named channels.
	ScopeFilter []string `json:"scope_filter,omitempty"`
}

// AnchorTransformation maps one step of the old version onto the new one.
type AnchorTransformation struct {
	AnchorContentHash string                 `json:"anchor_content_hash"`
	AnchorNodeIDV2    string                 `json:"anchor_node_id_v2"`
	Scenario          MigrationScenario      `json:"migration_scenario"`
	Upstream          UpstreamChanges        `json:"upstream_changes"`
	Policy            *AnchorMigrationPolicy `json:"policy,omitempty"`
}

// MigrationPlan is precomputed at publish time and maps sessions stranded
// on FromVersion onto ToVersion.
type MigrationPlan struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	AgentID    string `json:"agent_id"`
	ScenarioID string `json:"scenario_id"`

	FromVersion       int                    `json:"from_version"`
	ToVersion         int                    `json:"to_version"`
	TransformationMap []AnchorTransformation `json:"transformation_map"`

	CreatedAt time.Time `json:"created_at"`
}

// Anchor returns the transformation matching a step content hash, or nil.
func (p *MigrationPlan) Anchor(contentHash string) *AnchorTransformation {
	for i := range p.TransformationMap {
		if p.TransformationMap[i].AnchorContentHash == contentHash {
			return &p.TransformationMap[i]
		}
	}
	return nil
}

// ReconciliationAction is what the migration engine decided to do with a
// session before the next turn runs.
type ReconciliationAction string

// Reconciliation actions.
const (
	ReconcileContinue     ReconciliationAction = "continue"
	ReconcileTeleport     ReconciliationAction = "teleport"
	ReconcileCollect      ReconciliationAction = "collect"
	ReconcileExitScenario ReconciliationAction = "exit_scenario"
)

// ReconciliationResult is returned by the migration engine before phase 1
// completes.
type ReconciliationResult struct {
	Action       ReconciliationAction `json:"action"`
	TargetStepID string               `json:"target_step_id,omitempty"`
	// CollectFields names the fields the user must still provide before
	// the teleport can complete.
	CollectFields []string `json:"collect_fields,omitempty"`
	// CollectPrompt is a user-facing prompt asking for CollectFields.
	CollectPrompt string `json:"collect_prompt,omitempty"`

	BlockedByCheckpoint bool   `json:"blocked_by_checkpoint,omitempty"`
	CheckpointWarning   string `json:"checkpoint_warning,omitempty"`

	// AutoFilled lists gap-fill fields resolved without asking the user.
	AutoFilled []string `json:"auto_filled,omitempty"`
}
