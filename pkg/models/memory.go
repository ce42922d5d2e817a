package models

import (
	"fmt"
	"time"
)

// ContentType classifies an episode's payload.
type ContentType string

// Episode content types.
const (
	ContentMessage     ContentType = "message"
	ContentEvent       ContentType = "event"
	ContentDocument    ContentType = "document"
	ContentSummary     ContentType = "summary"
	ContentMetaSummary ContentType = "meta_summary"
)

// EpisodeSource identifies who produced an episode.
type EpisodeSource string

// Episode sources.
const (
	EpisodeFromUser     EpisodeSource = "user"
	EpisodeFromAgent    EpisodeSource = "agent"
	EpisodeFromSystem   EpisodeSource = "system"
	EpisodeFromExternal EpisodeSource = "external"
)

// GroupID builds the episodic-memory isolation key for a session.
func GroupID(tenantID, sessionID string) string {
	return fmt.Sprintf("%s:%s", tenantID, sessionID)
}

// Episode is the atomic memory unit, scoped by GroupID.
type Episode struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	GroupID  string `json:"group_id"`

	Content     string        `json:"content"`
	ContentType ContentType   `json:"content_type"`
	Source      EpisodeSource `json:"source"`

	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`

	Embedding []float32 `json:"-"`
	EntityIDs []string  `json:"entity_ids,omitempty"`

	// SourceMetadata carries provenance such as the episode ids a summary
	// was generated from.
	SourceMetadata map[string]any `json:"source_metadata,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Entity is a bi-temporally valid knowledge-graph node.
type Entity struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	GroupID  string `json:"group_id"`

	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Confidence float64        `json:"confidence"`
	Embedding  []float32      `json:"-"`

	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Relationship is a bi-temporally valid knowledge-graph edge.
type Relationship struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`
	GroupID  string `json:"group_id"`

	FromEntityID string         `json:"from_entity_id"`
	ToEntityID   string         `json:"to_entity_id"`
	RelationType string         `json:"relation_type"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Confidence   float64        `json:"confidence"`

	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}
