// Package repo defines the repository contracts the runtime core depends
// on. Storage engines live behind these interfaces; the reference
// implementations are memrepo (in-memory), postgres (pgx), chromemvec and
// qdrantvec (vector stores).
package repo

import (
	"context"
	"time"

	"github.com/parley-ai/parley/pkg/models"
)

// Tenant scopes every repository call. Repositories must filter by both
// identifiers in every query.
type Tenant struct {
	TenantID string
	AgentID  string
}

// RuleQuery filters rule listings.
type RuleQuery struct {
	Scope          models.RuleScope
	ScopeID        string
	EnabledOnly    bool
	HardConstraint *bool
	Limit          int
}

// RuleVectorHit is one vector-search result over rule embeddings.
type RuleVectorHit struct {
	Rule   *models.Rule
	Cosine float64
}

// ConfigRepository holds agent behavioral configuration: rules, scenarios
// (versioned, archived indefinitely), templates, glossary, field
// definitions, and migration plans.
type ConfigRepository interface {
	SaveRule(ctx context.Context, t Tenant, rule *models.Rule) error
	GetRule(ctx context.Context, t Tenant, id string) (*models.Rule, error)
	ListRules(ctx context.Context, t Tenant, q RuleQuery) ([]*models.Rule, error)
	SearchRules(ctx context.Context, t Tenant, embedding []float32, limit int) ([]RuleVectorHit, error)

	// PublishScenario stores a new scenario version; prior versions stay
	// archived and remain loadable by version.
	PublishScenario(ctx context.Context, t Tenant, sc *models.Scenario) error
	GetScenario(ctx context.Context, t Tenant, id string) (*models.Scenario, error)
	GetScenarioVersion(ctx context.Context, t Tenant, id string, version int) (*models.Scenario, error)
	ListScenarios(ctx context.Context, t Tenant) ([]*models.Scenario, error)

	SaveTemplate(ctx context.Context, t Tenant, tpl *models.Template) error
	ListTemplates(ctx context.Context, t Tenant, mode models.TemplateMode) ([]*models.Template, error)

	SaveGlossaryItem(ctx context.Context, t Tenant, item *models.GlossaryItem) error
	ListGlossary(ctx context.Context, t Tenant) ([]*models.GlossaryItem, error)

	SaveFieldDefinition(ctx context.Context, t Tenant, def *models.FieldDefinition) error
	ListFieldDefinitions(ctx context.Context, t Tenant) ([]*models.FieldDefinition, error)

	SaveMigrationPlan(ctx context.Context, t Tenant, plan *models.MigrationPlan) error
	// GetMigrationPlan returns the plan for one version step of a
	// scenario, or serviceerr.ErrNotFound.
	GetMigrationPlan(ctx context.Context, t Tenant, scenarioID string, fromVersion int) (*models.MigrationPlan, error)
}

// SessionQuery filters session listings.
type SessionQuery struct {
	Status models.SessionStatus
	Limit  int
	Offset int
}

// SessionRepository stores live conversational state.
type SessionRepository interface {
	Get(ctx context.Context, t Tenant, id string) (*models.Session, error)
	// GetByChannelUser resolves a session by its channel identity key.
	GetByChannelUser(ctx context.Context, t Tenant, channel, channelUserID string) (*models.Session, error)
	Save(ctx context.Context, t Tenant, s *models.Session) error
	List(ctx context.Context, t Tenant, q SessionQuery) ([]*models.Session, error)
}

// FieldUpdate carries one interlocutor field mutation.
type FieldUpdate struct {
	Name           string
	Value          any
	ValueType      string
	Source         models.VariableSource
	Confidence     float64
	Verified       bool
	SourceItemID   string
	SourceItemType string
	ExpiresAt      *time.Time
}

// InterlocutorRepository stores per-end-user profiles with field
// supersession and lineage.
type InterlocutorRepository interface {
	Get(ctx context.Context, t Tenant, id string) (*models.InterlocutorProfile, error)
	GetByChannelIdentity(ctx context.Context, t Tenant, channel, channelUserID string) (*models.InterlocutorProfile, error)
	Create(ctx context.Context, t Tenant, p *models.InterlocutorProfile) error
	Delete(ctx context.Context, t Tenant, id string) error

	// UpdateField atomically supersedes the current active entry (if any)
	// and installs the new value as the single active entry.
	UpdateField(ctx context.Context, t Tenant, profileID string, upd FieldUpdate) (*models.VariableEntry, error)
	FieldHistory(ctx context.Context, t Tenant, profileID, name string) ([]models.VariableEntry, error)
	// ExpireFields transitions active entries past their expiry to
	// expired. Monotonic and idempotent. Returns the number changed.
	ExpireFields(ctx context.Context, t Tenant, now time.Time) (int, error)
	// OrphanFields transitions active entries whose source item is among
	// the given deleted ids to orphaned. Returns the number changed.
	OrphanFields(ctx context.Context, t Tenant, deletedSourceIDs []string) (int, error)

	SaveAsset(ctx context.Context, t Tenant, profileID string, a *models.Asset) error
	// Lineage walks the supersession chain starting at an entry id.
	Lineage(ctx context.Context, t Tenant, profileID, entryID string) ([]models.VariableEntry, error)
	// MissingFields returns which of the requested field names have no
	// active entry on the profile.
	MissingFields(ctx context.Context, t Tenant, profileID string, names []string) ([]string, error)
}

// EpisodeQuery filters episode listings within a group.
type EpisodeQuery struct {
	ContentType models.ContentType
	Since       *time.Time
	Limit       int
}

// EpisodeVectorHit is one similarity hit over episode embeddings.
type EpisodeVectorHit struct {
	Episode *models.Episode
	Cosine  float64
}

// MemoryRepository stores episodic memory and the entity/relationship
// graph, isolated by group id.
type MemoryRepository interface {
	SaveEpisode(ctx context.Context, groupID string, e *models.Episode) error
	GetEpisode(ctx context.Context, groupID, id string) (*models.Episode, error)
	ListEpisodes(ctx context.Context, groupID string, q EpisodeQuery) ([]*models.Episode, error)
	SearchEpisodes(ctx context.Context, groupID string, embedding []float32, limit int) ([]EpisodeVectorHit, error)
	SearchEpisodesText(ctx context.Context, groupID, query string, limit int) ([]*models.Episode, error)

	SaveEntity(ctx context.Context, groupID string, e *models.Entity) error
	GetEntity(ctx context.Context, groupID, id string) (*models.Entity, error)
	ListEntities(ctx context.Context, groupID string, entityType string) ([]*models.Entity, error)

	SaveRelationship(ctx context.Context, groupID string, r *models.Relationship) error
	// ActiveRelationships returns rows with valid_to unset for the given
	// source entity and relation type.
	ActiveRelationships(ctx context.Context, groupID, fromEntityID, relationType string) ([]*models.Relationship, error)
	// Traverse walks the relationship graph breadth-first from a seed
	// entity up to maxDepth hops.
	Traverse(ctx context.Context, groupID, entityID string, maxDepth int) ([]*models.Entity, []*models.Relationship, error)

	// DeleteGroup removes everything recorded under a group id.
	DeleteGroup(ctx context.Context, groupID string) error
}

// VectorDoc is one embedded document in the vector store.
type VectorDoc struct {
	EntityType string
	EntityID   string
	TenantID   string
	AgentID    string
	Content    string
	Embedding  []float32
	Metadata   map[string]string
}

// VectorQuery is a tenant-scoped similarity search.
type VectorQuery struct {
	TenantID   string
	AgentID    string // optional
	EntityType string // optional
	Embedding  []float32
	Limit      int
}

// VectorHit is one similarity search result.
type VectorHit struct {
	EntityType string
	EntityID   string
	Content    string
	Cosine     float64
	Metadata   map[string]string
}

// VectorRepository is the vector index keyed by (entity_type, entity_id).
type VectorRepository interface {
	Upsert(ctx context.Context, docs []VectorDoc) error
	Search(ctx context.Context, q VectorQuery) ([]VectorHit, error)
	// DeleteByFilter removes documents matching all given metadata
	// key/values.
	DeleteByFilter(ctx context.Context, filter map[string]string) error
	// EnsureCollection creates the named collection if absent.
	EnsureCollection(ctx context.Context, name string, dims int) error
	DropCollection(ctx context.Context, name string) error
}

// AuditRepository is append-only: it exposes no update or delete.
type AuditRepository interface {
	SaveTurnRecord(ctx context.Context, t Tenant, rec *models.TurnRecord) error
	SaveAuditEvent(ctx context.Context, t Tenant, ev *models.AuditEvent) error
	ListTurnRecords(ctx context.Context, t Tenant, sessionID string, from, to time.Time) ([]*models.TurnRecord, error)
	ListAuditEvents(ctx context.Context, t Tenant, from, to time.Time) ([]*models.AuditEvent, error)
}
