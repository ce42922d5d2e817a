package models

import "time"

// VariableStatus is the lifecycle state of a profile field value or asset.
type VariableStatus string

// Variable lifecycle states. Exactly one entry per field name may be
// active; supersession keeps the previous entry for history and lineage.
const (
	StatusActive     VariableStatus = "active"
	StatusSuperseded VariableStatus = "superseded"
	StatusExpired    VariableStatus = "expired"
	StatusOrphaned   VariableStatus = "orphaned"
)

// VariableSource records where a field value came from.
type VariableSource string

// Variable sources.
const (
	SourceUser          VariableSource = "user"
	SourceAgentInferred VariableSource = "agent_inferred"
	SourceToolResult    VariableSource = "tool_result"
	SourceSystem        VariableSource = "system"
)

// VariableEntry is one value of an interlocutor field, with confidence,
// lifecycle status, and lineage back to the item that produced it.
type VariableEntry struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Value      any            `json:"value"`
	ValueType  string         `json:"value_type"`
	Source     VariableSource `json:"source"`
	Confidence float64        `json:"confidence"`
	Verified   bool           `json:"verified"`
	Status     VariableStatus `json:"status"`

	SupersededBy   string `json:"superseded_by,omitempty"`
	SourceItemID   string `json:"source_item_id,omitempty"`
	SourceItemType string `json:"source_item_type,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Asset is a document or media item attached to a profile, sharing the
// VariableEntry lifecycle and lineage semantics.
type Asset struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ContentType  string         `json:"content_type"`
	URI          string         `json:"uri"`
	Status       VariableStatus `json:"status"`
	SupersededBy string         `json:"superseded_by,omitempty"`
	SourceItemID string         `json:"source_item_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelIdentity links a profile to a channel-specific user id.
// (Channel, ChannelUserID) is unique within a tenant.
type ChannelIdentity struct {
	Channel       string    `json:"channel"`
	ChannelUserID string    `json:"channel_user_id"`
	LinkedAt      time.Time `json:"linked_at"`
}

// InterlocutorProfile is the per-tenant, per-end-user data store. Fields
// holds the full history per field name; at most one entry per name is
// active at any time.
type InterlocutorProfile struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	AgentID  string `json:"agent_id"`

	Fields            map[string][]VariableEntry `json:"fields"`
	Assets            []Asset                    `json:"assets,omitempty"`
	ChannelIdentities []ChannelIdentity          `json:"channel_identities,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// ActiveField returns the single active entry for a field name, or nil.
func (p *InterlocutorProfile) ActiveField(name string) *VariableEntry {
	for i := range p.Fields[name] {
		if p.Fields[name][i].Status == StatusActive {
			return &p.Fields[name][i]
		}
	}
	return nil
}

// ActiveFields returns a name → value snapshot of all active entries.
func (p *InterlocutorProfile) ActiveFields() map[string]any {
	out := make(map[string]any, len(p.Fields))
	for name := range p.Fields {
		if e := p.ActiveField(name); e != nil {
			out[name] = e.Value
		}
	}
	return out
}

// FieldDefinition is the schema entry for an interlocutor field.
type FieldDefinition struct {
	Name      string `json:"name"`
	ValueType string `json:"value_type"`
	// SafeForPrompt allows the raw value (not just name and type) to be
	// included in generation prompts.
	SafeForPrompt bool `json:"safe_for_prompt"`
	// TTL, when non-zero, expires values this long after creation.
	TTL time.Duration `json:"ttl,omitempty"`
}
