package models

// InboundMessage is a normalized message from a channel adapter.
// SessionID is optional; when set it addresses an existing session
// directly instead of resolving by channel identity.
type InboundMessage struct {
	TenantID      string         `json:"tenant_id"`
	AgentID       string         `json:"agent_id"`
	Channel       string         `json:"channel"`
	ChannelUserID string         `json:"channel_user_id"`
	SessionID     string         `json:"session_id,omitempty"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// OutboundMessage is the normalized response handed back to a channel
// adapter.
type OutboundMessage struct {
	TenantID      string         `json:"tenant_id"`
	AgentID       string         `json:"agent_id"`
	Channel       string         `json:"channel"`
	ChannelUserID string         `json:"channel_user_id"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
