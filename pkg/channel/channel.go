// Package channel normalizes inbound messages from delivery channels and
// resolves them to sessions. Per-channel policy controls message length
// limits and how concurrent messages for the same session are handled.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// Gateway validates and normalizes channel traffic and owns session
// resolution by channel identity.
type Gateway struct {
	policies map[string]config.ChannelPolicy
	sessions repo.SessionRepository
	logger   *slog.Logger
}

// NewGateway builds a gateway over the configured channel policies.
// Channels without a policy get the zero policy: no length limit and
// queue-on-conflict.
func NewGateway(policies map[string]config.ChannelPolicy, sessions repo.SessionRepository, logger *slog.Logger) *Gateway {
	if policies == nil {
		policies = map[string]config.ChannelPolicy{}
	}
	return &Gateway{
		policies: policies,
		sessions: sessions,
		logger:   logger.With("component", "channel"),
	}
}

// Policy returns the policy for a channel name.
func (g *Gateway) Policy(name string) config.ChannelPolicy {
	return g.policies[name]
}

// Normalize validates the identity fields and applies the channel's
// message length limit in place.
func (g *Gateway) Normalize(msg *models.InboundMessage) error {
	switch {
	case msg.TenantID == "":
		return serviceerr.NewValidationError("tenant_id", "required")
	case msg.AgentID == "":
		return serviceerr.NewValidationError("agent_id", "required")
	case msg.Channel == "":
		return serviceerr.NewValidationError("channel", "required")
	case msg.ChannelUserID == "":
		return serviceerr.NewValidationError("channel_user_id", "required")
	}
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" {
		return serviceerr.NewValidationError("content", "required")
	}
	if limit := g.policies[msg.Channel].MaxMessageLength; limit > 0 && len(msg.Content) > limit {
		g.logger.Info("Truncating inbound message",
			"channel", msg.Channel, "length", len(msg.Content), "limit", limit)
		msg.Content = truncate(msg.Content, limit)
	}
	return nil
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 rune.
func truncate(s string, limit int) string {
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ResolveSession finds the session for the message, or creates one. A
// message carrying a session id addresses that session directly; the
// session must belong to the message's channel identity. Otherwise
// resolution is by channel identity. The second return reports whether a
// session was created.
func (g *Gateway) ResolveSession(ctx context.Context, t repo.Tenant, msg *models.InboundMessage) (*models.Session, bool, error) {
	if msg.SessionID != "" {
		session, err := g.sessions.Get(ctx, t, msg.SessionID)
		if err != nil {
			return nil, false, fmt.Errorf("resolving session %s: %w", msg.SessionID, err)
		}
		if session.Channel != msg.Channel || session.ChannelUserID != msg.ChannelUserID {
			return nil, false, serviceerr.NewValidationError("session_id", "session belongs to a different channel identity")
		}
		return session, false, nil
	}

	session, err := g.sessions.GetByChannelUser(ctx, t, msg.Channel, msg.ChannelUserID)
	if err == nil {
		return session, false, nil
	}
	if serviceerr.KindOf(err) != serviceerr.KindNotFound {
		return nil, false, fmt.Errorf("resolving session: %w", err)
	}

	now := time.Now()
	session = &models.Session{
		ID:             uuid.NewString(),
		TenantID:       t.TenantID,
		AgentID:        t.AgentID,
		Channel:        msg.Channel,
		ChannelUserID:  msg.ChannelUserID,
		Status:         models.SessionActive,
		MigrationState: models.MigrationSynced,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := g.sessions.Save(ctx, t, session); err != nil {
		return nil, false, fmt.Errorf("creating session: %w", err)
	}
	g.logger.Info("Created session",
		"session_id", session.ID, "channel", msg.Channel, "channel_user_id", msg.ChannelUserID)
	return session, true, nil
}

// Outbound wraps a response for delivery back through the channel.
func (g *Gateway) Outbound(session *models.Session, content string) models.OutboundMessage {
	return models.OutboundMessage{
		TenantID:      session.TenantID,
		AgentID:       session.AgentID,
		Channel:       session.Channel,
		ChannelUserID: session.ChannelUserID,
		Content:       content,
	}
}
