package channel

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

var testTenant = repo.Tenant{TenantID: "t1", AgentID: "a1"}

func newTestGateway(policies map[string]config.ChannelPolicy) *Gateway {
	return NewGateway(policies, memrepo.NewSessionRepo(memrepo.NewStore()),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func inbound(content string) *models.InboundMessage {
	return &models.InboundMessage{
		TenantID: "t1", AgentID: "a1", Channel: "webchat", ChannelUserID: "u1", Content: content,
	}
}

func TestGateway_NormalizeValidation(t *testing.T) {
	g := newTestGateway(nil)

	tests := []struct {
		name  string
		msg   *models.InboundMessage
		field string
	}{
		{"missing tenant", &models.InboundMessage{AgentID: "a1", Channel: "webchat", ChannelUserID: "u1", Content: "hi"}, "tenant_id"},
		{"missing agent", &models.InboundMessage{TenantID: "t1", Channel: "webchat", ChannelUserID: "u1", Content: "hi"}, "agent_id"},
		{"missing channel", &models.InboundMessage{TenantID: "t1", AgentID: "a1", ChannelUserID: "u1", Content: "hi"}, "channel"},
		{"missing user", &models.InboundMessage{TenantID: "t1", AgentID: "a1", Channel: "webchat", Content: "hi"}, "channel_user_id"},
		{"blank content", inbound("   \n\t "), "content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Normalize(tt.msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, serviceerr.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestGateway_NormalizeTrimsAndTruncates(t *testing.T) {
	g := newTestGateway(map[string]config.ChannelPolicy{
		"webchat": {MaxMessageLength: 10},
	})

	msg := inbound("  hello there, this runs long  ")
	require.NoError(t, g.Normalize(msg))
	assert.Equal(t, "hello ther", msg.Content)

	// Truncation never splits a multi-byte rune.
	multi := inbound("héllo there")
	require.NoError(t, g.Normalize(multi))
	assert.True(t, utf8.ValidString(multi.Content))
	assert.Equal(t, "héllo the", multi.Content)

	tight := newTestGateway(map[string]config.ChannelPolicy{
		"webchat": {MaxMessageLength: 2},
	})
	mid := inbound("héllo")
	require.NoError(t, tight.Normalize(mid))
	assert.Equal(t, "h", mid.Content)

	// Channels without a policy are not limited.
	long := &models.InboundMessage{
		TenantID: "t1", AgentID: "a1", Channel: "whatsapp", ChannelUserID: "u1",
		Content: strings.Repeat("x", 5000),
	}
	require.NoError(t, g.Normalize(long))
	assert.Len(t, long.Content, 5000)
}

func TestGateway_ResolveSessionCreatesOnce(t *testing.T) {
	g := newTestGateway(nil)
	ctx := context.Background()
	msg := inbound("hi")

	session, created, err := g.ResolveSession(ctx, testTenant, msg)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.SessionActive, session.Status)
	assert.Equal(t, models.MigrationSynced, session.MigrationState)

	again, created, err := g.ResolveSession(ctx, testTenant, msg)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, session.ID, again.ID)

	// A different channel identity gets its own session.
	other := inbound("hi")
	other.ChannelUserID = "u2"
	third, created, err := g.ResolveSession(ctx, testTenant, other)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, session.ID, third.ID)
}

func TestGateway_ResolveSessionByID(t *testing.T) {
	g := newTestGateway(nil)
	ctx := context.Background()

	session, _, err := g.ResolveSession(ctx, testTenant, inbound("hi"))
	require.NoError(t, err)

	// Addressing the session directly skips identity resolution.
	direct := inbound("hi again")
	direct.SessionID = session.ID
	got, created, err := g.ResolveSession(ctx, testTenant, direct)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, session.ID, got.ID)

	// The session must belong to the message's channel identity.
	stolen := inbound("hi")
	stolen.ChannelUserID = "u2"
	stolen.SessionID = session.ID
	_, _, err = g.ResolveSession(ctx, testTenant, stolen)
	require.Error(t, err)
	assert.ErrorIs(t, err, serviceerr.ErrInvalidInput)

	// An unknown id is an error, never a silent new session.
	unknown := inbound("hi")
	unknown.SessionID = "no-such-session"
	_, _, err = g.ResolveSession(ctx, testTenant, unknown)
	require.Error(t, err)
	assert.Equal(t, serviceerr.KindNotFound, serviceerr.KindOf(err))
}

func TestGateway_Outbound(t *testing.T) {
	g := newTestGateway(nil)
	session := &models.Session{
		TenantID: "t1", AgentID: "a1", Channel: "webchat", ChannelUserID: "u1",
	}
	out := g.Outbound(session, "All set.")
	assert.Equal(t, "webchat", out.Channel)
	assert.Equal(t, "u1", out.ChannelUserID)
	assert.Equal(t, "All set.", out.Content)
}
