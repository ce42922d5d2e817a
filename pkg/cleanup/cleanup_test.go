package cleanup

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

var testTenant = repo.Tenant{TenantID: "t1", AgentID: "a1"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubSessions hands out sessions with controlled timestamps; the memrepo
// implementation stamps UpdatedAt on every save, which hides retention age.
type stubSessions struct {
	sessions []*models.Session
	saved    []*models.Session
}

func (s *stubSessions) Get(context.Context, repo.Tenant, string) (*models.Session, error) {
	return nil, serviceerr.ErrNotFound
}

func (s *stubSessions) GetByChannelUser(context.Context, repo.Tenant, string, string) (*models.Session, error) {
	return nil, serviceerr.ErrNotFound
}

func (s *stubSessions) Save(_ context.Context, _ repo.Tenant, sess *models.Session) error {
	s.saved = append(s.saved, sess)
	return nil
}

func (s *stubSessions) List(_ context.Context, _ repo.Tenant, q repo.SessionQuery) ([]*models.Session, error) {
	var out []*models.Session
	for _, sess := range s.sessions {
		if q.Status != "" && sess.Status != q.Status {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func TestService_RunOnce_ExpiresFields(t *testing.T) {
	ctx := context.Background()
	store := memrepo.NewStore()
	profiles := memrepo.NewInterlocutorRepo(store)

	profile := &models.InterlocutorProfile{}
	require.NoError(t, profiles.Create(ctx, testTenant, profile))

	past := time.Now().Add(-time.Hour)
	_, err := profiles.UpdateField(ctx, testTenant, profile.ID, repo.FieldUpdate{
		Name: "promo_code", Value: "SUMMER", ValueType: "string",
		Source: models.SourceUser, ExpiresAt: &past,
	})
	require.NoError(t, err)
	_, err = profiles.UpdateField(ctx, testTenant, profile.ID, repo.FieldUpdate{
		Name: "name", Value: "Dana", ValueType: "string", Source: models.SourceUser,
	})
	require.NoError(t, err)

	svc := NewService(nil, profiles, &stubSessions{}, nil, testLogger())
	svc.Track(testTenant)
	svc.RunOnce(ctx)

	got, err := profiles.Get(ctx, testTenant, profile.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ActiveField("promo_code"))
	history, err := profiles.FieldHistory(ctx, testTenant, profile.ID, "promo_code")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusExpired, history[0].Status)

	// Fields without a TTL are untouched.
	require.NotNil(t, got.ActiveField("name"))
}

func TestService_RunOnce_SweepsClosedSessions(t *testing.T) {
	old := time.Now().Add(-100 * 24 * time.Hour)
	gone := time.Now().Add(-200 * 24 * time.Hour)
	sessions := &stubSessions{sessions: []*models.Session{
		{ID: "stale", Status: models.SessionClosed, UpdatedAt: old},
		{ID: "recent", Status: models.SessionClosed, UpdatedAt: time.Now()},
		{ID: "already-gone", Status: models.SessionClosed, UpdatedAt: old, DeletedAt: &gone},
		{ID: "active", Status: models.SessionActive, UpdatedAt: old},
	}}

	svc := NewService(&config.RuntimeConfig{SessionRetentionDays: 90},
		memrepo.NewInterlocutorRepo(memrepo.NewStore()), sessions, nil, testLogger())
	svc.Track(testTenant)
	svc.RunOnce(context.Background())

	require.Len(t, sessions.saved, 1)
	assert.Equal(t, "stale", sessions.saved[0].ID)
	assert.NotNil(t, sessions.saved[0].DeletedAt)
}

func TestService_RunOnce_OrphansFieldsFromDeletedSessions(t *testing.T) {
	ctx := context.Background()
	store := memrepo.NewStore()
	profiles := memrepo.NewInterlocutorRepo(store)
	audit := memrepo.NewAuditRepo(store)

	profile := &models.InterlocutorProfile{}
	require.NoError(t, profiles.Create(ctx, testTenant, profile))
	_, err := profiles.UpdateField(ctx, testTenant, profile.ID, repo.FieldUpdate{
		Name: "order_id", Value: "o-42", ValueType: "string",
		Source: models.SourceAgentInferred, SourceItemID: "turn-1", SourceItemType: "turn",
	})
	require.NoError(t, err)

	require.NoError(t, audit.SaveTurnRecord(ctx, testTenant, &models.TurnRecord{
		ID: "turn-1", SessionID: "stale", TurnNumber: 1,
	}))

	sessions := &stubSessions{sessions: []*models.Session{
		{ID: "stale", Status: models.SessionClosed, UpdatedAt: time.Now().Add(-100 * 24 * time.Hour)},
	}}
	svc := NewService(&config.RuntimeConfig{SessionRetentionDays: 90}, profiles, sessions, audit, testLogger())
	svc.Track(testTenant)
	svc.RunOnce(ctx)

	got, err := profiles.Get(ctx, testTenant, profile.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ActiveField("order_id"))
	history, err := profiles.FieldHistory(ctx, testTenant, profile.ID, "order_id")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StatusOrphaned, history[0].Status)
}

func TestService_StartStop(t *testing.T) {
	svc := NewService(&config.RuntimeConfig{CleanupInterval: time.Hour},
		memrepo.NewInterlocutorRepo(memrepo.NewStore()), &stubSessions{}, nil, testLogger())

	svc.Start(context.Background())
	svc.Stop()
}
