package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

// PersistPhase (phase 11) commits session state and queued profile field
// updates. A session save failure is fatal: the turn result must never
// claim state that was not durably recorded. Profile field updates are
// committed best-effort since the field lineage can be rebuilt from the
// audit trail.
type PersistPhase struct {
	Sessions repo.SessionRepository
	Profiles repo.InterlocutorRepository
	Logger   *slog.Logger
}

func (p *PersistPhase) Name() string             { return "persistence" }
func (p *PersistPhase) FailureMode() FailureMode { return Fatal }

func (p *PersistPhase) Run(ctx context.Context, ws *WorkingSet) error {
	if len(ws.ProfileUpdates) > 0 {
		p.applyProfileUpdates(ctx, ws)
	}

	ws.Session.TurnCount++
	ws.Session.Status = models.SessionActive
	if err := p.Sessions.Save(ctx, ws.Tenant, ws.Session); err != nil {
		return fmt.Errorf("saving session %s: %w", ws.Session.ID, err)
	}
	return nil
}

func (p *PersistPhase) applyProfileUpdates(ctx context.Context, ws *WorkingSet) {
	if ws.Profile == nil {
		if err := p.createProfile(ctx, ws); err != nil {
			p.Logger.Warn("Failed to create interlocutor profile",
				"session_id", ws.Session.ID, "error", err)
			return
		}
	}
	for _, upd := range ws.ProfileUpdates {
		if _, err := p.Profiles.UpdateField(ctx, ws.Tenant, ws.Profile.ID, upd); err != nil {
			p.Logger.Warn("Failed to update profile field",
				"profile_id", ws.Profile.ID, "field", upd.Name, "error", err)
		}
	}
}

// createProfile makes a profile on first contact and links it to the
// session's channel identity. A concurrent create by another turn of the
// same user resolves through the channel identity lookup.
func (p *PersistPhase) createProfile(ctx context.Context, ws *WorkingSet) error {
	now := time.Now()
	profile := &models.InterlocutorProfile{
		ID:       uuid.NewString(),
		TenantID: ws.Tenant.TenantID,
		AgentID:  ws.Tenant.AgentID,
		Fields:   map[string][]models.VariableEntry{},
		ChannelIdentities: []models.ChannelIdentity{{
			Channel:       ws.Message.Channel,
			ChannelUserID: ws.Message.ChannelUserID,
			LinkedAt:      now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.Profiles.Create(ctx, ws.Tenant, profile); err != nil {
		existing, lookupErr := p.Profiles.GetByChannelIdentity(ctx, ws.Tenant, ws.Message.Channel, ws.Message.ChannelUserID)
		if lookupErr != nil {
			return err
		}
		profile = existing
	}
	ws.Profile = profile
	ws.Session.ProfileID = profile.ID
	return nil
}
