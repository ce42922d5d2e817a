package memrepo

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// AuditRepo is the in-memory append-only AuditRepository.
type AuditRepo struct{ s *Store }

// NewAuditRepo creates an AuditRepository backed by the store.
func NewAuditRepo(s *Store) *AuditRepo { return &AuditRepo{s: s} }

var _ repo.AuditRepository = (*AuditRepo)(nil)

func (r *AuditRepo) SaveTurnRecord(_ context.Context, t repo.Tenant, rec *models.TurnRecord) error {
	if rec.SessionID == "" {
		return serviceerr.NewValidationError("session_id", "required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	cp := *rec
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.s.turnRecords[key] = append(r.s.turnRecords[key], marshal(&cp))
	return nil
}

func (r *AuditRepo) SaveAuditEvent(_ context.Context, t repo.Tenant, ev *models.AuditEvent) error {
	if ev.Kind == "" {
		return serviceerr.NewValidationError("kind", "required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	cp := *ev
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.s.auditEvents[key] = append(r.s.auditEvents[key], marshal(&cp))
	return nil
}

func (r *AuditRepo) ListTurnRecords(_ context.Context, t repo.Tenant, sessionID string, from, to time.Time) ([]*models.TurnRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.TurnRecord
	for _, b := range r.s.turnRecords[tenantKey(t.TenantID, t.AgentID)] {
		rec := unmarshal[models.TurnRecord](b)
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		if !from.IsZero() && rec.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && rec.CreatedAt.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TurnNumber != out[j].TurnNumber {
			return out[i].TurnNumber < out[j].TurnNumber
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *AuditRepo) ListAuditEvents(_ context.Context, t repo.Tenant, from, to time.Time) ([]*models.AuditEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.AuditEvent
	for _, b := range r.s.auditEvents[tenantKey(t.TenantID, t.AgentID)] {
		ev := unmarshal[models.AuditEvent](b)
		if !from.IsZero() && ev.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.CreatedAt.After(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
