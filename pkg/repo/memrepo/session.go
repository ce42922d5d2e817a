package memrepo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// SessionRepo is the in-memory SessionRepository.
type SessionRepo struct{ s *Store }

// NewSessionRepo creates a SessionRepository backed by the store.
func NewSessionRepo(s *Store) *SessionRepo { return &SessionRepo{s: s} }

var _ repo.SessionRepository = (*SessionRepo)(nil)

func (r *SessionRepo) Get(_ context.Context, t repo.Tenant, id string) (*models.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	b, ok := r.s.sessions[tenantKey(t.TenantID, t.AgentID)][id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, serviceerr.ErrNotFound)
	}
	return unmarshal[models.Session](b), nil
}

func (r *SessionRepo) GetByChannelUser(_ context.Context, t repo.Tenant, channel, channelUserID string) (*models.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, b := range r.s.sessions[tenantKey(t.TenantID, t.AgentID)] {
		s := unmarshal[models.Session](b)
		if s.Channel == channel && s.ChannelUserID == channelUserID && s.DeletedAt == nil && s.Status != models.SessionClosed {
			return s, nil
		}
	}
	return nil, fmt.Errorf("session for %s/%s: %w", channel, channelUserID, serviceerr.ErrNotFound)
}

func (r *SessionRepo) Save(_ context.Context, t repo.Tenant, s *models.Session) error {
	if s.ID == "" {
		return serviceerr.NewValidationError("id", "required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	if r.s.sessions[key] == nil {
		r.s.sessions[key] = map[string][]byte{}
	}
	cp := *s
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	cp.UpdatedAt = time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	r.s.sessions[key][s.ID] = marshal(&cp)
	return nil
}

func (r *SessionRepo) List(_ context.Context, t repo.Tenant, q repo.SessionQuery) ([]*models.Session, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.Session
	for _, b := range r.s.sessions[tenantKey(t.TenantID, t.AgentID)] {
		s := unmarshal[models.Session](b)
		if s.DeletedAt != nil {
			continue
		}
		if q.Status != "" && s.Status != q.Status {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
