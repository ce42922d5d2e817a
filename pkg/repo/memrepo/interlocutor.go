package memrepo

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// InterlocutorRepo is the in-memory InterlocutorRepository.
type InterlocutorRepo struct{ s *Store }

// NewInterlocutorRepo creates an InterlocutorRepository backed by the store.
func NewInterlocutorRepo(s *Store) *InterlocutorRepo { return &InterlocutorRepo{s: s} }

var _ repo.InterlocutorRepository = (*InterlocutorRepo)(nil)

func (r *InterlocutorRepo) getLocked(t repo.Tenant, id string) (*models.InterlocutorProfile, error) {
	b, ok := r.s.profiles[tenantKey(t.TenantID, t.AgentID)][id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, serviceerr.ErrNotFound)
	}
	p := unmarshal[models.InterlocutorProfile](b)
	if p.DeletedAt != nil {
		return nil, fmt.Errorf("profile %s: %w", id, serviceerr.ErrNotFound)
	}
	return p, nil
}

func (r *InterlocutorRepo) putLocked(t repo.Tenant, p *models.InterlocutorProfile) {
	key := tenantKey(t.TenantID, t.AgentID)
	if r.s.profiles[key] == nil {
		r.s.profiles[key] = map[string][]byte{}
	}
	p.UpdatedAt = time.Now()
	r.s.profiles[key][p.ID] = marshal(p)
}

func (r *InterlocutorRepo) Get(_ context.Context, t repo.Tenant, id string) (*models.InterlocutorProfile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.getLocked(t, id)
}

func (r *InterlocutorRepo) GetByChannelIdentity(_ context.Context, t repo.Tenant, channel, channelUserID string) (*models.InterlocutorProfile, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, b := range r.s.profiles[tenantKey(t.TenantID, t.AgentID)] {
		p := unmarshal[models.InterlocutorProfile](b)
		if p.DeletedAt != nil {
			continue
		}
		for _, ci := range p.ChannelIdentities {
			if ci.Channel == channel && ci.ChannelUserID == channelUserID {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("profile for %s/%s: %w", channel, channelUserID, serviceerr.ErrNotFound)
}

func (r *InterlocutorRepo) Create(_ context.Context, t repo.Tenant, p *models.InterlocutorProfile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, err := r.getLocked(t, p.ID); err == nil {
		return fmt.Errorf("profile %s exists: %w", p.ID, serviceerr.ErrConflict)
	}
	cp := *p
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	if cp.Fields == nil {
		cp.Fields = map[string][]models.VariableEntry{}
	}
	cp.CreatedAt = time.Now()
	r.putLocked(t, &cp)
	p.ID = cp.ID
	return nil
}

func (r *InterlocutorRepo) Delete(_ context.Context, t repo.Tenant, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, err := r.getLocked(t, id)
	if err != nil {
		return err
	}
	now := time.Now()
	p.DeletedAt = &now
	r.putLocked(t, p)
	return nil
}

// UpdateField installs a new active entry for the field. The previous
// active entry, when present, is superseded in the same critical section,
// so at no point do two active entries for one name coexist.
func (r *InterlocutorRepo) UpdateField(_ context.Context, t repo.Tenant, profileID string, upd repo.FieldUpdate) (*models.VariableEntry, error) {
	if upd.Name == "" {
		return nil, serviceerr.NewValidationError("name", "required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, err := r.getLocked(t, profileID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	entry := models.VariableEntry{
		ID:             uuid.NewString(),
		Name:           upd.Name,
		Value:          upd.Value,
		ValueType:      upd.ValueType,
		Source:         upd.Source,
		Confidence:     upd.Confidence,
		Verified:       upd.Verified,
		Status:         models.StatusActive,
		SourceItemID:   upd.SourceItemID,
		SourceItemType: upd.SourceItemType,
		ExpiresAt:      upd.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	history := p.Fields[upd.Name]
	for i := range history {
		if history[i].Status == models.StatusActive {
			history[i].Status = models.StatusSuperseded
			history[i].SupersededBy = entry.ID
			history[i].UpdatedAt = now
		}
	}
	p.Fields[upd.Name] = append(history, entry)
	r.putLocked(t, p)
	return &entry, nil
}

func (r *InterlocutorRepo) FieldHistory(_ context.Context, t repo.Tenant, profileID, name string) ([]models.VariableEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, err := r.getLocked(t, profileID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.Fields[name]), nil
}

func (r *InterlocutorRepo) ExpireFields(_ context.Context, t repo.Tenant, now time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	changed := 0
	for id, b := range r.s.profiles[tenantKey(t.TenantID, t.AgentID)] {
		p := unmarshal[models.InterlocutorProfile](b)
		if p.DeletedAt != nil {
			continue
		}
		dirty := false
		for name := range p.Fields {
			for i := range p.Fields[name] {
				e := &p.Fields[name][i]
				if e.Status == models.StatusActive && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
					e.Status = models.StatusExpired
					e.UpdatedAt = now
					changed++
					dirty = true
				}
			}
		}
		if dirty {
			p.ID = id
			r.putLocked(t, p)
		}
	}
	return changed, nil
}

func (r *InterlocutorRepo) OrphanFields(_ context.Context, t repo.Tenant, deletedSourceIDs []string) (int, error) {
	if len(deletedSourceIDs) == 0 {
		return 0, nil
	}
	deleted := make(map[string]struct{}, len(deletedSourceIDs))
	for _, id := range deletedSourceIDs {
		deleted[id] = struct{}{}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	changed := 0
	for id, b := range r.s.profiles[tenantKey(t.TenantID, t.AgentID)] {
		p := unmarshal[models.InterlocutorProfile](b)
		if p.DeletedAt != nil {
			continue
		}
		dirty := false
		for name := range p.Fields {
			for i := range p.Fields[name] {
				e := &p.Fields[name][i]
				if e.Status != models.StatusActive {
					continue
				}
				if _, gone := deleted[e.SourceItemID]; gone {
					e.Status = models.StatusOrphaned
					e.UpdatedAt = now
					changed++
					dirty = true
				}
			}
		}
		if dirty {
			p.ID = id
			r.putLocked(t, p)
		}
	}
	return changed, nil
}

func (r *InterlocutorRepo) SaveAsset(_ context.Context, t repo.Tenant, profileID string, a *models.Asset) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, err := r.getLocked(t, profileID)
	if err != nil {
		return err
	}
	now := time.Now()
	cp := *a
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	replaced := false
	for i := range p.Assets {
		if p.Assets[i].ID == cp.ID {
			p.Assets[i] = cp
			replaced = true
			break
		}
	}
	if !replaced {
		// A new active asset with the same name supersedes the prior one.
		if cp.Status == models.StatusActive {
			for i := range p.Assets {
				if p.Assets[i].Name == cp.Name && p.Assets[i].Status == models.StatusActive {
					p.Assets[i].Status = models.StatusSuperseded
					p.Assets[i].SupersededBy = cp.ID
					p.Assets[i].UpdatedAt = now
				}
			}
		}
		p.Assets = append(p.Assets, cp)
	}
	r.putLocked(t, p)
	return nil
}

// Lineage walks SupersededBy links forward from the given entry, oldest
// first, ending at the current entry of the chain.
func (r *InterlocutorRepo) Lineage(_ context.Context, t repo.Tenant, profileID, entryID string) ([]models.VariableEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, err := r.getLocked(t, profileID)
	if err != nil {
		return nil, err
	}
	byID := map[string]models.VariableEntry{}
	for _, history := range p.Fields {
		for _, e := range history {
			byID[e.ID] = e
		}
	}
	cur, ok := byID[entryID]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", entryID, serviceerr.ErrNotFound)
	}
	chain := []models.VariableEntry{cur}
	for cur.SupersededBy != "" {
		next, ok := byID[cur.SupersededBy]
		if !ok {
			break
		}
		chain = append(chain, next)
		cur = next
	}
	return chain, nil
}

func (r *InterlocutorRepo) MissingFields(_ context.Context, t repo.Tenant, profileID string, names []string) ([]string, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, err := r.getLocked(t, profileID)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range names {
		if p.ActiveField(name) == nil {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
