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

// ConfigRepo is the in-memory ConfigRepository.
type ConfigRepo struct{ s *Store }

// NewConfigRepo creates a ConfigRepository backed by the store.
func NewConfigRepo(s *Store) *ConfigRepo { return &ConfigRepo{s: s} }

var _ repo.ConfigRepository = (*ConfigRepo)(nil)

func (r *ConfigRepo) SaveRule(_ context.Context, t repo.Tenant, rule *models.Rule) error {
	if rule.ID == "" {
		return serviceerr.NewValidationError("id", "required")
	}
	if rule.Priority < -100 || rule.Priority > 100 {
		return serviceerr.NewValidationError("priority", "must be in [-100, 100]")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	if r.s.rules[key] == nil {
		r.s.rules[key] = map[string][]byte{}
	}
	cp := *rule
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	r.s.rules[key][rule.ID] = marshal(&cp)
	if len(rule.Embedding) > 0 {
		emb := make([]float32, len(rule.Embedding))
		copy(emb, rule.Embedding)
		r.s.ruleEmb[key+"/"+rule.ID] = emb
	}
	return nil
}

func (r *ConfigRepo) GetRule(_ context.Context, t repo.Tenant, id string) (*models.Rule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	b, ok := r.s.rules[key][id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, serviceerr.ErrNotFound)
	}
	rule := unmarshal[models.Rule](b)
	rule.Embedding = r.s.ruleEmb[key+"/"+id]
	return rule, nil
}

func (r *ConfigRepo) ListRules(_ context.Context, t repo.Tenant, q repo.RuleQuery) ([]*models.Rule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	var out []*models.Rule
	for id, b := range r.s.rules[key] {
		rule := unmarshal[models.Rule](b)
		if rule.DeletedAt != nil {
			continue
		}
		if q.EnabledOnly && !rule.Enabled {
			continue
		}
		if q.Scope != "" && rule.Scope != q.Scope {
			continue
		}
		if q.ScopeID != "" && rule.ScopeID != q.ScopeID {
			continue
		}
		if q.HardConstraint != nil && rule.IsHardConstraint != *q.HardConstraint {
			continue
		}
		rule.Embedding = r.s.ruleEmb[key+"/"+id]
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *ConfigRepo) SearchRules(ctx context.Context, t repo.Tenant, embedding []float32, limit int) ([]repo.RuleVectorHit, error) {
	rules, err := r.ListRules(ctx, t, repo.RuleQuery{EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	hits := make([]repo.RuleVectorHit, 0, len(rules))
	for _, rule := range rules {
		hits = append(hits, repo.RuleVectorHit{Rule: rule, Cosine: cosine(embedding, rule.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Cosine != hits[j].Cosine {
			return hits[i].Cosine > hits[j].Cosine
		}
		return hits[i].Rule.ID < hits[j].Rule.ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func scenarioKey(id string, version int) string {
	return fmt.Sprintf("%s:%d", id, version)
}

func (r *ConfigRepo) PublishScenario(_ context.Context, t repo.Tenant, sc *models.Scenario) error {
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("%w: %s", serviceerr.ErrInvalidInput, err)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	if r.s.scenarios[key] == nil {
		r.s.scenarios[key] = map[string][]byte{}
		r.s.liveSc[key] = map[string]int{}
	}
	if live, ok := r.s.liveSc[key][sc.ID]; ok && sc.Version <= live {
		return fmt.Errorf("scenario %s version %d (live %d): %w", sc.ID, sc.Version, live, serviceerr.ErrConflict)
	}
	cp := *sc
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	r.s.scenarios[key][scenarioKey(sc.ID, sc.Version)] = marshal(&cp)
	r.s.liveSc[key][sc.ID] = sc.Version
	return nil
}

func (r *ConfigRepo) GetScenario(_ context.Context, t repo.Tenant, id string) (*models.Scenario, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	live, ok := r.s.liveSc[key][id]
	if !ok {
		return nil, fmt.Errorf("scenario %s: %w", id, serviceerr.ErrNotFound)
	}
	return unmarshal[models.Scenario](r.s.scenarios[key][scenarioKey(id, live)]), nil
}

func (r *ConfigRepo) GetScenarioVersion(_ context.Context, t repo.Tenant, id string, version int) (*models.Scenario, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	b, ok := r.s.scenarios[key][scenarioKey(id, version)]
	if !ok {
		return nil, fmt.Errorf("scenario %s v%d: %w", id, version, serviceerr.ErrNotFound)
	}
	return unmarshal[models.Scenario](b), nil
}

func (r *ConfigRepo) ListScenarios(_ context.Context, t repo.Tenant) ([]*models.Scenario, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	out := make([]*models.Scenario, 0, len(r.s.liveSc[key]))
	for id, live := range r.s.liveSc[key] {
		out = append(out, unmarshal[models.Scenario](r.s.scenarios[key][scenarioKey(id, live)]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ConfigRepo) SaveTemplate(_ context.Context, t repo.Tenant, tpl *models.Template) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	cp := *tpl
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	// Replace in place to preserve insertion order, which fallback
	// selection depends on.
	for i, b := range r.s.templates[key] {
		if unmarshal[models.Template](b).ID == tpl.ID {
			r.s.templates[key][i] = marshal(&cp)
			return nil
		}
	}
	r.s.templates[key] = append(r.s.templates[key], marshal(&cp))
	return nil
}

func (r *ConfigRepo) ListTemplates(_ context.Context, t repo.Tenant, mode models.TemplateMode) ([]*models.Template, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	var out []*models.Template
	for _, b := range r.s.templates[key] {
		tpl := unmarshal[models.Template](b)
		if tpl.DeletedAt != nil {
			continue
		}
		if mode != "" && tpl.Mode != mode {
			continue
		}
		out = append(out, tpl)
	}
	return out, nil
}

func (r *ConfigRepo) SaveGlossaryItem(_ context.Context, t repo.Tenant, item *models.GlossaryItem) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	cp := *item
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	r.s.glossary[key] = append(r.s.glossary[key], marshal(&cp))
	return nil
}

func (r *ConfigRepo) ListGlossary(_ context.Context, t repo.Tenant) ([]*models.GlossaryItem, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	out := make([]*models.GlossaryItem, 0, len(r.s.glossary[key]))
	for _, b := range r.s.glossary[key] {
		out = append(out, unmarshal[models.GlossaryItem](b))
	}
	return out, nil
}

func (r *ConfigRepo) SaveFieldDefinition(_ context.Context, t repo.Tenant, def *models.FieldDefinition) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	for i, b := range r.s.fieldDefs[key] {
		if unmarshal[models.FieldDefinition](b).Name == def.Name {
			r.s.fieldDefs[key][i] = marshal(def)
			return nil
		}
	}
	r.s.fieldDefs[key] = append(r.s.fieldDefs[key], marshal(def))
	return nil
}

func (r *ConfigRepo) ListFieldDefinitions(_ context.Context, t repo.Tenant) ([]*models.FieldDefinition, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	out := make([]*models.FieldDefinition, 0, len(r.s.fieldDefs[key]))
	for _, b := range r.s.fieldDefs[key] {
		out = append(out, unmarshal[models.FieldDefinition](b))
	}
	return out, nil
}

func planKey(scenarioID string, fromVersion int) string {
	return fmt.Sprintf("%s:%d", scenarioID, fromVersion)
}

func (r *ConfigRepo) SaveMigrationPlan(_ context.Context, t repo.Tenant, plan *models.MigrationPlan) error {
	if plan.ToVersion <= plan.FromVersion {
		return serviceerr.NewValidationError("to_version", "must exceed from_version")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := tenantKey(t.TenantID, t.AgentID)
	if r.s.plans[key] == nil {
		r.s.plans[key] = map[string][]byte{}
	}
	cp := *plan
	cp.TenantID, cp.AgentID = t.TenantID, t.AgentID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	r.s.plans[key][planKey(plan.ScenarioID, plan.FromVersion)] = marshal(&cp)
	return nil
}

func (r *ConfigRepo) GetMigrationPlan(_ context.Context, t repo.Tenant, scenarioID string, fromVersion int) (*models.MigrationPlan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	key := tenantKey(t.TenantID, t.AgentID)
	b, ok := r.s.plans[key][planKey(scenarioID, fromVersion)]
	if !ok {
		return nil, fmt.Errorf("migration plan %s from v%d: %w", scenarioID, fromVersion, serviceerr.ErrNotFound)
	}
	return unmarshal[models.MigrationPlan](b), nil
}
