package memrepo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// MemoryRepo is the in-memory MemoryRepository.
type MemoryRepo struct{ s *Store }

// NewMemoryRepo creates a MemoryRepository backed by the store.
func NewMemoryRepo(s *Store) *MemoryRepo { return &MemoryRepo{s: s} }

var _ repo.MemoryRepository = (*MemoryRepo)(nil)

func (r *MemoryRepo) SaveEpisode(_ context.Context, groupID string, e *models.Episode) error {
	if e.Content == "" {
		return serviceerr.NewValidationError("content", "required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	cp := *e
	cp.GroupID = groupID
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = now
	}
	b := marshal(&cp)
	for i, old := range r.s.episodes[groupID] {
		if unmarshal[models.Episode](old).ID == cp.ID {
			r.s.episodes[groupID][i] = b
			r.s.epEmb[groupID+"/"+cp.ID] = append([]float32(nil), e.Embedding...)
			return nil
		}
	}
	r.s.episodes[groupID] = append(r.s.episodes[groupID], b)
	r.s.epEmb[groupID+"/"+cp.ID] = append([]float32(nil), e.Embedding...)
	return nil
}

func (r *MemoryRepo) GetEpisode(_ context.Context, groupID, id string) (*models.Episode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, b := range r.s.episodes[groupID] {
		e := unmarshal[models.Episode](b)
		if e.ID == id && e.DeletedAt == nil {
			e.Embedding = append([]float32(nil), r.s.epEmb[groupID+"/"+id]...)
			return e, nil
		}
	}
	return nil, fmt.Errorf("episode %s: %w", id, serviceerr.ErrNotFound)
}

func (r *MemoryRepo) ListEpisodes(_ context.Context, groupID string, q repo.EpisodeQuery) ([]*models.Episode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.Episode
	for _, b := range r.s.episodes[groupID] {
		e := unmarshal[models.Episode](b)
		if e.DeletedAt != nil {
			continue
		}
		if q.ContentType != "" && e.ContentType != q.ContentType {
			continue
		}
		if q.Since != nil && e.OccurredAt.Before(*q.Since) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (r *MemoryRepo) SearchEpisodes(_ context.Context, groupID string, embedding []float32, limit int) ([]repo.EpisodeVectorHit, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var hits []repo.EpisodeVectorHit
	for _, b := range r.s.episodes[groupID] {
		e := unmarshal[models.Episode](b)
		if e.DeletedAt != nil {
			continue
		}
		emb := r.s.epEmb[groupID+"/"+e.ID]
		if len(emb) == 0 {
			continue
		}
		hits = append(hits, repo.EpisodeVectorHit{Episode: e, Cosine: cosine(embedding, emb)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Cosine == hits[j].Cosine {
			return hits[i].Episode.ID < hits[j].Episode.ID
		}
		return hits[i].Cosine > hits[j].Cosine
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (r *MemoryRepo) SearchEpisodesText(_ context.Context, groupID, query string, limit int) ([]*models.Episode, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	q := strings.ToLower(query)
	var out []*models.Episode
	for _, b := range r.s.episodes[groupID] {
		e := unmarshal[models.Episode](b)
		if e.DeletedAt != nil {
			continue
		}
		if strings.Contains(strings.ToLower(e.Content), q) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) SaveEntity(_ context.Context, groupID string, e *models.Entity) error {
	if e.Name == "" {
		return serviceerr.NewValidationError("name", "required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.entities[groupID] == nil {
		r.s.entities[groupID] = map[string][]byte{}
	}
	now := time.Now()
	cp := *e
	cp.GroupID = groupID
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.ValidFrom.IsZero() {
		cp.ValidFrom = now
	}
	r.s.entities[groupID][cp.ID] = marshal(&cp)
	r.s.entEmb[groupID+"/"+cp.ID] = append([]float32(nil), e.Embedding...)
	return nil
}

func (r *MemoryRepo) GetEntity(_ context.Context, groupID, id string) (*models.Entity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	b, ok := r.s.entities[groupID][id]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", id, serviceerr.ErrNotFound)
	}
	e := unmarshal[models.Entity](b)
	if e.DeletedAt != nil {
		return nil, fmt.Errorf("entity %s: %w", id, serviceerr.ErrNotFound)
	}
	e.Embedding = append([]float32(nil), r.s.entEmb[groupID+"/"+id]...)
	return e, nil
}

func (r *MemoryRepo) ListEntities(_ context.Context, groupID string, entityType string) ([]*models.Entity, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.Entity
	for id, b := range r.s.entities[groupID] {
		e := unmarshal[models.Entity](b)
		if e.DeletedAt != nil {
			continue
		}
		if entityType != "" && e.Type != entityType {
			continue
		}
		e.Embedding = append([]float32(nil), r.s.entEmb[groupID+"/"+id]...)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) SaveRelationship(_ context.Context, groupID string, rel *models.Relationship) error {
	if rel.FromEntityID == "" || rel.ToEntityID == "" {
		return serviceerr.NewValidationError("entity ids", "required")
	}
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()
	cp := *rel
	cp.GroupID = groupID
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.ValidFrom.IsZero() {
		cp.ValidFrom = now
	}
	b := marshal(&cp)
	for i, old := range r.s.relationships[groupID] {
		if unmarshal[models.Relationship](old).ID == cp.ID {
			r.s.relationships[groupID][i] = b
			return nil
		}
	}
	r.s.relationships[groupID] = append(r.s.relationships[groupID], b)
	return nil
}

func (r *MemoryRepo) ActiveRelationships(_ context.Context, groupID, fromEntityID, relationType string) ([]*models.Relationship, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*models.Relationship
	for _, b := range r.s.relationships[groupID] {
		rel := unmarshal[models.Relationship](b)
		if rel.DeletedAt != nil || rel.ValidTo != nil {
			continue
		}
		if rel.FromEntityID != fromEntityID {
			continue
		}
		if relationType != "" && rel.RelationType != relationType {
			continue
		}
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Traverse walks active edges breadth-first, both directions, collecting
// visited entities and the edges that reached them.
func (r *MemoryRepo) Traverse(_ context.Context, groupID, entityID string, maxDepth int) ([]*models.Entity, []*models.Relationship, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if _, ok := r.s.entities[groupID][entityID]; !ok {
		return nil, nil, fmt.Errorf("entity %s: %w", entityID, serviceerr.ErrNotFound)
	}
	type edge struct {
		rel   *models.Relationship
		other string
	}
	adj := map[string][]edge{}
	for _, b := range r.s.relationships[groupID] {
		rel := unmarshal[models.Relationship](b)
		if rel.DeletedAt != nil || rel.ValidTo != nil {
			continue
		}
		adj[rel.FromEntityID] = append(adj[rel.FromEntityID], edge{rel, rel.ToEntityID})
		adj[rel.ToEntityID] = append(adj[rel.ToEntityID], edge{rel, rel.FromEntityID})
	}
	visited := map[string]bool{entityID: true}
	seenRel := map[string]bool{}
	var entities []*models.Entity
	var rels []*models.Relationship
	frontier := []string{entityID}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, e := range adj[id] {
				if !seenRel[e.rel.ID] {
					seenRel[e.rel.ID] = true
					rels = append(rels, e.rel)
				}
				if visited[e.other] {
					continue
				}
				visited[e.other] = true
				if b, ok := r.s.entities[groupID][e.other]; ok {
					ent := unmarshal[models.Entity](b)
					if ent.DeletedAt == nil {
						entities = append(entities, ent)
					}
				}
				next = append(next, e.other)
			}
		}
		frontier = next
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	return entities, rels, nil
}

func (r *MemoryRepo) DeleteGroup(_ context.Context, groupID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.episodes[groupID] {
		delete(r.s.epEmb, groupID+"/"+unmarshal[models.Episode](b).ID)
	}
	for id := range r.s.entities[groupID] {
		delete(r.s.entEmb, groupID+"/"+id)
	}
	delete(r.s.episodes, groupID)
	delete(r.s.entities, groupID)
	delete(r.s.relationships, groupID)
	return nil
}
