package memrepo

import (
	"context"
	"sort"
	"sync"

	"github.com/parley-ai/parley/pkg/repo"
)

// VectorRepo is the in-memory VectorRepository. Collections exist only as
// a dimension registry; documents live in one flat index filtered by the
// tenant fields on each doc.
type VectorRepo struct {
	mu          sync.RWMutex
	docs        map[string]repo.VectorDoc // entity_type/entity_id
	collections map[string]int
}

// NewVectorRepo creates an empty in-memory vector index.
func NewVectorRepo() *VectorRepo {
	return &VectorRepo{docs: map[string]repo.VectorDoc{}, collections: map[string]int{}}
}

var _ repo.VectorRepository = (*VectorRepo)(nil)

func docKey(entityType, entityID string) string { return entityType + "/" + entityID }

func (r *VectorRepo) Upsert(_ context.Context, docs []repo.VectorDoc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range docs {
		cp := d
		cp.Embedding = append([]float32(nil), d.Embedding...)
		cp.Metadata = cloneMeta(d.Metadata)
		r.docs[docKey(d.EntityType, d.EntityID)] = cp
	}
	return nil
}

func (r *VectorRepo) Search(_ context.Context, q repo.VectorQuery) ([]repo.VectorHit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var hits []repo.VectorHit
	for _, d := range r.docs {
		if d.TenantID != q.TenantID {
			continue
		}
		if q.AgentID != "" && d.AgentID != q.AgentID {
			continue
		}
		if q.EntityType != "" && d.EntityType != q.EntityType {
			continue
		}
		hits = append(hits, repo.VectorHit{
			EntityType: d.EntityType,
			EntityID:   d.EntityID,
			Content:    d.Content,
			Cosine:     cosine(q.Embedding, d.Embedding),
			Metadata:   cloneMeta(d.Metadata),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Cosine == hits[j].Cosine {
			return hits[i].EntityID < hits[j].EntityID
		}
		return hits[i].Cosine > hits[j].Cosine
	})
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (r *VectorRepo) DeleteByFilter(_ context.Context, filter map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, d := range r.docs {
		match := true
		for k, v := range filter {
			if d.Metadata[k] != v {
				match = false
				break
			}
		}
		if match {
			delete(r.docs, key)
		}
	}
	return nil
}

func (r *VectorRepo) EnsureCollection(_ context.Context, name string, dims int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collections[name]; !ok {
		r.collections[name] = dims
	}
	return nil
}

func (r *VectorRepo) DropCollection(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collections, name)
	return nil
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
