// Package chromemvec implements the vector repository on chromem-go, an
// embedded pure-Go vector store. It is the zero-config default backend:
// no external service, optional file persistence, cosine search.
package chromemvec

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/parley-ai/parley/pkg/repo"
)

// Repo stores vectors in one chromem collection per entity type.
type Repo struct {
	db          *chromem.DB
	persistPath string
	logger      *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// New opens or creates the store. An empty path keeps everything in
// memory.
func New(path string, logger *slog.Logger) (*Repo, error) {
	logger = logger.With("component", "chromemvec")
	var db *chromem.DB
	if path != "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating vector directory: %w", err)
		}
		dbPath := path + "/vectors.gob"
		if _, err := os.Stat(dbPath); err == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				logger.Warn("Failed to load vector database, starting empty", "path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}
	return &Repo{
		db:          db,
		persistPath: path,
		logger:      logger,
		collections: map[string]*chromem.Collection{},
	}, nil
}

var _ repo.VectorRepository = (*Repo)(nil)

// collection returns the entity-type collection, creating it on first use.
// Embeddings arrive precomputed, so the embedding func must never run.
func (r *Repo) collection(name string) (*chromem.Collection, error) {
	r.mu.RLock()
	col, ok := r.collections[name]
	r.mu.RUnlock()
	if ok {
		return col, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if col, ok = r.collections[name]; ok {
		return col, nil
	}
	col, err := r.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embeddings must be precomputed")
	})
	if err != nil {
		return nil, fmt.Errorf("opening collection %q: %w", name, err)
	}
	r.collections[name] = col
	return col, nil
}

func (r *Repo) Upsert(ctx context.Context, docs []repo.VectorDoc) error {
	byType := map[string][]chromem.Document{}
	for _, d := range docs {
		metadata := map[string]string{
			"tenant_id": d.TenantID,
			"agent_id":  d.AgentID,
		}
		for k, v := range d.Metadata {
			metadata[k] = v
		}
		byType[d.EntityType] = append(byType[d.EntityType], chromem.Document{
			ID:        d.EntityID,
			Content:   d.Content,
			Metadata:  metadata,
			Embedding: d.Embedding,
		})
	}
	for entityType, batch := range byType {
		col, err := r.collection(entityType)
		if err != nil {
			return err
		}
		if err := col.AddDocuments(ctx, batch, 1); err != nil {
			return fmt.Errorf("upserting %d %s documents: %w", len(batch), entityType, err)
		}
	}
	if err := r.persist(); err != nil {
		r.logger.Warn("Failed to persist vector database", "error", err)
	}
	return nil
}

func (r *Repo) Search(ctx context.Context, q repo.VectorQuery) ([]repo.VectorHit, error) {
	where := map[string]string{"tenant_id": q.TenantID}
	if q.AgentID != "" {
		where["agent_id"] = q.AgentID
	}

	var names []string
	if q.EntityType != "" {
		names = []string{q.EntityType}
	} else {
		r.mu.RLock()
		for name := range r.collections {
			names = append(names, name)
		}
		r.mu.RUnlock()
	}

	var hits []repo.VectorHit
	for _, name := range names {
		col, err := r.collection(name)
		if err != nil {
			return nil, err
		}
		limit := q.Limit
		if count := col.Count(); count < limit {
			limit = count
		}
		if limit == 0 {
			continue
		}
		results, err := col.QueryEmbedding(ctx, q.Embedding, limit, where, nil)
		if err != nil {
			return nil, fmt.Errorf("querying collection %q: %w", name, err)
		}
		for _, res := range results {
			metadata := map[string]string{}
			for k, v := range res.Metadata {
				metadata[k] = v
			}
			hits = append(hits, repo.VectorHit{
				EntityType: name,
				EntityID:   res.ID,
				Content:    res.Content,
				Cosine:     float64(res.Similarity),
				Metadata:   metadata,
			})
		}
	}
	sortHits(hits)
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func (r *Repo) DeleteByFilter(ctx context.Context, filter map[string]string) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		col, err := r.collection(name)
		if err != nil {
			return err
		}
		if err := col.Delete(ctx, filter, nil); err != nil {
			return fmt.Errorf("deleting from collection %q: %w", name, err)
		}
	}
	if err := r.persist(); err != nil {
		r.logger.Warn("Failed to persist vector database", "error", err)
	}
	return nil
}

// EnsureCollection creates the collection if absent. chromem is
// schemaless, so the dimension hint is not enforced.
func (r *Repo) EnsureCollection(_ context.Context, name string, _ int) error {
	_, err := r.collection(name)
	return err
}

func (r *Repo) DropCollection(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("dropping collection %q: %w", name, err)
	}
	delete(r.collections, name)
	return nil
}

// Close flushes the store to disk when persistence is enabled.
func (r *Repo) Close() error {
	return r.persist()
}

func (r *Repo) persist() error {
	if r.persistPath == "" {
		return nil
	}
	return r.db.Export(r.persistPath+"/vectors.gob", false, "")
}

func sortHits(hits []repo.VectorHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Cosine != hits[j].Cosine {
			return hits[i].Cosine > hits[j].Cosine
		}
		return hits[i].EntityID < hits[j].EntityID
	})
}
