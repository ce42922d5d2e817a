// Package qdrantvec implements the vector repository on a Qdrant server
// over gRPC. One Qdrant collection per entity type; tenant and agent ids
// travel in the point payload and every search filters on them.
package qdrantvec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// Config holds the Qdrant connection settings.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// Repo is the Qdrant-backed vector repository.
type Repo struct {
	client *qdrant.Client
	logger *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// New connects to the Qdrant server.
func New(cfg Config, logger *slog.Logger) (*Repo, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to qdrant at %s:%d: %v",
			serviceerr.ErrConnection, cfg.Host, cfg.Port, err)
	}
	return &Repo{
		client:  client,
		logger:  logger.With("component", "qdrantvec"),
		ensured: map[string]bool{},
	}, nil
}

var _ repo.VectorRepository = (*Repo)(nil)

func (r *Repo) Upsert(ctx context.Context, docs []repo.VectorDoc) error {
	byType := map[string][]*qdrant.PointStruct{}
	for _, d := range docs {
		if err := r.EnsureCollection(ctx, d.EntityType, len(d.Embedding)); err != nil {
			return err
		}
		payload := map[string]*qdrant.Value{
			"tenant_id": qdrant.NewValueString(d.TenantID),
			"agent_id":  qdrant.NewValueString(d.AgentID),
			"content":   qdrant.NewValueString(d.Content),
		}
		for k, v := range d.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}
		byType[d.EntityType] = append(byType[d.EntityType], &qdrant.PointStruct{
			Id:      qdrant.NewID(d.EntityID),
			Vectors: qdrant.NewVectors(d.Embedding...),
			Payload: payload,
		})
	}
	for entityType, points := range byType {
		if _, err := r.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: entityType,
			Points:         points,
		}); err != nil {
			return fmt.Errorf("upserting %d points into %q: %w", len(points), entityType, err)
		}
	}
	return nil
}

func (r *Repo) Search(ctx context.Context, q repo.VectorQuery) ([]repo.VectorHit, error) {
	filter := map[string]string{"tenant_id": q.TenantID}
	if q.AgentID != "" {
		filter["agent_id"] = q.AgentID
	}
	limit := uint64(q.Limit)
	points, err := r.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.EntityType,
		Query:          qdrant.NewQuery(q.Embedding...),
		Limit:          &limit,
		Filter:         buildFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if strings.Contains(err.Error(), "doesn't exist") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: querying %q: %v", serviceerr.ErrConnection, q.EntityType, err)
	}

	hits := make([]repo.VectorHit, 0, len(points))
	for _, p := range points {
		hit := repo.VectorHit{
			EntityType: q.EntityType,
			EntityID:   p.GetId().GetUuid(),
			Cosine:     float64(p.GetScore()),
			Metadata:   map[string]string{},
		}
		for k, v := range p.GetPayload() {
			if k == "content" {
				hit.Content = v.GetStringValue()
				continue
			}
			hit.Metadata[k] = v.GetStringValue()
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (r *Repo) DeleteByFilter(ctx context.Context, filter map[string]string) error {
	collections, err := r.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing collections: %v", serviceerr.ErrConnection, err)
	}
	for _, name := range collections {
		if _, err := r.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: buildFilter(filter),
				},
			},
		}); err != nil {
			return fmt.Errorf("deleting from %q: %w", name, err)
		}
	}
	return nil
}

func (r *Repo) EnsureCollection(ctx context.Context, name string, dims int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ensured[name] {
		return nil
	}
	exists, err := r.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: checking collection %q: %v", serviceerr.ErrConnection, name, err)
	}
	if !exists {
		err = r.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dims),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("creating collection %q: %w", name, err)
		}
	}
	r.ensured[name] = true
	return nil
}

func (r *Repo) DropCollection(ctx context.Context, name string) error {
	if err := r.client.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("dropping collection %q: %w", name, err)
	}
	r.mu.Lock()
	delete(r.ensured, name)
	r.mu.Unlock()
	return nil
}

// Close releases the gRPC connection.
func (r *Repo) Close() error {
	return r.client.Close()
}

func buildFilter(filter map[string]string) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		conditions = append(conditions, qdrant.NewMatch(key, value))
	}
	return &qdrant.Filter{Must: conditions}
}
