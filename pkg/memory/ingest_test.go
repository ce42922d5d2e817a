package memory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
)

// captureVectors records upserts without indexing anything.
type captureVectors struct {
	mu   sync.Mutex
	docs []repo.VectorDoc
}

func (c *captureVectors) Upsert(_ context.Context, docs []repo.VectorDoc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs = append(c.docs, docs...)
	return nil
}

func (c *captureVectors) Search(context.Context, repo.VectorQuery) ([]repo.VectorHit, error) {
	return nil, nil
}
func (c *captureVectors) DeleteByFilter(context.Context, map[string]string) error { return nil }
func (c *captureVectors) EnsureCollection(context.Context, string, int) error     { return nil }
func (c *captureVectors) DropCollection(context.Context, string) error            { return nil }

func newTestService(t *testing.T, gen llm.Generator) (*Service, *memrepo.MemoryRepo, *captureVectors, *events.CapturePublisher) {
	t.Helper()
	mem := memrepo.NewMemoryRepo(memrepo.NewStore())
	vectors := &captureVectors{}
	publisher := &events.CapturePublisher{}
	svc := NewService(
		config.ExtractionConfig{MinConfidence: 0.5},
		config.SummarizationConfig{},
		config.RuntimeConfig{},
		mem, vectors, &llm.StubEmbedder{}, gen, publisher,
		observability.NewTestMetrics(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return svc, mem, vectors, publisher
}

func TestService_IngestTurnStoresEpisode(t *testing.T) {
	svc, mem, vectors, publisher := newTestService(t, nil)
	session := &models.Session{ID: "s1", TurnCount: 1}

	episode, err := svc.IngestTurn(context.Background(), sumTenant, session, "hello", "Hi! How can I help?")
	require.NoError(t, err)
	assert.Equal(t, "User: hello\nAgent: Hi! How can I help?", episode.Content)
	assert.Equal(t, models.ContentMessage, episode.ContentType)

	group := models.GroupID(sumTenant.TenantID, session.ID)
	stored, err := mem.GetEpisode(context.Background(), group, episode.ID)
	require.NoError(t, err)
	assert.Equal(t, episode.Content, stored.Content)

	require.Len(t, vectors.docs, 1)
	assert.Equal(t, "episode", vectors.docs[0].EntityType)
	assert.Equal(t, group, vectors.docs[0].Metadata["group_id"])

	require.Len(t, publisher.ByKind(events.KindIngestionEpisode), 1)
}

func TestService_ExtractionBuildsGraph(t *testing.T) {
	gen := &llm.StubGenerator{Responses: []string{`{
		"entities": [
			{"name": "Dana", "type": "person", "attributes": {"email": "d@example.com"}, "confidence": 0.9},
			{"name": "X100", "type": "product", "confidence": 0.9}
		],
		"relationships": [
			{"from_name": "Dana", "to_name": "X100", "relation_type": "ordered", "confidence": 0.9}
		]
	}`}}
	svc, mem, _, publisher := newTestService(t, gen)
	session := &models.Session{ID: "s1", TurnCount: 1}
	ctx := context.Background()

	svc.Start(ctx, 1)
	episode, err := svc.IngestTurn(ctx, sumTenant, session, "I ordered the X100", "Got it.")
	require.NoError(t, err)
	svc.Stop()

	group := models.GroupID(sumTenant.TenantID, session.ID)
	entities, err := mem.ListEntities(ctx, group, "")
	require.NoError(t, err)
	require.Len(t, entities, 2)

	var dana *models.Entity
	for _, e := range entities {
		if e.Name == "Dana" {
			dana = e
		}
	}
	require.NotNil(t, dana)

	rels, err := mem.ActiveRelationships(ctx, group, dana.ID, "ordered")
	require.NoError(t, err)
	require.Len(t, rels, 1)

	// The episode is linked back to the entities it produced.
	stored, err := mem.GetEpisode(ctx, group, episode.ID)
	require.NoError(t, err)
	assert.Len(t, stored.EntityIDs, 2)

	require.Len(t, publisher.ByKind(events.KindIngestionEntities), 1)
}

func TestService_RelationshipRewriteClosesOldRow(t *testing.T) {
	extraction := func(product string) string {
		return `{
			"entities": [
				{"name": "Dana", "type": "person", "confidence": 0.9},
				{"name": "` + product + `", "type": "product", "confidence": 0.9}
			],
			"relationships": [
				{"from_name": "Dana", "to_name": "` + product + `", "relation_type": "ordered", "confidence": 0.9}
			]
		}`
	}
	gen := &llm.StubGenerator{Responses: []string{extraction("X100"), extraction("X200")}}
	svc, mem, _, _ := newTestService(t, gen)
	session := &models.Session{ID: "s1", TurnCount: 1}
	ctx := context.Background()

	svc.Start(ctx, 1)
	_, err := svc.IngestTurn(ctx, sumTenant, session, "I ordered the X100", "Got it.")
	require.NoError(t, err)
	session.TurnCount = 2
	_, err = svc.IngestTurn(ctx, sumTenant, session, "Change that to the X200", "Done.")
	require.NoError(t, err)
	svc.Stop()

	group := models.GroupID(sumTenant.TenantID, session.ID)
	entities, err := mem.ListEntities(ctx, group, "")
	require.NoError(t, err)
	// Dana deduplicates across turns; the products stay distinct.
	require.Len(t, entities, 3)

	var dana, x200 *models.Entity
	for _, e := range entities {
		switch e.Name {
		case "Dana":
			dana = e
		case "X200":
			x200 = e
		}
	}
	require.NotNil(t, dana)
	require.NotNil(t, x200)

	active, err := mem.ActiveRelationships(ctx, group, dana.ID, "ordered")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, x200.ID, active[0].ToEntityID)
}

func TestService_NilGeneratorKeepsEpisodeStorage(t *testing.T) {
	svc, mem, _, _ := newTestService(t, nil)
	session := &models.Session{ID: "s1", TurnCount: 1}
	ctx := context.Background()

	svc.Start(ctx, 1)
	_, err := svc.IngestTurn(ctx, sumTenant, session, "hello", "hi")
	require.NoError(t, err)
	svc.Stop()

	group := models.GroupID(sumTenant.TenantID, session.ID)
	episodes, err := mem.ListEpisodes(ctx, group, repo.EpisodeQuery{})
	require.NoError(t, err)
	assert.Len(t, episodes, 1)

	entities, err := mem.ListEntities(ctx, group, "")
	require.NoError(t, err)
	assert.Empty(t, entities)
}
