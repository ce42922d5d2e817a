package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
)

const dedupGroup = "t1:session-1"

func seedEntity(t *testing.T, r *memrepo.MemoryRepo, e *models.Entity) {
	t.Helper()
	require.NoError(t, r.SaveEntity(context.Background(), dedupGroup, e))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "john smith", normalizeName("  John   SMITH!! "))
	assert.Equal(t, "order 4711", normalizeName("Order #4711"))
	assert.Equal(t, "", normalizeName("---"))
}

func TestDeduplicator_ExactNormalizedMatch(t *testing.T) {
	r := memrepo.NewMemoryRepo(memrepo.NewStore())
	d := NewDeduplicator(config.ExtractionConfig{}, r, nil)
	seedEntity(t, r, &models.Entity{ID: "e1", Name: "John Smith", Type: "person"})

	hit, err := d.Find(context.Background(), dedupGroup, ExtractedEntity{Name: "john   SMITH!", Type: "person"}, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "e1", hit.ID)
}

func TestDeduplicator_FuzzyNameMatch(t *testing.T) {
	r := memrepo.NewMemoryRepo(memrepo.NewStore())
	d := NewDeduplicator(config.ExtractionConfig{FuzzyThreshold: 0.8}, r, nil)
	seedEntity(t, r, &models.Entity{ID: "e1", Name: "John Smith", Type: "person"})

	// Transposed letters are within the fuzzy threshold.
	hit, err := d.Find(context.Background(), dedupGroup, ExtractedEntity{Name: "Jonh Smith", Type: "person"}, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "e1", hit.ID)
}

func TestDeduplicator_EmbeddingMatch(t *testing.T) {
	r := memrepo.NewMemoryRepo(memrepo.NewStore())
	d := NewDeduplicator(config.ExtractionConfig{EmbeddingThreshold: 0.95}, r, nil)
	vec := []float32{1, 0, 0, 1}
	seedEntity(t, r, &models.Entity{ID: "e1", Name: "Acme Corporation", Type: "organization", Embedding: vec})

	hit, err := d.Find(context.Background(), dedupGroup, ExtractedEntity{Name: "AC Industries", Type: "organization"}, vec)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "e1", hit.ID)
}

func TestDeduplicator_IdentityAttributeMatch(t *testing.T) {
	r := memrepo.NewMemoryRepo(memrepo.NewStore())
	d := NewDeduplicator(config.ExtractionConfig{}, r, nil)
	seedEntity(t, r, &models.Entity{
		ID: "e1", Name: "John Smith", Type: "person",
		Attributes: map[string]any{"email": "john@example.com"},
	})

	hit, err := d.Find(context.Background(), dedupGroup, ExtractedEntity{
		Name: "the customer", Type: "person",
		Attributes: map[string]any{"email": "john@example.com"},
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "e1", hit.ID)
}

func TestDeduplicator_NoMatch(t *testing.T) {
	r := memrepo.NewMemoryRepo(memrepo.NewStore())
	d := NewDeduplicator(config.ExtractionConfig{}, r, nil)
	seedEntity(t, r, &models.Entity{ID: "e1", Name: "John Smith", Type: "person"})

	hit, err := d.Find(context.Background(), dedupGroup, ExtractedEntity{Name: "Maria Costa", Type: "person"}, nil)
	require.NoError(t, err)
	assert.Nil(t, hit)

	// Types are separate namespaces.
	hit, err = d.Find(context.Background(), dedupGroup, ExtractedEntity{Name: "John Smith", Type: "organization"}, nil)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestMerge(t *testing.T) {
	existing := &models.Entity{
		ID:         "e1",
		Name:       "John Smith",
		Attributes: map[string]any{"email": "old@example.com", "city": "Lisbon"},
		Confidence: 0.7,
	}
	merged := Merge(existing, ExtractedEntity{
		Name:       "john smith",
		Attributes: map[string]any{"email": "new@example.com", "phone": "+351 1"},
		Confidence: 0.9,
	})

	assert.Equal(t, "e1", merged.ID)
	assert.Equal(t, "new@example.com", merged.Attributes["email"])
	assert.Equal(t, "Lisbon", merged.Attributes["city"])
	assert.Equal(t, "+351 1", merged.Attributes["phone"])
	assert.Equal(t, 0.9, merged.Confidence)

	// A lower-confidence sighting never lowers the stored confidence.
	merged = Merge(merged, ExtractedEntity{Confidence: 0.5})
	assert.Equal(t, 0.9, merged.Confidence)
}
