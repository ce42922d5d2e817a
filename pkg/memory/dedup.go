package memory

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

// identityAttrs are the attributes that identify an entity of a given type
// for the rule-based dedup stage.
var identityAttrs = map[string][]string{
	"person": {"email", "phone"},
	"order":  {"order_id"},
}

// Deduplicator matches an extracted entity against the existing graph
// through four stages: normalized exact name, fuzzy name, embedding
// similarity, and identity attributes. The first hit wins.
type Deduplicator struct {
	cfg      config.ExtractionConfig
	memory   repo.MemoryRepository
	embedder llm.Embedder
}

// NewDeduplicator builds a deduplicator.
func NewDeduplicator(cfg config.ExtractionConfig, memory repo.MemoryRepository, embedder llm.Embedder) *Deduplicator {
	return &Deduplicator{cfg: cfg, memory: memory, embedder: embedder}
}

// Find returns the existing entity the extracted one duplicates, or nil.
func (d *Deduplicator) Find(ctx context.Context, groupID string, extracted ExtractedEntity, embedding []float32) (*models.Entity, error) {
	existing, err := d.memory.ListEntities(ctx, groupID, extracted.Type)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	if len(existing) == 0 {
		return nil, nil
	}

	norm := normalizeName(extracted.Name)

	// Stage 1: normalized exact match.
	for _, e := range existing {
		if normalizeName(e.Name) == norm {
			return e, nil
		}
	}

	// Stage 2: fuzzy name match.
	threshold := d.cfg.FuzzyThreshold
	if threshold == 0 {
		threshold = 0.90
	}
	for _, e := range existing {
		if levenshtein.Similarity(norm, normalizeName(e.Name), nil) >= threshold {
			return e, nil
		}
	}

	// Stage 3: embedding similarity.
	if len(embedding) > 0 && d.cfg.EmbeddingThreshold > 0 {
		for _, e := range existing {
			if len(e.Embedding) > 0 && cosine(embedding, e.Embedding) >= d.cfg.EmbeddingThreshold {
				return e, nil
			}
		}
	}

	// Stage 4: identity attributes.
	for _, attr := range identityAttrs[extracted.Type] {
		v, ok := extracted.Attributes[attr]
		if !ok || v == nil || v == "" {
			continue
		}
		for _, e := range existing {
			if ev, ok := e.Attributes[attr]; ok && ev == v {
				return e, nil
			}
		}
	}
	return nil, nil
}

// Merge folds the extracted entity into the existing one: attributes union
// with new-wins precedence, id and ValidFrom preserved.
func Merge(existing *models.Entity, extracted ExtractedEntity) *models.Entity {
	if existing.Attributes == nil {
		existing.Attributes = map[string]any{}
	}
	for k, v := range extracted.Attributes {
		existing.Attributes[k] = v
	}
	if extracted.Confidence > existing.Confidence {
		existing.Confidence = extracted.Confidence
	}
	return existing
}

func normalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '\t':
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
