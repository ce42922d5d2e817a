// Package memory implements episodic ingestion: per-turn episode storage,
// asynchronous entity extraction with four-stage deduplication, bi-temporal
// relationship rewrites, and hierarchical summarization.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/llm"
)

// ExtractedEntity is one entity the extraction model found in a turn.
type ExtractedEntity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
	Confidence float64        `json:"confidence"`
}

// ExtractedRelationship is one edge between extracted entities, referenced
// by name.
type ExtractedRelationship struct {
	FromName     string         `json:"from_name"`
	ToName       string         `json:"to_name"`
	RelationType string         `json:"relation_type"`
	Attributes   map[string]any `json:"attributes"`
	Confidence   float64        `json:"confidence"`
}

// Extraction is the strict JSON document the model must produce.
type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

const extractionPrompt = `Extract entities and relationships from the conversation turn below.
Respond with JSON only, exactly this schema, no prose:
{"entities":[{"name":"...","type":"person|order|product|location|organization|other","attributes":{},"confidence":0.0}],
"relationships":[{"from_name":"...","to_name":"...","relation_type":"...","attributes":{},"confidence":0.0}]}

Turn:
%s`

// Extractor wraps the extraction LLM call.
type Extractor struct {
	generator llm.Generator
}

// NewExtractor builds an extractor over a generation provider.
func NewExtractor(generator llm.Generator) *Extractor {
	return &Extractor{generator: generator}
}

// Extract runs the strict-JSON extraction call and filters by confidence.
func (x *Extractor) Extract(ctx context.Context, content string, minConfidence float64) (*Extraction, error) {
	resp, err := x.generator.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(extractionPrompt, content)}},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call failed: %w", err)
	}
	var out Extraction
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		return nil, fmt.Errorf("extraction returned invalid JSON: %w", err)
	}

	filtered := &Extraction{}
	kept := map[string]bool{}
	for _, e := range out.Entities {
		if e.Name == "" || e.Confidence < minConfidence {
			continue
		}
		filtered.Entities = append(filtered.Entities, e)
		kept[e.Name] = true
	}
	for _, r := range out.Relationships {
		if r.Confidence < minConfidence {
			continue
		}
		if !kept[r.FromName] || !kept[r.ToName] {
			continue
		}
		filtered.Relationships = append(filtered.Relationships, r)
	}
	return filtered, nil
}

func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
