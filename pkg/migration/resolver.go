package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

// Gap-fill confidence thresholds. A resolution at or above ThresholdUse is
// taken; at or above ThresholdNoConfirm it is taken without flagging for
// later confirmation.
const (
	ThresholdUse       = 0.85
	ThresholdNoConfirm = 0.95
)

// FieldResolution is one resolved gap-fill field.
type FieldResolution struct {
	Value       any
	Confidence  float64
	Source      string // "profile" or "conversation"
	NeedConfirm bool
}

// MissingFieldResolver resolves a field the new scenario version requires
// but the session never collected.
type MissingFieldResolver interface {
	Resolve(ctx context.Context, t repo.Tenant, session *models.Session, field string) (*FieldResolution, error)
}

// Resolver checks the interlocutor profile first, then asks an LLM to
// extract the field from recent conversation episodes.
type Resolver struct {
	profiles  repo.InterlocutorRepository
	memory    repo.MemoryRepository
	extractor llm.Generator
	logger    *slog.Logger
}

// NewResolver builds the reference resolver. A nil extractor disables the
// conversation stage.
func NewResolver(profiles repo.InterlocutorRepository, memory repo.MemoryRepository, extractor llm.Generator, logger *slog.Logger) *Resolver {
	return &Resolver{profiles: profiles, memory: memory, extractor: extractor, logger: logger}
}

var _ MissingFieldResolver = (*Resolver)(nil)

func (r *Resolver) Resolve(ctx context.Context, t repo.Tenant, session *models.Session, field string) (*FieldResolution, error) {
	if session.ProfileID != "" {
		profile, err := r.profiles.Get(ctx, t, session.ProfileID)
		if err == nil {
			if entry := profile.ActiveField(field); entry != nil {
				conf := entry.Confidence
				if entry.Verified {
					conf = 1.0
				}
				if conf >= ThresholdUse {
					return &FieldResolution{
						Value:       entry.Value,
						Confidence:  conf,
						Source:      "profile",
						NeedConfirm: conf < ThresholdNoConfirm,
					}, nil
				}
			}
		}
	}

	if r.extractor == nil {
		return nil, nil
	}
	episodes, err := r.memory.ListEpisodes(ctx, models.GroupID(t.TenantID, session.ID), repo.EpisodeQuery{
		ContentType: models.ContentMessage,
		Limit:       10,
	})
	if err != nil || len(episodes) == 0 {
		return nil, nil
	}
	var convo strings.Builder
	for _, ep := range episodes {
		convo.WriteString(ep.Content)
		convo.WriteByte('\n')
	}
	prompt := fmt.Sprintf(
		"Extract the value of %q from this conversation. Respond with JSON only: {\"value\": <value or null>, \"confidence\": <0..1>}.\n\n%s",
		field, convo.String())
	resp, err := r.extractor.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		r.logger.Warn("Conversation extraction failed", "field", field, "error", err)
		return nil, nil
	}
	var out struct {
		Value      any     `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil || out.Value == nil {
		return nil, nil
	}
	if out.Confidence < ThresholdUse {
		return nil, nil
	}
	return &FieldResolution{
		Value:       out.Value,
		Confidence:  out.Confidence,
		Source:      "conversation",
		NeedConfirm: out.Confidence < ThresholdNoConfirm,
	}, nil
}

// extractJSON tolerates models that wrap JSON in prose or code fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
