package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

// Summarizer maintains the two-level summary hierarchy: window summaries
// over raw message episodes and meta-summaries over window summaries.
type Summarizer struct {
	cfg       config.SummarizationConfig
	memory    repo.MemoryRepository
	generator llm.Generator
	logger    *slog.Logger
}

// NewSummarizer builds a summarizer.
func NewSummarizer(cfg config.SummarizationConfig, memory repo.MemoryRepository, generator llm.Generator, logger *slog.Logger) *Summarizer {
	if cfg.TurnsPerSummary == 0 {
		cfg.TurnsPerSummary = 10
	}
	if cfg.SummariesPerMeta == 0 {
		cfg.SummariesPerMeta = 5
	}
	return &Summarizer{cfg: cfg, memory: memory, generator: generator, logger: logger}
}

// Check runs after each ingested turn and produces summaries when the
// windows fill. It is idempotent: a window already summarized (its newest
// episode covered by an existing summary) is not summarized again.
func (s *Summarizer) Check(ctx context.Context, t repo.Tenant, groupID string, turnCount int) error {
	messages, err := s.memory.ListEpisodes(ctx, groupID, repo.EpisodeQuery{ContentType: models.ContentMessage})
	if err != nil {
		return fmt.Errorf("listing message episodes: %w", err)
	}
	if len(messages) == 0 || len(messages)%s.cfg.TurnsPerSummary != 0 {
		return nil
	}

	summaries, err := s.memory.ListEpisodes(ctx, groupID, repo.EpisodeQuery{ContentType: models.ContentSummary})
	if err != nil {
		return fmt.Errorf("listing summaries: %w", err)
	}
	window := messages[len(messages)-s.cfg.TurnsPerSummary:]
	if covered(summaries, window[len(window)-1].ID) {
		return nil
	}

	summary, err := s.summarize(ctx, t, groupID, window, models.ContentSummary,
		"Summarize this conversation window in a short paragraph. Keep concrete facts, decisions, and open items.")
	if err != nil {
		return err
	}
	summaries = append(summaries, summary)

	if turnCount < s.cfg.EnabledAtTurnCount || len(summaries)%s.cfg.SummariesPerMeta != 0 {
		return nil
	}
	metas, err := s.memory.ListEpisodes(ctx, groupID, repo.EpisodeQuery{ContentType: models.ContentMetaSummary})
	if err != nil {
		return fmt.Errorf("listing meta summaries: %w", err)
	}
	recent := summaries[len(summaries)-s.cfg.SummariesPerMeta:]
	if covered(metas, recent[len(recent)-1].ID) {
		return nil
	}
	_, err = s.summarize(ctx, t, groupID, recent, models.ContentMetaSummary,
		"Condense these conversation summaries into one meta-summary of the relationship so far.")
	return err
}

func (s *Summarizer) summarize(ctx context.Context, t repo.Tenant, groupID string, source []*models.Episode, contentType models.ContentType, instruction string) (*models.Episode, error) {
	var b strings.Builder
	ids := make([]any, 0, len(source))
	for _, ep := range source {
		b.WriteString(ep.Content)
		b.WriteByte('\n')
		ids = append(ids, ep.ID)
	}
	resp, err := s.generator.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: instruction + "\n\n" + b.String()}},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("summary generation failed: %w", err)
	}

	now := time.Now()
	episode := &models.Episode{
		ID:             uuid.NewString(),
		TenantID:       t.TenantID,
		AgentID:        t.AgentID,
		GroupID:        groupID,
		Content:        resp.Content,
		ContentType:    contentType,
		Source:         models.EpisodeFromSystem,
		OccurredAt:     now,
		RecordedAt:     now,
		SourceMetadata: map[string]any{"episode_ids": ids},
	}
	if err := s.memory.SaveEpisode(ctx, groupID, episode); err != nil {
		return nil, fmt.Errorf("saving summary episode: %w", err)
	}
	s.logger.Info("Summary stored", "group_id", groupID, "content_type", contentType, "source_count", len(source))
	return episode, nil
}

// covered reports whether any existing summary already includes the given
// episode id among its sources.
func covered(summaries []*models.Episode, episodeID string) bool {
	for _, sum := range summaries {
		ids, ok := sum.SourceMetadata["episode_ids"].([]any)
		if !ok {
			continue
		}
		for _, id := range ids {
			if id == episodeID {
				return true
			}
		}
	}
	return false
}
