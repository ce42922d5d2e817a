package memory

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
)

var sumTenant = repo.Tenant{TenantID: "t1", AgentID: "a1"}

func saveMessages(t *testing.T, r *memrepo.MemoryRepo, group string, from, n int) {
	t.Helper()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := from; i < from+n; i++ {
		require.NoError(t, r.SaveEpisode(context.Background(), group, &models.Episode{
			ID:          string(rune('a' + i)),
			Content:     "turn content",
			ContentType: models.ContentMessage,
			OccurredAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func countByType(t *testing.T, r *memrepo.MemoryRepo, group string, ct models.ContentType) []*models.Episode {
	t.Helper()
	out, err := r.ListEpisodes(context.Background(), group, repo.EpisodeQuery{ContentType: ct})
	require.NoError(t, err)
	return out
}

func TestSummarizer_WindowSummary(t *testing.T) {
	r := memrepo.NewMemoryRepo(memrepo.NewStore())
	gen := &llm.StubGenerator{Responses: []string{"Window summary."}}
	s := NewSummarizer(config.SummarizationConfig{TurnsPerSummary: 2, SummariesPerMeta: 2, EnabledAtTurnCount: 4},
		r, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))
	group := "t1:s1"
	ctx := context.Background()

	// A partial window produces nothing.
	saveMessages(t, r, group, 0, 1)
	require.NoError(t, s.Check(ctx, sumTenant, group, 1))
	assert.Empty(t, countByType(t, r, group, models.ContentSummary))

	saveMessages(t, r, group, 1, 1)
	require.NoError(t, s.Check(ctx, sumTenant, group, 2))
	summaries := countByType(t, r, group, models.ContentSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, "Window summary.", summaries[0].Content)
	assert.Equal(t, models.EpisodeFromSystem, summaries[0].Source)
	assert.Len(t, summaries[0].SourceMetadata["episode_ids"], 2)

	// Checking again over the same window is a no-op.
	require.NoError(t, s.Check(ctx, sumTenant, group, 2))
	assert.Len(t, countByType(t, r, group, models.ContentSummary), 1)

	// Meta-summarization stays off below the turn-count gate.
	assert.Empty(t, countByType(t, r, group, models.ContentMetaSummary))
}

func TestSummarizer_MetaSummary(t *testing.T) {
	r := memrepo.NewMemoryRepo(memrepo.NewStore())
	gen := &llm.StubGenerator{Responses: []string{"Summary one.", "Summary two.", "Meta summary."}}
	s := NewSummarizer(config.SummarizationConfig{TurnsPerSummary: 2, SummariesPerMeta: 2, EnabledAtTurnCount: 4},
		r, gen, slog.New(slog.NewTextHandler(io.Discard, nil)))
	group := "t1:s1"
	ctx := context.Background()

	saveMessages(t, r, group, 0, 2)
	require.NoError(t, s.Check(ctx, sumTenant, group, 2))
	saveMessages(t, r, group, 2, 2)
	require.NoError(t, s.Check(ctx, sumTenant, group, 4))

	require.Len(t, countByType(t, r, group, models.ContentSummary), 2)
	metas := countByType(t, r, group, models.ContentMetaSummary)
	require.Len(t, metas, 1)
	assert.Equal(t, "Meta summary.", metas[0].Content)
	assert.Len(t, metas[0].SourceMetadata["episode_ids"], 2)

	// Re-running over the same windows adds nothing.
	require.NoError(t, s.Check(ctx, sumTenant, group, 4))
	assert.Len(t, countByType(t, r, group, models.ContentSummary), 2)
	assert.Len(t, countByType(t, r, group, models.ContentMetaSummary), 1)
}

func TestSummarizer_DefaultWindows(t *testing.T) {
	s := NewSummarizer(config.SummarizationConfig{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, 10, s.cfg.TurnsPerSummary)
	assert.Equal(t, 5, s.cfg.SummariesPerMeta)
}
