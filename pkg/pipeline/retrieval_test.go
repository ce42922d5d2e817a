package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
)

func newRetrievalWS(content string) *WorkingSet {
	return &WorkingSet{
		Tenant:  testTenant,
		Message: models.InboundMessage{Content: content},
		Session: &models.Session{ID: "s1"},
		Config: &config.PipelineConfig{Retrieval: config.RetrievalConfig{
			VectorWeight: 0.7, BM25Weight: 0.3, MaxCandidates: 20, MinFinalScore: 0.05,
		}},
		Snapshot: NeutralSnapshot(),
	}
}

func saveRule(t *testing.T, configs repo.ConfigRepository, rule *models.Rule) {
	t.Helper()
	if rule.Scope == "" {
		rule.Scope = models.ScopeGlobal
	}
	rule.Enabled = true
	require.NoError(t, configs.SaveRule(context.Background(), testTenant, rule))
}

func TestRetrievalPhase_BM25KeywordMatch(t *testing.T) {
	configs := memrepo.NewConfigRepo(memrepo.NewStore())
	saveRule(t, configs, &models.Rule{ID: "refund", ConditionText: "user demands refund"})
	saveRule(t, configs, &models.Rule{ID: "shipping", ConditionText: "user wants shipping update"})
	p := &RetrievalPhase{Configs: configs}

	ws := newRetrievalWS("Refund, please!")
	require.NoError(t, p.Run(context.Background(), ws))

	// Tokenization strips punctuation, so "refund!" still matches. The
	// shipping rule shares no terms and falls below the score floor.
	require.Len(t, ws.Candidates, 1)
	assert.Equal(t, "refund", ws.Candidates[0].Rule.ID)
	assert.Equal(t, 1.0, ws.Candidates[0].BM25)
	assert.InDelta(t, 0.3, ws.Candidates[0].FinalScore, 1e-9)
}

func TestRetrievalPhase_VectorAndKeywordBlend(t *testing.T) {
	configs := memrepo.NewConfigRepo(memrepo.NewStore())
	emb := &llm.StubEmbedder{}
	query := "where is my order"
	queryEmb, err := emb.Embed(context.Background(), query)
	require.NoError(t, err)

	saveRule(t, configs, &models.Rule{
		ID: "vec", ConditionText: "completely unrelated topic", Embedding: queryEmb,
	})
	saveRule(t, configs, &models.Rule{ID: "kw", ConditionText: "where is my order"})
	p := &RetrievalPhase{Configs: configs, Embedder: emb}

	ws := newRetrievalWS(query)
	require.NoError(t, p.Run(context.Background(), ws))

	require.Len(t, ws.Candidates, 2)
	assert.Equal(t, "vec", ws.Candidates[0].Rule.ID)
	assert.InDelta(t, 1.0, ws.Candidates[0].Cosine, 1e-6)
	assert.InDelta(t, 0.7, ws.Candidates[0].FinalScore, 1e-6)
	assert.Equal(t, "kw", ws.Candidates[1].Rule.ID)
	assert.Equal(t, 1.0, ws.Candidates[1].BM25)
}

func TestRetrievalPhase_ScopeFilter(t *testing.T) {
	configs := memrepo.NewConfigRepo(memrepo.NewStore())
	text := "user mentions a discount"
	saveRule(t, configs, &models.Rule{ID: "global", ConditionText: text})
	saveRule(t, configs, &models.Rule{ID: "this-flow", Scope: models.ScopeScenario, ScopeID: "flow", ConditionText: text})
	saveRule(t, configs, &models.Rule{ID: "other-flow", Scope: models.ScopeScenario, ScopeID: "elsewhere", ConditionText: text})
	saveRule(t, configs, &models.Rule{ID: "this-step", Scope: models.ScopeStep, ScopeID: "collect", ConditionText: text})
	saveRule(t, configs, &models.Rule{ID: "other-step", Scope: models.ScopeStep, ScopeID: "done", ConditionText: text})
	p := &RetrievalPhase{Configs: configs}

	ws := newRetrievalWS("any discount for me?")
	ws.Scenario = &models.Scenario{ID: "flow"}
	step := models.ScenarioStep{ID: "collect"}
	ws.Step = &step

	require.NoError(t, p.Run(context.Background(), ws))

	ids := make([]string, len(ws.Candidates))
	for i, c := range ws.Candidates {
		ids[i] = c.Rule.ID
	}
	// Equal scores break ties by id.
	assert.Equal(t, []string{"global", "this-flow", "this-step"}, ids)
}

func TestRetrievalPhase_CapsCandidates(t *testing.T) {
	configs := memrepo.NewConfigRepo(memrepo.NewStore())
	saveRule(t, configs, &models.Rule{ID: "a", ConditionText: "user asks about billing"})
	saveRule(t, configs, &models.Rule{ID: "b", ConditionText: "user asks about billing"})
	saveRule(t, configs, &models.Rule{ID: "c", ConditionText: "user asks about billing"})
	p := &RetrievalPhase{Configs: configs}

	ws := newRetrievalWS("billing question")
	ws.Config.Retrieval.MaxCandidates = 2
	require.NoError(t, p.Run(context.Background(), ws))

	require.Len(t, ws.Candidates, 2)
	assert.Equal(t, "a", ws.Candidates[0].Rule.ID)
	assert.Equal(t, "b", ws.Candidates[1].Rule.ID)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"where", "s", "order", "42", "now"}, tokenize("Where's ORDER #42, now?!"))
	assert.Empty(t, tokenize("  ...  "))
}
