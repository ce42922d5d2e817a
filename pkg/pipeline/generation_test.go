package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/enforce"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/repo/memrepo"
)

func newGenWS() *WorkingSet {
	return &WorkingSet{
		Tenant:   testTenant,
		Message:  models.InboundMessage{Content: "Where is my order?"},
		Session:  &models.Session{ID: "s1"},
		Config:   &config.PipelineConfig{},
		Snapshot: NeutralSnapshot(),
	}
}

func saveTemplate(t *testing.T, configs repo.ConfigRepository, tpl *models.Template) {
	t.Helper()
	require.NoError(t, configs.SaveTemplate(context.Background(), testTenant, tpl))
}

func TestGenerationPhase_ExclusiveTemplateBypassesLLM(t *testing.T) {
	configs := memrepo.NewConfigRepo(memrepo.NewStore())
	saveTemplate(t, configs, &models.Template{
		ID: "tpl-1", Mode: models.TemplateExclusive, Scope: models.ScopeGlobal,
		Body: "Your order {order_id} is on its way, {name}.",
	})
	gen := &llm.StubGenerator{Responses: []string{"should not be used"}}
	p := &GenerationPhase{Configs: configs, Generator: gen, Logger: testLogger()}

	ws := newGenWS()
	ws.Session.SetVariable("order_id", "o-42")
	ws.Session.SetVariable("name", "Dana")

	require.NoError(t, p.Run(context.Background(), ws))

	assert.Equal(t, "Your order o-42 is on its way, Dana.", ws.Candidate)
	require.NotNil(t, ws.ExclusiveTemplate)
	assert.Equal(t, "tpl-1", ws.ExclusiveTemplate.ID)
	assert.Empty(t, gen.Requests)
}

func TestGenerationPhase_PromptCarriesContext(t *testing.T) {
	configs := memrepo.NewConfigRepo(memrepo.NewStore())
	saveTemplate(t, configs, &models.Template{
		ID: "tpl-s", Mode: models.TemplateSuggest, Scope: models.ScopeGlobal,
		Body: "We can check order {order_id} for you.",
	})
	gen := &llm.StubGenerator{Responses: []string{"  Your order ships tomorrow.  "}}
	p := &GenerationPhase{Configs: configs, Generator: gen, Logger: testLogger()}

	ws := newGenWS()
	ws.Session.SetVariable("order_id", "o-42")
	ws.Glossary = []*models.GlossaryItem{{Term: "RMA", Definition: "return authorization"}}
	ws.Matched = []models.MatchedRule{{Rule: &models.Rule{
		ID: "r1", ConditionText: "user asks about shipping", ActionText: "quote the carrier SLA",
	}}}

	require.NoError(t, p.Run(context.Background(), ws))

	assert.Equal(t, "Your order ships tomorrow.", ws.Candidate)
	assert.Contains(t, ws.GenPrompt, "RMA: return authorization")
	assert.Contains(t, ws.GenPrompt, "When user asks about shipping: quote the carrier SLA")
	assert.Contains(t, ws.GenPrompt, "We can check order o-42 for you.")
	require.Len(t, gen.Requests, 1)
	assert.Equal(t, ws.GenPrompt, gen.Requests[0].System)
}

func TestGenerationPhase_NoProviderUsesFallbackTemplate(t *testing.T) {
	configs := memrepo.NewConfigRepo(memrepo.NewStore())
	saveTemplate(t, configs, &models.Template{
		ID: "tpl-f", Mode: models.TemplateFallback, Scope: models.ScopeGlobal,
		Body: "One moment, {name}, a teammate will pick this up.",
	})
	p := &GenerationPhase{Configs: configs, Logger: testLogger()}

	ws := newGenWS()
	ws.Session.SetVariable("name", "Dana")

	err := p.Run(context.Background(), ws)
	require.Error(t, err)
	assert.Equal(t, "One moment, Dana, a teammate will pick this up.", ws.Candidate)
	assert.Equal(t, Degrade, p.FailureMode())
}

func TestGenerationPhase_NoProviderNoTemplateSafeResponse(t *testing.T) {
	p := &GenerationPhase{Configs: memrepo.NewConfigRepo(memrepo.NewStore()), Logger: testLogger()}
	ws := newGenWS()

	err := p.Run(context.Background(), ws)
	require.Error(t, err)
	assert.Equal(t, enforce.GenericSafeResponse, ws.Candidate)
}

func TestSelectTemplate(t *testing.T) {
	ws := newGenWS()
	ws.Scenario = &models.Scenario{ID: "flow"}
	step := models.ScenarioStep{ID: "collect"}
	ws.Step = &step

	global := &models.Template{ID: "g", Scope: models.ScopeGlobal}
	scenario := &models.Template{ID: "sc", Scope: models.ScopeScenario, ScopeID: "flow"}
	stepTpl := &models.Template{ID: "st", Scope: models.ScopeStep, ScopeID: "collect"}
	otherStep := &models.Template{ID: "other", Scope: models.ScopeStep, ScopeID: "elsewhere"}

	t.Run("step scope wins", func(t *testing.T) {
		best := SelectTemplate([]*models.Template{global, scenario, stepTpl, otherStep}, ws)
		require.NotNil(t, best)
		assert.Equal(t, "st", best.ID)
	})

	t.Run("scenario beats global", func(t *testing.T) {
		best := SelectTemplate([]*models.Template{global, scenario}, ws)
		require.NotNil(t, best)
		assert.Equal(t, "sc", best.ID)
	})

	t.Run("priority then id break ties", func(t *testing.T) {
		low := &models.Template{ID: "a-low", Scope: models.ScopeGlobal, Priority: 1}
		high := &models.Template{ID: "z-high", Scope: models.ScopeGlobal, Priority: 5}
		best := SelectTemplate([]*models.Template{low, high}, ws)
		require.NotNil(t, best)
		assert.Equal(t, "z-high", best.ID)

		twin := &models.Template{ID: "a-twin", Scope: models.ScopeGlobal, Priority: 5}
		best = SelectTemplate([]*models.Template{high, twin}, ws)
		require.NotNil(t, best)
		assert.Equal(t, "a-twin", best.ID)
	})

	t.Run("nothing applicable", func(t *testing.T) {
		assert.Nil(t, SelectTemplate([]*models.Template{otherStep}, ws))
	})
}
