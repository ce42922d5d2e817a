package pipeline

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

var testTenant = repo.Tenant{TenantID: "t1", AgentID: "a1"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFilterWS(candidates ...ScoredRule) *WorkingSet {
	return &WorkingSet{
		Tenant:     testTenant,
		Message:    models.InboundMessage{Content: "I want a refund"},
		Session:    &models.Session{ID: "s1", TurnCount: 10},
		Config:     &config.PipelineConfig{},
		Snapshot:   NeutralSnapshot(),
		Candidates: candidates,
	}
}

func scored(id string, priority int, score float64) ScoredRule {
	return ScoredRule{
		Rule:       &models.Rule{ID: id, Priority: priority, ConditionText: "user asks about refunds", Enabled: true},
		FinalScore: score,
	}
}

func TestFilteringPhase_NoJudgeTakesAllCandidates(t *testing.T) {
	p := &FilteringPhase{Logger: testLogger()}
	ws := newFilterWS(scored("r-b", 0, 0.4), scored("r-a", 0, 0.4), scored("r-c", 5, 0.2))

	require.NoError(t, p.Run(context.Background(), ws))

	require.Len(t, ws.Matched, 3)
	// Priority descending, then final score descending, then id ascending.
	assert.Equal(t, "r-c", ws.Matched[0].Rule.ID)
	assert.Equal(t, "r-a", ws.Matched[1].Rule.ID)
	assert.Equal(t, "r-b", ws.Matched[2].Rule.ID)

	// Fires are recorded against the session.
	assert.Equal(t, 1, ws.Session.RuleFires["r-a"])
	assert.Equal(t, 10, ws.Session.RuleLastFiredTurn["r-a"])
}

func TestFilteringPhase_JudgeFiltersVerdicts(t *testing.T) {
	gen := &llm.StubGenerator{Responses: []string{
		`[{"id":"r-a","applies":true,"relevance":0.9,"rationale":"refund request"},
		  {"id":"r-b","applies":false,"relevance":0.2,"rationale":"off topic"}]`,
	}}
	p := &FilteringPhase{Generator: gen, Logger: testLogger()}
	ws := newFilterWS(scored("r-a", 0, 0.5), scored("r-b", 0, 0.5))

	require.NoError(t, p.Run(context.Background(), ws))

	require.Len(t, ws.Matched, 1)
	assert.Equal(t, "r-a", ws.Matched[0].Rule.ID)
	assert.Equal(t, 0.9, ws.Matched[0].RelevanceScore)
	assert.Equal(t, "refund request", ws.Matched[0].Rationale)
	assert.Zero(t, ws.Session.RuleFires["r-b"])
}

func TestFilteringPhase_JudgeBadJSONDegrades(t *testing.T) {
	gen := &llm.StubGenerator{Responses: []string{"I think the first one applies."}}
	p := &FilteringPhase{Generator: gen, Logger: testLogger()}
	ws := newFilterWS(scored("r-a", 0, 0.5))

	err := p.Run(context.Background(), ws)
	require.Error(t, err)
	assert.Empty(t, ws.Matched)
	assert.Equal(t, Degrade, p.FailureMode())
}

func TestFilteringPhase_FireCapsAndCooldowns(t *testing.T) {
	capped := scored("capped", 0, 0.5)
	capped.Rule.MaxFiresPerSession = 1
	cooling := scored("cooling", 0, 0.5)
	cooling.Rule.CooldownTurns = 3
	ready := scored("ready", 0, 0.5)
	ready.Rule.CooldownTurns = 3

	p := &FilteringPhase{Logger: testLogger()}
	ws := newFilterWS(capped, cooling, ready)
	ws.Session.RuleFires = map[string]int{"capped": 1}
	ws.Session.RuleLastFiredTurn = map[string]int{"cooling": 8, "ready": 7}

	require.NoError(t, p.Run(context.Background(), ws))

	require.Len(t, ws.Matched, 1)
	assert.Equal(t, "ready", ws.Matched[0].Rule.ID)
}

func TestFilteringPhase_Navigation(t *testing.T) {
	sc := &models.Scenario{
		ID: "flow", EntryStepID: "start",
		Steps: []models.ScenarioStep{
			{ID: "start", Prompt: "Hi", Transitions: []models.StepTransition{
				{ToStepID: "collect", ConditionFields: []string{"intent"}},
			}},
			{ID: "collect", Prompt: "Which order?"},
		},
	}
	p := &FilteringPhase{Logger: testLogger()}

	t.Run("no scenario", func(t *testing.T) {
		ws := newFilterWS()
		require.NoError(t, p.Run(context.Background(), ws))
		assert.Equal(t, NavNone, ws.NavAction)
	})

	t.Run("condition not met continues", func(t *testing.T) {
		ws := newFilterWS()
		ws.Scenario = sc
		ws.Step = sc.Step("start")
		require.NoError(t, p.Run(context.Background(), ws))
		assert.Equal(t, NavContinue, ws.NavAction)
		assert.Equal(t, "start", ws.Step.ID)
	})

	t.Run("satisfied transition moves", func(t *testing.T) {
		ws := newFilterWS()
		ws.Scenario = sc
		ws.Step = sc.Step("start")
		ws.Session.SetVariable("intent", "refund")
		require.NoError(t, p.Run(context.Background(), ws))
		assert.Equal(t, NavTransition, ws.NavAction)
		assert.Equal(t, "collect", ws.NavTarget)
		assert.Equal(t, "collect", ws.Step.ID)
		require.NotEmpty(t, ws.Session.StepHistory)
		last := ws.Session.StepHistory[len(ws.Session.StepHistory)-1]
		assert.Equal(t, "collect", last.StepID)
		assert.Equal(t, "transition", last.TransitionReason)
	})

	t.Run("missing active step relocalizes", func(t *testing.T) {
		ws := newFilterWS()
		ws.Scenario = sc
		require.NoError(t, p.Run(context.Background(), ws))
		assert.Equal(t, NavRelocalize, ws.NavAction)
		assert.Equal(t, "start", ws.NavTarget)
		assert.Equal(t, "start", ws.Step.ID)
	})

	t.Run("dangling target continues", func(t *testing.T) {
		broken := &models.Scenario{
			ID: "flow", EntryStepID: "start",
			Steps: []models.ScenarioStep{
				{ID: "start", Transitions: []models.StepTransition{{ToStepID: "ghost"}}},
			},
		}
		ws := newFilterWS()
		ws.Scenario = broken
		ws.Step = broken.Step("start")
		require.NoError(t, p.Run(context.Background(), ws))
		assert.Equal(t, NavContinue, ws.NavAction)
	})
}
