package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

// RetrievalPhase (phase 4) gathers candidate rules by hybrid scoring:
// vector similarity over rule embeddings blended with BM25 over the rule
// condition texts. On failure it degrades to an empty candidate set.
type RetrievalPhase struct {
	Configs  repo.ConfigRepository
	Embedder llm.Embedder
}

func (p *RetrievalPhase) Name() string             { return "retrieval" }
func (p *RetrievalPhase) FailureMode() FailureMode { return Degrade }

func (p *RetrievalPhase) Run(ctx context.Context, ws *WorkingSet) error {
	rules, err := p.Configs.ListRules(ctx, ws.Tenant, repo.RuleQuery{EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	applicable := filterScope(rules, ws)
	if len(applicable) == 0 {
		return nil
	}

	cosines := map[string]float64{}
	if p.Embedder != nil {
		embedCtx := ctx
		if budget := ws.Config.Budgets.Embedding; budget > 0 {
			var cancel context.CancelFunc
			embedCtx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}
		queryEmb, err := p.Embedder.Embed(embedCtx, ws.Message.Content)
		if err != nil {
			return fmt.Errorf("embedding query: %w", err)
		}
		hits, err := p.Configs.SearchRules(ctx, ws.Tenant, queryEmb, ws.Config.Retrieval.MaxCandidates)
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		for _, h := range hits {
			cosines[h.Rule.ID] = h.Cosine
		}
	}

	texts := make([]string, len(applicable))
	for i, r := range applicable {
		texts[i] = r.ConditionText
	}
	scorer := newBM25Scorer(texts)
	raw := make([]float64, len(applicable))
	maxBM25 := 0.0
	for i := range applicable {
		raw[i] = scorer.score(ws.Message.Content, i)
		if raw[i] > maxBM25 {
			maxBM25 = raw[i]
		}
	}

	wVec := ws.Config.Retrieval.VectorWeight
	wBM25 := ws.Config.Retrieval.BM25Weight
	var candidates []ScoredRule
	for i, rule := range applicable {
		bm25 := 0.0
		if maxBM25 > 0 {
			bm25 = raw[i] / maxBM25
		}
		score := wVec*cosines[rule.ID] + wBM25*bm25
		if score < ws.Config.Retrieval.MinFinalScore {
			continue
		}
		candidates = append(candidates, ScoredRule{
			Rule:       rule,
			Cosine:     cosines[rule.ID],
			BM25:       bm25,
			FinalScore: score,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].FinalScore == candidates[j].FinalScore {
			return candidates[i].Rule.ID < candidates[j].Rule.ID
		}
		return candidates[i].FinalScore > candidates[j].FinalScore
	})
	if max := ws.Config.Retrieval.MaxCandidates; max > 0 && len(candidates) > max {
		candidates = candidates[:max]
	}
	ws.Candidates = candidates
	return nil
}

// filterScope keeps rules applicable to the current position: global
// rules always, scenario and step rules only when bound to the active
// scenario or step.
func filterScope(rules []*models.Rule, ws *WorkingSet) []*models.Rule {
	var out []*models.Rule
	for _, r := range rules {
		switch r.Scope {
		case models.ScopeGlobal:
			out = append(out, r)
		case models.ScopeScenario:
			if ws.Scenario != nil && r.ScopeID == ws.Scenario.ID {
				out = append(out, r)
			}
		case models.ScopeStep:
			if ws.Step != nil && r.ScopeID == ws.Step.ID {
				out = append(out, r)
			}
		}
	}
	return out
}
