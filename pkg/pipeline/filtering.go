package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/migration"
	"github.com/parley-ai/parley/pkg/models"
)

// FilteringPhase (phase 5) judges which candidate rules apply right now
// and navigates the scenario graph. On failure it degrades to matched-none
// and a CONTINUE navigation.
type FilteringPhase struct {
	Generator llm.Generator
	Logger    *slog.Logger
}

func (p *FilteringPhase) Name() string             { return "filtering" }
func (p *FilteringPhase) FailureMode() FailureMode { return Degrade }

func (p *FilteringPhase) Run(ctx context.Context, ws *WorkingSet) error {
	p.navigate(ws)

	eligible := p.eligibleCandidates(ws)
	if len(eligible) == 0 {
		return nil
	}

	judged, err := p.judge(ctx, ws, eligible)
	if err != nil {
		// Degrade to matched-none; navigation already happened.
		return err
	}
	// Deterministic tie-break: priority desc, final score desc, id asc.
	sort.Slice(judged, func(i, j int) bool {
		a, b := judged[i], judged[j]
		if a.Rule.Priority != b.Rule.Priority {
			return a.Rule.Priority > b.Rule.Priority
		}
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		return a.Rule.ID < b.Rule.ID
	})
	ws.Matched = judged
	p.recordFires(ws)
	return nil
}

// eligibleCandidates applies the per-session gates: fire caps and
// cooldowns.
func (p *FilteringPhase) eligibleCandidates(ws *WorkingSet) []ScoredRule {
	var out []ScoredRule
	for _, c := range ws.Candidates {
		rule := c.Rule
		if rule.MaxFiresPerSession > 0 && ws.Session.RuleFires[rule.ID] >= rule.MaxFiresPerSession {
			continue
		}
		if rule.CooldownTurns > 0 {
			if last, fired := ws.Session.RuleLastFiredTurn[rule.ID]; fired &&
				ws.Session.TurnCount-last < rule.CooldownTurns {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

type ruleVerdict struct {
	ID        string  `json:"id"`
	Applies   bool    `json:"applies"`
	Relevance float64 `json:"relevance"`
	Rationale string  `json:"rationale"`
}

func (p *FilteringPhase) judge(ctx context.Context, ws *WorkingSet, candidates []ScoredRule) ([]models.MatchedRule, error) {
	if p.Generator == nil {
		// Without a judge every retrieval candidate is taken as matched.
		out := make([]models.MatchedRule, 0, len(candidates))
		for _, c := range candidates {
			out = append(out, models.MatchedRule{Rule: c.Rule, FinalScore: c.FinalScore, RelevanceScore: c.FinalScore})
		}
		return out, nil
	}

	var list strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&list, "- id=%s condition=%q\n", c.Rule.ID, c.Rule.ConditionText)
	}
	prompt := fmt.Sprintf(
		"For each rule, decide whether it applies to the user message right now.\nRespond with JSON only: [{\"id\":\"...\",\"applies\":true,\"relevance\":0.0,\"rationale\":\"short\"}]\n\nUser message: %s\nSituation: tone=%s frustration=%d\n\nRules:\n%s",
		ws.Message.Content, ws.Snapshot.Tone, ws.Snapshot.FrustrationLevel, list.String())

	judgeCtx := ctx
	if budget := ws.Config.Budgets.LLMJudge; budget > 0 {
		var cancel context.CancelFunc
		judgeCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	resp, err := p.Generator.Generate(judgeCtx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("rule judge failed: %w", err)
	}
	ws.TokensUsed += resp.TokensUsed

	var verdicts []ruleVerdict
	if err := json.Unmarshal([]byte(firstJSONArray(resp.Content)), &verdicts); err != nil {
		return nil, fmt.Errorf("rule judge returned invalid JSON: %w", err)
	}
	byID := map[string]ruleVerdict{}
	for _, v := range verdicts {
		byID[v.ID] = v
	}
	var out []models.MatchedRule
	for _, c := range candidates {
		v, ok := byID[c.Rule.ID]
		if !ok || !v.Applies {
			continue
		}
		out = append(out, models.MatchedRule{
			Rule:           c.Rule,
			FinalScore:     c.FinalScore,
			RelevanceScore: v.Relevance,
			Rationale:      v.Rationale,
		})
	}
	return out, nil
}

func (p *FilteringPhase) recordFires(ws *WorkingSet) {
	if len(ws.Matched) == 0 {
		return
	}
	if ws.Session.RuleFires == nil {
		ws.Session.RuleFires = map[string]int{}
	}
	if ws.Session.RuleLastFiredTurn == nil {
		ws.Session.RuleLastFiredTurn = map[string]int{}
	}
	for _, m := range ws.Matched {
		ws.Session.RuleFires[m.Rule.ID]++
		ws.Session.RuleLastFiredTurn[m.Rule.ID] = ws.Session.TurnCount
	}
}

// navigate decides the scenario action. The active step being missing in
// the live version relocalizes to the entry step; otherwise the first
// transition whose condition fields are all set fires.
func (p *FilteringPhase) navigate(ws *WorkingSet) {
	if ws.Scenario == nil {
		ws.NavAction = NavNone
		return
	}
	if ws.Step == nil {
		ws.NavAction = NavRelocalize
		ws.NavTarget = ws.Scenario.EntryStepID
		p.applyMove(ws, ws.Scenario.EntryStepID, "relocalize")
		return
	}
	for _, tr := range ws.Step.Transitions {
		satisfied := true
		for _, field := range tr.ConditionFields {
			if _, ok := ws.Session.Variable(field); !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			ws.NavAction = NavTransition
			ws.NavTarget = tr.ToStepID
			p.applyMove(ws, tr.ToStepID, "transition")
			return
		}
	}
	ws.NavAction = NavContinue
}

func (p *FilteringPhase) applyMove(ws *WorkingSet, stepID, reason string) {
	step := ws.Scenario.Step(stepID)
	if step == nil {
		p.Logger.Warn("Navigation target missing", "step_id", stepID, "scenario_id", ws.Scenario.ID)
		ws.NavAction = NavContinue
		return
	}
	ws.Session.VisitStep(stepID, migration.StepContentHash(step), reason, time.Now())
	ws.Step = step
}

func firstJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
