package pipeline

import (
	"context"
	"log/slog"

	"github.com/parley-ai/parley/pkg/enforce"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/template"
)

// EnforcementPhase (phase 9) validates the candidate response against the
// hard constraints and installs the final response. Exclusive-template
// responses skip regeneration: their wording is fixed, so a violation goes
// straight to the fallback.
type EnforcementPhase struct {
	Enforcer  *enforce.Enforcer
	Configs   repo.ConfigRepository
	Generator llm.Generator
	Logger    *slog.Logger
}

func (p *EnforcementPhase) Name() string             { return "enforcement" }
func (p *EnforcementPhase) FailureMode() FailureMode { return Degrade }

func (p *EnforcementPhase) Run(ctx context.Context, ws *WorkingSet) error {
	fallbacks := p.applicableFallbacks(ctx, ws)
	resolver := template.NewResolver(ws.ActiveProfileFields(), ws.Session.Variables)

	in := enforce.Input{
		TurnID:        ws.TurnID,
		SessionID:     ws.Session.ID,
		Candidate:     ws.Candidate,
		SessionVars:   ws.Session.Variables,
		ProfileVars:   ws.ActiveProfileFields(),
		SurfacedRules: ws.HardConstraintRules(),
		Fallbacks:     fallbacks,
		ResolveTemplate: func(body string) string {
			return resolver.Resolve(body).Text
		},
	}
	if ws.ExclusiveTemplate == nil && p.Generator != nil {
		in.Regenerate = p.regenerate(ws)
	}

	resp, summary := p.Enforcer.Enforce(ctx, ws.Tenant, in)
	ws.Response = resp
	ws.Enforcement = summary
	return nil
}

// regenerate re-prompts the generator with the violation summary appended
// to the original system prompt.
func (p *EnforcementPhase) regenerate(ws *WorkingSet) func(ctx context.Context, violationSummary string) (string, error) {
	return func(ctx context.Context, violationSummary string) (string, error) {
		if budget := ws.Config.Budgets.LLMGeneration; budget > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, budget)
			defer cancel()
		}
		prompt := ws.GenPrompt +
			"\nYour previous draft violated these constraints:\n" + violationSummary +
			"\nProduce a new response that satisfies every constraint.\n"
		resp, err := p.Generator.Generate(ctx, llm.Request{
			System:      prompt,
			Messages:    []llm.Message{{Role: "user", Content: ws.Message.Content}},
			Temperature: 0.7,
		})
		if err != nil {
			return "", err
		}
		ws.TokensUsed += resp.TokensUsed
		return resp.Content, nil
	}
}

// applicableFallbacks returns the fallback templates usable at the current
// scenario position, most specific first.
func (p *EnforcementPhase) applicableFallbacks(ctx context.Context, ws *WorkingSet) []*models.Template {
	tpls, err := p.Configs.ListTemplates(ctx, ws.Tenant, models.TemplateFallback)
	if err != nil {
		p.Logger.Warn("Failed to list fallback templates", "error", err)
		return nil
	}
	var out []*models.Template
	if best := SelectTemplate(tpls, ws); best != nil {
		out = append(out, best)
		for _, tpl := range tpls {
			if tpl.ID != best.ID && templateSpecificity(tpl, ws) > 0 {
				out = append(out, tpl)
			}
		}
	}
	return out
}
