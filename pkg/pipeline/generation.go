package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/parley-ai/parley/pkg/enforce"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/masking"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/template"
)

// GenerationPhase (phase 8) produces the candidate response. Template
// precedence is exclusive, then LLM generation guided by suggest
// templates, then fallback when no provider is available or the call
// fails. Exclusive templates bypass the LLM entirely, so they may
// interpolate unmasked field values.
type GenerationPhase struct {
	Configs   repo.ConfigRepository
	Generator llm.Generator
	Logger    *slog.Logger
}

func (p *GenerationPhase) Name() string             { return "generation" }
func (p *GenerationPhase) FailureMode() FailureMode { return Degrade }

func (p *GenerationPhase) Run(ctx context.Context, ws *WorkingSet) error {
	if tpl := p.selectByMode(ctx, ws, models.TemplateExclusive); tpl != nil {
		ws.ExclusiveTemplate = tpl
		resolver := template.NewResolver(ws.ActiveProfileFields(), ws.Session.Variables)
		ws.Candidate = resolver.Resolve(tpl.Body).Text
		return nil
	}

	if p.Generator == nil {
		ws.Candidate = p.fallbackText(ctx, ws)
		return fmt.Errorf("no generation provider configured")
	}

	masker := masking.NewService(ws.FieldDefs)
	ws.GenPrompt = p.buildSystemPrompt(ctx, ws, masker)

	genCtx := ctx
	if budget := ws.Config.Budgets.LLMGeneration; budget > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	resp, err := p.Generator.Generate(genCtx, llm.Request{
		System:      ws.GenPrompt,
		Messages:    []llm.Message{{Role: "user", Content: ws.Message.Content}},
		Temperature: 0.7,
	})
	if err != nil {
		ws.Candidate = p.fallbackText(ctx, ws)
		return fmt.Errorf("generation call: %w", err)
	}
	ws.Candidate = strings.TrimSpace(resp.Content)
	ws.TokensUsed += resp.TokensUsed
	return nil
}

// buildSystemPrompt assembles the generation system prompt. Interlocutor
// values pass through the masking service, so the model sees field names
// and types unless the schema marks a field safe.
func (p *GenerationPhase) buildSystemPrompt(ctx context.Context, ws *WorkingSet, masker *masking.Service) string {
	var b strings.Builder
	b.WriteString("You are a conversational agent. Follow the rules and guidance below exactly.\n")

	if len(ws.Glossary) > 0 {
		b.WriteString("\nDomain glossary:\n")
		for _, item := range ws.Glossary {
			fmt.Fprintf(&b, "- %s: %s\n", item.Term, item.Definition)
		}
	}

	if view := masker.SchemaView(ws.ActiveProfileFields()); view != "" {
		b.WriteString("\nKnown interlocutor fields:\n")
		b.WriteString(view)
	}

	if ws.Scenario != nil && ws.Step != nil {
		fmt.Fprintf(&b, "\nActive scenario: %s, current step: %s.\n", ws.Scenario.Name, ws.Step.Name)
		if ws.Step.Prompt != "" {
			fmt.Fprintf(&b, "Step guidance: %s\n", ws.Step.Prompt)
		}
	}

	if len(ws.Matched) > 0 {
		b.WriteString("\nBehavioral rules in effect:\n")
		for _, m := range ws.Matched {
			fmt.Fprintf(&b, "- When %s: %s\n", m.Rule.ConditionText, m.Rule.ActionText)
		}
	}

	if suggestions := p.suggestTemplates(ctx, ws, masker); len(suggestions) > 0 {
		b.WriteString("\nSuggested phrasings you may adapt:\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}

	if ws.AskPrompt != "" {
		b.WriteString("\n" + ws.AskPrompt + "\n")
	}
	return b.String()
}

// suggestTemplates returns the applicable suggest-mode templates resolved
// against prompt-safe values only.
func (p *GenerationPhase) suggestTemplates(ctx context.Context, ws *WorkingSet, masker *masking.Service) []string {
	tpls, err := p.Configs.ListTemplates(ctx, ws.Tenant, models.TemplateSuggest)
	if err != nil {
		p.Logger.Warn("Failed to list suggest templates", "error", err)
		return nil
	}
	resolver := template.NewResolver(masker.SafeValues(ws.ActiveProfileFields()), ws.Session.Variables)
	var out []string
	for _, tpl := range tpls {
		if templateSpecificity(tpl, ws) == 0 {
			continue
		}
		out = append(out, resolver.Resolve(tpl.Body).Text)
	}
	return out
}

// selectByMode picks the most specific, highest-priority applicable
// template of the given mode.
func (p *GenerationPhase) selectByMode(ctx context.Context, ws *WorkingSet, mode models.TemplateMode) *models.Template {
	tpls, err := p.Configs.ListTemplates(ctx, ws.Tenant, mode)
	if err != nil {
		p.Logger.Warn("Failed to list templates", "mode", mode, "error", err)
		return nil
	}
	return SelectTemplate(tpls, ws)
}

func (p *GenerationPhase) fallbackText(ctx context.Context, ws *WorkingSet) string {
	if tpl := p.selectByMode(ctx, ws, models.TemplateFallback); tpl != nil {
		resolver := template.NewResolver(ws.ActiveProfileFields(), ws.Session.Variables)
		return resolver.Resolve(tpl.Body).Text
	}
	return enforce.GenericSafeResponse
}

// SelectTemplate picks the template that binds most tightly to the
// session's position. Step scope beats scenario scope beats global; within
// a tier, priority descending, then id ascending.
func SelectTemplate(tpls []*models.Template, ws *WorkingSet) *models.Template {
	var best *models.Template
	bestSpec := 0
	for _, tpl := range tpls {
		spec := templateSpecificity(tpl, ws)
		if spec == 0 {
			continue
		}
		switch {
		case best == nil, spec > bestSpec:
		case spec == bestSpec && tpl.Priority > best.Priority:
		case spec == bestSpec && tpl.Priority == best.Priority && tpl.ID < best.ID:
		default:
			continue
		}
		best, bestSpec = tpl, spec
	}
	return best
}

// templateSpecificity scores applicability: 3 for the active step, 2 for
// the active scenario, 1 for global, 0 for not applicable.
func templateSpecificity(tpl *models.Template, ws *WorkingSet) int {
	switch tpl.Scope {
	case models.ScopeStep:
		if ws.Step != nil && tpl.ScopeID == ws.Step.ID {
			return 3
		}
	case models.ScopeScenario:
		if ws.Scenario != nil && tpl.ScopeID == ws.Scenario.ID {
			return 2
		}
	case models.ScopeGlobal, "":
		return 1
	}
	return 0
}
