package pipeline

import (
	"context"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/tools"
)

// PreToolsPhase (phase 7) executes the before_step and during_step tool
// bindings of the active step and matched rules. Individual tool failures
// land in the call records; the phase itself does not fail the turn.
type PreToolsPhase struct {
	Executor *tools.Executor
}

func (p *PreToolsPhase) Name() string             { return "tools_before" }
func (p *PreToolsPhase) FailureMode() FailureMode { return Degrade }

func (p *PreToolsPhase) Run(ctx context.Context, ws *WorkingSet) error {
	bindings := ws.StepBindings()
	if len(bindings) == 0 {
		return nil
	}
	for _, when := range []models.ToolBindingWhen{models.BeforeStep, models.DuringStep} {
		ws.ToolRecords = append(ws.ToolRecords, p.Executor.Run(ctx, ws.Tenant, ws.Session, bindings, when)...)
	}
	return nil
}

// PostToolsPhase (phase 10) executes the after_step bindings once the
// response has passed enforcement. Side effects here see the final
// response already committed to the user.
type PostToolsPhase struct {
	Executor *tools.Executor
}

func (p *PostToolsPhase) Name() string             { return "tools_after" }
func (p *PostToolsPhase) FailureMode() FailureMode { return Degrade }

func (p *PostToolsPhase) Run(ctx context.Context, ws *WorkingSet) error {
	bindings := ws.StepBindings()
	if len(bindings) == 0 {
		return nil
	}
	ws.ToolRecords = append(ws.ToolRecords, p.Executor.Run(ctx, ws.Tenant, ws.Session, bindings, models.AfterStep)...)
	return nil
}
