package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parley-ai/parley/pkg/migration"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

// ContextLoadPhase (phase 1) builds the turn context: profile snapshot,
// schema, glossary, the live scenario, and the migration reconciliation
// result.
type ContextLoadPhase struct {
	Configs  repo.ConfigRepository
	Profiles repo.InterlocutorRepository
	Migrator *migration.Engine
	Logger   *slog.Logger
}

func (p *ContextLoadPhase) Name() string             { return "context_load" }
func (p *ContextLoadPhase) FailureMode() FailureMode { return Fatal }

func (p *ContextLoadPhase) Run(ctx context.Context, ws *WorkingSet) error {
	defs, err := p.Configs.ListFieldDefinitions(ctx, ws.Tenant)
	if err != nil {
		return fmt.Errorf("loading field definitions: %w", err)
	}
	ws.FieldDefs = defs

	glossary, err := p.Configs.ListGlossary(ctx, ws.Tenant)
	if err != nil {
		return fmt.Errorf("loading glossary: %w", err)
	}
	ws.Glossary = glossary

	if ws.Session.ProfileID != "" {
		profile, err := p.Profiles.Get(ctx, ws.Tenant, ws.Session.ProfileID)
		switch {
		case err == nil:
			ws.Profile = profile
		case errors.Is(err, serviceerr.ErrNotFound):
			p.Logger.Warn("Session references missing profile",
				"session_id", ws.Session.ID, "profile_id", ws.Session.ProfileID)
		default:
			return fmt.Errorf("loading profile: %w", err)
		}
	}

	rec, err := p.Migrator.Reconcile(ctx, ws.Tenant, ws.Session)
	if err != nil {
		return fmt.Errorf("reconciling scenario version: %w", err)
	}
	ws.Reconciliation = rec
	if rec.Action == models.ReconcileCollect {
		ws.MissingFields = rec.CollectFields
		ws.AskPrompt = rec.CollectPrompt
	}

	if ws.Session.ActiveScenarioID != "" {
		scenario, err := p.Configs.GetScenario(ctx, ws.Tenant, ws.Session.ActiveScenarioID)
		switch {
		case err == nil:
			ws.Scenario = scenario
			ws.Step = scenario.Step(ws.Session.ActiveStepID)
		case errors.Is(err, serviceerr.ErrNotFound):
			p.Logger.Warn("Active scenario no longer exists",
				"session_id", ws.Session.ID, "scenario_id", ws.Session.ActiveScenarioID)
		default:
			return fmt.Errorf("loading scenario: %w", err)
		}
	}
	return nil
}
