package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/memory"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

// AuditPhase (phase 12) writes the immutable turn record and audit event
// and hands the turn to memory ingestion. Everything here is best-effort:
// the response has already been committed, so failures are logged and the
// turn still succeeds.
type AuditPhase struct {
	Audit     repo.AuditRepository
	Ingestion *memory.Service
	Logger    *slog.Logger
}

func (p *AuditPhase) Name() string             { return "audit" }
func (p *AuditPhase) FailureMode() FailureMode { return Skip }

func (p *AuditPhase) Run(ctx context.Context, ws *WorkingSet) error {
	now := time.Now()
	var errs []error

	rec := &models.TurnRecord{
		ID:           ws.TurnID,
		TenantID:     ws.Tenant.TenantID,
		AgentID:      ws.Tenant.AgentID,
		SessionID:    ws.Session.ID,
		TurnNumber:   ws.Session.TurnCount,
		UserMessage:  ws.Message.Content,
		Response:     ws.Response,
		MatchedRules: matchedRuleIDs(ws.Matched),
		Enforcement:  ws.Enforcement,
		PhaseTimings: ws.Timings,
		TokensUsed:   ws.TokensUsed,
		LatencyMS:    totalLatency(ws.Timings),
		CreatedAt:    now,
	}
	if ws.Session.ActiveScenarioID != "" {
		rec.ScenarioState = models.ScenarioState{
			ScenarioID: ws.Session.ActiveScenarioID,
			StepID:     ws.Session.ActiveStepID,
			Version:    ws.Session.ActiveScenarioVersion,
		}
	}
	if err := p.Audit.SaveTurnRecord(ctx, ws.Tenant, rec); err != nil {
		p.Logger.Error("Failed to save turn record", "turn_id", ws.TurnID, "error", err)
		errs = append(errs, fmt.Errorf("turn record: %w", err))
	}

	ev := &models.AuditEvent{
		ID:        uuid.NewString(),
		TenantID:  ws.Tenant.TenantID,
		AgentID:   ws.Tenant.AgentID,
		SessionID: ws.Session.ID,
		TurnID:    ws.TurnID,
		Kind:      "turn.completed",
		Payload: map[string]any{
			"enforcement_passed": ws.Enforcement.Passed,
			"fallback_used":      ws.Enforcement.FallbackUsed,
			"matched_rules":      len(ws.Matched),
		},
		CreatedAt: now,
	}
	if err := p.Audit.SaveAuditEvent(ctx, ws.Tenant, ev); err != nil {
		p.Logger.Error("Failed to save audit event", "turn_id", ws.TurnID, "error", err)
		errs = append(errs, fmt.Errorf("audit event: %w", err))
	}

	if p.Ingestion != nil {
		if _, err := p.Ingestion.IngestTurn(ctx, ws.Tenant, ws.Session, ws.Message.Content, ws.Response); err != nil {
			p.Logger.Error("Failed to ingest turn", "turn_id", ws.TurnID, "error", err)
			errs = append(errs, fmt.Errorf("ingestion: %w", err))
		}
	}
	return errors.Join(errs...)
}

func matchedRuleIDs(matched []models.MatchedRule) []string {
	if len(matched) == 0 {
		return nil
	}
	ids := make([]string, len(matched))
	for i, m := range matched {
		ids[i] = m.Rule.ID
	}
	return ids
}

func totalLatency(timings []models.PhaseTiming) int64 {
	if len(timings) == 0 {
		return 0
	}
	return timings[len(timings)-1].EndedAt.Sub(timings[0].StartedAt).Milliseconds()
}
