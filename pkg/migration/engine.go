package migration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/repo"
)

// Engine decides what happens to a session whose scenario version fell
// behind the live one. Reconcile mutates the session in place; the caller
// persists it with the rest of the turn.
type Engine struct {
	configs   repo.ConfigRepository
	resolver  MissingFieldResolver
	mapper    *CompositeMapper
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine builds the reconciliation engine. The resolver may be nil, in
// which case gap fills that the session cannot satisfy always COLLECT.
func NewEngine(configs repo.ConfigRepository, resolver MissingFieldResolver, publisher events.Publisher, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		configs:   configs,
		resolver:  resolver,
		mapper:    NewCompositeMapper(configs),
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("component", "migration"),
		now:       time.Now,
	}
}

// Reconcile runs before the pipeline processes the next turn.
func (e *Engine) Reconcile(ctx context.Context, t repo.Tenant, session *models.Session) (*models.ReconciliationResult, error) {
	if session.ActiveScenarioID == "" {
		return &models.ReconciliationResult{Action: models.ReconcileContinue}, nil
	}

	live, err := e.configs.GetScenario(ctx, t, session.ActiveScenarioID)
	if err != nil {
		return nil, fmt.Errorf("loading live scenario %s: %w", session.ActiveScenarioID, err)
	}
	liveChecksum := ScenarioChecksum(live)

	// Step 1: nothing changed, or a previous reconciliation already landed.
	if session.ScenarioChecksum == liveChecksum {
		session.ActiveScenarioVersion = live.Version
		session.PendingMigration = nil
		session.MigrationState = models.MigrationSynced
		return &models.ReconciliationResult{Action: models.ReconcileContinue}, nil
	}

	session.MigrationState = models.MigrationMigrating
	log := e.logger.With("session_id", session.ID, "scenario_id", live.ID,
		"from_version", session.ActiveScenarioVersion, "to_version", live.Version)

	currentHash := e.currentStepHash(ctx, t, session)

	chain, err := e.mapper.PlanChain(ctx, t, live.ID, session.ActiveScenarioVersion, live.Version)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 || currentHash == "" {
		return e.fallback(t, session, live, liveChecksum, log), nil
	}

	// Steps 3-7: walk the chain, carrying the anchor hash across versions.
	// The most restrictive scenario kind along the chain wins.
	kind := models.CleanGraft
	var targetStepID string
	var collectFields []string
	var forks []models.ForkBranch
	hash := currentHash
	for _, plan := range chain {
		anchor := plan.Anchor(hash)
		if anchor == nil {
			log.Info("No anchor for step hash, using fallback", "plan_to_version", plan.ToVersion)
			return e.fallback(t, session, live, liveChecksum, log), nil
		}

		policy := anchor.Policy
		if policy != nil && len(policy.ScopeFilter) > 0 && !contains(policy.ScopeFilter, session.Channel) {
			policy = nil
		}
		if policy != nil && policy.UpdateDownstream != nil && !*policy.UpdateDownstream {
			// Step 4: leave the session where it is, on the new version.
			return e.applyVersionBump(ctx, t, session, live, liveChecksum, plan.ToVersion, log), nil
		}
		anchorKind := anchor.Scenario
		if policy != nil && policy.ForceScenario != "" {
			forced := models.MigrationScenario(policy.ForceScenario)
			switch forced {
			case models.CleanGraft, models.GapFill, models.ReRoute:
				anchorKind = forced
			default:
				log.Warn("Ignoring invalid force_scenario", "force_scenario", policy.ForceScenario)
			}
		}
		if anchorKind.Restrictiveness() > kind.Restrictiveness() {
			kind = anchorKind
		}
		for _, n := range anchor.Upstream.InsertedNodes {
			collectFields = append(collectFields, n.CollectsFields...)
		}
		forks = append(forks, anchor.Upstream.NewForks...)
		targetStepID = anchor.AnchorNodeIDV2

		hash, err = e.anchorHash(ctx, t, live, plan.ToVersion, anchor.AnchorNodeIDV2)
		if err != nil {
			return nil, err
		}
		if hash == "" {
			log.Warn("Anchor target missing in destination version, using fallback",
				"target_step_id", anchor.AnchorNodeIDV2, "to_version", plan.ToVersion)
			return e.fallback(t, session, live, liveChecksum, log), nil
		}
	}

	if live.Step(targetStepID) == nil {
		return e.fallback(t, session, live, liveChecksum, log), nil
	}

	switch kind {
	case models.GapFill:
		return e.gapFill(ctx, t, session, live, liveChecksum, targetStepID, dedupe(collectFields), log), nil
	case models.ReRoute:
		return e.reRoute(t, session, live, liveChecksum, targetStepID, forks, log), nil
	default:
		return e.teleport(t, session, live, liveChecksum, targetStepID, "migration:clean_graft", nil, log), nil
	}
}

// currentStepHash prefers the recorded hash from step history and falls
// back to recomputing it from the archived version.
func (e *Engine) currentStepHash(ctx context.Context, t repo.Tenant, session *models.Session) string {
	for i := len(session.StepHistory) - 1; i >= 0; i-- {
		if session.StepHistory[i].StepID == session.ActiveStepID && session.StepHistory[i].StepContentHash != "" {
			return session.StepHistory[i].StepContentHash
		}
	}
	old, err := e.configs.GetScenarioVersion(ctx, t, session.ActiveScenarioID, session.ActiveScenarioVersion)
	if err != nil {
		return ""
	}
	step := old.Step(session.ActiveStepID)
	if step == nil {
		return ""
	}
	return StepContentHash(step)
}

func (e *Engine) anchorHash(ctx context.Context, t repo.Tenant, live *models.Scenario, version int, stepID string) (string, error) {
	sc := live
	if version != live.Version {
		var err error
		sc, err = e.configs.GetScenarioVersion(ctx, t, live.ID, version)
		if err != nil {
			return "", fmt.Errorf("loading scenario %s v%d: %w", live.ID, version, err)
		}
	}
	step := sc.Step(stepID)
	if step == nil {
		return "", nil
	}
	return StepContentHash(step), nil
}

// fallback is reconciliation step 2: hash-match teleport, then entry-step
// relocalization, then scenario exit.
func (e *Engine) fallback(t repo.Tenant, session *models.Session, live *models.Scenario, liveChecksum string, log *slog.Logger) *models.ReconciliationResult {
	for i := len(session.StepHistory) - 1; i >= 0; i-- {
		if session.StepHistory[i].StepID != session.ActiveStepID {
			continue
		}
		if step := StepByContentHash(live, session.StepHistory[i].StepContentHash); step != nil {
			log.Info("Fallback hash match", "target_step_id", step.ID)
			return e.teleport(t, session, live, liveChecksum, step.ID, "migration:hash_match", nil, log)
		}
		break
	}
	if live.Step(live.EntryStepID) != nil {
		log.Info("Fallback relocalization to entry step")
		return e.teleport(t, session, live, liveChecksum, live.EntryStepID, "migration:relocalize", nil, log)
	}
	return e.exitScenario(t, session, log)
}

func (e *Engine) gapFill(ctx context.Context, t repo.Tenant, session *models.Session, live *models.Scenario, liveChecksum, targetStepID string, fields []string, log *slog.Logger) *models.ReconciliationResult {
	var missing []string
	var autoFilled []string
	for _, field := range fields {
		if _, ok := session.Variable(field); ok {
			continue
		}
		if e.resolver != nil {
			res, err := e.resolver.Resolve(ctx, t, session, field)
			if err != nil {
				log.Warn("Field resolution failed", "field", field, "error", err)
			}
			if res != nil && res.Confidence >= ThresholdUse {
				session.SetVariable(field, res.Value)
				autoFilled = append(autoFilled, field)
				e.publisher.Publish(events.Event{
					Kind:      events.KindGapFillAutoFilled,
					TenantID:  t.TenantID,
					AgentID:   t.AgentID,
					SessionID: session.ID,
					Payload: map[string]any{
						"field":        field,
						"source":       res.Source,
						"confidence":   res.Confidence,
						"need_confirm": res.NeedConfirm,
					},
				})
				log.Info("gap_fill_auto_filled", "field", field, "source", res.Source, "confidence", res.Confidence)
				continue
			}
		}
		missing = append(missing, field)
	}

	if len(missing) > 0 {
		session.MigrationState = models.MigrationPending
		e.metrics.MigrationActions.WithLabelValues(string(models.ReconcileCollect)).Inc()
		e.publisher.Publish(events.Event{
			Kind:      events.KindMigrationCollect,
			TenantID:  t.TenantID,
			AgentID:   t.AgentID,
			SessionID: session.ID,
			Payload:   map[string]any{"collect_fields": missing},
		})
		return &models.ReconciliationResult{
			Action:        models.ReconcileCollect,
			TargetStepID:  targetStepID,
			CollectFields: missing,
			CollectPrompt: collectPrompt(missing),
			AutoFilled:    autoFilled,
		}
	}
	res := e.teleport(t, session, live, liveChecksum, targetStepID, "migration:gap_fill", autoFilled, log)
	return res
}

func (e *Engine) reRoute(t repo.Tenant, session *models.Session, live *models.Scenario, liveChecksum, targetStepID string, forks []models.ForkBranch, log *slog.Logger) *models.ReconciliationResult {
	// A teleport that lands upstream of an already-passed checkpoint would
	// replay work the checkpoint sealed; block it.
	if warning, blocked := e.checkpointBlocks(session, live, targetStepID, forks); blocked {
		session.MigrationState = models.MigrationPending
		e.metrics.MigrationActions.WithLabelValues("blocked").Inc()
		e.publisher.Publish(events.Event{
			Kind:      events.KindMigrationBlocked,
			TenantID:  t.TenantID,
			AgentID:   t.AgentID,
			SessionID: session.ID,
			Payload:   map[string]any{"warning": warning},
		})
		log.Info("Re-route blocked by checkpoint", "warning", warning)
		return &models.ReconciliationResult{
			Action:              models.ReconcileContinue,
			BlockedByCheckpoint: true,
			CheckpointWarning:   warning,
		}
	}

	for _, branch := range forks {
		if live.Step(branch.ToStepID) == nil {
			continue
		}
		satisfied := true
		for _, field := range branch.ConditionFields {
			if _, ok := session.Variable(field); !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			return e.teleport(t, session, live, liveChecksum, branch.ToStepID, "migration:re_route", nil, log)
		}
	}
	return e.teleport(t, session, live, liveChecksum, targetStepID, "migration:re_route", nil, log)
}

// checkpointBlocks reports whether moving to any re-route destination
// would cross back over a checkpoint the session already passed. The
// checkpoint is located in the new version by content hash.
func (e *Engine) checkpointBlocks(session *models.Session, live *models.Scenario, targetStepID string, forks []models.ForkBranch) (string, bool) {
	var checkpointHash string
	for i := len(session.StepHistory) - 1; i >= 0; i-- {
		visit := session.StepHistory[i]
		if step := StepByContentHash(live, visit.StepContentHash); step != nil && step.IsCheckpoint {
			checkpointHash = visit.StepContentHash
			break
		}
	}
	if checkpointHash == "" {
		return "", false
	}
	checkpoint := StepByContentHash(live, checkpointHash)

	candidates := []string{targetStepID}
	for _, f := range forks {
		candidates = append(candidates, f.ToStepID)
	}
	for _, id := range candidates {
		if id != checkpoint.ID && upstreamOf(live, id, checkpoint.ID) {
			return fmt.Sprintf("re-route to step %q would move backwards past checkpoint %q", id, checkpoint.ID), true
		}
	}
	return "", false
}

// upstreamOf reports whether from is strictly upstream of to: to is
// reachable from from via transitions.
func upstreamOf(sc *models.Scenario, from, to string) bool {
	visited := map[string]bool{}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		step := sc.Step(id)
		if step == nil {
			continue
		}
		for _, tr := range step.Transitions {
			if tr.ToStepID == to {
				return true
			}
			queue = append(queue, tr.ToStepID)
		}
	}
	return false
}

func (e *Engine) teleport(t repo.Tenant, session *models.Session, live *models.Scenario, liveChecksum, targetStepID, reason string, autoFilled []string, log *slog.Logger) *models.ReconciliationResult {
	step := live.Step(targetStepID)
	session.ActiveScenarioVersion = live.Version
	session.ScenarioChecksum = liveChecksum
	session.VisitStep(targetStepID, StepContentHash(step), reason, e.now())
	session.PendingMigration = nil
	session.MigrationState = models.MigrationSynced

	e.metrics.MigrationActions.WithLabelValues(string(models.ReconcileTeleport)).Inc()
	e.publisher.Publish(events.Event{
		Kind:      events.KindMigrationApplied,
		TenantID:  t.TenantID,
		AgentID:   t.AgentID,
		SessionID: session.ID,
		Payload:   map[string]any{"target_step_id": targetStepID, "reason": reason, "version": live.Version},
	})
	log.Info("Migration applied", "target_step_id", targetStepID, "reason", reason)
	return &models.ReconciliationResult{
		Action:       models.ReconcileTeleport,
		TargetStepID: targetStepID,
		AutoFilled:   autoFilled,
	}
}

func (e *Engine) applyVersionBump(ctx context.Context, t repo.Tenant, session *models.Session, live *models.Scenario, liveChecksum string, toVersion int, log *slog.Logger) *models.ReconciliationResult {
	session.ActiveScenarioVersion = toVersion
	if toVersion == live.Version {
		session.ScenarioChecksum = liveChecksum
		session.PendingMigration = nil
		session.MigrationState = models.MigrationSynced
	} else if sc, err := e.configs.GetScenarioVersion(ctx, t, live.ID, toVersion); err == nil {
		session.ScenarioChecksum = ScenarioChecksum(sc)
		session.MigrationState = models.MigrationPending
	}
	e.metrics.MigrationActions.WithLabelValues(string(models.ReconcileContinue)).Inc()
	log.Info("Version bumped in place", "to_version", toVersion)
	return &models.ReconciliationResult{Action: models.ReconcileContinue}
}

func (e *Engine) exitScenario(t repo.Tenant, session *models.Session, log *slog.Logger) *models.ReconciliationResult {
	session.ActiveScenarioID = ""
	session.ActiveStepID = ""
	session.ActiveScenarioVersion = 0
	session.ScenarioChecksum = ""
	session.PendingMigration = nil
	session.MigrationState = models.MigrationExited

	e.metrics.MigrationActions.WithLabelValues(string(models.ReconcileExitScenario)).Inc()
	e.publisher.Publish(events.Event{
		Kind:      events.KindMigrationExited,
		TenantID:  t.TenantID,
		AgentID:   t.AgentID,
		SessionID: session.ID,
	})
	log.Info("Scenario exited during migration")
	return &models.ReconciliationResult{Action: models.ReconcileExitScenario}
}

func collectPrompt(fields []string) string {
	if len(fields) == 1 {
		return fmt.Sprintf("Before we continue, could you provide your %s?", fields[0])
	}
	list := ""
	for i, f := range fields {
		if i > 0 {
			if i == len(fields)-1 {
				list += " and "
			} else {
				list += ", "
			}
		}
		list += f
	}
	return fmt.Sprintf("Before we continue, could you provide the following: %s?", list)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
