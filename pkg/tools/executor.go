package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/repo"
)

// Executor runs the tool bindings of a phase position, honoring
// depends_on ordering, required-variable gating, per-tool retries, and the
// 24h tool idempotency layer.
type Executor struct {
	gateway   Gateway
	idem      repo.IdempotencyCache
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger

	RetryCount   int
	RetryBackoff time.Duration
	IdemTTL      time.Duration
}

// NewExecutor builds a binding executor.
func NewExecutor(gateway Gateway, idem repo.IdempotencyCache, publisher events.Publisher, metrics *observability.Metrics, logger *slog.Logger) *Executor {
	return &Executor{
		gateway:      gateway,
		idem:         idem,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger.With("component", "tools"),
		RetryCount:   2,
		RetryBackoff: 200 * time.Millisecond,
		IdemTTL:      24 * time.Hour,
	}
}

// Run executes every binding whose position matches when, in dependency
// order. Tool outputs are merged into the session variables; failures mark
// the record and continue.
func (e *Executor) Run(ctx context.Context, t repo.Tenant, session *models.Session, bindings []models.ToolBinding, when models.ToolBindingWhen) []models.ToolCallRecord {
	var records []models.ToolCallRecord
	for _, binding := range orderBindings(bindings) {
		if binding.When != when {
			continue
		}
		records = append(records, e.runOne(ctx, t, session, binding))
	}
	return records
}

func (e *Executor) runOne(ctx context.Context, t repo.Tenant, session *models.Session, binding models.ToolBinding) models.ToolCallRecord {
	rec := models.ToolCallRecord{ToolID: binding.ToolID, When: binding.When}
	start := time.Now()
	defer func() {
		rec.DurationMS = time.Since(start).Milliseconds()
	}()

	args := map[string]any{}
	for _, name := range binding.RequiredVariables {
		v, ok := session.Variable(name)
		if !ok {
			rec.Error = fmt.Sprintf("required variable %q is not set", name)
			e.logger.Info("Skipping tool, missing required variable",
				"tool_id", binding.ToolID, "variable", name, "session_id", session.ID)
			return rec
		}
		args[name] = v
	}

	key := deriveIdempotencyKey(binding.ToolID, args, session.ID)
	if cached, err := e.idem.Check(ctx, repo.LayerTool, key); err == nil && cached.State == repo.IdempotencyComplete {
		rec.Succeeded = true
		e.applyResult(session, cached.Result)
		return rec
	}

	var result *Result
	var err error
	for attempt := 0; attempt <= e.RetryCount; attempt++ {
		rec.Attempts = attempt + 1
		if attempt > 0 {
			select {
			case <-time.After(e.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				rec.Error = ctx.Err().Error()
				return rec
			}
		}
		result, err = e.gateway.Execute(ctx, t, binding.ToolID, args, key)
		if err == nil {
			break
		}
	}
	if err != nil {
		rec.Error = err.Error()
		e.metrics.ToolCalls.WithLabelValues(binding.ToolID, "failed").Inc()
		e.publisher.Publish(events.Event{
			Kind:      events.KindToolFailed,
			TenantID:  t.TenantID,
			AgentID:   t.AgentID,
			SessionID: session.ID,
			Payload:   map[string]any{"tool_id": binding.ToolID, "error": err.Error()},
		})
		e.logger.Warn("Tool failed after retries",
			"tool_id", binding.ToolID, "attempts", rec.Attempts, "error", err)
		return rec
	}

	rec.Succeeded = true
	e.metrics.ToolCalls.WithLabelValues(binding.ToolID, "ok").Inc()
	for k, v := range result.Output {
		session.SetVariable(k, v)
	}
	if raw, merr := json.Marshal(result); merr == nil {
		_ = e.idem.MarkComplete(ctx, repo.LayerTool, key, raw, e.IdemTTL)
	}
	e.publisher.Publish(events.Event{
		Kind:      events.KindToolExecuted,
		TenantID:  t.TenantID,
		AgentID:   t.AgentID,
		SessionID: session.ID,
		Payload:   map[string]any{"tool_id": binding.ToolID, "attempts": rec.Attempts},
	})
	return rec
}

func (e *Executor) applyResult(session *models.Session, raw []byte) {
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return
	}
	for k, v := range result.Output {
		session.SetVariable(k, v)
	}
}

// deriveIdempotencyKey produces a stable key from the tool, its canonical
// JSON arguments, and the session, so a retried turn does not re-execute a
// side effect that already completed.
func deriveIdempotencyKey(toolID string, args map[string]any, sessionID string) string {
	canonical, _ := json.Marshal(args)
	sum := sha256.Sum256([]byte(toolID + string(canonical) + sessionID))
	return hex.EncodeToString(sum[:])
}

// orderBindings performs a stable topological sort over depends_on. Cycles
// and unknown dependencies fall back to list order.
func orderBindings(bindings []models.ToolBinding) []models.ToolBinding {
	index := map[string]int{}
	for i, b := range bindings {
		index[b.ToolID] = i
	}
	var ordered []models.ToolBinding
	state := make([]int, len(bindings)) // 0 unvisited, 1 visiting, 2 done
	var visit func(i int)
	visit = func(i int) {
		if state[i] != 0 {
			return
		}
		state[i] = 1
		for _, dep := range bindings[i].DependsOn {
			if j, ok := index[dep]; ok && state[j] == 0 {
				visit(j)
			}
		}
		state[i] = 2
		ordered = append(ordered, bindings[i])
	}
	for i := range bindings {
		visit(i)
	}
	return ordered
}
