// Package runtime is the turn entrypoint: it deduplicates requests across
// the idempotency layers, serializes turns per session, runs the pipeline,
// and guarantees a well-formed result even when the pipeline fails.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/pkg/channel"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/enforce"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/llm"
	"github.com/parley-ai/parley/pkg/locks"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
	"github.com/parley-ai/parley/pkg/pipeline"
	"github.com/parley-ai/parley/pkg/repo"
	"github.com/parley-ai/parley/pkg/serviceerr"
)

const (
	defaultAPIIdempotencyTTL  = 300 * time.Second
	defaultTurnIdempotencyTTL = 60 * time.Second
)

// Runtime processes turns end to end.
type Runtime struct {
	cfg       *config.Config
	gateway   *channel.Gateway
	runner    *pipeline.Runner
	idem      repo.IdempotencyCache
	locks     locks.LockManager
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewRuntime wires the turn processor.
func NewRuntime(
	cfg *config.Config,
	gateway *channel.Gateway,
	runner *pipeline.Runner,
	idem repo.IdempotencyCache,
	lockMgr locks.LockManager,
	publisher events.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Runtime {
	return &Runtime{
		cfg:       cfg,
		gateway:   gateway,
		runner:    runner,
		idem:      idem,
		locks:     lockMgr,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("component", "runtime"),
	}
}

// ProcessTurn runs one turn. idempotencyKey is the caller-supplied API
// layer key and may be empty. A pipeline failure still returns a result
// carrying the generic safe response, so callers always have something to
// deliver.
func (r *Runtime) ProcessTurn(ctx context.Context, msg models.InboundMessage, idempotencyKey string) (*models.AlignmentResult, error) {
	if err := r.gateway.Normalize(&msg); err != nil {
		return nil, err
	}
	t := repo.Tenant{TenantID: msg.TenantID, AgentID: msg.AgentID}

	if idempotencyKey != "" {
		if cached, done, err := r.claim(ctx, repo.LayerAPI, idempotencyKey, r.apiTTL()); err != nil {
			return nil, err
		} else if done {
			return cached, nil
		}
	}

	if deadline := r.cfg.Pipeline.Budgets.TurnDeadline; deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	// The session lock covers resolution too, so two first-contact turns
	// for the same user cannot both create a session.
	lockKey := t.TenantID + "/" + t.AgentID + "/" + msg.Channel + "/" + msg.ChannelUserID
	release, err := r.acquireLock(ctx, lockKey, msg.Channel)
	if err != nil {
		r.releaseClaim(ctx, repo.LayerAPI, idempotencyKey)
		return nil, err
	}
	defer release()

	session, _, err := r.gateway.ResolveSession(ctx, t, &msg)
	if err != nil {
		r.releaseClaim(ctx, repo.LayerAPI, idempotencyKey)
		return nil, err
	}

	turnKey := deriveTurnKey(session, msg.Content)
	if cached, done, err := r.claim(ctx, repo.LayerTurn, turnKey, r.turnTTL()); err != nil {
		r.releaseClaim(ctx, repo.LayerAPI, idempotencyKey)
		return nil, err
	} else if done {
		r.completeClaim(ctx, repo.LayerAPI, idempotencyKey, cached, r.apiTTL())
		return cached, nil
	}

	result, err := r.run(ctx, t, session, msg)
	if err != nil {
		r.metrics.TurnsTotal.WithLabelValues("failed").Inc()
		r.publisher.Publish(events.Event{
			Kind:      events.KindTurnFailed,
			TenantID:  t.TenantID,
			AgentID:   t.AgentID,
			SessionID: session.ID,
			TurnID:    result.TurnID,
			Payload:   map[string]any{"error": err.Error()},
		})
		r.releaseClaim(ctx, repo.LayerTurn, turnKey)
		r.releaseClaim(ctx, repo.LayerAPI, idempotencyKey)
		r.logger.Error("Turn failed", "turn_id", result.TurnID, "session_id", session.ID, "error", err)
		return result, nil
	}

	r.metrics.TurnsTotal.WithLabelValues("ok").Inc()
	r.completeClaim(ctx, repo.LayerTurn, turnKey, result, r.turnTTL())
	r.completeClaim(ctx, repo.LayerAPI, idempotencyKey, result, r.apiTTL())
	r.publisher.Publish(events.Event{
		Kind:      events.KindTurnCompleted,
		TenantID:  t.TenantID,
		AgentID:   t.AgentID,
		SessionID: session.ID,
		TurnID:    result.TurnID,
		Payload:   map[string]any{"latency_ms": result.LatencyMS},
	})
	return result, nil
}

// ProcessTurnStream processes the turn and streams the final response.
// Enforcement must see the complete candidate before anything reaches the
// user, so chunks are emitted only after the pipeline finishes.
func (r *Runtime) ProcessTurnStream(ctx context.Context, msg models.InboundMessage, idempotencyKey string) (<-chan llm.StreamChunk, error) {
	result, err := r.ProcessTurn(ctx, msg, idempotencyKey)
	if err != nil {
		return nil, err
	}
	out := make(chan llm.StreamChunk, 2)
	out <- llm.StreamChunk{Content: result.Response}
	out <- llm.StreamChunk{Done: true}
	close(out)
	return out, nil
}

func (r *Runtime) run(ctx context.Context, t repo.Tenant, session *models.Session, msg models.InboundMessage) (*models.AlignmentResult, error) {
	start := time.Now()
	ws := &pipeline.WorkingSet{
		Tenant:  t,
		TurnID:  uuid.NewString(),
		Message: msg,
		Session: session,
		Config:  r.cfg.Pipeline,
	}
	r.publisher.Publish(events.Event{
		Kind:      events.KindTurnStarted,
		TenantID:  t.TenantID,
		AgentID:   t.AgentID,
		SessionID: session.ID,
		TurnID:    ws.TurnID,
	})

	if err := r.runner.Run(ctx, ws); err != nil {
		return safeResult(ws, err), err
	}
	return ws.Result(time.Since(start).Milliseconds()), nil
}

// claim implements the shared check-then-mark dance of the api and turn
// layers. done reports that a cached result was returned.
func (r *Runtime) claim(ctx context.Context, layer repo.IdempotencyLayer, key string, ttl time.Duration) (*models.AlignmentResult, bool, error) {
	entry, err := r.idem.Check(ctx, layer, key)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency check (%s): %w", layer, err)
	}
	switch entry.State {
	case repo.IdempotencyComplete:
		var result models.AlignmentResult
		if err := json.Unmarshal(entry.Result, &result); err != nil {
			return nil, false, fmt.Errorf("decoding cached result (%s): %w", layer, err)
		}
		return &result, true, nil
	case repo.IdempotencyProcessing:
		return nil, false, fmt.Errorf("%w: request is already processing", serviceerr.ErrConflict)
	}
	ok, err := r.idem.MarkProcessing(ctx, layer, key, ttl)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency claim (%s): %w", layer, err)
	}
	if !ok {
		return nil, false, fmt.Errorf("%w: request is already processing", serviceerr.ErrConflict)
	}
	return nil, false, nil
}

func (r *Runtime) completeClaim(ctx context.Context, layer repo.IdempotencyLayer, key string, result *models.AlignmentResult, ttl time.Duration) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := r.idem.MarkComplete(ctx, layer, key, raw, ttl); err != nil {
		r.logger.Warn("Failed to complete idempotency entry", "layer", layer, "error", err)
	}
}

func (r *Runtime) releaseClaim(ctx context.Context, layer repo.IdempotencyLayer, key string) {
	if key == "" {
		return
	}
	if err := r.idem.Release(ctx, layer, key); err != nil {
		r.logger.Warn("Failed to release idempotency entry", "layer", layer, "error", err)
	}
}

// acquireLock serializes turns per session key. The reject supersede mode
// refuses a message while another turn holds the lock; queue and replace
// both wait their turn.
func (r *Runtime) acquireLock(ctx context.Context, key, channelName string) (func(), error) {
	if r.gateway.Policy(channelName).SupersedeMode == config.SupersedeReject {
		release, ok := r.locks.TryAcquire(key)
		if !ok {
			return nil, fmt.Errorf("%w: another turn is in flight for this session", serviceerr.ErrConflict)
		}
		return release, nil
	}
	release, err := r.locks.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for session lock: %v", serviceerr.ErrTimeout, err)
	}
	return release, nil
}

func (r *Runtime) apiTTL() time.Duration {
	if r.cfg.Runtime != nil && r.cfg.Runtime.APIIdempotencyTTL > 0 {
		return r.cfg.Runtime.APIIdempotencyTTL
	}
	return defaultAPIIdempotencyTTL
}

func (r *Runtime) turnTTL() time.Duration {
	if r.cfg.Runtime != nil && r.cfg.Runtime.TurnIdempotencyTTL > 0 {
		return r.cfg.Runtime.TurnIdempotencyTTL
	}
	return defaultTurnIdempotencyTTL
}

// deriveTurnKey fingerprints a turn so channel-level retries of the same
// message dedupe even without an API idempotency key.
func deriveTurnKey(session *models.Session, content string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", session.ID, session.TurnCount, content)))
	return hex.EncodeToString(sum[:])
}

// safeResult is the turn result for a fatal pipeline failure: the generic
// safe response, marked as not having passed enforcement. FallbackUsed
// stays false: no fallback template was applied.
func safeResult(ws *pipeline.WorkingSet, err error) *models.AlignmentResult {
	sessionID := ""
	if ws.Session != nil {
		sessionID = ws.Session.ID
	}
	return &models.AlignmentResult{
		TurnID:    ws.TurnID,
		SessionID: sessionID,
		Response:  enforce.GenericSafeResponse,
		Enforcement: models.EnforcementSummary{
			Passed:     false,
			Violations: []string{"turn failed: " + err.Error()},
		},
		PhaseTimings: ws.Timings,
	}
}
