package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/observability"
)

// Runner executes the phase sequence in order, recording timings and
// applying each phase's failure mode.
type Runner struct {
	phases    []Phase
	cfg       *config.Config
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewRunner builds a runner over an ordered phase list.
func NewRunner(phases []Phase, cfg *config.Config, publisher events.Publisher, metrics *observability.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		phases:    phases,
		cfg:       cfg,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With("component", "pipeline"),
	}
}

// Run executes every phase against the working set. A fatal phase error
// aborts and is returned; degraded phases continue with their neutral
// outputs.
func (r *Runner) Run(ctx context.Context, ws *WorkingSet) error {
	log := r.logger.With("turn_id", ws.TurnID, "session_id", ws.Message.ChannelUserID)
	for _, phase := range r.phases {
		timing := models.PhaseTiming{Phase: phase.Name(), StartedAt: time.Now()}

		if !r.cfg.Pipeline.PhaseEnabled(phase.Name()) && phase.FailureMode() != Fatal {
			timing.Skipped = true
			timing.SkipReason = "disabled by configuration"
			timing.EndedAt = timing.StartedAt
			ws.Timings = append(ws.Timings, timing)
			continue
		}

		phaseCtx, span := observability.StartPhaseSpan(ctx, phase.Name(), ws.Message.ChannelUserID, ws.TurnID)
		err := phase.Run(phaseCtx, ws)
		timing.EndedAt = time.Now()
		timing.DurationMS = timing.EndedAt.Sub(timing.StartedAt).Milliseconds()
		observability.EndSpan(span, err)

		outcome := "ok"
		if err != nil {
			switch phase.FailureMode() {
			case Fatal:
				outcome = "fatal"
				ws.Timings = append(ws.Timings, timing)
				r.metrics.PhaseDuration.WithLabelValues(phase.Name(), outcome).Observe(timing.EndedAt.Sub(timing.StartedAt).Seconds())
				return fmt.Errorf("phase %s: %w", phase.Name(), err)
			case Degrade:
				outcome = "degraded"
				timing.SkipReason = err.Error()
				log.Warn("Phase degraded", "phase", phase.Name(), "error", err)
				r.publisher.Publish(events.Event{
					Kind:      events.KindPhaseDegraded,
					TenantID:  ws.Tenant.TenantID,
					AgentID:   ws.Tenant.AgentID,
					SessionID: sessionID(ws),
					TurnID:    ws.TurnID,
					Payload:   map[string]any{"phase": phase.Name(), "error": err.Error()},
				})
			case Skip:
				outcome = "skipped"
				timing.Skipped = true
				timing.SkipReason = err.Error()
			}
		}
		ws.Timings = append(ws.Timings, timing)
		r.metrics.PhaseDuration.WithLabelValues(phase.Name(), outcome).Observe(timing.EndedAt.Sub(timing.StartedAt).Seconds())
		r.publisher.Publish(events.Event{
			Kind:      events.KindPhaseCompleted,
			TenantID:  ws.Tenant.TenantID,
			AgentID:   ws.Tenant.AgentID,
			SessionID: sessionID(ws),
			TurnID:    ws.TurnID,
			Payload:   map[string]any{"phase": phase.Name(), "outcome": outcome, "duration_ms": timing.DurationMS},
		})
	}
	return nil
}

func sessionID(ws *WorkingSet) string {
	if ws.Session != nil {
		return ws.Session.ID
	}
	return ""
}
