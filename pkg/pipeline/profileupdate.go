package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/parley-ai/parley/pkg/models"
	"github.com/parley-ai/parley/pkg/repo"
)

// inferredConfidence is assigned to sensor-extracted values. It sits below
// the gap-fill auto-use threshold so inferred data never silently drives a
// migration.
const inferredConfidence = 0.6

// ProfileUpdatePhase (phase 3) turns the sensor's candidate variables into
// queued profile field updates and session variables. Values not in the
// field schema are skipped with a warning; the phase never fails the turn.
type ProfileUpdatePhase struct {
	Logger *slog.Logger
}

func (p *ProfileUpdatePhase) Name() string             { return "interlocutor_update" }
func (p *ProfileUpdatePhase) FailureMode() FailureMode { return Degrade }

func (p *ProfileUpdatePhase) Run(_ context.Context, ws *WorkingSet) error {
	if ws.Snapshot == nil || len(ws.Snapshot.CandidateVariables) == 0 {
		return nil
	}
	schema := map[string]*models.FieldDefinition{}
	for _, d := range ws.FieldDefs {
		schema[d.Name] = d
	}
	for name, value := range ws.Snapshot.CandidateVariables {
		def, known := schema[name]
		if !known {
			p.Logger.Warn("Skipping variable not in schema", "name", name, "session_id", ws.Session.ID)
			continue
		}
		coerced, ok := coerceValue(value, def.ValueType)
		if !ok {
			p.Logger.Warn("Skipping variable with invalid value",
				"name", name, "value_type", def.ValueType, "session_id", ws.Session.ID)
			continue
		}
		ws.Session.SetVariable(name, coerced)
		upd := repo.FieldUpdate{
			Name:           name,
			Value:          coerced,
			ValueType:      def.ValueType,
			Source:         models.SourceAgentInferred,
			Confidence:     inferredConfidence,
			SourceItemID:   ws.TurnID,
			SourceItemType: "turn",
		}
		if def.TTL > 0 {
			expires := time.Now().Add(def.TTL)
			upd.ExpiresAt = &expires
		}
		ws.ProfileUpdates = append(ws.ProfileUpdates, upd)
	}
	return nil
}

func coerceValue(v any, valueType string) (any, bool) {
	switch valueType {
	case "number":
		switch t := v.(type) {
		case float64:
			return t, true
		case int:
			return float64(t), true
		case string:
			if f, err := strconv.ParseFloat(t, 64); err == nil {
				return f, true
			}
			return nil, false
		}
		return nil, false
	case "boolean":
		if b, ok := v.(bool); ok {
			return b, true
		}
		return nil, false
	default:
		// string and unspecified types accept anything representable.
		return v, true
	}
}
