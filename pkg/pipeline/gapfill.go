package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// GapFillPhase (phase 6) plans how to obtain the fields the current step
// still needs. Fields already present as session variables or active
// profile fields are satisfied; the rest become an ask.
type GapFillPhase struct{}

func (p *GapFillPhase) Name() string             { return "gap_fill_planning" }
func (p *GapFillPhase) FailureMode() FailureMode { return Degrade }

func (p *GapFillPhase) Run(_ context.Context, ws *WorkingSet) error {
	if ws.Step == nil || len(ws.Step.CollectsFields) == 0 {
		return nil
	}
	active := ws.ActiveProfileFields()
	var missing []string
	for _, field := range ws.Step.CollectsFields {
		if _, ok := ws.Session.Variable(field); ok {
			continue
		}
		if v, ok := active[field]; ok {
			// Profile already knows this; promote it to the session.
			ws.Session.SetVariable(field, v)
			continue
		}
		missing = append(missing, field)
	}
	// Reconciliation may already be collecting its own fields.
	for _, field := range ws.MissingFields {
		if !containsString(missing, field) {
			missing = append(missing, field)
		}
	}
	ws.MissingFields = missing
	if len(missing) > 0 && ws.AskPrompt == "" {
		ws.AskPrompt = fmt.Sprintf("Ask the user for: %s.", strings.Join(missing, ", "))
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
