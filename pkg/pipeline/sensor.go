package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/pkg/llm"
)

const sensorPrompt = `Analyze the user message below in its conversation context.
Respond with JSON only, exactly this schema:
{"language":"<iso code>","intent_change":false,"tone":"<one word>","frustration_level":0,"candidate_variables":{}}
candidate_variables holds any concrete values the user stated (names, addresses, order ids, amounts).

Message: %s`

// SensorPhase (phase 2) produces the situational snapshot. On any failure
// it degrades to the neutral snapshot.
type SensorPhase struct {
	Generator llm.Generator
}

func (p *SensorPhase) Name() string             { return "situational_sensor" }
func (p *SensorPhase) FailureMode() FailureMode { return Degrade }

func (p *SensorPhase) Run(ctx context.Context, ws *WorkingSet) error {
	ws.Snapshot = NeutralSnapshot()
	if p.Generator == nil {
		return nil
	}
	budget := ws.Config.Budgets.LLMJudge
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	resp, err := p.Generator.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: "user", Content: fmt.Sprintf(sensorPrompt, ws.Message.Content)}},
		Temperature: 0,
	})
	if err != nil {
		return fmt.Errorf("sensor call failed: %w", err)
	}
	var snapshot SituationalSnapshot
	if err := json.Unmarshal([]byte(firstJSON(resp.Content)), &snapshot); err != nil {
		return fmt.Errorf("sensor returned invalid JSON: %w", err)
	}
	ws.Snapshot = &snapshot
	ws.TokensUsed += resp.TokensUsed
	return nil
}

func firstJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
