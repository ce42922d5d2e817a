// Package migration reconciles sessions stranded on an old scenario
// version with the live one: content hashing, precomputed plans, the
// reconciliation algorithm, and composite multi-version chains.
package migration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/parley-ai/parley/pkg/models"
)

// stepHashFields pins the stable fields that define a step's identity
// across versions. Renames and cosmetic metadata do not change the hash.
type stepHashFields struct {
	Prompt         string                  `json:"prompt"`
	IsCheckpoint   bool                    `json:"is_checkpoint"`
	ToolBindings   []models.ToolBinding    `json:"tool_bindings"`
	Transitions    []models.StepTransition `json:"transitions"`
	CollectsFields []string                `json:"collects_fields"`
}

// StepContentHash computes the content hash of one step.
func StepContentHash(step *models.ScenarioStep) string {
	fields := stepHashFields{
		Prompt:         step.Prompt,
		IsCheckpoint:   step.IsCheckpoint,
		ToolBindings:   append([]models.ToolBinding(nil), step.ToolBindings...),
		Transitions:    append([]models.StepTransition(nil), step.Transitions...),
		CollectsFields: append([]string(nil), step.CollectsFields...),
	}
	sort.Slice(fields.Transitions, func(i, j int) bool {
		return fields.Transitions[i].ToStepID < fields.Transitions[j].ToStepID
	})
	sort.Strings(fields.CollectsFields)
	b, err := json.Marshal(fields)
	if err != nil {
		panic("migration: step hash marshal: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ScenarioChecksum hashes the ordered step hashes of a scenario. Two
// versions with identical structure share a checksum.
func ScenarioChecksum(sc *models.Scenario) string {
	h := sha256.New()
	for i := range sc.Steps {
		h.Write([]byte(StepContentHash(&sc.Steps[i])))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// StepByContentHash finds the step in sc whose content hash equals hash,
// or nil.
func StepByContentHash(sc *models.Scenario, hash string) *models.ScenarioStep {
	for i := range sc.Steps {
		if StepContentHash(&sc.Steps[i]) == hash {
			return &sc.Steps[i]
		}
	}
	return nil
}
