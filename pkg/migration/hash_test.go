package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/pkg/models"
)

func TestStepContentHash_IgnoresIdentityFields(t *testing.T) {
	a := &models.ScenarioStep{
		ID:     "collect_email",
		Name:   "Collect email",
		Prompt: "What is your email?",
		Transitions: []models.StepTransition{
			{ToStepID: "confirm", ConditionFields: []string{"email"}},
		},
		CollectsFields: []string{"email"},
	}
	b := &models.ScenarioStep{
		ID:             "step_7",
		Name:           "renamed",
		Prompt:         "What is your email?",
		Transitions:    a.Transitions,
		CollectsFields: a.CollectsFields,
	}
	assert.Equal(t, StepContentHash(a), StepContentHash(b))
}

func TestStepContentHash_OrderInsensitive(t *testing.T) {
	a := &models.ScenarioStep{
		Prompt: "Pick one",
		Transitions: []models.StepTransition{
			{ToStepID: "x"},
			{ToStepID: "y"},
		},
		CollectsFields: []string{"email", "phone"},
	}
	b := &models.ScenarioStep{
		Prompt: "Pick one",
		Transitions: []models.StepTransition{
			{ToStepID: "y"},
			{ToStepID: "x"},
		},
		CollectsFields: []string{"phone", "email"},
	}
	assert.Equal(t, StepContentHash(a), StepContentHash(b))
}

func TestStepContentHash_SensitiveToContent(t *testing.T) {
	base := &models.ScenarioStep{Prompt: "What is your email?"}
	h := StepContentHash(base)

	changedPrompt := &models.ScenarioStep{Prompt: "What is your e-mail address?"}
	assert.NotEqual(t, h, StepContentHash(changedPrompt))

	checkpointed := &models.ScenarioStep{Prompt: "What is your email?", IsCheckpoint: true}
	assert.NotEqual(t, h, StepContentHash(checkpointed))

	withTool := &models.ScenarioStep{
		Prompt:       "What is your email?",
		ToolBindings: []models.ToolBinding{{ToolID: "crm.lookup", When: models.BeforeStep}},
	}
	assert.NotEqual(t, h, StepContentHash(withTool))
}

func TestScenarioChecksum(t *testing.T) {
	sc := func(prompt string) *models.Scenario {
		return &models.Scenario{
			ID:          "flow",
			EntryStepID: "start",
			Steps: []models.ScenarioStep{
				{ID: "start", Prompt: "Hi", Transitions: []models.StepTransition{{ToStepID: "done"}}},
				{ID: "done", Prompt: prompt},
			},
		}
	}
	assert.Equal(t, ScenarioChecksum(sc("Bye")), ScenarioChecksum(sc("Bye")))
	assert.NotEqual(t, ScenarioChecksum(sc("Bye")), ScenarioChecksum(sc("Farewell")))
}

func TestStepByContentHash(t *testing.T) {
	sc := &models.Scenario{
		Steps: []models.ScenarioStep{
			{ID: "a", Prompt: "first"},
			{ID: "b", Prompt: "second"},
		},
	}
	hit := StepByContentHash(sc, StepContentHash(&models.ScenarioStep{Prompt: "second"}))
	require.NotNil(t, hit)
	assert.Equal(t, "b", hit.ID)

	assert.Nil(t, StepByContentHash(sc, "deadbeef"))
}
