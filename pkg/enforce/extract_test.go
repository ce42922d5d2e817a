package enforce

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractVariables_Money(t *testing.T) {
	vars := ExtractVariables("I can refund $25.50 now and another 10 dollars next week.")
	assert.Equal(t, 25.50, vars["amount"])
	assert.Equal(t, []any{25.50, 10.0}, vars["amounts"])
	assert.Equal(t, true, vars["contains_refund"])
	assert.Equal(t, false, vars["contains_promise"])
}

func TestExtractVariables_Percent(t *testing.T) {
	vars := ExtractVariables("You get 20% off, or 5 percent on accessories.")
	assert.Equal(t, 20.0, vars["discount_percent"])
	assert.Equal(t, []any{20.0, 5.0}, vars["percentages"])
}

func TestExtractVariables_CommaDecimal(t *testing.T) {
	vars := ExtractVariables("O total é R$ 99,90.")
	assert.Equal(t, 99.90, vars["amount"])
}

func TestExtractVariables_Promise(t *testing.T) {
	vars := ExtractVariables("We promise delivery by Friday, guaranteed.")
	assert.Equal(t, true, vars["contains_promise"])
}

func TestExtractVariables_NoNumbers(t *testing.T) {
	vars := ExtractVariables("Happy to help with your account.")
	_, hasAmount := vars["amount"]
	_, hasPercent := vars["discount_percent"]
	assert.False(t, hasAmount)
	assert.False(t, hasPercent)
	assert.Equal(t, false, vars["contains_refund"])
}

func TestMergeVariables_Precedence(t *testing.T) {
	merged := MergeVariables(
		map[string]any{"amount": 10.0},
		map[string]any{"amount": 20.0, "tier": "silver"},
		map[string]any{"amount": 30.0, "tier": "gold", "name": "Dana"},
	)
	assert.Equal(t, 10.0, merged["amount"])
	assert.Equal(t, "silver", merged["tier"])
	assert.Equal(t, "Dana", merged["name"])
}
