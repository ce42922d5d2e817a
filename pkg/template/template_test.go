package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver(
		map[string]any{"name": "Dana", "tier": "gold"},
		map[string]any{"order_id": "A-1001", "tier": "bronze"},
	)

	res := r.Resolve("Hi {name}, order {order_id} is on its way.")
	assert.Equal(t, "Hi Dana, order A-1001 is on its way.", res.Text)
	assert.Equal(t, []string{"name", "order_id"}, res.Known)
	assert.Empty(t, res.Missing)
}

func TestResolver_ProfileWinsOverSession(t *testing.T) {
	r := NewResolver(
		map[string]any{"tier": "gold"},
		map[string]any{"tier": "bronze"},
	)
	res := r.Resolve("You are a {tier} member.")
	assert.Equal(t, "You are a gold member.", res.Text)
}

func TestResolver_MissingPreservedVerbatim(t *testing.T) {
	r := NewResolver(nil, map[string]any{"name": "Dana"})
	res := r.Resolve("Hi {name}, your balance is {balance}.")
	assert.Equal(t, "Hi Dana, your balance is {balance}.", res.Text)
	assert.Equal(t, []string{"name"}, res.Known)
	assert.Equal(t, []string{"balance"}, res.Missing)
}

func TestResolver_FormatVerb(t *testing.T) {
	r := NewResolver(nil, map[string]any{"price": 10, "rate": 0.1575})
	res := r.Resolve("Total {price:%.2f} at {rate:%.1f}%")
	assert.Equal(t, "Total 10.00 at 0.2%", res.Text)
}

func TestResolver_EscapedBraces(t *testing.T) {
	r := NewResolver(nil, map[string]any{"x": "v"})
	res := r.Resolve("literal {{x}} and real {x}")
	assert.Equal(t, "literal {x} and real v", res.Text)
	assert.Empty(t, res.Missing)
}

func TestResolver_InvalidNameLeftAlone(t *testing.T) {
	r := NewResolver(nil, nil)
	res := r.Resolve("set {not valid} here")
	assert.Equal(t, "set {not valid} here", res.Text)
	assert.Empty(t, res.Known)
	assert.Empty(t, res.Missing)
}

func TestResolver_NilValueIsMissing(t *testing.T) {
	r := NewResolver(map[string]any{"name": nil}, nil)
	res := r.Resolve("Hi {name}")
	assert.Equal(t, "Hi {name}", res.Text)
	assert.Equal(t, []string{"name"}, res.Missing)
}

func TestPlaceholders(t *testing.T) {
	names := Placeholders("Hi {name}, {name} again, {amount:%.2f}, {{escaped}}, {bad name}")
	assert.Equal(t, []string{"name", "amount"}, names)
}
