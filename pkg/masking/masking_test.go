package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/parley-ai/parley/pkg/models"
)

func newTestService() *Service {
	return NewService([]*models.FieldDefinition{
		{Name: "city", ValueType: "string", SafeForPrompt: true},
		{Name: "email", ValueType: "string"},
		{Name: "account_number", ValueType: "string"},
	})
}

func TestService_SchemaView(t *testing.T) {
	s := newTestService()
	view := s.SchemaView(map[string]any{
		"city":  "Lisbon",
		"email": "dana@example.com",
	})
	assert.Equal(t, "- city (string): Lisbon\n- email (string): ***MASKED***\n", view)
}

func TestService_SchemaView_UnknownFieldMasked(t *testing.T) {
	s := newTestService()
	view := s.SchemaView(map[string]any{"nickname": "Dee"})
	assert.Equal(t, "- nickname (string): ***MASKED***\n", view)
}

func TestService_SchemaView_Empty(t *testing.T) {
	s := newTestService()
	assert.Equal(t, "", s.SchemaView(nil))
}

func TestService_SafeValues(t *testing.T) {
	s := newTestService()
	safe := s.SafeValues(map[string]any{
		"city":           "Lisbon",
		"email":          "dana@example.com",
		"account_number": "12345678",
	})
	assert.Equal(t, map[string]any{"city": "Lisbon"}, safe)
}

func TestService_Scrub(t *testing.T) {
	s := newTestService()
	active := map[string]any{
		"city":           "Lisbon",
		"email":          "dana@example.com",
		"account_number": "999",
	}
	out := s.Scrub("Send to dana@example.com in Lisbon, account 999.", active)
	// Safe values stay, short values stay, unsafe long values go.
	assert.Equal(t, "Send to ***MASKED*** in Lisbon, account 999.", out)
}
