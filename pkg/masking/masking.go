// Package masking keeps interlocutor values out of generation prompts.
// Prompts see field names and types only; a field definition flagged
// safe_for_prompt exposes the raw value.
package masking

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parley-ai/parley/pkg/models"
)

const maskedValue = "***MASKED***"

// Service renders the schema view of a profile and scrubs known values
// from arbitrary prompt text.
type Service struct {
	safe  map[string]bool
	types map[string]string
}

// NewService builds a masking service from the field schema.
func NewService(defs []*models.FieldDefinition) *Service {
	s := &Service{safe: map[string]bool{}, types: map[string]string{}}
	for _, d := range defs {
		s.safe[d.Name] = d.SafeForPrompt
		s.types[d.Name] = d.ValueType
	}
	return s
}

// SchemaView renders the prompt-visible form of the active fields: one
// line per field, values masked unless the schema marks them safe.
func (s *Service) SchemaView(active map[string]any) string {
	if len(active) == 0 {
		return ""
	}
	names := make([]string, 0, len(active))
	for name := range active {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vt := s.types[name]
		if vt == "" {
			vt = "string"
		}
		if s.safe[name] {
			fmt.Fprintf(&b, "- %s (%s): %v\n", name, vt, active[name])
		} else {
			fmt.Fprintf(&b, "- %s (%s): %s\n", name, vt, maskedValue)
		}
	}
	return b.String()
}

// SafeValues returns only the fields whose raw values may appear in
// prompts. The resolver uses this subset for template interpolation inside
// LLM prompts; exclusive templates bypass the LLM and may use all values.
func (s *Service) SafeValues(active map[string]any) map[string]any {
	out := map[string]any{}
	for name, v := range active {
		if s.safe[name] {
			out[name] = v
		}
	}
	return out
}

// Scrub replaces occurrences of unsafe field values in text. Values
// shorter than four characters are left alone to avoid mangling prose.
func (s *Service) Scrub(text string, active map[string]any) string {
	for name, v := range active {
		if s.safe[name] {
			continue
		}
		str := fmt.Sprintf("%v", v)
		if len(str) < 4 {
			continue
		}
		text = strings.ReplaceAll(text, str, maskedValue)
	}
	return text
}
