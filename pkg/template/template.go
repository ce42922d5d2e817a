// Package template resolves {name[:format]} placeholders in response
// templates against interlocutor and session variables.
package template

import (
	"fmt"
	"strings"
)

// Resolution reports the outcome of one Resolve call.
type Resolution struct {
	Text    string
	Known   []string
	Missing []string
}

// Resolver resolves placeholders against a layered variable lookup.
// Profile fields win over session variables; unresolved placeholders are
// preserved verbatim so downstream phases can detect them.
type Resolver struct {
	profile map[string]any
	session map[string]any
}

// NewResolver builds a resolver over the two variable layers. Either map
// may be nil.
func NewResolver(profile, session map[string]any) *Resolver {
	return &Resolver{profile: profile, session: session}
}

// Lookup resolves one variable name through the layers.
func (r *Resolver) Lookup(name string) (any, bool) {
	if v, ok := r.profile[name]; ok && v != nil {
		return v, true
	}
	if v, ok := r.session[name]; ok && v != nil {
		return v, true
	}
	return nil, false
}

// Resolve interpolates every placeholder in body. A placeholder is
// {name} or {name:format} where format is a printf verb such as %.2f.
// Doubled braces escape: {{ and }} produce literal braces.
func (r *Resolver) Resolve(body string) Resolution {
	var out strings.Builder
	var known, missing []string
	seen := map[string]bool{}

	i := 0
	for i < len(body) {
		c := body[i]
		if c == '{' {
			if i+1 < len(body) && body[i+1] == '{' {
				out.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(body[i:], '}')
			if end < 0 {
				out.WriteString(body[i:])
				break
			}
			inner := body[i+1 : i+end]
			name, format := inner, ""
			if sep := strings.IndexByte(inner, ':'); sep >= 0 {
				name, format = inner[:sep], inner[sep+1:]
			}
			if !validName(name) {
				out.WriteString(body[i : i+end+1])
				i += end + 1
				continue
			}
			if v, ok := r.Lookup(name); ok {
				out.WriteString(formatValue(v, format))
				if !seen[name] {
					seen[name] = true
					known = append(known, name)
				}
			} else {
				// Preserved verbatim so enforcement can detect it.
				out.WriteString(body[i : i+end+1])
				if !seen[name] {
					seen[name] = true
					missing = append(missing, name)
				}
			}
			i += end + 1
			continue
		}
		if c == '}' && i+1 < len(body) && body[i+1] == '}' {
			out.WriteByte('}')
			i += 2
			continue
		}
		out.WriteByte(c)
		i++
	}
	return Resolution{Text: out.String(), Known: known, Missing: missing}
}

// Placeholders returns the distinct placeholder names in body, in order of
// first appearance.
func Placeholders(body string) []string {
	var names []string
	seen := map[string]bool{}
	i := 0
	for i < len(body) {
		if body[i] == '{' {
			if i+1 < len(body) && body[i+1] == '{' {
				i += 2
				continue
			}
			end := strings.IndexByte(body[i:], '}')
			if end < 0 {
				break
			}
			name := body[i+1 : i+end]
			if sep := strings.IndexByte(name, ':'); sep >= 0 {
				name = name[:sep]
			}
			if validName(name) && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			i += end + 1
			continue
		}
		i++
	}
	return names
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r != '_' && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func formatValue(v any, format string) string {
	if format == "" {
		return fmt.Sprintf("%v", v)
	}
	// Numeric verbs need a float; JSON-decoded numbers arrive as float64.
	if strings.ContainsAny(format, "fFeEgG") {
		switch n := v.(type) {
		case int:
			return fmt.Sprintf(format, float64(n))
		case int64:
			return fmt.Sprintf(format, float64(n))
		case float32:
			return fmt.Sprintf(format, float64(n))
		}
	}
	return fmt.Sprintf(format, v)
}
