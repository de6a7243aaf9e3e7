// Package render turns message templates into final text. Templates use
// handlebars syntax ({{name}}, {{#if flag}}...{{else}}...{{/if}},
// {{#each items}}) and can only read the data they are given: no helpers are
// registered and nothing in a template can call back into the process.
package render

import (
	"fmt"

	"github.com/aymerick/raymond"
)

// Mode selects how substituted values are escaped.
type Mode int

const (
	// HTML escapes substituted values, for email bodies.
	HTML Mode = iota
	// Text leaves substituted values as written, for subjects and SMS.
	Text
)

// Renderer renders templates against an instance's context data.
type Renderer struct{}

// New creates a Renderer.
func New() *Renderer {
	return &Renderer{}
}

// Render evaluates source against data.
func (r *Renderer) Render(source string, data map[string]any, mode Mode) (string, error) {
	if source == "" {
		return "", nil
	}
	tpl, err := raymond.Parse(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var ctx any = data
	if mode == Text {
		ctx = unescaped(data)
	}
	out, err := tpl.Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// unescaped copies v with every string marked safe, so raymond substitutes
// it verbatim. Literal template text is never touched.
func unescaped(v any) any {
	switch val := v.(type) {
	case string:
		return raymond.SafeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = unescaped(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = unescaped(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = raymond.SafeString(item)
		}
		return out
	default:
		return v
	}
}
