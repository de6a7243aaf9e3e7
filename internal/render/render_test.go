package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	r := New()
	data := map[string]any{
		"patientName": "Ada & Co",
		"doctor":      map[string]any{"name": "Dr. Who"},
		"confirmed":   true,
		"link":        "",
		"tags":        []any{"<b>", "R&D"},
	}

	tests := []struct {
		name   string
		source string
		mode   Mode
		want   string
	}{
		{"substitution", "Hi {{patientName}}", Text, "Hi Ada & Co"},
		{"html escapes", "<p>{{patientName}}</p>", HTML, "<p>Ada &amp; Co</p>"},
		{"nested", "See {{doctor.name}}", Text, "See Dr. Who"},
		{"missing renders empty", "[{{nothing}}]", Text, "[]"},
		{"conditional true", "{{#if confirmed}}yes{{else}}no{{/if}}", Text, "yes"},
		{"conditional empty", "{{#if link}}link{{else}}none{{/if}}", Text, "none"},
		{"empty source", "", HTML, ""},
		{"text keeps literal entities", "Fish &amp; Chips for {{patientName}}", Text, "Fish &amp; Chips for Ada & Co"},
		{"text each", "{{#each tags}}{{this}};{{/each}}", Text, "<b>;R&D;"},
		{"html each", "{{#each tags}}{{this}};{{/each}}", HTML, "&lt;b&gt;;R&amp;D;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.source, data, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderParseError(t *testing.T) {
	_, err := New().Render("{{#if open}}unterminated", map[string]any{"open": true}, Text)
	assert.Error(t, err)
}

func TestRenderTextLeavesCallerDataUntouched(t *testing.T) {
	data := map[string]any{"doctor": map[string]any{"name": "O'Neil"}}
	got, err := New().Render("{{doctor.name}}", data, Text)
	require.NoError(t, err)
	assert.Equal(t, "O'Neil", got)
	assert.Equal(t, "O'Neil", data["doctor"].(map[string]any)["name"])
}
