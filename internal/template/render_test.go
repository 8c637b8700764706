package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		vars   map[string]string
		want   string
	}{
		{
			name:   "single substitution",
			prompt: "Echo: {{x}}",
			vars:   map[string]string{"x": "hi"},
			want:   "Echo: hi",
		},
		{
			name:   "repeated variable",
			prompt: "{{a}} and {{a}}",
			vars:   map[string]string{"a": "x"},
			want:   "x and x",
		},
		{
			name:   "unknown variable left as-is",
			prompt: "keep {{unknown}} here",
			vars:   map[string]string{"x": "y"},
			want:   "keep {{unknown}} here",
		},
		{
			name:   "nil map returns prompt",
			prompt: "Echo: {{x}}",
			vars:   nil,
			want:   "Echo: {{x}}",
		},
		{
			name:   "malformed braces ignored",
			prompt: "{{ spaced }} {{9bad}}",
			vars:   map[string]string{"spaced": "v", "9bad": "v"},
			want:   "{{ spaced }} {{9bad}}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(tt.prompt, tt.vars))
		})
	}
}

func TestVariables(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, Variables("{{b}} {{a}} {{b}}"))
	assert.Nil(t, Variables("no placeholders"))
}

func TestMissingBindings(t *testing.T) {
	missing := MissingBindings("{{x}} {{y}}", map[string]string{"x": "1"})
	assert.Equal(t, []string{"y"}, missing)

	assert.Nil(t, MissingBindings("{{x}}", map[string]string{"x": "1"}))
}
