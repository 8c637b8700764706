// Package template provides Mustache-style template rendering for prompt
// bodies and the variable extraction used to validate cases and diffs.
package template

import (
	"regexp"
	"sort"
)

// variablePattern matches Mustache-style {{variable}} placeholders.
// It captures the variable name inside the double braces.
var variablePattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Render substitutes {{variable}} placeholders in the prompt with values from
// the provided map. Unknown variables are left as-is in the output.
func Render(prompt string, variables map[string]string) string {
	if len(variables) == 0 {
		return prompt
	}

	return variablePattern.ReplaceAllStringFunc(prompt, func(match string) string {
		submatches := variablePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		if value, ok := variables[submatches[1]]; ok {
			return value
		}
		return match
	})
}

// Variables returns the sorted, de-duplicated set of {{name}} placeholders
// appearing in the prompt.
func Variables(prompt string) []string {
	matches := variablePattern.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// MissingBindings returns the template variables in prompt that have no value
// in the bindings map.
func MissingBindings(prompt string, bindings map[string]string) []string {
	var missing []string
	for _, name := range Variables(prompt) {
		if _, ok := bindings[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
