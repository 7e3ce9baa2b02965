// Package template renders the `{{name}}` placeholders that hook
// arguments may contain ({{issue_id}}, {{branch}}, {{pr_number}},
// {{pr_url}}, {{failure_reason}}), resolving them from a variables map
// built at evaluation time.
package template

import (
	"regexp"
)

// variablePattern matches Mustache-style {{variable}} placeholders.
// It captures the variable name inside the double braces.
var variablePattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Render substitutes {{variable}} placeholders in s with values from vars.
// Unknown variables (those not in vars) are left as-is in the output, so a
// hook argument referencing a placeholder from a later spec revision
// degrades gracefully instead of erroring.
func Render(s string, vars map[string]string) string {
	if len(vars) == 0 {
		return s
	}

	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		submatches := variablePattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}
		name := submatches[1]

		if value, ok := vars[name]; ok {
			return value
		}

		return match
	})
}

// MergeVariables merges built-in placeholder values with hook-argument-
// scoped overrides. Overrides take precedence over builtins on name
// collision.
func MergeVariables(builtins, overrides map[string]string) map[string]string {
	if len(builtins) == 0 && len(overrides) == 0 {
		return nil
	}

	result := make(map[string]string, len(builtins)+len(overrides))

	for k, v := range builtins {
		result[k] = v
	}
	for k, v := range overrides {
		result[k] = v
	}

	return result
}
