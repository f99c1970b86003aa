// internal/rules/env.go
package rules

import (
	"github.com/flowflex/stagecondition/internal/types"
)

/*
 * Safe evaluation context.
 *
 * An Env exposes exactly two things to an expression: the read-only input
 * tree and the helper registry. There is no reflection over Go values, no
 * method calls and no access outside the input root.
 *
 * Input layout (built by the store's data builder):
 *
 *   input.fields         map of field key -> value
 *   input.checklist      tasks and stage completion flags
 *   input.questionnaire  answers keyed by questionnaire id
 *   input.attachments    uploaded file metadata
 */

// Env is the evaluation environment for one case.
type Env struct {
	input    map[string]any
	registry *Registry
}

// NewEnv wraps input for evaluation. A nil input behaves as an empty tree.
func NewEnv(input map[string]any, registry *Registry) *Env {
	if input == nil {
		input = map[string]any{}
	}
	if registry == nil {
		registry = defaultRegistry
	}
	return &Env{input: input, registry: registry}
}

// Get resolves path against the input tree. Any failure to resolve yields
// (nil, false); Get never panics.
func (e *Env) Get(path []types.PathSegment) (any, bool) {
	res, err := Resolve(path, e.input)
	if err != nil || !res.Found {
		return nil, false
	}
	return res.Value, true
}

// Registry returns the helper registry bound to the environment.
func (e *Env) Registry() *Registry {
	return e.registry
}

var defaultRegistry = NewRegistry()
