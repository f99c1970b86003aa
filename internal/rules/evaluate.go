// internal/rules/evaluate.go
package rules

import (
	"context"
	"encoding/json"

	"github.com/flowflex/stagecondition/internal/types"
)

/*
 * Rule evaluation.
 *
 * Evaluates a CompiledRuleSet against one case's input tree.
 *
 * Evaluation flow:
 *   1. Bind the input tree and registry into an Env
 *   2. For each named rule: parse (cached) -> evaluate -> record RuleResult
 *   3. Combine per logic: AND requires every rule, OR requires any rule
 *
 * Every rule is evaluated, even after the outcome is decided, so the
 * diagnostics always cover the full set. A rule that fails to parse or
 * evaluate is recorded with its error and counts as not passed; it never
 * aborts the remaining rules.
 *
 * A set with zero rules is never met. The caller treats that as "no
 * decision" and falls through to natural progression.
 */

// Outcome is the result of evaluating a rule set.
type Outcome struct {
	Met   bool
	Logic types.Logic
	Rules []types.RuleResult
}

// Evaluate runs every rule of set against input.
func (e *Engine) Evaluate(ctx context.Context, set *CompiledRuleSet, input map[string]any) Outcome {
	out := Outcome{Logic: set.Logic}
	if out.Logic != types.LogicOr {
		out.Logic = types.LogicAnd
	}
	env := NewEnv(input, e.registry)

	for _, rule := range set.Rules {
		result := types.RuleResult{
			Name:          rule.Name,
			Expression:    rule.Expression,
			SourceStageID: rule.SourceStageID,
		}
		if err := ctx.Err(); err != nil {
			result.Error = err.Error()
			out.Rules = append(out.Rules, result)
			continue
		}

		passed, err := e.evaluateRule(rule, env)
		result.Passed = passed
		if err != nil {
			result.Error = err.Error()
			e.logger.Debug("rule evaluation failed", "rule", rule.Name, "error", err)
		}
		out.Rules = append(out.Rules, result)
	}

	out.Met = Combine(out.Logic, out.Rules)
	return out
}

// EvaluateDocument compiles doc and evaluates it against input.
func (e *Engine) EvaluateDocument(ctx context.Context, doc json.RawMessage, input map[string]any) (Outcome, error) {
	set, err := e.Compile(doc)
	if err != nil {
		return Outcome{Logic: types.LogicAnd}, err
	}
	return e.Evaluate(ctx, set, input), nil
}

func (e *Engine) evaluateRule(rule CompiledRule, env *Env) (bool, error) {
	pred, err := e.Predicate(rule.Expression)
	if err != nil {
		return false, err
	}
	passed, err := pred.Eval(env)
	if err != nil {
		return false, err
	}
	return passed, nil
}

// Combine applies logic to rule results. Zero results is never met.
func Combine(logic types.Logic, results []types.RuleResult) bool {
	if len(results) == 0 {
		return false
	}
	if logic == types.LogicOr {
		for _, r := range results {
			if r.Passed {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
