// internal/rules/conflicts.go
package rules

import (
	"fmt"

	"github.com/flowflex/stagecondition/internal/types"
)

/*
 * Static conflict detection for AND rule sets.
 *
 * Pairwise, same-field analysis only. Two rules on the same normalized path
 * conflict when no single value can satisfy both:
 *
 *   > a  and < b   with a >= b      >= a and <= b  with a > b
 *   > a  and <= b  with a >= b      >= a and < b   with a >= b
 *   == A and == B  with A != B      == A and != A
 *   == A and a range bound excluding A
 *   isNull and isNotNull            isEmpty and isNotEmpty
 *   isNull and any value comparison
 *
 * Conflicts are warnings. They never block saving a condition, and OR rule
 * sets are never reported because any one rule may hold on its own.
 */

type analyzedRule struct {
	index int
	path  string
	op    Operator
	value any
}

// DetectConflicts returns one CONFLICTING_RULES warning per contradictory
// pair of rules.
func DetectConflicts(logic types.Logic, rules []types.AuthoredRule) []types.ValidationIssue {
	if logic == types.LogicOr {
		return nil
	}

	byPath := make(map[string][]analyzedRule)
	var order []string
	for i, r := range rules {
		a, ok := analyze(i, r)
		if !ok {
			continue
		}
		if _, seen := byPath[a.path]; !seen {
			order = append(order, a.path)
		}
		byPath[a.path] = append(byPath[a.path], a)
	}

	var issues []types.ValidationIssue
	for _, path := range order {
		group := byPath[path]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				reason, conflict := conflicting(group[i], group[j])
				if !conflict {
					continue
				}
				issues = append(issues, types.ValidationIssue{
					Code: types.WarnConflictingRules,
					Message: fmt.Sprintf("Rules %d and %d on %s can never both be true: %s",
						group[i].index+1, group[j].index+1, path, reason),
					Field: fmt.Sprintf("rules[%d]", group[j].index),
				})
			}
		}
	}
	return issues
}

func analyze(i int, r types.AuthoredRule) (analyzedRule, bool) {
	path := NormalizeFieldPath(r.FieldPath)
	if ValidateFieldPath(path) != nil {
		return analyzedRule{}, false
	}
	segs, err := ParseFieldPath(path)
	if err != nil {
		return analyzedRule{}, false
	}
	op, ok := ParseOperator(r.Operator)
	if !ok {
		return analyzedRule{}, false
	}
	a := analyzedRule{index: i, path: FormatPath(segs), op: op}
	if op.Unary() {
		return a, true
	}
	lit, err := SanitizeValue(r.Value, op.TakesList())
	if err != nil {
		return analyzedRule{}, false
	}
	a.value = lit.Value
	return a, true
}

func conflicting(a, b analyzedRule) (string, bool) {
	if reason, ok := conflictingChecks(a, b); ok {
		return reason, true
	}
	if reason, ok := conflictingChecks(b, a); ok {
		return reason, true
	}
	if reason, ok := conflictingValues(a, b); ok {
		return reason, true
	}
	return conflictingValues(b, a)
}

// conflictingChecks handles the null and empty checks.
func conflictingChecks(a, b analyzedRule) (string, bool) {
	switch {
	case a.op == OpIsNull && b.op == OpIsNotNull:
		return "isNull and isNotNull", true
	case a.op == OpIsEmpty && b.op == OpIsNotEmpty:
		return "isEmpty and isNotEmpty", true
	case a.op == OpIsNull && !b.op.Unary():
		return fmt.Sprintf("isNull and %s", b.op), true
	}
	return "", false
}

// conflictingValues handles equality and range pairs.
func conflictingValues(a, b analyzedRule) (string, bool) {
	if a.op.Unary() || b.op.Unary() {
		return "", false
	}

	switch {
	case a.op == OpEq && b.op == OpEq:
		if !compareEqual(a.value, b.value) {
			return fmt.Sprintf("== %s and == %s", toText(a.value), toText(b.value)), true
		}
	case a.op == OpEq && b.op == OpNeq:
		if compareEqual(a.value, b.value) {
			return fmt.Sprintf("== %s and != %s", toText(a.value), toText(b.value)), true
		}
	case a.op == OpEq && isBound(b.op):
		if eq, ok := toFloat64(a.value); ok {
			if bound, ok := toFloat64(b.value); ok && !withinBound(eq, b.op, bound) {
				return fmt.Sprintf("== %s is outside %s %s", toText(a.value), b.op, toText(b.value)), true
			}
		}
	case isLower(a.op) && isUpper(b.op):
		lo, ok1 := toFloat64(a.value)
		hi, ok2 := toFloat64(b.value)
		if !ok1 || !ok2 {
			return "", false
		}
		strict := a.op == OpGt || b.op == OpLt
		if lo > hi || (strict && lo == hi) {
			return fmt.Sprintf("%s %s and %s %s", a.op, toText(a.value), b.op, toText(b.value)), true
		}
	}
	return "", false
}

func isLower(op Operator) bool { return op == OpGt || op == OpGte }
func isUpper(op Operator) bool { return op == OpLt || op == OpLte }
func isBound(op Operator) bool { return isLower(op) || isUpper(op) }

func withinBound(v float64, op Operator, bound float64) bool {
	switch op {
	case OpGt:
		return v > bound
	case OpGte:
		return v >= bound
	case OpLt:
		return v < bound
	case OpLte:
		return v <= bound
	}
	return true
}
