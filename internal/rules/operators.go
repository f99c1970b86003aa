// internal/rules/operators.go
package rules

import (
	"strings"
)

/*
 * Operator table and loose comparison logic.
 *
 * Authored operators map through a closed alias table onto 17 operators.
 * Every operator compiles to a helper call (Equals(path, value),
 * IsEmpty(path), ...) so authored and canonical expressions share one
 * comparison implementation.
 *
 * Operators:
 *   - eq/neq:            loose equality (numeric, boolean, case-insensitive text)
 *   - lt/lte/gt/gte:     numeric ordering, case-insensitive text ordering otherwise
 *   - contains/notcontains/startswith/endswith: case-insensitive text predicates
 *   - isnull/isnotnull/isempty/isnotempty: absence checks (unary)
 *   - inlist/notinlist:  membership with loose equality
 *   - completetask/completestage: checklist completion (Equals(path, true));
 *     completestage on a path without isCompleted tests the checklist status
 *
 * Absent values (nil) make every comparison false, including neq and
 * notcontains. Only the null/empty checks observe absence.
 */

// Operator is a compiled rule operator.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEq
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpContains
	OpNotContains
	OpStartsWith
	OpEndsWith
	OpIsNull
	OpIsNotNull
	OpIsEmpty
	OpIsNotEmpty
	OpInList
	OpNotInList
	OpComplete
)

// operatorAliases maps lower-cased authored operators onto the closed table.
var operatorAliases = map[string]Operator{
	"==":            OpEq,
	"=":             OpEq,
	"eq":            OpEq,
	"equals":        OpEq,
	"!=":            OpNeq,
	"<>":            OpNeq,
	"ne":            OpNeq,
	"notequals":     OpNeq,
	">":             OpGt,
	"gt":            OpGt,
	"greaterthan":   OpGt,
	"<":             OpLt,
	"lt":            OpLt,
	"lessthan":      OpLt,
	">=":            OpGte,
	"gte":           OpGte,
	"<=":            OpLte,
	"lte":           OpLte,
	"contains":      OpContains,
	"notcontains":   OpNotContains,
	"startswith":    OpStartsWith,
	"endswith":      OpEndsWith,
	"isnull":        OpIsNull,
	"isnotnull":     OpIsNotNull,
	"isempty":       OpIsEmpty,
	"isnotempty":    OpIsNotEmpty,
	"in":            OpInList,
	"inlist":        OpInList,
	"notin":         OpNotInList,
	"notinlist":     OpNotInList,
	"completetask":  OpComplete,
	"completestage": OpComplete,
}

// operatorHelpers names the registry helper each operator compiles to.
var operatorHelpers = map[Operator]string{
	OpEq:          "Equals",
	OpNeq:         "NotEquals",
	OpLt:          "LessThan",
	OpLte:         "LessThanOrEqual",
	OpGt:          "GreaterThan",
	OpGte:         "GreaterThanOrEqual",
	OpContains:    "Contains",
	OpNotContains: "NotContains",
	OpStartsWith:  "StartsWith",
	OpEndsWith:    "EndsWith",
	OpIsNull:      "IsNull",
	OpIsNotNull:   "IsNotNull",
	OpIsEmpty:     "IsEmpty",
	OpIsNotEmpty:  "IsNotEmpty",
	OpInList:      "InList",
	OpNotInList:   "NotInList",
	OpComplete:    "Equals",
}

// ParseOperator resolves an authored operator, ignoring case and spaces.
func ParseOperator(s string) (Operator, bool) {
	op, ok := operatorAliases[operatorKey(s)]
	return op, ok
}

// isStageCompletion reports whether s is the completeStage alias.
func isStageCompletion(s string) bool {
	return operatorKey(s) == "completestage"
}

func operatorKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
}

// Unary reports whether the operator takes no comparison value.
func (op Operator) Unary() bool {
	switch op {
	case OpIsNull, OpIsNotNull, OpIsEmpty, OpIsNotEmpty, OpComplete:
		return true
	default:
		return false
	}
}

// TakesList reports whether the comparison value is a list.
func (op Operator) TakesList() bool {
	return op == OpInList || op == OpNotInList
}

// Helper returns the registry function the operator compiles to.
func (op Operator) Helper() string {
	return operatorHelpers[op]
}

// String returns the canonical operator name.
func (op Operator) String() string {
	switch op {
	case OpEq:
		return "=="
	case OpNeq:
		return "!="
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	case OpUnspecified:
		return "unspecified"
	default:
		return operatorHelpers[op]
	}
}

// Compare applies the operator to compare value against target.
// Absent values never match a comparison.
func Compare(op Operator, value, target any) bool {
	switch op {
	case OpIsNull:
		return value == nil
	case OpIsNotNull:
		return value != nil
	case OpIsEmpty:
		return isEmptyValue(value)
	case OpIsNotEmpty:
		return !isEmptyValue(value)
	}

	if value == nil || target == nil {
		return false
	}

	switch op {
	case OpEq, OpComplete:
		return compareEqual(value, target)
	case OpNeq:
		return !compareEqual(value, target)
	case OpLt:
		c, ok := compareOrdered(value, target)
		return ok && c < 0
	case OpLte:
		c, ok := compareOrdered(value, target)
		return ok && c <= 0
	case OpGt:
		c, ok := compareOrdered(value, target)
		return ok && c > 0
	case OpGte:
		c, ok := compareOrdered(value, target)
		return ok && c >= 0
	case OpContains:
		return compareContains(value, target)
	case OpNotContains:
		return !compareContains(value, target)
	case OpStartsWith:
		return strings.HasPrefix(foldText(value), foldText(target))
	case OpEndsWith:
		return strings.HasSuffix(foldText(value), foldText(target))
	case OpInList:
		return compareIn(value, target)
	case OpNotInList:
		return !compareIn(value, target)
	default:
		return false
	}
}

// compareEqual performs loose equality: numeric when both sides are numbers,
// boolean when one side is a bool, case-insensitive text otherwise.
func compareEqual(a, b any) bool {
	if na, nb, ok := asNumbers(a, b); ok {
		return na == nb
	}
	if ta, tb, ok := asTimes(a, b); ok {
		return ta.Equal(tb)
	}
	_, aIsBool := a.(bool)
	_, bIsBool := b.(bool)
	if aIsBool || bIsBool {
		ba, oka := toBool(a)
		bb, okb := toBool(b)
		return oka && okb && ba == bb
	}
	return strings.EqualFold(strings.TrimSpace(toText(a)), strings.TrimSpace(toText(b)))
}

// compareOrdered performs three-way comparison (-1/0/1). Numbers compare
// numerically; two non-numeric strings compare case-insensitively. Mixed
// number/text pairs are incomparable.
func compareOrdered(a, b any) (int, bool) {
	if na, nb, ok := asNumbers(a, b); ok {
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	if ta, tb, ok := asTimes(a, b); ok {
		return ta.Compare(tb), true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0, false
	}
	if _, isNum := toFloat64(sa); isNum {
		return 0, false
	}
	if _, isNum := toFloat64(sb); isNum {
		return 0, false
	}
	return strings.Compare(strings.ToLower(sa), strings.ToLower(sb)), true
}

// compareContains checks list membership for list values and substring
// containment for everything else.
func compareContains(value, needle any) bool {
	if list, ok := toList(value); ok {
		return compareIn(needle, list)
	}
	return strings.Contains(foldText(value), foldText(needle))
}

// compareIn checks if value exists in set using loose equality. A list
// value matches when any of its elements is in the set.
func compareIn(value, set any) bool {
	arr, ok := toList(set)
	if !ok {
		return false
	}
	if values, ok := toList(value); ok {
		for _, v := range values {
			if compareIn(v, arr) {
				return true
			}
		}
		return false
	}
	for _, elem := range arr {
		if elem != nil && compareEqual(value, elem) {
			return true
		}
	}
	return false
}

func foldText(v any) string {
	return strings.ToLower(toText(v))
}
