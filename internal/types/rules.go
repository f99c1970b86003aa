// internal/types/rules.go
package types

import "encoding/json"

/*
 * Domain types for rule documents.
 *
 * A condition's rules are stored in one of two shapes:
 *
 *   Authored:  {"logic":"AND","rules":[{"fieldPath":"amount","operator":">","value":"1000"}]}
 *   Canonical: [{"WorkflowName":"StageCondition","Rules":[{"RuleName":"Rule1","Expression":"..."}]}]
 *
 * The presence of a "logic" key selects the authored shape. Canonical
 * documents are already compiled and pass through the compiler unchanged.
 *
 * Key types:
 *   - RuleDocument: authored logic plus ordered rules
 *   - AuthoredRule: one fieldPath/operator/value comparison
 *   - CanonicalWorkflow: named expressions in the compiled shape
 *   - PathSegment: one component of a field path (key or index)
 */

// Logic selects how rule outcomes combine.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// PathSegment represents one component of a field path.
type PathSegment struct {
	Key     string // object key (mutually exclusive with Index)
	Index   int    // array index
	IsIndex bool   // disambiguates Index=0 from unset
}

// AuthoredRule is a single comparison as written by a workflow author.
// StageID optionally names the stage whose captured data the rule reads.
type AuthoredRule struct {
	FieldPath string          `json:"fieldPath"`
	Operator  string          `json:"operator"`
	Value     json.RawMessage `json:"value,omitempty"`
	StageID   *StageID        `json:"stageId,omitempty"`
}

// RuleDocument is the authored rule configuration of a condition.
type RuleDocument struct {
	Logic Logic          `json:"logic"`
	Rules []AuthoredRule `json:"rules"`
}

// CanonicalRule is one named expression of a compiled rule set.
type CanonicalRule struct {
	RuleName     string `json:"RuleName"`
	Expression   string `json:"Expression"`
	SuccessEvent string `json:"SuccessEvent,omitempty"`
}

// CanonicalWorkflow groups compiled rules under a workflow name.
type CanonicalWorkflow struct {
	WorkflowName string          `json:"WorkflowName"`
	Rules        []CanonicalRule `json:"Rules"`
}
