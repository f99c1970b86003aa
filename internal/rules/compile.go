// internal/rules/compile.go
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flowflex/stagecondition/internal/types"
)

/*
 * Rule compilation.
 *
 * Compiles a condition's rule document into named boolean expressions.
 *
 * Format detection:
 *   - A JSON object with a "logic" key is an authored document and is compiled.
 *   - Anything else is assumed to be canonical (already compiled) and passes
 *     through unchanged.
 *
 * Authored compilation workflow:
 *   1. Normalize and validate the field path (allow-listed grammar)
 *   2. Resolve the operator through the closed alias table
 *   3. Sanitize the value into an expression literal
 *   4. Render Helper(path[, literal]) and name it Rule{n}
 *
 * A rule failing any step is dropped and reported in Dropped; compilation of
 * the remaining rules continues. Callers must not assume the compiled rule
 * count equals the authored rule count.
 *
 * OR with more than one surviving rule compiles to a single rule whose
 * operands are parenthesized and joined with ||. Evaluation combines
 * independently named rules only, so mixed per-rule logic is folded into
 * one expression here.
 */

// CompiledRule is one named expression ready for evaluation.
type CompiledRule struct {
	Name          string
	Expression    string
	SourceStageID *types.StageID
}

// DroppedRule records an authored rule excluded from compilation.
type DroppedRule struct {
	Index     int
	FieldPath string
	Operator  string
	Err       error
}

// CompiledRuleSet is the compiled form of a rule document.
type CompiledRuleSet struct {
	WorkflowName string
	Logic        types.Logic
	Passthrough  bool
	Rules        []CompiledRule
	Dropped      []DroppedRule
}

// Canonical renders the set in the canonical stored shape.
func (s *CompiledRuleSet) Canonical() (json.RawMessage, error) {
	wf := types.CanonicalWorkflow{
		WorkflowName: s.WorkflowName,
		Rules:        make([]types.CanonicalRule, 0, len(s.Rules)),
	}
	for _, r := range s.Rules {
		wf.Rules = append(wf.Rules, types.CanonicalRule{RuleName: r.Name, Expression: r.Expression})
	}
	return json.Marshal([]types.CanonicalWorkflow{wf})
}

// IsAuthored reports whether doc is a JSON object carrying a logic key.
func IsAuthored(doc json.RawMessage) bool {
	_, ok := authoredFields(doc)
	return ok
}

// authoredFields decodes doc as an object and reports whether it has a
// logic key (matched case-insensitively).
func authoredFields(doc json.RawMessage) (map[string]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, false
	}
	for k := range fields {
		if strings.EqualFold(k, "logic") {
			return fields, true
		}
	}
	return fields, false
}

// ReadLogic returns the combination logic of an authored document. Absent
// logic, canonical documents and parse failures all default to AND.
func ReadLogic(doc json.RawMessage) types.Logic {
	fields, ok := authoredFields(doc)
	if !ok {
		return types.LogicAnd
	}
	for k, v := range fields {
		if !strings.EqualFold(k, "logic") {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return types.LogicAnd
		}
		return parseLogic(s)
	}
	return types.LogicAnd
}

func parseLogic(s string) types.Logic {
	if strings.EqualFold(strings.TrimSpace(s), string(types.LogicOr)) {
		return types.LogicOr
	}
	return types.LogicAnd
}

// ParseRuleDocument decodes an authored rule document.
func ParseRuleDocument(doc json.RawMessage) (*types.RuleDocument, error) {
	var raw struct {
		Rules []json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRules, err)
	}

	out := &types.RuleDocument{Logic: ReadLogic(doc), Rules: make([]types.AuthoredRule, 0, len(raw.Rules))}
	for _, r := range raw.Rules {
		var rule types.AuthoredRule
		if err := json.Unmarshal(r, &rule); err != nil {
			// an unreadable rule keeps its slot and fails path validation
			rule = types.AuthoredRule{}
		}
		out.Rules = append(out.Rules, rule)
	}
	return out, nil
}

// Compile converts a rule document into a compiled rule set. Only a
// structurally unreadable document is an error; invalid rules are dropped.
func Compile(doc json.RawMessage) (*CompiledRuleSet, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return &CompiledRuleSet{WorkflowName: types.DefaultWorkflowName, Logic: types.LogicAnd}, nil
	}

	if IsAuthored(trimmed) {
		parsed, err := ParseRuleDocument(trimmed)
		if err != nil {
			return nil, err
		}
		return CompileDocument(parsed), nil
	}

	workflows, err := ParseCanonical(trimmed)
	if err != nil {
		return nil, err
	}
	return passthrough(workflows), nil
}

// CompileDocument compiles an already-decoded authored document.
func CompileDocument(doc *types.RuleDocument) *CompiledRuleSet {
	set := &CompiledRuleSet{
		WorkflowName: types.DefaultWorkflowName,
		Logic:        doc.Logic,
	}
	if set.Logic != types.LogicOr {
		set.Logic = types.LogicAnd
	}

	for i, rule := range doc.Rules {
		expression, _, err := CompileRule(rule)
		if err != nil {
			set.Dropped = append(set.Dropped, DroppedRule{
				Index:     i,
				FieldPath: rule.FieldPath,
				Operator:  rule.Operator,
				Err:       err,
			})
			continue
		}
		set.Rules = append(set.Rules, CompiledRule{
			Name:          "Rule" + strconv.Itoa(len(set.Rules)+1),
			Expression:    expression,
			SourceStageID: rule.StageID,
		})
	}

	if set.Logic == types.LogicOr && len(set.Rules) > 1 {
		set.Rules = []CompiledRule{combineOr(set.Rules)}
	}
	return set
}

// combineOr folds rules into a single Rule1 joined with ||.
func combineOr(rules []CompiledRule) CompiledRule {
	parts := make([]string, len(rules))
	source := rules[0].SourceStageID
	for i, r := range rules {
		parts[i] = "(" + r.Expression + ")"
		if source != nil && (r.SourceStageID == nil || *r.SourceStageID != *source) {
			source = nil
		}
	}
	return CompiledRule{
		Name:          "Rule1",
		Expression:    strings.Join(parts, " || "),
		SourceStageID: source,
	}
}

// stageCompletedExpr is what completeStage compiles to when the path does
// not name a task's isCompleted flag.
var stageCompletedExpr = "Equals(" + checklistRoot + ".status, " + strconv.Quote(types.StatusCompleted) + ")"

// validateRulePath checks path for operator; stage completion rules may name
// the bare checklist root.
func validateRulePath(path, operator string) error {
	if path == checklistRoot && isStageCompletion(operator) {
		return nil
	}
	return ValidateFieldPath(path)
}

func namesTaskCompletion(path string) bool {
	return strings.Contains(path, "isCompleted")
}

// CompileRule renders one authored rule as an expression. The returned
// operator is meaningful only when err is nil.
func CompileRule(rule types.AuthoredRule) (string, Operator, error) {
	path := NormalizeFieldPath(rule.FieldPath)
	if err := validateRulePath(path, rule.Operator); err != nil {
		return "", OpUnspecified, err
	}
	if isStageCompletion(rule.Operator) && !namesTaskCompletion(path) {
		return stageCompletedExpr, OpComplete, nil
	}
	segs, err := ParseFieldPath(path)
	if err != nil {
		return "", OpUnspecified, err
	}
	pathText := FormatPath(segs)

	op, ok := ParseOperator(rule.Operator)
	if !ok {
		return "", OpUnspecified, fmt.Errorf("%w: %q", types.ErrUnknownOperator, rule.Operator)
	}

	switch {
	case op == OpComplete:
		return op.Helper() + "(" + pathText + ", true)", op, nil
	case op.Unary():
		return op.Helper() + "(" + pathText + ")", op, nil
	}

	lit, err := SanitizeValue(rule.Value, op.TakesList())
	if err != nil {
		return "", op, err
	}
	return op.Helper() + "(" + pathText + ", " + lit.Text + ")", op, nil
}

// ParseCanonical decodes a canonical document: a list of workflows or a
// single workflow object.
func ParseCanonical(doc json.RawMessage) ([]types.CanonicalWorkflow, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", types.ErrInvalidRules)
	}

	var workflows []types.CanonicalWorkflow
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &workflows); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidRules, err)
		}
	case '{':
		var wf types.CanonicalWorkflow
		if err := json.Unmarshal(trimmed, &wf); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidRules, err)
		}
		workflows = []types.CanonicalWorkflow{wf}
	default:
		return nil, fmt.Errorf("%w: expected an object or an array", types.ErrInvalidRules)
	}
	return workflows, nil
}

// passthrough selects the rules of a canonical document. The workflow named
// DefaultWorkflowName wins; otherwise the first workflow is used.
func passthrough(workflows []types.CanonicalWorkflow) *CompiledRuleSet {
	set := &CompiledRuleSet{
		WorkflowName: types.DefaultWorkflowName,
		Logic:        types.LogicAnd,
		Passthrough:  true,
	}
	if len(workflows) == 0 {
		return set
	}

	chosen := workflows[0]
	for _, wf := range workflows {
		if wf.WorkflowName == types.DefaultWorkflowName {
			chosen = wf
			break
		}
	}
	if chosen.WorkflowName != "" {
		set.WorkflowName = chosen.WorkflowName
	}
	for _, r := range chosen.Rules {
		set.Rules = append(set.Rules, CompiledRule{Name: r.RuleName, Expression: r.Expression})
	}
	return set
}

// SourceStages returns the stages whose data the rules read: the current
// stage plus every stage named by a rule's stageId, sorted and deduplicated.
func SourceStages(doc json.RawMessage, current types.StageID) []types.StageID {
	seen := map[types.StageID]bool{current: true}
	if IsAuthored(doc) {
		if parsed, err := ParseRuleDocument(doc); err == nil {
			for _, r := range parsed.Rules {
				if r.StageID != nil && *r.StageID > 0 {
					seen[*r.StageID] = true
				}
			}
		}
	}

	out := make([]types.StageID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
