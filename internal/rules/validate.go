// internal/rules/validate.go
package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flowflex/stagecondition/internal/types"
)

// ValidateRuleDocument checks a rule document at authoring time. Errors block
// saving; warnings (conflicts, format conversion) never do.
func ValidateRuleDocument(doc json.RawMessage) types.ValidationResult {
	result := types.NewValidationResult()

	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		result.AddError(types.CodeRulesRequired, "Rules configuration is required", "rules")
		return result
	}
	if !json.Valid(trimmed) {
		result.AddError(types.CodeInvalidJSON, "Rules configuration is not valid JSON", "rules")
		return result
	}

	if IsAuthored(trimmed) {
		validateAuthored(trimmed, &result)
	} else {
		validateCanonical(trimmed, &result)
	}
	return result
}

func validateAuthored(doc json.RawMessage, result *types.ValidationResult) {
	if fields, _ := authoredFields(doc); fields != nil {
		for k, v := range fields {
			if !strings.EqualFold(k, "logic") {
				continue
			}
			var s string
			_ = json.Unmarshal(v, &s)
			s = strings.ToUpper(strings.TrimSpace(s))
			if s != string(types.LogicAnd) && s != string(types.LogicOr) {
				result.AddError(types.CodeInvalidFormat, "Logic must be AND or OR", "logic")
			}
		}
	}

	parsed, err := ParseRuleDocument(doc)
	if err != nil {
		result.AddError(types.CodeInvalidFormat, "Rules must be a list of fieldPath/operator/value objects", "rules")
		return
	}
	if len(parsed.Rules) == 0 {
		result.AddError(types.CodeRulesEmpty, "At least one rule is required", "rules")
		return
	}

	for i, rule := range parsed.Rules {
		validateAuthoredRule(i, rule, result)
	}

	for _, w := range DetectConflicts(parsed.Logic, parsed.Rules) {
		result.AddWarning(w.Code, w.Message, w.Field)
	}

	if result.IsValid {
		result.AddWarning(types.WarnFormatConverted,
			fmt.Sprintf("%d rule(s) will be converted to expressions with %s logic", len(parsed.Rules), parsed.Logic), "rules")
	}
}

func validateAuthoredRule(i int, rule types.AuthoredRule, result *types.ValidationResult) {
	prefix := fmt.Sprintf("rules[%d]", i)

	if strings.TrimSpace(rule.FieldPath) == "" {
		result.AddError(types.CodeInvalidFieldPath, fmt.Sprintf("Rule %d: field path is required", i+1), prefix+".fieldPath")
	} else if err := validateRulePath(NormalizeFieldPath(rule.FieldPath), rule.Operator); err != nil {
		result.AddError(types.CodeInvalidFieldPath, fmt.Sprintf("Rule %d: %v", i+1, err), prefix+".fieldPath")
	}

	op, ok := ParseOperator(rule.Operator)
	if !ok {
		msg := fmt.Sprintf("Rule %d: operator %q is not supported", i+1, rule.Operator)
		if strings.TrimSpace(rule.Operator) == "" {
			msg = fmt.Sprintf("Rule %d: operator is required", i+1)
		}
		result.AddError(types.CodeInvalidOperator, msg, prefix+".operator")
		return
	}
	if op.Unary() {
		return
	}

	if _, err := SanitizeValue(rule.Value, op.TakesList()); err != nil {
		if errors.Is(err, types.ErrMissingValue) {
			result.AddError(types.CodeValueRequired, fmt.Sprintf("Rule %d: a value is required for operator %s", i+1, rule.Operator), prefix+".value")
			return
		}
		result.AddError(types.CodeInvalidValue, fmt.Sprintf("Rule %d: %v", i+1, err), prefix+".value")
	}
}

func validateCanonical(doc json.RawMessage, result *types.ValidationResult) {
	workflows, err := ParseCanonical(doc)
	if err != nil {
		result.AddError(types.CodeInvalidFormat,
			"Rules must be either {logic, rules} or a list of {WorkflowName, Rules}", "rules")
		return
	}

	total := 0
	for w, wf := range workflows {
		if strings.TrimSpace(wf.WorkflowName) == "" {
			result.AddWarning(types.WarnWorkflowNameEmpty, "Workflow name is empty", fmt.Sprintf("[%d].WorkflowName", w))
		}
		for i, r := range wf.Rules {
			total++
			field := fmt.Sprintf("[%d].Rules[%d]", w, i)
			if strings.TrimSpace(r.RuleName) == "" {
				result.AddError(types.CodeRuleNameRequired, fmt.Sprintf("Rule %d: RuleName is required", i+1), field+".RuleName")
			}
			if strings.TrimSpace(r.Expression) == "" {
				result.AddError(types.CodeRuleExpressionRequired, fmt.Sprintf("Rule %d: Expression is required", i+1), field+".Expression")
				continue
			}
			if _, err := ParseExpression(r.Expression, defaultRegistry); err != nil {
				result.AddError(types.CodeInvalidExpression, fmt.Sprintf("Rule %d: %v", i+1, err), field+".Expression")
			}
		}
	}
	if total == 0 {
		result.AddError(types.CodeRulesEmpty, "At least one rule is required", "rules")
	}
}
