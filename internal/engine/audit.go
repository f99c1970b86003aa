// internal/engine/audit.go
package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flowflex/stagecondition/internal/types"
)

// AuditEntry summarizes one committed evaluation.
type AuditEntry struct {
	EvaluationID  types.EvaluationID
	TenantID      types.TenantID
	CaseID        types.CaseID
	StageID       types.StageID
	ConditionID   types.ConditionID
	ConditionName string
	ConditionMet  bool
	NextStageID   *types.StageID
	Title         string
	Description   string
	RuleResults   []types.RuleResult
	ActionResults []types.ActionResult
	Actor         string
	CreatedAt     time.Time
}

func newAuditEntry(cond *types.ConditionDefinition, exec types.ExecutionContext, res *types.EvaluationResult, now time.Time) AuditEntry {
	var passed, failed []string
	for _, r := range res.RuleResults {
		if r.Passed {
			passed = append(passed, r.Name)
		} else {
			failed = append(failed, r.Name)
		}
	}

	return AuditEntry{
		EvaluationID:  exec.EvaluationID,
		TenantID:      exec.TenantID,
		CaseID:        exec.CaseID,
		StageID:       exec.StageID,
		ConditionID:   cond.ID,
		ConditionName: cond.Name,
		ConditionMet:  res.ConditionMet,
		NextStageID:   res.NextStageID,
		Title:         auditTitle(cond.Name, res.ConditionMet, passed, failed, res.ActionResults),
		Description:   auditDescription(cond.Name, res.ConditionMet, passed, failed, res.ActionResults),
		RuleResults:   res.RuleResults,
		ActionResults: res.ActionResults,
		Actor:         exec.Actor(),
		CreatedAt:     now.UTC(),
	}
}

// auditTitle renders the one-line summary, for example
//
//	Condition Met: High value | Rules: Rule1 ✓ | Actions: SendNotification ✓, AutoToNextStage→Review ✓
func auditTitle(name string, met bool, passed, failed []string, results []types.ActionResult) string {
	parts := []string{fmt.Sprintf("Condition %s: %s", metText(met), name)}

	rules, mark := failed, "✗"
	if met {
		rules, mark = passed, "✓"
	}
	if len(rules) > 0 {
		marked := make([]string, len(rules))
		for i, r := range rules {
			marked[i] = r + " " + mark
		}
		parts = append(parts, "Rules: "+strings.Join(marked, ", "))
	}

	if len(results) > 0 {
		ordered := append([]types.ActionResult(nil), results...)
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
		acts := make([]string, len(ordered))
		for i, a := range ordered {
			status := "✗"
			if a.Success {
				status = "✓"
			}
			if detail := actionDetail(a); detail != "" {
				acts[i] = fmt.Sprintf("%s→%s %s", a.ActionType, detail, status)
			} else {
				acts[i] = fmt.Sprintf("%s %s", a.ActionType, status)
			}
		}
		label := "Fallback"
		if met {
			label = "Actions"
		}
		parts = append(parts, label+": "+strings.Join(acts, ", "))
	}
	return strings.Join(parts, " | ")
}

func auditDescription(name string, met bool, passed, failed []string, results []types.ActionResult) string {
	parts := []string{fmt.Sprintf("Condition '%s' evaluated: %s", name, metText(met))}
	if len(passed) > 0 {
		parts = append(parts, "Passed rules: "+strings.Join(passed, ", "))
	}
	if len(failed) > 0 {
		parts = append(parts, "Failed rules: "+strings.Join(failed, ", "))
	}

	var ok, bad []string
	for _, a := range results {
		if a.Success {
			if detail := actionDetail(a); detail != "" {
				ok = append(ok, fmt.Sprintf("%s(%s)", a.ActionType, detail))
			} else {
				ok = append(ok, a.ActionType)
			}
			continue
		}
		msg := a.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		bad = append(bad, fmt.Sprintf("%s(%s)", a.ActionType, msg))
	}
	if len(ok) > 0 {
		parts = append(parts, "Executed actions: "+strings.Join(ok, "; "))
	}
	if len(bad) > 0 {
		parts = append(parts, "Failed actions: "+strings.Join(bad, "; "))
	}
	return strings.Join(parts, ". ")
}

// actionDetail picks the most telling result field of an action.
func actionDetail(a types.ActionResult) string {
	if len(a.ResultData) == 0 {
		return ""
	}
	str := func(key string) string {
		if v, ok := a.ResultData[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}

	switch strings.ToLower(a.ActionType) {
	case "gotostage", "autotonextstage":
		return str("targetStageName")
	case "skipstage":
		if name := str("targetStageName"); name != "" {
			return fmt.Sprintf("skip %s→%s", str("skippedCount"), name)
		}
	case "endworkflow":
		return str("endStatus")
	case "sendnotification":
		return fmt.Sprintf("%s sent", str("successCount"))
	case "updatefield":
		return fmt.Sprintf("%s=%s", str("fieldName"), str("displayValue"))
	case "triggeraction":
		return str("actionName")
	case "assignuser":
		if names, ok := a.ResultData["assigneeNames"].([]string); ok && len(names) > 0 {
			return strings.Join(names, ",")
		}
	}
	return ""
}

func metText(met bool) string {
	if met {
		return "Met"
	}
	return "Not Met"
}
