// internal/actions/endworkflow.go
package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowflex/stagecondition/internal/types"
)

type endWorkflow struct {
	logger *slog.Logger
}

func (h *endWorkflow) Type() string { return types.ActionEndWorkflow }

func (h *endWorkflow) Handle(ctx context.Context, call Call) types.ActionResult {
	return endCase(ctx, call, h.logger)
}

// endCase force-completes the case. Stage progress is left untouched and the
// completion note is appended to existing notes.
func endCase(ctx context.Context, call Call, logger *slog.Logger) types.ActionResult {
	res := newResult(types.ResultEndWorkflow, call.Spec)
	exec := call.Exec

	c, err := call.Cases.GetCase(ctx, exec.TenantID, exec.CaseID)
	if err != nil {
		res.ErrorMessage = caseError(exec.CaseID, err)
		return res
	}

	if c.IsTerminal() {
		res.Success = true
		res.ResultData["endStatus"] = c.Status
		res.ResultData["message"] = "Onboarding already completed"
		logger.Info("end workflow skipped, case already completed",
			"case_id", c.ID, "status", c.Status)
		return res
	}

	status := call.Spec.EndStatus
	if status == "" {
		status = types.StatusForceCompleted
	}

	if err := call.Cases.UpdateStatus(ctx, exec.TenantID, c.ID, status, 100, exec.Actor()); err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	note := fmt.Sprintf("[EndWorkflow Action] Workflow ended by Stage Condition - ConditionId: %d", exec.ConditionID)
	if err := call.Cases.AppendNotes(ctx, exec.TenantID, c.ID, note); err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	res.Success = true
	res.ResultData["endStatus"] = status
	res.ResultData["completionRate"] = 100
	res.ResultData["previousStatus"] = c.Status
	logger.Info("workflow ended",
		"case_id", c.ID, "status", status, "previous_status", c.Status,
		"evaluation_id", exec.EvaluationID)
	return res
}
