// internal/actions/triggeraction.go
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowflex/stagecondition/internal/types"
)

const msgActionDefinitionRequired = "ActionDefinitionId is required for TriggerAction action"

type triggerAction struct {
	svc    Services
	logger *slog.Logger
}

func (h *triggerAction) Type() string { return types.ActionTriggerAction }

func (h *triggerAction) Handle(ctx context.Context, call Call) types.ActionResult {
	res := newResult(types.ResultTriggerAction, call.Spec)
	spec := call.Spec
	exec := call.Exec

	if spec.ActionDefinitionID == nil {
		res.ErrorMessage = msgActionDefinitionRequired
		return res
	}
	id := *spec.ActionDefinitionID
	if h.svc.Executor == nil {
		res.ErrorMessage = "no action executor configured for TriggerAction action"
		return res
	}

	def, err := h.svc.Executor.GetDefinition(ctx, exec.TenantID, id)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		res.ErrorMessage = err.Error()
		return res
	}
	if def == nil || !def.IsEnabled {
		res.ErrorMessage = fmt.Sprintf("ActionDefinition %d not found or disabled", id)
		return res
	}

	payload := TriggerPayload{
		OnboardingID:       exec.CaseID,
		StageID:            exec.StageID,
		ConditionID:        exec.ConditionID,
		TenantID:           exec.TenantID,
		UserID:             exec.UserID,
		ActionDefinitionID: id,
		ActionName:         def.Name,
		TriggerSource:      TriggerSourceStageCondition,
	}
	if call.Cases != nil {
		if c, err := call.Cases.GetCase(ctx, exec.TenantID, exec.CaseID); err == nil {
			payload.CaseName = c.Name
			payload.WorkflowID = c.WorkflowID
		}
	}

	out, err := h.svc.Executor.Execute(ctx, exec.TenantID, id, payload)
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	res.Success = true
	res.ResultData["actionDefinitionId"] = id
	res.ResultData["actionName"] = def.Name
	res.ResultData["status"] = "Executed"
	res.ResultData["executionResult"] = out
	h.logger.Info("external action triggered",
		"case_id", exec.CaseID, "action_definition_id", id, "evaluation_id", exec.EvaluationID)
	return res
}
