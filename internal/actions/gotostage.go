// internal/actions/gotostage.go
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowflex/stagecondition/internal/types"
)

const (
	msgTargetRequired = "TargetStageId is required for GoToStage action"
)

type goToStage struct {
	logger *slog.Logger
}

func (h *goToStage) Type() string { return types.ActionGoToStage }

func (h *goToStage) Handle(ctx context.Context, call Call) types.ActionResult {
	res := newResult(types.ResultGoToStage, call.Spec)
	if call.Spec.TargetStageID == nil {
		res.ErrorMessage = msgTargetRequired
		return res
	}
	return moveToStage(ctx, call, *call.Spec.TargetStageID, res, h.logger)
}

// moveToStage points the case at target, marking stages jumped over when
// moving forward. Stage and case rows are read fresh through call.Cases.
func moveToStage(ctx context.Context, call Call, target types.StageID, res types.ActionResult, logger *slog.Logger) types.ActionResult {
	exec := call.Exec

	stage, err := call.Cases.GetStage(ctx, exec.TenantID, target)
	if errors.Is(err, types.ErrNotFound) || (err == nil && !stage.IsActive) {
		res.ErrorMessage = fmt.Sprintf("Target stage %d not found or inactive", target)
		return res
	}
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	c, err := call.Cases.GetCase(ctx, exec.TenantID, exec.CaseID)
	if err != nil {
		res.ErrorMessage = caseError(exec.CaseID, err)
		return res
	}

	current, err := call.Cases.GetStage(ctx, exec.TenantID, exec.StageID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		res.ErrorMessage = err.Error()
		return res
	}
	if current != nil && stage.Order > current.Order {
		markSkipped(ctx, call, c, current.Order, stage.Order, logger)
	}

	if err := call.Cases.UpdateCurrentStage(ctx, exec.TenantID, exec.CaseID, *stage, exec.Actor()); err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	res.Success = true
	res.ResultData["targetStageId"] = stage.ID
	res.ResultData["targetStageName"] = stage.Name
	logger.Info("case moved to stage",
		"case_id", exec.CaseID,
		"stage_id", stage.ID,
		"stage_name", stage.Name,
		"evaluation_id", exec.EvaluationID)
	return res
}

// markSkipped records every active stage strictly between fromOrder and
// toOrder as skipped. Failures are logged; the move itself still happens.
func markSkipped(ctx context.Context, call Call, c *types.Case, fromOrder, toOrder int, logger *slog.Logger) int {
	exec := call.Exec
	after, err := call.Cases.ListActiveStagesAfter(ctx, exec.TenantID, c.WorkflowID, fromOrder, 0)
	if err != nil {
		logger.Error("listing stages to skip", "case_id", c.ID, "error", err)
		return 0
	}

	progress := append([]types.StageProgress(nil), c.StagesProgress...)
	marked := 0
	for _, s := range after {
		if s.Order >= toOrder {
			break
		}
		marked++
		if p := progressFor(progress, s.ID); p != nil {
			p.Status = types.StatusSkipped
			p.IsCompleted = false
			continue
		}
		progress = append(progress, types.StageProgress{
			StageID:   s.ID,
			StageName: s.Name,
			Order:     s.Order,
			Status:    types.StatusSkipped,
		})
	}
	if marked == 0 {
		return 0
	}

	if err := call.Cases.UpdateStagesProgress(ctx, exec.TenantID, c.ID, progress, exec.Actor()); err != nil {
		logger.Error("marking skipped stages", "case_id", c.ID, "error", err)
		return 0
	}
	logger.Info("marked stages skipped", "case_id", c.ID, "count", marked)
	return marked
}

func progressFor(progress []types.StageProgress, id types.StageID) *types.StageProgress {
	for i := range progress {
		if progress[i].StageID == id {
			return &progress[i]
		}
	}
	return nil
}

func caseError(id types.CaseID, err error) string {
	if errors.Is(err, types.ErrNotFound) {
		return fmt.Sprintf("Onboarding %d not found", id)
	}
	return err.Error()
}
