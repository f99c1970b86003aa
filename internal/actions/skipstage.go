// internal/actions/skipstage.go
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowflex/stagecondition/internal/types"
)

// skipStage jumps over the next SkipCount active stages.
//
// With N = SkipCount and R active stages remaining after the current one:
//
//	R <  N  the case is terminated (endworkflow semantics)
//	R == N  the case moves to the last remaining stage
//	R >  N  the case moves to stage N+1, the N stages before it are skipped
type skipStage struct {
	logger *slog.Logger
}

func (h *skipStage) Type() string { return types.ActionSkipStage }

func (h *skipStage) Handle(ctx context.Context, call Call) types.ActionResult {
	res := newResult(types.ResultSkipStage, call.Spec)
	exec := call.Exec

	current, err := call.Cases.GetStage(ctx, exec.TenantID, exec.StageID)
	if errors.Is(err, types.ErrNotFound) {
		res.ErrorMessage = fmt.Sprintf("Current stage %d not found", exec.StageID)
		return res
	}
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	n := call.Spec.SkipCount
	if n < 1 {
		n = 1
	}

	next, err := call.Cases.ListActiveStagesAfter(ctx, exec.TenantID, current.WorkflowID, current.Order, n+1)
	if err != nil {
		res.ErrorMessage = err.Error()
		return res
	}

	switch {
	case len(next) < n:
		h.logger.Info("not enough stages to skip, ending workflow",
			"case_id", exec.CaseID, "skip_count", n, "remaining", len(next))
		return endCase(ctx, call, h.logger)
	case len(next) == n:
		last := next[n-1]
		return moveToStage(ctx, call, last.ID, newResult(types.ResultGoToStage, call.Spec), h.logger)
	}

	target := next[n]
	moved := moveToStage(ctx, call, target.ID, newResult(types.ResultGoToStage, call.Spec), h.logger)
	res.Success = moved.Success
	res.ErrorMessage = moved.ErrorMessage
	res.ResultData["skippedCount"] = n
	res.ResultData["targetStageId"] = target.ID
	res.ResultData["targetStageName"] = target.Name
	return res
}
