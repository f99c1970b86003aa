// internal/engine/dryrun.go
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowflex/stagecondition/internal/types"
)

// EvaluateOnly evaluates the stage condition without locking the case or
// running any action. Met conditions report no next stage since the action
// list decides it; unmet ones report the fallback or the natural next stage.
func (o *Orchestrator) EvaluateOnly(ctx context.Context, tenant types.TenantID, caseID types.CaseID, stageID types.StageID) (*types.EvaluationResult, error) {
	if err := checkRequest(tenant, caseID, stageID); err != nil {
		return nil, err
	}
	exec := types.ExecutionContext{
		CaseID:       caseID,
		StageID:      stageID,
		TenantID:     tenant,
		EvaluationID: types.NewEvaluationID(),
	}

	res, err := o.dryRun(ctx, &exec)
	if err != nil {
		o.logger.Warn("dry run evaluation failed",
			"evaluation_id", exec.EvaluationID, "case_id", caseID, "stage_id", stageID, "error", err)
		res = o.faultResult(ctx, exec, err)
	}
	res.EvaluationID = exec.EvaluationID
	return res, nil
}

func (o *Orchestrator) dryRun(ctx context.Context, exec *types.ExecutionContext) (*types.EvaluationResult, error) {
	if _, err := o.store.GetCase(ctx, exec.TenantID, exec.CaseID); err != nil {
		return nil, fmt.Errorf("load case %d: %w", exec.CaseID, err)
	}
	stage, err := o.store.GetStage(ctx, exec.TenantID, exec.StageID)
	if err != nil {
		return nil, fmt.Errorf("load stage %d: %w", exec.StageID, err)
	}

	cond, err := o.store.ConditionForStage(ctx, exec.TenantID, exec.StageID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("load condition of stage %d: %w", exec.StageID, err)
	}
	if !cond.Usable() {
		next, err := naturalNext(ctx, o.store, exec.TenantID, stage)
		if err != nil {
			return nil, err
		}
		return &types.EvaluationResult{
			NextStageID:   next,
			RuleResults:   []types.RuleResult{},
			ActionResults: []types.ActionResult{},
		}, nil
	}
	exec.ConditionID = cond.ID

	evaluated, err := o.evaluate(ctx, *exec, cond)
	if err != nil {
		return nil, err
	}
	res := &types.EvaluationResult{
		ConditionID:   types.Ptr(cond.ID),
		ConditionMet:  evaluated.Met,
		RuleResults:   evaluated.Rules,
		ActionResults: []types.ActionResult{},
	}
	if res.RuleResults == nil {
		res.RuleResults = []types.RuleResult{}
	}
	if evaluated.Met {
		return res, nil
	}

	if cond.FallbackStageID != nil {
		res.NextStageID = types.Ptr(*cond.FallbackStageID)
		return res, nil
	}
	res.NextStageID, err = naturalNext(ctx, o.store, exec.TenantID, stage)
	if err != nil {
		return nil, err
	}
	return res, nil
}
