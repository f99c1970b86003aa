package api

import (
	"context"
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/types"
)

// evaluateRequest is the body of EvaluateAndExecute. Ids may be sent as
// numbers or numeric strings; strings keep large ids exact.
type evaluateRequest struct {
	CaseID   types.CaseID  `json:"caseId"`
	StageID  types.StageID `json:"stageId"`
	UserID   json.Number   `json:"userId"`
	UserName string        `json:"userName"`
	DryRun   bool          `json:"dryRun"`
}

// EvaluateAndExecute runs the stage condition of a completed stage for the
// authenticated tenant. With dryRun set the condition is only evaluated.
// Evaluation faults come back as a result with errorMessage set, not as a
// gRPC error.
func (s *Service) EvaluateAndExecute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	var req evaluateRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := requireField(req.CaseID != 0, "caseId"); err != nil {
		return nil, err
	}
	if err := requireField(req.StageID != 0, "stageId"); err != nil {
		return nil, err
	}

	var res *types.EvaluationResult
	if req.DryRun {
		res, err = s.orch.EvaluateOnly(ctx, tenant, req.CaseID, req.StageID)
	} else {
		actor := engine.Actor{Name: req.UserName}
		if id, ok := types.ParseInt64(req.UserID.String()); ok {
			actor.ID = id
		}
		res, err = s.orch.EvaluateAndExecute(ctx, tenant, req.CaseID, req.StageID, actor)
	}
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Debug("evaluation served",
		"tenant_id", tenant, "case_id", req.CaseID, "stage_id", req.StageID,
		"evaluation_id", res.EvaluationID, "condition_met", res.ConditionMet, "dry_run", req.DryRun)
	return encodeResponse(res)
}
