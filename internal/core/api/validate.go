package api

import (
	"context"
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/rules"
	"github.com/flowflex/stagecondition/internal/types"
)

type rulesRequest struct {
	Rules json.RawMessage `json:"rules"`
}

type actionsRequest struct {
	Actions json.RawMessage `json:"actions"`
}

type conditionRequest struct {
	StageID         types.StageID    `json:"stageId"`
	WorkflowID      types.WorkflowID `json:"workflowId"`
	Name            string           `json:"name"`
	Rules           json.RawMessage  `json:"rules"`
	Actions         json.RawMessage  `json:"actions"`
	FallbackStageID *types.StageID   `json:"fallbackStageId"`
}

// ValidateRules validates an authored rule document. The document may be
// sent as a JSON value or as a string holding JSON.
func (s *Service) ValidateRules(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := tenantFrom(ctx); err != nil {
		return nil, err
	}
	var req rulesRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return encodeResponse(rules.ValidateRuleDocument(document(req.Rules)))
}

// ValidateActions validates an authored action document.
func (s *Service) ValidateActions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := tenantFrom(ctx); err != nil {
		return nil, err
	}
	var req actionsRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return encodeResponse(actions.ValidateActionDocument(document(req.Actions)))
}

// ValidateCondition validates both documents of a condition draft and the
// stages and action definitions it references.
func (s *Service) ValidateCondition(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tenant, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	var req conditionRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if err := requireField(req.StageID != 0, "stageId"); err != nil {
		return nil, err
	}

	cond := types.ConditionDefinition{
		StageID:         req.StageID,
		WorkflowID:      req.WorkflowID,
		Name:            req.Name,
		Rules:           document(req.Rules),
		Actions:         document(req.Actions),
		FallbackStageID: req.FallbackStageID,
		IsActive:        true,
		Status:          types.StatusValid,
	}
	return encodeResponse(engine.ValidateCondition(ctx, s.reader, s.executor, tenant, &cond))
}
