package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/types"
)

type definitions map[types.ActionDefinitionID]bool

func (d definitions) GetDefinition(_ context.Context, _ types.TenantID, id types.ActionDefinitionID) (*actions.ActionDefinition, error) {
	enabled, ok := d[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &actions.ActionDefinition{ID: id, Name: "hook", IsEnabled: enabled}, nil
}

func (definitions) Execute(context.Context, types.TenantID, types.ActionDefinitionID, actions.TriggerPayload) (string, error) {
	return "", nil
}

func warningsWith(res types.ValidationResult, code string) []types.ValidationIssue {
	var out []types.ValidationIssue
	for _, w := range res.Warnings {
		if w.Code == code {
			out = append(out, w)
		}
	}
	return out
}

func TestValidateCondition(t *testing.T) {
	ctx := context.Background()
	defs := definitions{1: true, 2: false}

	tests := []struct {
		name     string
		actions  string
		fallback *types.StageID
		code     string
		message  string
		field    string
	}{
		{
			name:     "fallback inactive",
			actions:  `[]`,
			fallback: types.Ptr(types.StageID(400)),
			code:     types.WarnFallbackStageInvalid,
			message:  "Fallback stage 400 not found or inactive",
			field:    "fallbackStageId",
		},
		{
			name:     "fallback unknown",
			actions:  `[]`,
			fallback: types.Ptr(types.StageID(404)),
			code:     types.WarnFallbackStageInvalid,
			message:  "Fallback stage 404 not found or inactive",
			field:    "fallbackStageId",
		},
		{
			name:    "target unknown",
			actions: `[{"type":"notify","users":["1"]},{"type":"GoToStage","targetStageId":404}]`,
			code:    types.WarnTargetStageInvalid,
			message: "Target stage 404 in action not found or inactive",
			field:   "actions[1].targetStageId",
		},
		{
			name:    "action definition missing",
			actions: `[{"type":"TriggerAction","actionDefinitionId":9}]`,
			code:    types.WarnActionDefInvalid,
			message: "ActionDefinition 9 not found or disabled",
			field:   "actions[0].actionDefinitionId",
		},
		{
			name:    "action definition disabled",
			actions: `[{"type":"TriggerAction","actionDefinitionId":2}]`,
			code:    types.WarnActionDefInvalid,
			message: "ActionDefinition 2 not found or disabled",
			field:   "actions[0].actionDefinitionId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore()
			cond := condition(tt.actions)
			cond.FallbackStageID = tt.fallback

			res := ValidateCondition(ctx, s, defs, tenant, &cond)
			got := warningsWith(res, tt.code)
			require.Len(t, got, 1, "%+v", res.Warnings)
			assert.Equal(t, tt.message, got[0].Message)
			assert.Equal(t, tt.field, got[0].Field)
		})
	}
}

func TestValidateCondition_References(t *testing.T) {
	ctx := context.Background()

	t.Run("clean condition has no reference warnings", func(t *testing.T) {
		cond := condition(`[{"type":"GoToStage","targetStageId":300},{"type":"TriggerAction","actionDefinitionId":1}]`)
		cond.FallbackStageID = types.Ptr(types.StageID(7))
		res := ValidateCondition(ctx, newStore(), definitions{1: true}, tenant, &cond)
		for _, code := range []string{
			types.WarnFallbackStageInvalid,
			types.WarnTargetStageInvalid,
			types.WarnActionDefInvalid,
			types.WarnCircularReference,
		} {
			assert.Empty(t, warningsWith(res, code), code)
		}
	})

	t.Run("circular goto", func(t *testing.T) {
		s := newStore()
		back := condition(`[{"type":"GoToStage","targetStageId":100}]`)
		back.ID = 56
		back.StageID = 300
		s.setCondition(back)

		cond := condition(`[{"type":"GoToStage","targetStageId":300}]`)
		res := ValidateCondition(ctx, s, nil, tenant, &cond)
		got := warningsWith(res, types.WarnCircularReference)
		require.Len(t, got, 1)
		assert.Equal(t, "Potential circular reference detected: Stage 100 -> Stage 300 -> Stage 100", got[0].Message)
	})

	t.Run("inactive condition on target is not circular", func(t *testing.T) {
		s := newStore()
		back := condition(`[{"type":"GoToStage","targetStageId":100}]`)
		back.StageID = 300
		back.IsActive = false
		s.setCondition(back)

		cond := condition(`[{"type":"GoToStage","targetStageId":300}]`)
		res := ValidateCondition(ctx, s, nil, tenant, &cond)
		assert.Empty(t, warningsWith(res, types.WarnCircularReference))
	})

	t.Run("definitions checked once", func(t *testing.T) {
		cond := condition(`[{"type":"TriggerAction","actionDefinitionId":9},{"type":"trigger","actionDefinitionId":9}]`)
		res := ValidateCondition(ctx, newStore(), definitions{}, tenant, &cond)
		assert.Len(t, warningsWith(res, types.WarnActionDefInvalid), 1)
	})

	t.Run("no executor skips definitions", func(t *testing.T) {
		cond := condition(`[{"type":"TriggerAction","actionDefinitionId":9}]`)
		res := ValidateCondition(ctx, newStore(), nil, tenant, &cond)
		assert.Empty(t, warningsWith(res, types.WarnActionDefInvalid))
	})

	t.Run("document errors are merged", func(t *testing.T) {
		cond := condition(`[]`)
		cond.Rules = json.RawMessage(`{"logic":"AND","rules":[{"fieldPath":"","operator":">","value":"1"}]}`)
		cond.Actions = json.RawMessage(`"not a list"`)
		res := ValidateCondition(ctx, newStore(), nil, tenant, &cond)
		assert.False(t, res.IsValid)
		assert.NotEmpty(t, res.Errors)
	})
}
