// internal/engine/validate.go
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/rules"
	"github.com/flowflex/stagecondition/internal/types"
)

// ValidateCondition validates both documents of cond, then checks what they
// reference against the store. Reference problems are warnings: a condition
// pointing at an inactive stage can still be saved. executor may be nil, in
// which case action definitions are not checked.
func ValidateCondition(ctx context.Context, r Reader, executor actions.ActionExecutor, tenant types.TenantID, cond *types.ConditionDefinition) types.ValidationResult {
	result := types.NewValidationResult()
	result.Merge(rules.ValidateRuleDocument(cond.Rules))
	result.Merge(actions.ValidateActionDocument(cond.Actions))

	specs, err := actions.ParseActions(cond.Actions)
	if err != nil {
		specs = nil
	}

	if cond.FallbackStageID != nil && !activeStage(ctx, r, tenant, *cond.FallbackStageID) {
		result.AddWarning(types.WarnFallbackStageInvalid,
			fmt.Sprintf("Fallback stage %d not found or inactive", *cond.FallbackStageID), "fallbackStageId")
	}

	checkedDefs := make(map[types.ActionDefinitionID]bool)
	for i, spec := range specs {
		field := fmt.Sprintf("actions[%d]", i)

		if spec.TargetStageID != nil {
			target := *spec.TargetStageID
			if !activeStage(ctx, r, tenant, target) {
				result.AddWarning(types.WarnTargetStageInvalid,
					fmt.Sprintf("Target stage %d in action not found or inactive", target), field+".targetStageId")
			} else if spec.Type == types.ActionGoToStage && pointsBack(ctx, r, tenant, target, cond.StageID) {
				result.AddWarning(types.WarnCircularReference,
					fmt.Sprintf("Potential circular reference detected: Stage %d -> Stage %d -> Stage %d", cond.StageID, target, cond.StageID),
					field+".targetStageId")
			}
		}

		if spec.ActionDefinitionID != nil && executor != nil {
			id := *spec.ActionDefinitionID
			if checkedDefs[id] {
				continue
			}
			checkedDefs[id] = true
			def, err := executor.GetDefinition(ctx, tenant, id)
			if (err != nil && errors.Is(err, types.ErrNotFound)) || (err == nil && (def == nil || !def.IsEnabled)) {
				result.AddWarning(types.WarnActionDefInvalid,
					fmt.Sprintf("ActionDefinition %d not found or disabled", id), field+".actionDefinitionId")
			}
		}
	}
	return result
}

func activeStage(ctx context.Context, r Reader, tenant types.TenantID, id types.StageID) bool {
	s, err := r.GetStage(ctx, tenant, id)
	return err == nil && s != nil && s.IsActive
}

// pointsBack reports whether target's usable condition jumps straight back
// to origin.
func pointsBack(ctx context.Context, r Reader, tenant types.TenantID, target, origin types.StageID) bool {
	cond, err := r.ConditionForStage(ctx, tenant, target)
	if err != nil || !cond.Usable() {
		return false
	}
	specs, err := actions.ParseActions(cond.Actions)
	if err != nil {
		return false
	}
	for _, s := range specs {
		if s.Type == types.ActionGoToStage && s.TargetStageID != nil && *s.TargetStageID == origin {
			return true
		}
	}
	return false
}
