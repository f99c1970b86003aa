// internal/actions/validate.go
package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flowflex/stagecondition/internal/types"
)

// ValidateActionDocument checks an authored action list. Each action's inputs
// are validated independently; cross-action findings are warnings.
func ValidateActionDocument(doc json.RawMessage) types.ValidationResult {
	result := types.NewValidationResult()

	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		result.AddError(types.CodeActionsRequired, "Actions are required", "actions")
		return result
	}
	if !json.Valid(trimmed) {
		result.AddError(types.CodeInvalidJSON, "Actions document is not valid JSON", "actions")
		return result
	}

	specs, err := ParseActions(trimmed)
	if err != nil {
		result.AddError(types.CodeInvalidFormat, err.Error(), "actions")
		return result
	}
	if len(specs) == 0 {
		result.AddError(types.CodeActionsEmpty, "At least one action is required", "actions")
		return result
	}

	for i, spec := range specs {
		validateSpec(&result, i, spec)
	}
	checkStageControl(&result, specs)
	return result
}

func validateSpec(result *types.ValidationResult, i int, spec Spec) {
	field := func(name string) string { return fmt.Sprintf("actions[%d].%s", i, name) }

	if strings.TrimSpace(spec.RawType) == "" {
		result.AddError(types.CodeActionTypeRequired, fmt.Sprintf("Action %d has no type", i+1), field("type"))
		return
	}
	if _, known := NormalizeType(spec.RawType); !known {
		result.AddError(types.CodeInvalidActionType,
			fmt.Sprintf("Unsupported action type: %s (expected one of %s)", spec.RawType, strings.Join(types.ActionTypes, ", ")),
			field("type"))
		return
	}

	switch spec.Type {
	case types.ActionGoToStage:
		if spec.TargetStageID == nil {
			result.AddError(types.CodeGoToStageTargetRequired, msgTargetRequired, field("targetStageId"))
		}

	case types.ActionUpdateField:
		if spec.FieldID == "" && spec.FieldName == "" {
			result.AddError(types.CodeUpdateFieldNameRequired, msgFieldRequired, field("fieldName"))
		}

	case types.ActionTriggerAction:
		if spec.ActionDefinitionID == nil {
			result.AddError(types.CodeTriggerActionIDRequired, msgActionDefinitionRequired, field("actionDefinitionId"))
		}

	case types.ActionSendNotification:
		if len(spec.Users) == 0 && len(spec.Teams) == 0 {
			result.AddError(types.CodeNotificationRecipientReq, msgRecipientsRequired, field("parameters.users"))
		}
		if strings.TrimSpace(spec.Subject) == "" {
			result.AddWarning(types.WarnNotificationEmptySubject,
				"Notification has no subject; the default subject will be used", field("parameters.subject"))
		}
		if strings.TrimSpace(spec.EmailBody) == "" {
			result.AddWarning(types.WarnNotificationEmptyBody,
				"Notification has no body; the default body will be used", field("parameters.emailBody"))
		}

	case types.ActionAssignUser:
		switch {
		case spec.AssigneeType == "" && len(spec.AssigneeIDs) == 0:
			result.AddError(types.CodeAssignUserParamsRequired, msgAssigneeRequired, field("parameters"))
		case spec.AssigneeType != types.AssigneeUser && spec.AssigneeType != types.AssigneeTeam:
			result.AddError(types.CodeAssignUserTypeInvalid,
				fmt.Sprintf("assigneeType must be %q or %q", types.AssigneeUser, types.AssigneeTeam),
				field("parameters.assigneeType"))
		case len(spec.AssigneeIDs) == 0:
			result.AddError(types.CodeAssignUserIDsRequired, "assigneeIds must not be empty", field("parameters.assigneeIds"))
		}
	}
}

// checkStageControl warns when more than one action would move the case.
func checkStageControl(result *types.ValidationResult, specs []Spec) {
	kinds := make(map[string]bool)
	targets := make(map[types.StageID]bool)
	gotos := 0
	for _, spec := range specs {
		for _, t := range types.StageControlActionTypes {
			if spec.Type == t {
				kinds[t] = true
			}
		}
		if spec.Type == types.ActionGoToStage {
			gotos++
			if spec.TargetStageID != nil {
				targets[*spec.TargetStageID] = true
			}
		}
	}

	if len(kinds) > 1 {
		names := make([]string, 0, len(kinds))
		for k := range kinds {
			names = append(names, ResultName(k))
		}
		sort.Strings(names)
		result.AddWarning(types.WarnConflictingStageActions,
			fmt.Sprintf("Multiple stage control actions (%s); the one with the highest order decides the final stage", strings.Join(names, ", ")),
			"actions")
	}
	if gotos > 1 && len(targets) > 1 {
		result.AddWarning(types.WarnMultipleGoToStageTargets,
			fmt.Sprintf("%d GoToStage actions target %d different stages", gotos, len(targets)),
			"actions")
	}
}
