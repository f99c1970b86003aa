package actions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowflex/stagecondition/internal/types"
)

func issueCodes(issues []types.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

func TestValidateActionDocument(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		valid    bool
		errors   []string
		warnings []string
	}{
		{
			name:   "missing",
			doc:    ``,
			errors: []string{types.CodeActionsRequired},
		},
		{
			name:   "malformed json",
			doc:    `[{"type":`,
			errors: []string{types.CodeInvalidJSON},
		},
		{
			name:   "wrong shape",
			doc:    `42`,
			errors: []string{types.CodeInvalidFormat},
		},
		{
			name:   "empty list",
			doc:    `[]`,
			errors: []string{types.CodeActionsEmpty},
		},
		{
			name:   "type missing",
			doc:    `[{"order":1}]`,
			errors: []string{types.CodeActionTypeRequired},
		},
		{
			name:   "unknown type",
			doc:    `[{"type":"Teleport"}]`,
			errors: []string{types.CodeInvalidActionType},
		},
		{
			name:   "goto without target",
			doc:    `[{"type":"GoToStage"}]`,
			errors: []string{types.CodeGoToStageTargetRequired},
		},
		{
			name:   "update field without name",
			doc:    `[{"type":"UpdateField","fieldValue":1}]`,
			errors: []string{types.CodeUpdateFieldNameRequired},
		},
		{
			name:   "trigger without id",
			doc:    `[{"type":"TriggerAction"}]`,
			errors: []string{types.CodeTriggerActionIDRequired},
		},
		{
			name:     "notification without recipients",
			doc:      `[{"type":"SendNotification","subject":"s","emailBody":"b"}]`,
			errors:   []string{types.CodeNotificationRecipientReq},
			warnings: []string{},
		},
		{
			name:     "notification defaults warn",
			doc:      `[{"type":"notify","users":["42"]}]`,
			valid:    true,
			warnings: []string{types.WarnNotificationEmptySubject, types.WarnNotificationEmptyBody},
		},
		{
			name:   "assign without parameters",
			doc:    `[{"type":"AssignUser"}]`,
			errors: []string{types.CodeAssignUserParamsRequired},
		},
		{
			name:   "assign with bad type",
			doc:    `[{"type":"AssignUser","parameters":{"assigneeType":"group","assigneeIds":["1"]}}]`,
			errors: []string{types.CodeAssignUserTypeInvalid},
		},
		{
			name:   "assign without ids",
			doc:    `[{"type":"AssignUser","parameters":{"assigneeType":"team"}}]`,
			errors: []string{types.CodeAssignUserIDsRequired},
		},
		{
			name:     "conflicting stage control",
			doc:      `[{"type":"GoToStage","targetStageId":2},{"type":"EndWorkflow","order":2}]`,
			valid:    true,
			warnings: []string{types.WarnConflictingStageActions},
		},
		{
			name:     "goto targets disagree",
			doc:      `[{"type":"GoToStage","targetStageId":2},{"type":"GoToStage","targetStageId":3}]`,
			valid:    true,
			warnings: []string{types.WarnMultipleGoToStageTargets},
		},
		{
			name:  "same goto target twice",
			doc:   `[{"type":"GoToStage","targetStageId":2},{"type":"GoToStage","targetStageId":"2"}]`,
			valid: true,
		},
		{
			name:  "every action well formed",
			doc:   `"[{\"type\":\"UpdateField\",\"fieldName\":\"tier\",\"fieldValue\":\"gold\"},{\"type\":\"SkipStage\",\"skipCount\":2}]"`,
			valid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateActionDocument(json.RawMessage(tt.doc))
			assert.Equal(t, tt.valid, got.IsValid)
			if tt.errors == nil {
				tt.errors = []string{}
			}
			assert.Equal(t, tt.errors, issueCodes(got.Errors))
			if tt.warnings != nil {
				assert.ElementsMatch(t, tt.warnings, issueCodes(got.Warnings))
			}
		})
	}
}

func TestValidateActionDocument_FieldPaths(t *testing.T) {
	got := ValidateActionDocument(json.RawMessage(`[{"type":"EndWorkflow"},{"type":"GoToStage"}]`))
	if assert.Len(t, got.Errors, 1) {
		assert.Equal(t, "actions[1].targetStageId", got.Errors[0].Field)
	}
}
