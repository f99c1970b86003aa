package types

import "time"

// Condition and case statuses.
const (
	StatusValid          = "Valid"
	StatusInvalid        = "Invalid"
	StatusDraft          = "Draft"
	StatusCompleted      = "Completed"
	StatusForceCompleted = "Force Completed"
	StatusSkipped        = "Skipped"
	StatusInProgress     = "In Progress"
)

const (
	// SystemUser is recorded on mutations made without an acting user.
	SystemUser = "SYSTEM"

	// DefaultWorkflowName names the single workflow of a compiled rule set.
	DefaultWorkflowName = "StageCondition"

	// AutoAdvanceOrder is the order of the synthetic advance action appended
	// when a met condition ran no stage-control action.
	AutoAdvanceOrder = 999

	// FallbackOrder is the order of the synthetic advance to a fallback stage.
	FallbackOrder = 0

	// DefaultActionOrder applies when an action omits its order.
	DefaultActionOrder = 1
)

// Action type identifiers as authored (matched case-insensitively).
const (
	ActionGoToStage        = "gotostage"
	ActionSkipStage        = "skipstage"
	ActionEndWorkflow      = "endworkflow"
	ActionSendNotification = "sendnotification"
	ActionUpdateField      = "updatefield"
	ActionTriggerAction    = "triggeraction"
	ActionAssignUser       = "assignuser"
)

// Action result type names reported in ActionResult.ActionType.
const (
	ResultGoToStage        = "GoToStage"
	ResultSkipStage        = "SkipStage"
	ResultEndWorkflow      = "EndWorkflow"
	ResultSendNotification = "SendNotification"
	ResultUpdateField      = "UpdateField"
	ResultTriggerAction    = "TriggerAction"
	ResultAssignUser       = "AssignUser"
	ResultAutoToNextStage  = "AutoToNextStage"
	ResultParseError       = "ParseError"
)

// ActionTypes lists every supported action type.
var ActionTypes = []string{
	ActionGoToStage,
	ActionSkipStage,
	ActionEndWorkflow,
	ActionSendNotification,
	ActionUpdateField,
	ActionTriggerAction,
	ActionAssignUser,
}

// StageControlActionTypes are the action types that move a case between
// stages. A met condition auto-advances only when no result of one of these
// types is present.
var StageControlActionTypes = []string{
	ActionGoToStage,
	ActionSkipStage,
	ActionEndWorkflow,
}

// Assignee types for the assignuser action.
const (
	AssigneeUser = "user"
	AssigneeTeam = "team"
)

// Sources recorded on audit entries.
const (
	SourceStageCondition = "stage_condition"
	SourceAutoAdvance    = "auto_advance"
)

// Validation error codes.
const (
	CodeNotFound                 = "NOT_FOUND"
	CodeRulesRequired            = "RULES_REQUIRED"
	CodeRulesEmpty               = "RULES_EMPTY"
	CodeActionsRequired          = "ACTIONS_REQUIRED"
	CodeActionsEmpty             = "ACTIONS_EMPTY"
	CodeInvalidJSON              = "INVALID_JSON"
	CodeInvalidFormat            = "INVALID_FORMAT"
	CodeInvalidExpression        = "INVALID_EXPRESSION"
	CodeInvalidFieldPath         = "INVALID_FIELD_PATH"
	CodeInvalidOperator          = "INVALID_OPERATOR"
	CodeValueRequired            = "VALUE_REQUIRED"
	CodeInvalidValue             = "INVALID_VALUE"
	CodeRuleNameRequired         = "RULE_NAME_REQUIRED"
	CodeRuleExpressionRequired   = "RULE_EXPRESSION_REQUIRED"
	CodeActionTypeRequired       = "ACTION_TYPE_REQUIRED"
	CodeInvalidActionType        = "INVALID_ACTION_TYPE"
	CodeGoToStageTargetRequired  = "GOTOSTAGE_TARGET_REQUIRED"
	CodeUpdateFieldNameRequired  = "UPDATEFIELD_NAME_REQUIRED"
	CodeTriggerActionIDRequired  = "TRIGGERACTION_ID_REQUIRED"
	CodeNotificationRecipientReq = "SENDNOTIFICATION_RECIPIENT_REQUIRED"
	CodeAssignUserTypeInvalid    = "ASSIGNUSER_TYPE_INVALID"
	CodeAssignUserIDsRequired    = "ASSIGNUSER_IDS_REQUIRED"
	CodeAssignUserParamsRequired = "ASSIGNUSER_PARAMS_REQUIRED"
)

// Validation warning codes.
const (
	WarnFormatConverted          = "FORMAT_CONVERTED"
	WarnWorkflowNameEmpty        = "WORKFLOW_NAME_EMPTY"
	WarnConflictingRules         = "CONFLICTING_RULES"
	WarnConflictingStageActions  = "CONFLICTING_STAGE_ACTIONS"
	WarnMultipleGoToStageTargets = "MULTIPLE_GOTOSTAGE_TARGETS"
	WarnCircularReference        = "CIRCULAR_REFERENCE"
	WarnFallbackStageInvalid     = "FALLBACK_STAGE_INVALID"
	WarnTargetStageInvalid       = "TARGET_STAGE_INVALID"
	WarnActionDefInvalid         = "ACTION_DEF_INVALID"
	WarnNotificationEmptySubject = "SENDNOTIFICATION_EMPTY_SUBJECT"
	WarnNotificationEmptyBody    = "SENDNOTIFICATION_EMPTY_BODY"
)

// Default action timeouts. Notification and external trigger actions perform
// remote I/O and get a longer bound than pure data mutations.
const (
	DefaultActionTimeout      = 30 * time.Second
	SendNotificationTimeout   = 60 * time.Second
	TriggerActionTimeout      = 45 * time.Second
	DefaultMaxRetryAttempts   = 3
	DefaultRetryBaseDelay     = 500 * time.Millisecond
	DefaultRetryMaxDelay      = 5 * time.Second
	DefaultRetryBackoffFactor = 2.0
)

// Resource limits enforced by the rule compiler.
const (
	// MaxFieldPathLength bounds an authored field path.
	MaxFieldPathLength = 500

	// MaxValueLength bounds an authored literal string.
	MaxValueLength = 1000

	// MaxPathDepth bounds the number of path segments.
	MaxPathDepth = 16

	// MaxListValues bounds the literal list of inList / notInList.
	MaxListValues = 64

	// MaxExpressionLength bounds a canonical expression string.
	MaxExpressionLength = 8192
)
