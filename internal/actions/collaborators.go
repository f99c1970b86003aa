// internal/actions/collaborators.go
package actions

import (
	"context"
	"encoding/json"

	"github.com/flowflex/stagecondition/internal/types"
)

// CaseStore reads and mutates case and stage rows. Implementations passed to
// the dispatcher are bound to the orchestrator's locked transaction, so every
// read observes state written by earlier actions of the same batch. Lookups
// of missing rows return an error wrapping types.ErrNotFound.
type CaseStore interface {
	GetStage(ctx context.Context, tenant types.TenantID, id types.StageID) (*types.Stage, error)
	GetCase(ctx context.Context, tenant types.TenantID, id types.CaseID) (*types.Case, error)

	// ListActiveStagesAfter returns active stages of workflowID whose order is
	// greater than afterOrder, ascending. A limit of zero returns all.
	ListActiveStagesAfter(ctx context.Context, tenant types.TenantID, workflowID types.WorkflowID, afterOrder, limit int) ([]types.Stage, error)

	UpdateCurrentStage(ctx context.Context, tenant types.TenantID, caseID types.CaseID, stage types.Stage, actor string) error
	UpdateStatus(ctx context.Context, tenant types.TenantID, caseID types.CaseID, status string, completionRate float64, actor string) error
	AppendNotes(ctx context.Context, tenant types.TenantID, caseID types.CaseID, note string) error
	UpdateStagesProgress(ctx context.Context, tenant types.TenantID, caseID types.CaseID, progress []types.StageProgress, actor string) error
}

// User is a directory entry.
type User struct {
	ID    int64
	Name  string
	Email string
}

// NormalUserType is the directory user type of non-administrative members.
const NormalUserType = 3

// TeamMember is one membership row returned by the directory.
type TeamMember struct {
	TeamID   string
	UserID   string
	Name     string
	Email    string
	UserType int
}

// TeamQuery selects a page of team memberships. A zero UserType matches every
// user type.
type TeamQuery struct {
	TeamIDs  []string
	UserType int
	Page     int
	PageSize int
}

// Directory resolves users and team members.
type Directory interface {
	UsersByIDs(ctx context.Context, tenant types.TenantID, ids []int64) ([]User, error)
	TeamMembers(ctx context.Context, tenant types.TenantID, q TeamQuery) ([]TeamMember, error)
}

// FieldValue is one case-level field value to persist.
type FieldValue struct {
	Name      string
	FieldID   *int64
	ValueJSON json.RawMessage
	Source    string
}

// FieldValueStore persists case-level field values, overwriting existing
// values with the same name. A CaseStore that also implements it receives
// the writes instead of Services.Fields, so they commit with the case.
type FieldValueStore interface {
	UpsertCaseFields(ctx context.Context, tenant types.TenantID, caseID types.CaseID, values []FieldValue) error
}

// PropertyLookup maps a field definition id to its storage name.
type PropertyLookup interface {
	FieldNameByID(ctx context.Context, tenant types.TenantID, id int64) (string, error)
}

// ActionDefinition is an externally executed action.
type ActionDefinition struct {
	ID        types.ActionDefinitionID
	Name      string
	IsEnabled bool
}

// TriggerPayload is the context handed to the external action executor.
type TriggerPayload struct {
	OnboardingID       types.CaseID             `json:"onboardingId"`
	StageID            types.StageID            `json:"stageId"`
	ConditionID        types.ConditionID        `json:"conditionId"`
	TenantID           types.TenantID           `json:"tenantId"`
	UserID             int64                    `json:"userId,omitempty"`
	ActionDefinitionID types.ActionDefinitionID `json:"actionDefinitionId"`
	ActionName         string                   `json:"actionName"`
	TriggerSource      string                   `json:"triggerSource"`
	CaseName           string                   `json:"caseName,omitempty"`
	WorkflowID         types.WorkflowID         `json:"workflowId,omitempty"`
}

// TriggerSourceStageCondition marks payloads sent by the trigger action.
const TriggerSourceStageCondition = "StageCondition"

// ActionExecutor runs external action definitions.
type ActionExecutor interface {
	GetDefinition(ctx context.Context, tenant types.TenantID, id types.ActionDefinitionID) (*ActionDefinition, error)
	Execute(ctx context.Context, tenant types.TenantID, id types.ActionDefinitionID, payload TriggerPayload) (string, error)
}

// Notification is one stage notification email.
type Notification struct {
	To                string
	CaseID            types.CaseID
	CaseName          string
	PreviousStageName string
	CurrentStageName  string
	CaseURL           string
	Subject           string
	Body              string
}

// Mailer sends notification emails. A false return with a nil error is a
// rejected send; neither retries internally.
type Mailer interface {
	SendStageNotification(ctx context.Context, n Notification) (bool, error)
}

// Services are the collaborators that live outside the case-row transaction.
// Nil collaborators make the handlers that need them fail with a descriptive
// result.
type Services struct {
	Directory  Directory
	Fields     FieldValueStore
	Properties PropertyLookup
	Executor   ActionExecutor
	Mailer     Mailer
}
