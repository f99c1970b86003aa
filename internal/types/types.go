// Package types provides domain models shared across the stage condition engine.
//
// Cases (onboardings) progress through the ordered stages of a workflow. A stage
// may carry one active ConditionDefinition whose rules are evaluated when the
// stage completes and whose actions decide where the case goes next.
//
// Storage identifiers are 64-bit integers (snowflake ids in the source system).
// Tenant ids are opaque strings and are always passed explicitly; nothing in
// this module reads a tenant from ambient context.
package types

import (
	"encoding/json"
	"time"
)

// CaseID identifies an onboarding case.
type CaseID int64

// StageID identifies a workflow stage.
type StageID int64

// WorkflowID identifies a workflow.
type WorkflowID int64

// ConditionID identifies a stage condition definition.
type ConditionID int64

// ActionDefinitionID identifies an external action definition.
type ActionDefinitionID int64

// TenantID scopes every store read and write.
type TenantID string

// EvaluationID is a UUIDv7 correlating logs, spans and the audit record of one
// orchestrator run.
type EvaluationID string

// Stage is one ordered step of a workflow.
type Stage struct {
	ID         StageID    `db:"id" json:"id"`
	WorkflowID WorkflowID `db:"workflow_id" json:"workflowId"`
	Name       string     `db:"name" json:"name"`
	Order      int        `db:"sort_order" json:"order"`
	IsActive   bool       `db:"is_active" json:"isActive"`
}

// StageProgress is the per-stage entry of a case's progress record.
type StageProgress struct {
	StageID         StageID    `json:"stageId"`
	StageName       string     `json:"stageName,omitempty"`
	Order           int        `json:"stageOrder"`
	Status          string     `json:"status"`
	IsCompleted     bool       `json:"isCompleted"`
	CompletedAt     *time.Time `json:"completionTime,omitempty"`
	CompletedBy     string     `json:"completedBy,omitempty"`
	CustomAssignees []string   `json:"customStageAssignee,omitempty"`
}

// Case is an in-progress workflow instance for one subject.
type Case struct {
	ID                CaseID          `json:"id"`
	TenantID          TenantID        `json:"tenantId"`
	WorkflowID        WorkflowID      `json:"workflowId"`
	Name              string          `json:"caseName"`
	CurrentStageID    *StageID        `json:"currentStageId,omitempty"`
	CurrentStageOrder int             `json:"currentStageOrder"`
	Status            string          `json:"status"`
	CompletionRate    float64         `json:"completionRate"`
	Notes             string          `json:"notes"`
	StagesProgress    []StageProgress `json:"stagesProgress"`
}

// Progress returns the progress entry for stageID, or nil.
func (c *Case) Progress(stageID StageID) *StageProgress {
	for i := range c.StagesProgress {
		if c.StagesProgress[i].StageID == stageID {
			return &c.StagesProgress[i]
		}
	}
	return nil
}

// IsTerminal reports whether the case already reached a completed status.
func (c *Case) IsTerminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusForceCompleted
}

// ConditionDefinition is the rule and action configuration attached to a stage.
// Rules and Actions are kept as authored documents; compilation happens per
// evaluation.
type ConditionDefinition struct {
	ID              ConditionID     `json:"id"`
	StageID         StageID         `json:"stageId"`
	WorkflowID      WorkflowID      `json:"workflowId"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Rules           json.RawMessage `json:"rulesJson"`
	Actions         json.RawMessage `json:"actionsJson"`
	FallbackStageID *StageID        `json:"fallbackStageId,omitempty"`
	IsActive        bool            `json:"isActive"`
	Status          string          `json:"status"`
}

// Usable reports whether the condition takes part in evaluation.
func (c *ConditionDefinition) Usable() bool {
	return c != nil && c.IsActive && c.Status == StatusValid
}

// ExecutionContext identifies the evaluation every action handler runs under.
type ExecutionContext struct {
	CaseID       CaseID
	StageID      StageID
	ConditionID  ConditionID
	TenantID     TenantID
	UserID       int64
	UserName     string
	EvaluationID EvaluationID
}

// Actor returns the user name recorded on mutations.
func (e ExecutionContext) Actor() string {
	if e.UserName == "" {
		return SystemUser
	}
	return e.UserName
}

// RuleResult is the diagnostic outcome of one compiled rule.
type RuleResult struct {
	Name          string   `json:"ruleName"`
	Passed        bool     `json:"isSuccess"`
	Expression    string   `json:"expression"`
	Error         string   `json:"errorMessage,omitempty"`
	SourceStageID *StageID `json:"sourceStageId,omitempty"`
}

// ActionResult is the outcome of one dispatched action.
type ActionResult struct {
	ActionType   string         `json:"actionType"`
	Order        int            `json:"order"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	ResultData   map[string]any `json:"resultData,omitempty"`
}

// EvaluationResult is returned to the case-progression caller.
type EvaluationResult struct {
	EvaluationID  EvaluationID   `json:"evaluationId"`
	ConditionID   *ConditionID   `json:"conditionId,omitempty"`
	ConditionMet  bool           `json:"isConditionMet"`
	RuleResults   []RuleResult   `json:"ruleResults"`
	NextStageID   *StageID       `json:"nextStageId,omitempty"`
	ActionResults []ActionResult `json:"actionResults"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`
}

// ValidationIssue is one error or warning raised while validating an authored
// document.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ValidationResult is the outcome of ValidateRuleDocument and
// ValidateActionDocument. Warnings never affect IsValid.
type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// NewValidationResult returns a valid result with empty issue lists.
func NewValidationResult() ValidationResult {
	return ValidationResult{IsValid: true, Errors: []ValidationIssue{}, Warnings: []ValidationIssue{}}
}

// AddError records an error and marks the result invalid.
func (r *ValidationResult) AddError(code, message, field string) {
	r.IsValid = false
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Message: message, Field: field})
}

// AddWarning records a non-blocking warning.
func (r *ValidationResult) AddWarning(code, message, field string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Message: message, Field: field})
}

// Merge appends the issues of other into r.
func (r *ValidationResult) Merge(other ValidationResult) {
	if !other.IsValid {
		r.IsValid = false
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
