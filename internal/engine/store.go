// internal/engine/store.go
package engine

import (
	"context"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/types"
)

// Reader serves the unlocked reads of an evaluation: natural-next lookups on
// the fault path, dry runs and condition validation.
type Reader interface {
	GetStage(ctx context.Context, tenant types.TenantID, id types.StageID) (*types.Stage, error)
	GetCase(ctx context.Context, tenant types.TenantID, id types.CaseID) (*types.Case, error)
	ListActiveStagesAfter(ctx context.Context, tenant types.TenantID, workflowID types.WorkflowID, afterOrder, limit int) ([]types.Stage, error)

	// ConditionForStage returns the stage's condition, or ErrNotFound.
	ConditionForStage(ctx context.Context, tenant types.TenantID, stageID types.StageID) (*types.ConditionDefinition, error)
}

// Tx is the locked transaction one evaluation runs in. Every case mutation
// made by the orchestrator or a stage-control action goes through it.
type Tx interface {
	actions.CaseStore

	// LockCase loads the case and holds its row until Commit or Rollback.
	LockCase(ctx context.Context, tenant types.TenantID, id types.CaseID) (*types.Case, error)
	ConditionForStage(ctx context.Context, tenant types.TenantID, stageID types.StageID) (*types.ConditionDefinition, error)

	Commit() error
	Rollback() error
}

// Store opens evaluation transactions.
type Store interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
}

// DataBuilder assembles the rule input tree of a case from the captured data
// of the given stages.
type DataBuilder interface {
	BuildInput(ctx context.Context, tenant types.TenantID, caseID types.CaseID, stages []types.StageID) (map[string]any, error)
}

// AuditLog receives one record per committed evaluation.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}
