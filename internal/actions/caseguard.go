package actions

import (
	"context"
	"errors"
	"sync"

	"github.com/flowflex/stagecondition/internal/types"
)

// errCasesReleased is returned to a handler that touches the case store after
// the dispatcher stopped waiting for it.
var errCasesReleased = errors.New("case store released: action no longer owns the evaluation transaction")

// caseGuard hands one action its view of the batch transaction.
//
// Statements run without the action deadline, since a cancelled statement
// aborts a PostgreSQL transaction. Calls are serialized with release; after
// it no statement of that handler reaches the transaction.
type caseGuard struct {
	mu       sync.Mutex
	released bool
}

func (g *caseGuard) do(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return errCasesReleased
	}
	return fn()
}

// release waits for an in-flight statement and rejects later ones.
func (g *caseGuard) release() {
	g.mu.Lock()
	g.released = true
	g.mu.Unlock()
}

// guardCases wraps cases for one action. The wrapper implements
// FieldValueStore when cases does.
func guardCases(cases CaseStore) (*caseGuard, CaseStore) {
	g := &caseGuard{}
	gc := guardedCases{guard: g, inner: cases}
	if fields, ok := cases.(FieldValueStore); ok {
		return g, guardedFieldCases{guardedCases: gc, fields: fields}
	}
	return g, gc
}

type guardedCases struct {
	guard *caseGuard
	inner CaseStore
}

func (c guardedCases) GetStage(ctx context.Context, tenant types.TenantID, id types.StageID) (stage *types.Stage, err error) {
	err = c.guard.do(func() error {
		stage, err = c.inner.GetStage(context.WithoutCancel(ctx), tenant, id)
		return err
	})
	return stage, err
}

func (c guardedCases) GetCase(ctx context.Context, tenant types.TenantID, id types.CaseID) (cs *types.Case, err error) {
	err = c.guard.do(func() error {
		cs, err = c.inner.GetCase(context.WithoutCancel(ctx), tenant, id)
		return err
	})
	return cs, err
}

func (c guardedCases) ListActiveStagesAfter(ctx context.Context, tenant types.TenantID, workflowID types.WorkflowID, afterOrder, limit int) (stages []types.Stage, err error) {
	err = c.guard.do(func() error {
		stages, err = c.inner.ListActiveStagesAfter(context.WithoutCancel(ctx), tenant, workflowID, afterOrder, limit)
		return err
	})
	return stages, err
}

func (c guardedCases) UpdateCurrentStage(ctx context.Context, tenant types.TenantID, caseID types.CaseID, stage types.Stage, actor string) error {
	return c.guard.do(func() error {
		return c.inner.UpdateCurrentStage(context.WithoutCancel(ctx), tenant, caseID, stage, actor)
	})
}

func (c guardedCases) UpdateStatus(ctx context.Context, tenant types.TenantID, caseID types.CaseID, status string, completionRate float64, actor string) error {
	return c.guard.do(func() error {
		return c.inner.UpdateStatus(context.WithoutCancel(ctx), tenant, caseID, status, completionRate, actor)
	})
}

func (c guardedCases) AppendNotes(ctx context.Context, tenant types.TenantID, caseID types.CaseID, note string) error {
	return c.guard.do(func() error {
		return c.inner.AppendNotes(context.WithoutCancel(ctx), tenant, caseID, note)
	})
}

func (c guardedCases) UpdateStagesProgress(ctx context.Context, tenant types.TenantID, caseID types.CaseID, progress []types.StageProgress, actor string) error {
	return c.guard.do(func() error {
		return c.inner.UpdateStagesProgress(context.WithoutCancel(ctx), tenant, caseID, progress, actor)
	})
}

type guardedFieldCases struct {
	guardedCases
	fields FieldValueStore
}

func (c guardedFieldCases) UpsertCaseFields(ctx context.Context, tenant types.TenantID, caseID types.CaseID, values []FieldValue) error {
	return c.guard.do(func() error {
		return c.fields.UpsertCaseFields(context.WithoutCancel(ctx), tenant, caseID, values)
	})
}
