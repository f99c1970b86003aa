// internal/core/store/tx.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/core/db"
	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/types"
)

// Tx is one evaluation transaction. It also implements
// actions.FieldValueStore so UpdateField writes commit with the case.
type Tx struct {
	reader
	tx *sqlx.Tx
}

// noteSeparator goes between existing case notes and an appended note.
const noteSeparator = "\n"

var (
	_ engine.Tx               = (*Tx)(nil)
	_ actions.FieldValueStore = (*Tx)(nil)
)

// LockCase loads the case row. PostgreSQL takes a row lock with FOR UPDATE;
// SQLite already holds the database write lock since Begin.
func (t *Tx) LockCase(ctx context.Context, tenant types.TenantID, id types.CaseID) (*types.Case, error) {
	query := "get-case"
	if t.q.DriverName() == db.DriverPostgres {
		query = "lock-case"
	}
	return t.loadCase(ctx, query, tenant, id)
}

func (t *Tx) UpdateCurrentStage(ctx context.Context, tenant types.TenantID, caseID types.CaseID, stage types.Stage, actor string) error {
	res, err := t.q.Exec(ctx, "update-case-stage", stage.ID, stage.Order, actor, t.stamp(), tenant, caseID)
	return affected(res, err, caseID)
}

func (t *Tx) UpdateStatus(ctx context.Context, tenant types.TenantID, caseID types.CaseID, status string, completionRate float64, actor string) error {
	res, err := t.q.Exec(ctx, "update-case-status", status, completionRate, actor, t.stamp(), tenant, caseID)
	return affected(res, err, caseID)
}

// AppendNotes adds note on a new line after any existing notes.
func (t *Tx) AppendNotes(ctx context.Context, tenant types.TenantID, caseID types.CaseID, note string) error {
	res, err := t.q.Exec(ctx, "append-case-notes", noteSeparator, note, t.stamp(), tenant, caseID)
	return affected(res, err, caseID)
}

func (t *Tx) UpdateStagesProgress(ctx context.Context, tenant types.TenantID, caseID types.CaseID, progress []types.StageProgress, actor string) error {
	if progress == nil {
		progress = []types.StageProgress{}
	}
	doc, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode stages progress: %w", err)
	}
	res, err := t.q.Exec(ctx, "update-stages-progress", string(doc), actor, t.stamp(), tenant, caseID)
	return affected(res, err, caseID)
}

func (t *Tx) UpsertCaseFields(ctx context.Context, tenant types.TenantID, caseID types.CaseID, values []actions.FieldValue) error {
	return upsertFields(ctx, t.reader, tenant, caseID, values)
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

func affected(res sql.Result, err error, caseID types.CaseID) error {
	if err != nil {
		return fmt.Errorf("update case %d: %w", caseID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update case %d: %w", caseID, err)
	}
	if n == 0 {
		return fmt.Errorf("case %d: %w", caseID, types.ErrNotFound)
	}
	return nil
}

func upsertFields(ctx context.Context, r reader, tenant types.TenantID, caseID types.CaseID, values []actions.FieldValue) error {
	now := r.stamp()
	for _, v := range values {
		value := string(v.ValueJSON)
		if value == "" {
			value = "null"
		}
		if _, err := r.q.Exec(ctx, "upsert-case-field", tenant, caseID, v.Name, v.FieldID, value, v.Source, now); err != nil {
			return fmt.Errorf("upsert field %q of case %d: %w", v.Name, caseID, err)
		}
	}
	return nil
}
