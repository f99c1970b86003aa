// internal/core/store/store.go
package store

/*
 * SQL persistence for the stage condition engine.
 *
 * Store serves unlocked reads from the pool and opens evaluation
 * transactions (Tx). Everything goes through the named queries of
 * internal/core/db, so SQLite and PostgreSQL share one code path apart
 * from row locking.
 *
 * JSON columns are written as strings and scanned into strings: lib/pq
 * sends []byte as bytea, and go-sqlite3 returns TEXT columns as string.
 */

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/flowflex/stagecondition/internal/core/db"
	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/types"
)

// Store implements engine.Store and the service collaborators of the action
// handlers over one connection pool.
type Store struct {
	reader
	db     *sqlx.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for non-fatal decode problems.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the timestamp source of writes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New loads the named queries and binds them to conn.
func New(conn *sqlx.DB, opts ...Option) (*Store, error) {
	q, err := db.LoadQueries(conn)
	if err != nil {
		return nil, err
	}
	s := &Store{
		reader: reader{q: q, now: time.Now},
		db:     conn,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ engine.Store = (*Store)(nil)

// Begin opens an evaluation transaction. On SQLite the connection DSN asks
// for immediate transactions, so the write lock is taken here.
func (s *Store) Begin(ctx context.Context) (engine.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{
		reader: reader{q: s.q.WithTx(tx), now: s.now},
		tx:     tx,
	}, nil
}

// reader holds the queries shared by the pool and transactions.
type reader struct {
	q   *db.Queries
	now func() time.Time
}

func (r reader) stamp() string {
	return r.now().UTC().Format(time.RFC3339Nano)
}

// notFound maps sql.ErrNoRows to types.ErrNotFound.
func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, types.ErrNotFound)
	}
	return fmt.Errorf("%s %v: %w", what, id, err)
}

func (r reader) GetStage(ctx context.Context, tenant types.TenantID, id types.StageID) (*types.Stage, error) {
	var st types.Stage
	if err := r.q.Get(ctx, "get-stage", &st, tenant, id); err != nil {
		return nil, notFound(err, "stage", id)
	}
	return &st, nil
}

func (r reader) GetCase(ctx context.Context, tenant types.TenantID, id types.CaseID) (*types.Case, error) {
	return r.loadCase(ctx, "get-case", tenant, id)
}

func (r reader) loadCase(ctx context.Context, query string, tenant types.TenantID, id types.CaseID) (*types.Case, error) {
	var row caseRow
	if err := r.q.Get(ctx, query, &row, tenant, id); err != nil {
		return nil, notFound(err, "case", id)
	}
	return row.toCase()
}

func (r reader) ListActiveStagesAfter(ctx context.Context, tenant types.TenantID, workflowID types.WorkflowID, afterOrder, limit int) ([]types.Stage, error) {
	var stages []types.Stage
	var err error
	if limit > 0 {
		err = r.q.Select(ctx, "list-active-stages-after-limit", &stages, tenant, workflowID, afterOrder, limit)
	} else {
		err = r.q.Select(ctx, "list-active-stages-after", &stages, tenant, workflowID, afterOrder)
	}
	if err != nil {
		return nil, fmt.Errorf("list stages after order %d: %w", afterOrder, err)
	}
	return stages, nil
}

func (r reader) ConditionForStage(ctx context.Context, tenant types.TenantID, stageID types.StageID) (*types.ConditionDefinition, error) {
	var row conditionRow
	if err := r.q.Get(ctx, "condition-for-stage", &row, tenant, stageID); err != nil {
		return nil, notFound(err, "condition of stage", stageID)
	}
	return row.toCondition(), nil
}

type caseRow struct {
	ID                int64   `db:"id"`
	TenantID          string  `db:"tenant_id"`
	WorkflowID        int64   `db:"workflow_id"`
	Name              string  `db:"name"`
	CurrentStageID    *int64  `db:"current_stage_id"`
	CurrentStageOrder int     `db:"current_stage_order"`
	Status            string  `db:"status"`
	CompletionRate    float64 `db:"completion_rate"`
	Notes             string  `db:"notes"`
	StagesProgress    string  `db:"stages_progress"`
}

func (r caseRow) toCase() (*types.Case, error) {
	c := &types.Case{
		ID:                types.CaseID(r.ID),
		TenantID:          types.TenantID(r.TenantID),
		WorkflowID:        types.WorkflowID(r.WorkflowID),
		Name:              r.Name,
		CurrentStageOrder: r.CurrentStageOrder,
		Status:            r.Status,
		CompletionRate:    r.CompletionRate,
		Notes:             r.Notes,
		StagesProgress:    []types.StageProgress{},
	}
	if r.CurrentStageID != nil {
		c.CurrentStageID = types.Ptr(types.StageID(*r.CurrentStageID))
	}
	if r.StagesProgress != "" {
		if err := json.Unmarshal([]byte(r.StagesProgress), &c.StagesProgress); err != nil {
			return nil, fmt.Errorf("decode stages progress of case %d: %w", r.ID, err)
		}
	}
	return c, nil
}

type conditionRow struct {
	ID              int64  `db:"id"`
	StageID         int64  `db:"stage_id"`
	WorkflowID      int64  `db:"workflow_id"`
	Name            string `db:"name"`
	Description     string `db:"description"`
	RulesJSON       string `db:"rules_json"`
	ActionsJSON     string `db:"actions_json"`
	FallbackStageID *int64 `db:"fallback_stage_id"`
	IsActive        bool   `db:"is_active"`
	Status          string `db:"status"`
}

func (r conditionRow) toCondition() *types.ConditionDefinition {
	c := &types.ConditionDefinition{
		ID:          types.ConditionID(r.ID),
		StageID:     types.StageID(r.StageID),
		WorkflowID:  types.WorkflowID(r.WorkflowID),
		Name:        r.Name,
		Description: r.Description,
		Rules:       json.RawMessage(r.RulesJSON),
		Actions:     json.RawMessage(r.ActionsJSON),
		IsActive:    r.IsActive,
		Status:      r.Status,
	}
	if r.FallbackStageID != nil {
		c.FallbackStageID = types.Ptr(types.StageID(*r.FallbackStageID))
	}
	return c
}
