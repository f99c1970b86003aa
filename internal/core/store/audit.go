// internal/core/store/audit.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/types"
)

var _ engine.AuditLog = (*Store)(nil)

// Append stores one evaluation record. Records are keyed by a UUIDv7 so
// inserts stay ordered by time.
func (s *Store) Append(ctx context.Context, e engine.AuditEntry) error {
	rules, err := json.Marshal(nonNil(e.RuleResults))
	if err != nil {
		return fmt.Errorf("encode rule results: %w", err)
	}
	acts, err := json.Marshal(nonNil(e.ActionResults))
	if err != nil {
		return fmt.Errorf("encode action results: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err = s.q.Exec(ctx, "insert-condition-audit",
		uuid.Must(uuid.NewV7()).String(),
		e.EvaluationID,
		e.TenantID,
		e.CaseID,
		e.StageID,
		e.ConditionID,
		e.ConditionName,
		e.ConditionMet,
		e.NextStageID,
		e.Title,
		e.Description,
		string(rules),
		string(acts),
		e.Actor,
		created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert audit of evaluation %s: %w", e.EvaluationID, err)
	}
	return nil
}

type auditRow struct {
	ID            string `db:"id"`
	EvaluationID  string `db:"evaluation_id"`
	CaseID        int64  `db:"case_id"`
	StageID       int64  `db:"stage_id"`
	ConditionID   int64  `db:"condition_id"`
	ConditionName string `db:"condition_name"`
	ConditionMet  bool   `db:"condition_met"`
	NextStageID   *int64 `db:"next_stage_id"`
	Title         string `db:"title"`
	Description   string `db:"description"`
	RuleResults   string `db:"rule_results"`
	ActionResults string `db:"action_results"`
	Actor         string `db:"actor"`
	CreatedAt     string `db:"created_at"`
}

// ListAudit returns the evaluation records of a case, oldest first.
func (s *Store) ListAudit(ctx context.Context, tenant types.TenantID, caseID types.CaseID) ([]engine.AuditEntry, error) {
	var rows []auditRow
	if err := s.q.Select(ctx, "list-condition-audit", &rows, tenant, caseID); err != nil {
		return nil, fmt.Errorf("list audit of case %d: %w", caseID, err)
	}

	entries := make([]engine.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := engine.AuditEntry{
			EvaluationID:  types.EvaluationID(r.EvaluationID),
			TenantID:      tenant,
			CaseID:        types.CaseID(r.CaseID),
			StageID:       types.StageID(r.StageID),
			ConditionID:   types.ConditionID(r.ConditionID),
			ConditionName: r.ConditionName,
			ConditionMet:  r.ConditionMet,
			Title:         r.Title,
			Description:   r.Description,
			Actor:         r.Actor,
		}
		if r.NextStageID != nil {
			e.NextStageID = types.Ptr(types.StageID(*r.NextStageID))
		}
		if err := json.Unmarshal([]byte(r.RuleResults), &e.RuleResults); err != nil {
			return nil, fmt.Errorf("decode rule results of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.ActionResults), &e.ActionResults); err != nil {
			return nil, fmt.Errorf("decode action results of %s: %w", r.ID, err)
		}
		if t, err := parseTime(r.CreatedAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// parseTime reads created_at. database/sql formats a scanned TIMESTAMPTZ
// as RFC3339Nano, which matches the text written on SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
