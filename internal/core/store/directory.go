// internal/core/store/directory.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/types"
)

// defaultTeamPageSize bounds a team query that does not set a page size.
const defaultTeamPageSize = 500

var (
	_ actions.Directory       = (*Store)(nil)
	_ actions.FieldValueStore = (*Store)(nil)
	_ actions.PropertyLookup  = (*Store)(nil)
)

type userRow struct {
	ID    int64  `db:"id"`
	Name  string `db:"name"`
	Email string `db:"email"`
}

// UsersByIDs returns the users of tenant among ids, ordered by id. Unknown
// ids are skipped.
func (s *Store) UsersByIDs(ctx context.Context, tenant types.TenantID, ids []int64) ([]actions.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []userRow
	if err := s.q.SelectIn(ctx, "users-by-ids", &rows, tenant, ids); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	users := make([]actions.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, actions.User{ID: r.ID, Name: r.Name, Email: r.Email})
	}
	return users, nil
}

type memberRow struct {
	TeamID   string `db:"team_id"`
	UserID   int64  `db:"user_id"`
	Name     string `db:"name"`
	Email    string `db:"email"`
	UserType int    `db:"user_type"`
}

// TeamMembers returns one page of memberships of q.TeamIDs. Pages are
// 1-based.
func (s *Store) TeamMembers(ctx context.Context, tenant types.TenantID, q actions.TeamQuery) ([]actions.TeamMember, error) {
	if len(q.TeamIDs) == 0 {
		return nil, nil
	}
	size := q.PageSize
	if size <= 0 {
		size = defaultTeamPageSize
	}
	page := q.Page
	if page < 1 {
		page = 1
	}

	var rows []memberRow
	err := s.q.SelectIn(ctx, "team-members", &rows,
		tenant, q.TeamIDs, q.UserType, q.UserType, size, (page-1)*size)
	if err != nil {
		return nil, fmt.Errorf("load team members: %w", err)
	}
	members := make([]actions.TeamMember, 0, len(rows))
	for _, r := range rows {
		members = append(members, actions.TeamMember{
			TeamID:   r.TeamID,
			UserID:   strconv.FormatInt(r.UserID, 10),
			Name:     r.Name,
			Email:    r.Email,
			UserType: r.UserType,
		})
	}
	return members, nil
}

// UpsertCaseFields writes field values outside any evaluation transaction.
func (s *Store) UpsertCaseFields(ctx context.Context, tenant types.TenantID, caseID types.CaseID, values []actions.FieldValue) error {
	return upsertFields(ctx, s.reader, tenant, caseID, values)
}

// FieldNameByID resolves a field definition id to its storage name.
func (s *Store) FieldNameByID(ctx context.Context, tenant types.TenantID, id int64) (string, error) {
	var name string
	if err := s.q.Get(ctx, "field-name-by-id", &name, tenant, id); err != nil {
		return "", notFound(err, "field definition", id)
	}
	return name, nil
}

type definitionRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	IsEnabled bool   `db:"is_enabled"`
}

// GetDefinition loads an external action definition.
func (s *Store) GetDefinition(ctx context.Context, tenant types.TenantID, id types.ActionDefinitionID) (*actions.ActionDefinition, error) {
	var row definitionRow
	if err := s.q.Get(ctx, "get-action-definition", &row, tenant, id); err != nil {
		return nil, notFound(err, "action definition", id)
	}
	return &actions.ActionDefinition{
		ID:        types.ActionDefinitionID(row.ID),
		Name:      row.Name,
		IsEnabled: row.IsEnabled,
	}, nil
}

// RecordExecution stores one dispatched external action.
func (s *Store) RecordExecution(ctx context.Context, id string, payload actions.TriggerPayload, status string) error {
	doc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode trigger payload: %w", err)
	}
	_, err = s.q.Exec(ctx, "insert-action-execution",
		id, payload.TenantID, payload.ActionDefinitionID, string(doc), status, s.stamp())
	if err != nil {
		return fmt.Errorf("record execution %s: %w", id, err)
	}
	return nil
}
