package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/core/db"
	"github.com/flowflex/stagecondition/internal/engine"
	"github.com/flowflex/stagecondition/internal/types"
)

const tenant = types.TenantID("tenant-a")

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

const seedSQL = `
INSERT INTO stages (id, tenant_id, workflow_id, name, sort_order, is_active) VALUES
  (100, 'tenant-a', 1, 'Intake', 1, 1),
  (200, 'tenant-a', 1, 'Review', 2, 1),
  (250, 'tenant-a', 1, 'Retired', 3, 0),
  (300, 'tenant-a', 1, 'Approval', 4, 1),
  (900, 'tenant-b', 1, 'Other tenant', 2, 1);

INSERT INTO cases (id, tenant_id, workflow_id, name, current_stage_id, current_stage_order, status, stages_progress, updated_at) VALUES
  (1, 'tenant-a', 1, 'Acme', 100, 1, 'In Progress',
   '[{"stageId":100,"stageOrder":1,"status":"Pending","isCompleted":false},{"stageId":200,"stageOrder":2,"status":"Pending","isCompleted":false}]',
   '2026-01-01T00:00:00Z');

INSERT INTO stage_conditions (id, tenant_id, stage_id, workflow_id, name, rules_json, actions_json, fallback_stage_id, is_active, status) VALUES
  (54, 'tenant-a', 100, 1, 'Old', '{}', '[]', NULL, 0, 'Valid'),
  (55, 'tenant-a', 100, 1, 'High value',
   '{"logic":"AND","rules":[{"fieldPath":"amount","operator":">","value":"1000"}]}',
   '[{"type":"notify","order":0,"users":["42"]},{"type":"UpdateField","order":1,"fieldName":"tier","fieldValue":"gold"}]',
   300, 1, 'Valid');

INSERT INTO users (id, tenant_id, name, email, user_type) VALUES
  (42, 'tenant-a', 'Dana', 'dana@example.com', 3),
  (43, 'tenant-a', 'Eli', 'eli@example.com', 1),
  (44, 'tenant-b', 'Fay', 'fay@example.com', 3);

INSERT INTO team_members (tenant_id, team_id, user_id) VALUES
  ('tenant-a', 'ops', 42),
  ('tenant-a', 'ops', 43);

INSERT INTO field_definitions (id, tenant_id, name) VALUES (7, 'tenant-a', 'amount');

INSERT INTO case_fields (tenant_id, case_id, name, value_json, updated_at) VALUES
  ('tenant-a', 1, 'amount', '1500', '2026-01-01T00:00:00Z'),
  ('tenant-a', 1, 'region', 'emea', '2026-01-01T00:00:00Z');

INSERT INTO checklist_tasks (id, tenant_id, stage_id, checklist_id, name) VALUES
  (1, 'tenant-a', 100, 10, 'Collect ID'),
  (2, 'tenant-a', 100, 10, 'Sign contract'),
  (3, 'tenant-a', 200, 11, 'Review');

INSERT INTO checklist_task_completions (tenant_id, case_id, task_id, is_completed, completion_notes) VALUES
  ('tenant-a', 1, 1, 1, 'passport');

INSERT INTO questionnaire_answers (tenant_id, case_id, stage_id, questionnaire_id, status, total_score, answers_json) VALUES
  ('tenant-a', 1, 100, 20, 'Submitted', 7.5, '{"q1":"yes"}'),
  ('tenant-a', 1, 200, 21, 'Submitted', 2.5, '"short"');

INSERT INTO case_files (tenant_id, case_id, stage_id, file_name, file_size) VALUES
  ('tenant-a', 1, 100, 'passport.pdf', 1024),
  ('tenant-a', 1, 200, 'contract.pdf', 2048);

INSERT INTO action_definitions (id, tenant_id, name, is_enabled) VALUES
  (1, 'tenant-a', 'Webhook', 1),
  (2, 'tenant-a', 'Legacy', 0);
`

func openTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	conn, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "stagecondition.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, db.MigrateUp(context.Background(), conn))
	conn.MustExec(seedSQL)
	return conn
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(openTestDB(t), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return s
}

func TestStore_Reads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st, err := s.GetStage(ctx, tenant, 200)
	require.NoError(t, err)
	assert.Equal(t, types.Stage{ID: 200, WorkflowID: 1, Name: "Review", Order: 2, IsActive: true}, *st)

	_, err = s.GetStage(ctx, tenant, 900)
	assert.ErrorIs(t, err, types.ErrNotFound, "stages are tenant scoped")

	c, err := s.GetCase(ctx, tenant, 1)
	require.NoError(t, err)
	assert.Equal(t, "Acme", c.Name)
	require.NotNil(t, c.CurrentStageID)
	assert.Equal(t, types.StageID(100), *c.CurrentStageID)
	require.Len(t, c.StagesProgress, 2)
	assert.Equal(t, types.StageID(200), c.StagesProgress[1].StageID)

	_, err = s.GetCase(ctx, tenant, 2)
	assert.ErrorIs(t, err, types.ErrNotFound)

	after, err := s.ListActiveStagesAfter(ctx, tenant, 1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.StageID{200, 300}, stageIDs(after))

	first, err := s.ListActiveStagesAfter(ctx, tenant, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []types.StageID{200}, stageIDs(first))

	cond, err := s.ConditionForStage(ctx, tenant, 100)
	require.NoError(t, err)
	assert.Equal(t, types.ConditionID(55), cond.ID, "active condition wins over inactive ones")
	assert.True(t, cond.Usable())
	require.NotNil(t, cond.FallbackStageID)
	assert.Equal(t, types.StageID(300), *cond.FallbackStageID)
	assert.True(t, json.Valid(cond.Rules))

	_, err = s.ConditionForStage(ctx, tenant, 200)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func stageIDs(stages []types.Stage) []types.StageID {
	out := make([]types.StageID, len(stages))
	for i, s := range stages {
		out[i] = s.ID
	}
	return out
}

func TestTx_WritesCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	c, err := tx.LockCase(ctx, tenant, 1)
	require.NoError(t, err)

	c.StagesProgress[0].IsCompleted = true
	c.StagesProgress[0].Status = types.StatusCompleted
	require.NoError(t, tx.UpdateStagesProgress(ctx, tenant, 1, c.StagesProgress, "alice"))
	require.NoError(t, tx.UpdateCurrentStage(ctx, tenant, 1, types.Stage{ID: 200, Order: 2}, "alice"))
	require.NoError(t, tx.AppendNotes(ctx, tenant, 1, "moved"))
	require.NoError(t, tx.AppendNotes(ctx, tenant, 1, "ended"))
	require.NoError(t, tx.(actions.FieldValueStore).UpsertCaseFields(ctx, tenant, 1, []actions.FieldValue{
		{Name: "tier", ValueJSON: json.RawMessage(`"gold"`), Source: "StageCondition"},
	}))

	inTx, err := tx.(*Tx).GetCase(ctx, tenant, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StageID(200), *inTx.CurrentStageID, "reads inside the transaction see its writes")
	require.NoError(t, tx.Commit())

	got, err := s.GetCase(ctx, tenant, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StageID(200), *got.CurrentStageID)
	assert.Equal(t, 2, got.CurrentStageOrder)
	assert.Equal(t, "moved\nended", got.Notes)
	assert.True(t, got.StagesProgress[0].IsCompleted)

	input, err := s.BuildInput(ctx, tenant, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "gold", input["fields"].(map[string]any)["tier"])

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpdateStatus(ctx, tenant, 1, types.StatusForceCompleted, 100, "alice"))
	require.NoError(t, tx.Rollback())

	got, err = s.GetCase(ctx, tenant, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, got.Status)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	err = tx.UpdateStatus(ctx, tenant, 99, types.StatusCompleted, 100, "alice")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStore_BuildInput(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("single stage", func(t *testing.T) {
		input, err := s.BuildInput(ctx, tenant, 1, []types.StageID{100})
		require.NoError(t, err)

		fields := input["fields"].(map[string]any)
		assert.Equal(t, 1500.0, fields["amount"])
		assert.Equal(t, "emea", fields["region"], "undecodable values are kept as text")

		checklist := input["checklist"].(map[string]any)
		assert.Equal(t, "Pending", checklist["status"])
		assert.Equal(t, 1, checklist["completedCount"])
		assert.Equal(t, 2, checklist["totalCount"])
		assert.Equal(t, 50.0, checklist["completionPercentage"])
		task := checklist["tasks"].(map[string]any)["10"].(map[string]any)["1"].(map[string]any)
		assert.Equal(t, true, task["isCompleted"])
		assert.Equal(t, "passport", task["completionNotes"])

		q := input["questionnaire"].(map[string]any)
		assert.Equal(t, "Submitted", q["status"])
		assert.Equal(t, 7.5, q["totalScore"])
		assert.Equal(t, map[string]any{"q1": "yes"}, q["answers"].(map[string]any)["20"])

		files := input["attachments"].(map[string]any)
		assert.Equal(t, 1, files["fileCount"])
		assert.Equal(t, true, files["hasAttachment"])
		assert.Equal(t, int64(1024), files["totalSize"])
		assert.Equal(t, []string{"passport.pdf"}, files["fileNames"])
	})

	t.Run("merged stages", func(t *testing.T) {
		input, err := s.BuildInput(ctx, tenant, 1, []types.StageID{100, 200})
		require.NoError(t, err)

		checklist := input["checklist"].(map[string]any)
		assert.Equal(t, 3, checklist["totalCount"])

		q := input["questionnaire"].(map[string]any)
		assert.Equal(t, 10.0, q["totalScore"])
		assert.Equal(t, map[string]any{"21": "short"}, q["answers"].(map[string]any)["21"])

		files := input["attachments"].(map[string]any)
		assert.Equal(t, int64(3072), files["totalSize"])
		assert.Equal(t, []string{"passport.pdf", "contract.pdf"}, files["fileNames"])
	})

	t.Run("stage without component data", func(t *testing.T) {
		input, err := s.BuildInput(ctx, tenant, 1, []types.StageID{300})
		require.NoError(t, err)
		assert.Equal(t, "Pending", input["checklist"].(map[string]any)["status"])
		assert.Nil(t, input["questionnaire"].(map[string]any)["totalScore"])
		assert.Equal(t, false, input["attachments"].(map[string]any)["hasAttachment"])
	})
}

func TestStore_Directory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	users, err := s.UsersByIDs(ctx, tenant, []int64{44, 43, 42, 1})
	require.NoError(t, err)
	assert.Equal(t, []actions.User{
		{ID: 42, Name: "Dana", Email: "dana@example.com"},
		{ID: 43, Name: "Eli", Email: "eli@example.com"},
	}, users)

	members, err := s.TeamMembers(ctx, tenant, actions.TeamQuery{TeamIDs: []string{"ops"}, Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Len(t, members, 2)

	normal, err := s.TeamMembers(ctx, tenant, actions.TeamQuery{TeamIDs: []string{"ops"}, UserType: actions.NormalUserType})
	require.NoError(t, err)
	require.Len(t, normal, 1)
	assert.Equal(t, "42", normal[0].UserID)

	second, err := s.TeamMembers(ctx, tenant, actions.TeamQuery{TeamIDs: []string{"ops"}, Page: 2, PageSize: 1})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "43", second[0].UserID)

	name, err := s.FieldNameByID(ctx, tenant, 7)
	require.NoError(t, err)
	assert.Equal(t, "amount", name)
	_, err = s.FieldNameByID(ctx, tenant, 8)
	assert.ErrorIs(t, err, types.ErrNotFound)

	def, err := s.GetDefinition(ctx, tenant, 2)
	require.NoError(t, err)
	assert.False(t, def.IsEnabled)
	_, err = s.GetDefinition(ctx, tenant, 3)
	assert.ErrorIs(t, err, types.ErrNotFound)

	payload := actions.TriggerPayload{TenantID: tenant, ActionDefinitionID: 1, OnboardingID: 1}
	require.NoError(t, s.RecordExecution(ctx, "01J0000000000000000000000A", payload, "Dispatched"))
	require.NoError(t, s.RecordExecution(ctx, "01J0000000000000000000000A", payload, "Dispatched"), "redelivery is ignored")
}

func TestStore_Audit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	entry := engine.AuditEntry{
		EvaluationID:  types.NewEvaluationID(),
		TenantID:      tenant,
		CaseID:        1,
		StageID:       100,
		ConditionID:   55,
		ConditionName: "High value",
		ConditionMet:  true,
		NextStageID:   types.Ptr(types.StageID(200)),
		Title:         "Condition Met: High value",
		RuleResults:   []types.RuleResult{{Name: "Rule1", Passed: true, Expression: "amount > 1000"}},
		Actor:         "alice",
		CreatedAt:     fixedNow,
	}
	require.NoError(t, s.Append(ctx, entry))

	got, err := s.ListAudit(ctx, tenant, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, entry.EvaluationID, got[0].EvaluationID)
	assert.Equal(t, entry.RuleResults, got[0].RuleResults)
	assert.Empty(t, got[0].ActionResults)
	assert.Equal(t, types.StageID(200), *got[0].NextStageID)
	assert.True(t, fixedNow.Equal(got[0].CreatedAt))

	other, err := s.ListAudit(ctx, "tenant-b", 1)
	require.NoError(t, err)
	assert.Empty(t, other)
}

type recordingMailer struct{ sent []actions.Notification }

func (m *recordingMailer) SendStageNotification(_ context.Context, n actions.Notification) (bool, error) {
	m.sent = append(m.sent, n)
	return true, nil
}

func TestStore_EvaluateAndExecute(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mail := &recordingMailer{}

	d := actions.NewDispatcher(actions.Services{
		Directory:  s,
		Fields:     s,
		Properties: s,
		Executor:   nil,
		Mailer:     mail,
	})
	orch := engine.New(s, s, d, engine.WithAudit(s), engine.WithClock(func() time.Time { return fixedNow }))

	res, err := orch.EvaluateAndExecute(ctx, tenant, 1, 100, engine.Actor{ID: 5, Name: "alice"})
	require.NoError(t, err)
	assert.True(t, res.ConditionMet)
	for _, a := range res.ActionResults {
		assert.True(t, a.Success, "%s: %s", a.ActionType, a.ErrorMessage)
	}
	require.NotNil(t, res.NextStageID)
	assert.Equal(t, types.StageID(200), *res.NextStageID)
	require.Len(t, mail.sent, 1)
	assert.Equal(t, "dana@example.com", mail.sent[0].To)

	c, err := s.GetCase(ctx, tenant, 1)
	require.NoError(t, err)
	assert.Equal(t, types.StageID(200), *c.CurrentStageID)
	assert.True(t, c.Progress(100).IsCompleted)

	input, err := s.BuildInput(ctx, tenant, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "gold", input["fields"].(map[string]any)["tier"])

	audit, err := s.ListAudit(ctx, tenant, 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, res.EvaluationID, audit[0].EvaluationID)

	again, err := orch.EvaluateAndExecute(ctx, tenant, 1, 100, engine.Actor{ID: 5, Name: "alice"})
	require.NoError(t, err)
	assert.False(t, again.ConditionMet)
	assert.Contains(t, again.ErrorMessage, "already completed")
}
