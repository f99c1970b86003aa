package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowflex/stagecondition/internal/core/metrics"
	"github.com/flowflex/stagecondition/internal/types"
)

var alice = Actor{ID: 5, Name: "alice"}

func actionTypes(results []types.ActionResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ActionType
	}
	return out
}

func TestEvaluateAndExecute_MetAutoAdvances(t *testing.T) {
	h := newHarness(1500)
	h.store.setCondition(condition(`[{"type":"notify","order":0,"users":["42"]}]`))

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)

	assert.True(t, res.ConditionMet)
	assert.NotEmpty(t, res.EvaluationID)
	require.NotNil(t, res.ConditionID)
	assert.Equal(t, types.ConditionID(55), *res.ConditionID)
	require.Len(t, res.RuleResults, 1)
	assert.True(t, res.RuleResults[0].Passed)

	assert.Equal(t, []string{types.ResultSendNotification, types.ResultAutoToNextStage}, actionTypes(res.ActionResults))
	assert.True(t, res.ActionResults[0].Success)
	assert.True(t, res.ActionResults[1].Success)
	assert.Equal(t, types.AutoAdvanceOrder, res.ActionResults[1].Order)
	require.NotNil(t, res.NextStageID)
	assert.Equal(t, types.StageID(200), *res.NextStageID)
	assert.Equal(t, []string{"u42@example.com"}, h.mailer.sent)

	c := h.store.snapshot(1)
	assert.Equal(t, types.StageID(200), *c.CurrentStageID)
	done := c.Progress(100)
	require.NotNil(t, done)
	assert.True(t, done.IsCompleted)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.Equal(t, "alice", done.CompletedBy)

	require.Len(t, h.audit.entries, 1)
	entry := h.audit.entries[0]
	assert.Equal(t, res.EvaluationID, entry.EvaluationID)
	assert.Equal(t, "Condition Met: High value | Rules: Rule1 ✓ | Actions: SendNotification→1 sent ✓, AutoToNextStage→Stage 200 ✓", entry.Title)
	assert.Equal(t, [][]types.StageID{{100}}, h.data.stages)
}

func TestEvaluateAndExecute_NotMetUsesFallback(t *testing.T) {
	h := newHarness(500)
	cond := condition(`[{"type":"notify","order":0,"users":["42"]}]`)
	cond.FallbackStageID = types.Ptr(types.StageID(7))
	h.store.setCondition(cond)

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)

	assert.False(t, res.ConditionMet)
	require.NotNil(t, res.NextStageID)
	assert.Equal(t, types.StageID(7), *res.NextStageID)
	require.Len(t, res.ActionResults, 1)
	assert.Equal(t, types.ResultGoToStage, res.ActionResults[0].ActionType)
	assert.Equal(t, types.FallbackOrder, res.ActionResults[0].Order)
	assert.True(t, res.ActionResults[0].Success)
	assert.Zero(t, h.mailer.count())

	c := h.store.snapshot(1)
	assert.Equal(t, types.StageID(7), *c.CurrentStageID)
	assert.Equal(t, types.StatusSkipped, c.Progress(200).Status)
	assert.Equal(t, types.StatusSkipped, c.Progress(300).Status)
	require.Len(t, h.audit.entries, 1)
	assert.Contains(t, h.audit.entries[0].Title, "Condition Not Met: High value | Rules: Rule1 ✗ | Fallback: GoToStage→Stage 7 ✓")
}

func TestEvaluateAndExecute_NotMetWithoutFallback(t *testing.T) {
	h := newHarness(500)
	h.store.setCondition(condition(`[{"type":"notify","users":["42"]}]`))

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)

	assert.False(t, res.ConditionMet)
	assert.Empty(t, res.ActionResults)
	require.NotNil(t, res.NextStageID)
	assert.Equal(t, types.StageID(200), *res.NextStageID)
	assert.Equal(t, types.StageID(100), *h.store.snapshot(1).CurrentStageID)
}

func TestEvaluateAndExecute_NoCondition(t *testing.T) {
	h := newHarness(1500)
	inactive := condition(`[]`)
	inactive.IsActive = false
	h.store.setCondition(inactive)

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)

	assert.False(t, res.ConditionMet)
	assert.Nil(t, res.ConditionID)
	assert.Empty(t, res.RuleResults)
	assert.Equal(t, types.StageID(200), *res.NextStageID)
	snap := h.store.snapshot(1)
	assert.True(t, snap.Progress(100).IsCompleted)
	assert.Empty(t, h.audit.entries)
	assert.Empty(t, h.data.stages)
}

func TestEvaluateAndExecute_StageControlSuppressesAutoAdvance(t *testing.T) {
	tests := []struct {
		name     string
		actions  string
		wantNext *types.StageID
		check    func(t *testing.T, c types.Case)
	}{
		{
			name:     "explicit goto",
			actions:  `[{"type":"GoToStage","targetStageId":300}]`,
			wantNext: types.Ptr(types.StageID(300)),
			check: func(t *testing.T, c types.Case) {
				assert.Equal(t, types.StageID(300), *c.CurrentStageID)
			},
		},
		{
			name:    "failed goto still counts",
			actions: `[{"type":"GoToStage","targetStageId":400},{"type":"notify","order":2,"users":["1"]}]`,
			check: func(t *testing.T, c types.Case) {
				assert.Equal(t, types.StageID(100), *c.CurrentStageID)
			},
		},
		{
			name:    "end workflow",
			actions: `[{"type":"EndWorkflow"}]`,
			check: func(t *testing.T, c types.Case) {
				assert.Equal(t, types.StatusForceCompleted, c.Status)
				assert.Equal(t, types.StageID(100), *c.CurrentStageID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(1500)
			h.store.setCondition(condition(tt.actions))

			res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
			require.NoError(t, err)
			assert.True(t, res.ConditionMet)
			assert.NotContains(t, actionTypes(res.ActionResults), types.ResultAutoToNextStage)
			assert.Equal(t, tt.wantNext, res.NextStageID)
			tt.check(t, h.store.snapshot(1))
		})
	}
}

func TestEvaluateAndExecute_MetOnLastStage(t *testing.T) {
	h := newHarness(1500)
	cond := condition(`[{"type":"notify","users":["42"]}]`)
	cond.StageID = 7
	h.store.setCondition(cond)

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 7, alice)
	require.NoError(t, err)
	assert.True(t, res.ConditionMet)
	assert.Equal(t, []string{types.ResultSendNotification}, actionTypes(res.ActionResults))
	assert.Nil(t, res.NextStageID)
}

func TestEvaluateAndExecute_InvalidActionsStillAdvance(t *testing.T) {
	h := newHarness(1500)
	h.store.setCondition(condition(`{"type":`))

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{types.ResultParseError, types.ResultAutoToNextStage}, actionTypes(res.ActionResults))
	assert.Equal(t, types.StageID(200), *h.store.snapshot(1).CurrentStageID)
}

func TestEvaluateAndExecute_AlreadyCompleted(t *testing.T) {
	h := newHarness(1500)
	h.store.setCondition(condition(`[{"type":"notify","users":["42"]}]`))
	h.store.cases[1].StagesProgress[0].IsCompleted = true

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)

	assert.False(t, res.ConditionMet)
	assert.Equal(t, "Stage already completed by another request", res.ErrorMessage)
	assert.Equal(t, types.StageID(200), *res.NextStageID)
	assert.Empty(t, res.ActionResults)
	assert.Zero(t, h.store.writes)
	assert.Zero(t, h.mailer.count())
	assert.Empty(t, h.audit.entries)
}

func TestEvaluateAndExecute_ConcurrentTriggers(t *testing.T) {
	h := newHarness(1500)
	h.store.setCondition(condition(`[{"type":"notify","order":0,"users":["42"]}]`))

	const callers = 8
	results := make([]*types.EvaluationResult, callers)
	var wg conc.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Go(func() {
			res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
			if err == nil {
				results[i] = res
			}
		})
	}
	wg.Wait()

	met, already := 0, 0
	for _, res := range results {
		require.NotNil(t, res)
		switch {
		case res.ConditionMet:
			met++
		case res.ErrorMessage == msgAlreadyCompleted:
			already++
		}
	}
	assert.Equal(t, 1, met)
	assert.Equal(t, callers-1, already)
	assert.Equal(t, 1, h.mailer.count())
	assert.Len(t, h.audit.entries, 1)
	assert.Equal(t, types.StageID(200), *h.store.snapshot(1).CurrentStageID)
}

func TestEvaluateAndExecute_FaultFallsBackToNaturalNext(t *testing.T) {
	t.Run("input assembly fails", func(t *testing.T) {
		h := newHarness(1500)
		h.store.setCondition(condition(`[{"type":"notify","users":["42"]}]`))
		h.data.err = errors.New("component service unavailable")

		res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
		require.NoError(t, err)

		assert.False(t, res.ConditionMet)
		assert.Equal(t, "Condition evaluation failed: build rule input: component service unavailable", res.ErrorMessage)
		require.Len(t, res.RuleResults, 1)
		assert.Equal(t, "EvaluationError", res.RuleResults[0].Name)
		assert.Equal(t, types.StageID(200), *res.NextStageID)
		assert.Equal(t, types.ConditionID(55), *res.ConditionID)

		// Rolled back: the stage is not recorded as completed.
		snap := h.store.snapshot(1)
		assert.False(t, snap.Progress(100).IsCompleted)
		assert.Empty(t, h.audit.entries)
		assert.Zero(t, h.mailer.count())
	})

	t.Run("malformed rules", func(t *testing.T) {
		h := newHarness(1500)
		cond := condition(`[]`)
		cond.Rules = json.RawMessage(`{"logic":`)
		h.store.setCondition(cond)

		res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
		require.NoError(t, err)
		assert.Contains(t, res.ErrorMessage, "Condition evaluation failed: compile rules of condition 55")
		assert.Equal(t, types.StageID(200), *res.NextStageID)
	})

	t.Run("transaction cannot start", func(t *testing.T) {
		h := newHarness(1500)
		h.store.beginErr = errors.New("connection refused")

		res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
		require.NoError(t, err)
		assert.Equal(t, "Condition evaluation failed: begin transaction: connection refused", res.ErrorMessage)
		assert.Equal(t, types.StageID(200), *res.NextStageID)
	})

	t.Run("unknown case", func(t *testing.T) {
		h := newHarness(1500)
		res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 99, 100, alice)
		require.NoError(t, err)
		assert.Contains(t, res.ErrorMessage, "lock case 99")
		assert.Equal(t, types.StageID(200), *res.NextStageID)
	})
}

func TestEvaluateAndExecute_AuditFailureIsSwallowed(t *testing.T) {
	h := newHarness(1500)
	h.store.setCondition(condition(`[{"type":"notify","users":["42"]}]`))
	h.audit.err = errors.New("audit store down")

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)
	assert.True(t, res.ConditionMet)
	assert.Empty(t, res.ErrorMessage)
	assert.Equal(t, types.StageID(200), *h.store.snapshot(1).CurrentStageID)
}

func TestEvaluateAndExecute_InvalidRequest(t *testing.T) {
	h := newHarness(1500)
	for _, tc := range []struct {
		tenant types.TenantID
		caseID types.CaseID
		stage  types.StageID
	}{
		{"", 1, 100},
		{tenant, 0, 100},
		{tenant, 1, 0},
	} {
		_, err := h.orch.EvaluateAndExecute(context.Background(), tc.tenant, tc.caseID, tc.stage, alice)
		assert.True(t, errors.Is(err, types.ErrInvalidRequest), "%+v: %v", tc, err)
	}
}

func TestEvaluateAndExecute_StageFromOtherWorkflow(t *testing.T) {
	h := newHarness(1500)
	h.store.mu.Lock()
	h.store.stages[500] = types.Stage{ID: 500, WorkflowID: 2, Name: "Foreign", Order: 1, IsActive: true}
	h.store.mu.Unlock()
	h.store.setCondition(types.ConditionDefinition{
		ID: 90, StageID: 500, WorkflowID: 2, Name: "Foreign",
		Rules:    json.RawMessage(`{"logic":"AND","rules":[]}`),
		Actions:  json.RawMessage(`[]`),
		IsActive: true, Status: types.StatusValid,
	})

	res, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 500, alice)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	c := h.store.snapshot(1)
	assert.Nil(t, c.Progress(500))
	assert.False(t, c.Progress(100).IsCompleted)
	assert.Equal(t, types.StageID(100), *c.CurrentStageID)
	assert.Empty(t, h.audit.entries)
}

func TestEvaluateAndExecute_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newHarness(1500, WithMetrics(metrics.New(reg)))
	h.store.setCondition(condition(`[{"type":"notify","users":["42"]}]`))

	_, err := h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)
	_, err = h.orch.EvaluateAndExecute(context.Background(), tenant, 1, 100, alice)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "stagecondition_evaluations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					counts[l.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 1.0, counts[metrics.OutcomeMet])
	assert.Equal(t, 1.0, counts[metrics.OutcomeAlreadyCompleted])
}

func TestEvaluateOnly(t *testing.T) {
	t.Run("not met reports fallback without side effects", func(t *testing.T) {
		h := newHarness(500)
		cond := condition(`[{"type":"notify","users":["42"]}]`)
		cond.FallbackStageID = types.Ptr(types.StageID(7))
		h.store.setCondition(cond)

		res, err := h.orch.EvaluateOnly(context.Background(), tenant, 1, 100)
		require.NoError(t, err)
		assert.False(t, res.ConditionMet)
		assert.Equal(t, types.StageID(7), *res.NextStageID)
		assert.Empty(t, res.ActionResults)
		assert.Zero(t, h.store.writes)
		assert.Empty(t, h.audit.entries)
	})

	t.Run("met leaves next stage to the actions", func(t *testing.T) {
		h := newHarness(1500)
		h.store.setCondition(condition(`[{"type":"notify","users":["42"]}]`))

		res, err := h.orch.EvaluateOnly(context.Background(), tenant, 1, 100)
		require.NoError(t, err)
		assert.True(t, res.ConditionMet)
		assert.Nil(t, res.NextStageID)
		assert.Zero(t, h.mailer.count())
	})

	t.Run("source stages come from the rules", func(t *testing.T) {
		h := newHarness(1500)
		cond := condition(`[]`)
		cond.Rules = json.RawMessage(`{"logic":"OR","rules":[
			{"fieldPath":"amount","operator":">","value":"1000","stageId":300},
			{"fieldPath":"amount","operator":"<","value":"10","stageId":200}]}`)
		h.store.setCondition(cond)

		res, err := h.orch.EvaluateOnly(context.Background(), tenant, 1, 100)
		require.NoError(t, err)
		assert.True(t, res.ConditionMet)
		assert.Equal(t, [][]types.StageID{{100, 200, 300}}, h.data.stages)
	})
}
