package actions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowflex/stagecondition/internal/core/metrics"
	"github.com/flowflex/stagecondition/internal/types"
)

// recordingHandler appends its order to a shared log.
type recordingHandler struct {
	typ  string
	mu   *sync.Mutex
	log  *[]int
	fail bool
}

func (h *recordingHandler) Type() string { return h.typ }

func (h *recordingHandler) Handle(_ context.Context, call Call) types.ActionResult {
	h.mu.Lock()
	*h.log = append(*h.log, call.Spec.Order)
	h.mu.Unlock()
	res := newResult(ResultName(h.typ), call.Spec)
	res.Success = !h.fail
	if h.fail {
		res.ErrorMessage = "boom"
	}
	return res
}

type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) Type() string { return types.ActionTriggerAction }

func (h *blockingHandler) Handle(_ context.Context, call Call) types.ActionResult {
	<-h.release
	res := newResult(types.ResultTriggerAction, call.Spec)
	res.Success = true
	return res
}

// lateWriter waits out its deadline, then writes through the case store.
type lateWriter struct {
	proceed chan struct{}
	written chan error
}

func (h *lateWriter) Type() string { return types.ActionEndWorkflow }

func (h *lateWriter) Handle(ctx context.Context, call Call) types.ActionResult {
	<-ctx.Done()
	<-h.proceed
	h.written <- call.Cases.UpdateStatus(ctx, call.Exec.TenantID, call.Exec.CaseID, types.StatusCompleted, 100, "late")
	return newResult(types.ResultEndWorkflow, call.Spec)
}

// deadlineRecorder reports whether the case store saw a deadline on its context.
type deadlineRecorder struct {
	*fakeCases
	hadDeadline bool
}

func (p *deadlineRecorder) GetCase(ctx context.Context, tenant types.TenantID, id types.CaseID) (*types.Case, error) {
	_, p.hadDeadline = ctx.Deadline()
	return p.fakeCases.GetCase(ctx, tenant, id)
}

type panickingHandler struct{}

func (panickingHandler) Type() string { return types.ActionUpdateField }

func (panickingHandler) Handle(context.Context, Call) types.ActionResult {
	panic("nil map write")
}

func TestDispatcher_OrderAndContinuation(t *testing.T) {
	var mu sync.Mutex
	var log []int
	d := NewDispatcher(Services{},
		WithHandler(&recordingHandler{typ: types.ActionUpdateField, mu: &mu, log: &log, fail: true}),
		WithHandler(&recordingHandler{typ: types.ActionAssignUser, mu: &mu, log: &log}),
	)

	specs := []Spec{
		{Type: types.ActionAssignUser, RawType: "AssignUser", Order: 3},
		{Type: types.ActionUpdateField, RawType: "UpdateField", Order: 1},
		{Type: types.ActionAssignUser, RawType: "AssignUser", Order: 2},
		{Type: types.ActionUpdateField, RawType: "UpdateField", Order: 1},
	}
	batch := d.Execute(context.Background(), newWorkflow(), specs, testExec())

	assert.Equal(t, []int{1, 1, 2, 3}, log)
	require.Len(t, batch.Results, 4)
	assert.False(t, batch.Results[0].Success)
	assert.False(t, batch.Results[1].Success)
	assert.True(t, batch.Results[2].Success)
	assert.True(t, batch.Success)
}

func TestDispatcher_AllFailedIsNotSuccess(t *testing.T) {
	d := NewDispatcher(Services{})
	batch := d.Execute(context.Background(), newWorkflow(), []Spec{
		{Type: "teleport", RawType: "Teleport", Order: 1},
		{Type: types.ActionGoToStage, RawType: "GoToStage", Order: 2},
	}, testExec())

	require.Len(t, batch.Results, 2)
	assert.False(t, batch.Success)
	assert.Equal(t, "Unsupported action type: Teleport", batch.Results[0].ErrorMessage)
	assert.Equal(t, "Teleport", batch.Results[0].ActionType)
	assert.Equal(t, msgTargetRequired, batch.Results[1].ErrorMessage)
}

func TestDispatcher_Timeout(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	defer close(h.release)

	d := NewDispatcher(Services{},
		WithHandler(h),
		WithTimeouts(Timeouts{Default: time.Second, TriggerAction: 20 * time.Millisecond}),
	)

	start := time.Now()
	res := d.Run(context.Background(), newWorkflow(), Spec{Type: types.ActionTriggerAction, RawType: "TriggerAction", Order: 4}, testExec())

	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, types.ResultTriggerAction, res.ActionType)
	assert.Equal(t, 4, res.Order)
	assert.Contains(t, res.ErrorMessage, "timed out after 20ms")
}

func TestDispatcher_TimedOutHandlerCannotWrite(t *testing.T) {
	h := &lateWriter{proceed: make(chan struct{}), written: make(chan error, 1)}
	cases := newWorkflow()
	d := NewDispatcher(Services{}, WithHandler(h), WithTimeouts(Timeouts{Default: 20 * time.Millisecond}))

	res := d.Run(context.Background(), cases, Spec{Type: types.ActionEndWorkflow, RawType: "EndWorkflow", Order: 1}, testExec())
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "timed out after 20ms")

	close(h.proceed)
	select {
	case err := <-h.written:
		assert.ErrorIs(t, err, errCasesReleased)
	case <-time.After(time.Second):
		t.Fatal("handler never attempted its write")
	}
	assert.Equal(t, types.StatusInProgress, cases.snapshot(1).Status)
	assert.Zero(t, cases.writes)
}

func TestDispatcher_CaseStatementsIgnoreActionDeadline(t *testing.T) {
	cases := &deadlineRecorder{fakeCases: newWorkflow()}
	d := NewDispatcher(Services{})

	res := d.Run(context.Background(), cases, Spec{Type: types.ActionEndWorkflow, RawType: "EndWorkflow", Order: 1}, testExec())
	require.True(t, res.Success, res.ErrorMessage)
	assert.False(t, cases.hadDeadline)
	assert.Equal(t, types.StatusForceCompleted, cases.snapshot(1).Status)
}

func TestDispatcher_PanicRecovered(t *testing.T) {
	d := NewDispatcher(Services{}, WithHandler(panickingHandler{}))

	batch := d.Execute(context.Background(), newWorkflow(), []Spec{
		{Type: types.ActionUpdateField, RawType: "UpdateField", Order: 1},
		{Type: types.ActionEndWorkflow, RawType: "EndWorkflow", Order: 2},
	}, testExec())

	require.Len(t, batch.Results, 2)
	assert.False(t, batch.Results[0].Success)
	assert.Contains(t, batch.Results[0].ErrorMessage, "panic: nil map write")
	assert.True(t, batch.Results[1].Success)
}

func TestDispatcher_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	d := NewDispatcher(Services{}, WithMetrics(m))

	batch := d.Execute(context.Background(), newWorkflow(), []Spec{
		{Type: types.ActionEndWorkflow, RawType: "EndWorkflow", Order: 1},
	}, testExec())
	assert.True(t, batch.Success)
}

func TestTimeouts_For(t *testing.T) {
	def := DefaultTimeouts()
	assert.Equal(t, 30*time.Second, def.For(types.ActionGoToStage))
	assert.Equal(t, 60*time.Second, def.For(types.ActionSendNotification))
	assert.Equal(t, 45*time.Second, def.For(types.ActionTriggerAction))

	partial := Timeouts{Default: time.Second}
	assert.Equal(t, time.Second, partial.For(types.ActionSendNotification))
	assert.Equal(t, types.DefaultActionTimeout, Timeouts{}.For(types.ActionUpdateField))
}

func TestChangesStage(t *testing.T) {
	assert.False(t, ChangesStage(nil))
	assert.False(t, ChangesStage([]types.ActionResult{{ActionType: types.ResultSendNotification, Success: true}}))
	assert.True(t, ChangesStage([]types.ActionResult{{ActionType: types.ResultGoToStage, Success: false}}))
	assert.True(t, ChangesStage([]types.ActionResult{{ActionType: types.ResultEndWorkflow}}))
	assert.True(t, ChangesStage([]types.ActionResult{{ActionType: types.ResultSkipStage}}))
}

func TestDispatcher_Types(t *testing.T) {
	d := NewDispatcher(Services{})
	assert.ElementsMatch(t, types.ActionTypes, d.Types())
}
