package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowflex/stagecondition/internal/types"
)

const testTenant = types.TenantID("tenant-a")

// fakeCases is an in-memory CaseStore.
type fakeCases struct {
	mu     sync.Mutex
	stages map[types.StageID]types.Stage
	cases  map[types.CaseID]*types.Case
	writes int
	err    error
}

// newWorkflow seeds stages 10..50 (orders 1..5, stage 40 inactive) and case 1
// sitting on stage 10 with a progress entry per stage.
func newWorkflow() *fakeCases {
	f := &fakeCases{
		stages: make(map[types.StageID]types.Stage),
		cases:  make(map[types.CaseID]*types.Case),
	}
	for i, id := range []types.StageID{10, 20, 30, 40, 50} {
		f.stages[id] = types.Stage{
			ID:         id,
			WorkflowID: 7,
			Name:       fmt.Sprintf("Stage %d", id),
			Order:      i + 1,
			IsActive:   id != 40,
		}
	}
	c := &types.Case{
		ID:                1,
		TenantID:          testTenant,
		WorkflowID:        7,
		Name:              "Acme onboarding",
		CurrentStageID:    types.Ptr(types.StageID(10)),
		CurrentStageOrder: 1,
		Status:            types.StatusInProgress,
	}
	for _, id := range []types.StageID{10, 20, 30, 40, 50} {
		c.StagesProgress = append(c.StagesProgress, types.StageProgress{
			StageID: id,
			Order:   f.stages[id].Order,
			Status:  "Pending",
		})
	}
	f.cases[1] = c
	return f
}

func (f *fakeCases) GetStage(_ context.Context, _ types.TenantID, id types.StageID) (*types.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.stages[id]
	if !ok {
		return nil, fmt.Errorf("stage %d: %w", id, types.ErrNotFound)
	}
	return &s, nil
}

func (f *fakeCases) GetCase(_ context.Context, tenant types.TenantID, id types.CaseID) (*types.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[id]
	if !ok || c.TenantID != tenant {
		return nil, fmt.Errorf("case %d: %w", id, types.ErrNotFound)
	}
	cp := *c
	cp.StagesProgress = cloneProgress(c.StagesProgress)
	return &cp, nil
}

func (f *fakeCases) ListActiveStagesAfter(_ context.Context, _ types.TenantID, workflowID types.WorkflowID, afterOrder, limit int) ([]types.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Stage
	for _, s := range f.stages {
		if s.WorkflowID == workflowID && s.IsActive && s.Order > afterOrder {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCases) UpdateCurrentStage(_ context.Context, _ types.TenantID, caseID types.CaseID, stage types.Stage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	c := f.cases[caseID]
	c.CurrentStageID = types.Ptr(stage.ID)
	c.CurrentStageOrder = stage.Order
	return nil
}

func (f *fakeCases) UpdateStatus(_ context.Context, _ types.TenantID, caseID types.CaseID, status string, rate float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	c := f.cases[caseID]
	c.Status = status
	c.CompletionRate = rate
	return nil
}

func (f *fakeCases) AppendNotes(_ context.Context, _ types.TenantID, caseID types.CaseID, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	c := f.cases[caseID]
	if c.Notes == "" {
		c.Notes = note
	} else {
		c.Notes += "\n" + note
	}
	return nil
}

func (f *fakeCases) UpdateStagesProgress(_ context.Context, _ types.TenantID, caseID types.CaseID, progress []types.StageProgress, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	f.cases[caseID].StagesProgress = cloneProgress(progress)
	return nil
}

func (f *fakeCases) snapshot(id types.CaseID) types.Case {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.cases[id]
	cp.StagesProgress = cloneProgress(f.cases[id].StagesProgress)
	return cp
}

func cloneProgress(p []types.StageProgress) []types.StageProgress {
	out := make([]types.StageProgress, len(p))
	for i, e := range p {
		e.CustomAssignees = append([]string(nil), e.CustomAssignees...)
		out[i] = e
	}
	return out
}

// fakeDirectory serves a fixed user and membership list.
type fakeDirectory struct {
	users   []User
	members []TeamMember
	err     error
	queries []TeamQuery
}

func (d *fakeDirectory) UsersByIDs(_ context.Context, _ types.TenantID, ids []int64) ([]User, error) {
	if d.err != nil {
		return nil, d.err
	}
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []User
	for _, u := range d.users {
		if want[u.ID] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (d *fakeDirectory) TeamMembers(_ context.Context, _ types.TenantID, q TeamQuery) ([]TeamMember, error) {
	d.queries = append(d.queries, q)
	if d.err != nil {
		return nil, d.err
	}
	teams := make(map[string]bool)
	for _, t := range q.TeamIDs {
		teams[t] = true
	}
	var match []TeamMember
	for _, m := range d.members {
		if teams[m.TeamID] && (q.UserType == 0 || m.UserType == q.UserType) {
			match = append(match, m)
		}
	}
	start := (q.Page - 1) * q.PageSize
	if start >= len(match) {
		return nil, nil
	}
	end := start + q.PageSize
	if end > len(match) {
		end = len(match)
	}
	return match[start:end], nil
}

// fakeMailer records sends; addresses in reject always fail and flaky
// addresses fail their first attempt.
type fakeMailer struct {
	mu       sync.Mutex
	sent     []string
	attempts map[string]int
	reject   map[string]bool
	flaky    map[string]bool
}

func newMailer() *fakeMailer {
	return &fakeMailer{
		attempts: make(map[string]int),
		reject:   make(map[string]bool),
		flaky:    make(map[string]bool),
	}
}

func (m *fakeMailer) SendStageNotification(_ context.Context, n Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(n.To)
	m.attempts[key]++
	if m.reject[key] {
		return false, nil
	}
	if m.flaky[key] && m.attempts[key] == 1 {
		return false, fmt.Errorf("smtp 421 try again")
	}
	m.sent = append(m.sent, n.To)
	return true, nil
}

type fakeFields struct {
	tenant types.TenantID
	caseID types.CaseID
	values []FieldValue
}

func (f *fakeFields) UpsertCaseFields(_ context.Context, tenant types.TenantID, caseID types.CaseID, values []FieldValue) error {
	f.tenant = tenant
	f.caseID = caseID
	f.values = append(f.values, values...)
	return nil
}

type fakeProperties map[int64]string

func (p fakeProperties) FieldNameByID(_ context.Context, _ types.TenantID, id int64) (string, error) {
	name, ok := p[id]
	if !ok {
		return "", types.ErrNotFound
	}
	return name, nil
}

type fakeExecutor struct {
	defs     map[types.ActionDefinitionID]ActionDefinition
	payloads []TriggerPayload
}

func (e *fakeExecutor) GetDefinition(_ context.Context, _ types.TenantID, id types.ActionDefinitionID) (*ActionDefinition, error) {
	def, ok := e.defs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &def, nil
}

func (e *fakeExecutor) Execute(_ context.Context, _ types.TenantID, _ types.ActionDefinitionID, payload TriggerPayload) (string, error) {
	e.payloads = append(e.payloads, payload)
	return "ok", nil
}

func testExec() types.ExecutionContext {
	return types.ExecutionContext{
		CaseID:       1,
		StageID:      10,
		ConditionID:  99,
		TenantID:     testTenant,
		UserID:       5,
		UserName:     "alice",
		EvaluationID: types.NewEvaluationID(),
	}
}

func noRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, Factor: 2}
}
