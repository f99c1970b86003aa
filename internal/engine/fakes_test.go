package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/types"
)

const tenant = types.TenantID("tenant-a")

// memStore is an in-memory Store. LockCase holds a per-case mutex until the
// transaction ends; Rollback restores the case as it was when locked.
type memStore struct {
	mu         sync.Mutex
	stages     map[types.StageID]types.Stage
	cases      map[types.CaseID]*types.Case
	conditions map[types.StageID]*types.ConditionDefinition
	locks      map[types.CaseID]*sync.Mutex
	writes     int
	beginErr   error
}

// newStore seeds workflow 1 with stages 100, 200, 300 (orders 1-3), stage 7
// (order 4), inactive stage 400 (order 5) and case 1 sitting on stage 100.
func newStore() *memStore {
	s := &memStore{
		stages:     make(map[types.StageID]types.Stage),
		cases:      make(map[types.CaseID]*types.Case),
		conditions: make(map[types.StageID]*types.ConditionDefinition),
		locks:      make(map[types.CaseID]*sync.Mutex),
	}
	for i, id := range []types.StageID{100, 200, 300, 7, 400} {
		s.stages[id] = types.Stage{
			ID:         id,
			WorkflowID: 1,
			Name:       fmt.Sprintf("Stage %d", id),
			Order:      i + 1,
			IsActive:   id != 400,
		}
	}
	s.cases[1] = &types.Case{
		ID:                1,
		TenantID:          tenant,
		WorkflowID:        1,
		Name:              "Acme",
		CurrentStageID:    types.Ptr(types.StageID(100)),
		CurrentStageOrder: 1,
		Status:            types.StatusInProgress,
		StagesProgress: []types.StageProgress{
			{StageID: 100, Order: 1, Status: "Pending"},
			{StageID: 200, Order: 2, Status: "Pending"},
			{StageID: 300, Order: 3, Status: "Pending"},
			{StageID: 7, Order: 4, Status: "Pending"},
		},
	}
	return s
}

func (s *memStore) setCondition(c types.ConditionDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conditions[c.StageID] = &c
}

func (s *memStore) snapshot(id types.CaseID) types.Case {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCase(s.cases[id])
}

func cloneCase(c *types.Case) types.Case {
	cp := *c
	cp.StagesProgress = append([]types.StageProgress(nil), c.StagesProgress...)
	return cp
}

func (s *memStore) GetStage(_ context.Context, _ types.TenantID, id types.StageID) (*types.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stages[id]
	if !ok {
		return nil, fmt.Errorf("stage %d: %w", id, types.ErrNotFound)
	}
	return &st, nil
}

func (s *memStore) GetCase(_ context.Context, t types.TenantID, id types.CaseID) (*types.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok || c.TenantID != t {
		return nil, fmt.Errorf("case %d: %w", id, types.ErrNotFound)
	}
	cp := cloneCase(c)
	return &cp, nil
}

func (s *memStore) ListActiveStagesAfter(_ context.Context, _ types.TenantID, wf types.WorkflowID, after, limit int) ([]types.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Stage
	for _, st := range s.stages {
		if st.WorkflowID == wf && st.IsActive && st.Order > after {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ConditionForStage(_ context.Context, _ types.TenantID, id types.StageID) (*types.ConditionDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conditions[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) Begin(context.Context) (Tx, error) {
	if s.beginErr != nil {
		return nil, s.beginErr
	}
	return &memTx{memStore: s}, nil
}

func (s *memStore) caseLock(id types.CaseID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

type memTx struct {
	*memStore
	locked *sync.Mutex
	saved  map[types.CaseID]types.Case
	done   bool
}

func (tx *memTx) LockCase(ctx context.Context, t types.TenantID, id types.CaseID) (*types.Case, error) {
	l := tx.caseLock(id)
	l.Lock()
	tx.locked = l

	c, err := tx.GetCase(ctx, t, id)
	if err != nil {
		return nil, err
	}
	tx.saved = map[types.CaseID]types.Case{id: cloneCase(c)}
	return c, nil
}

func (tx *memTx) mutate(id types.CaseID, fn func(c *types.Case)) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	c, ok := tx.cases[id]
	if !ok {
		return types.ErrNotFound
	}
	tx.writes++
	fn(c)
	return nil
}

func (tx *memTx) UpdateCurrentStage(_ context.Context, _ types.TenantID, id types.CaseID, stage types.Stage, _ string) error {
	return tx.mutate(id, func(c *types.Case) {
		c.CurrentStageID = types.Ptr(stage.ID)
		c.CurrentStageOrder = stage.Order
	})
}

func (tx *memTx) UpdateStatus(_ context.Context, _ types.TenantID, id types.CaseID, status string, rate float64, _ string) error {
	return tx.mutate(id, func(c *types.Case) {
		c.Status = status
		c.CompletionRate = rate
	})
}

func (tx *memTx) AppendNotes(_ context.Context, _ types.TenantID, id types.CaseID, note string) error {
	return tx.mutate(id, func(c *types.Case) {
		if c.Notes != "" {
			c.Notes += "\n"
		}
		c.Notes += note
	})
}

func (tx *memTx) UpdateStagesProgress(_ context.Context, _ types.TenantID, id types.CaseID, progress []types.StageProgress, _ string) error {
	return tx.mutate(id, func(c *types.Case) {
		c.StagesProgress = append([]types.StageProgress(nil), progress...)
	})
}

func (tx *memTx) Commit() error {
	if tx.done {
		return errors.New("transaction already closed")
	}
	tx.release()
	return nil
}

func (tx *memTx) Rollback() error {
	if tx.done {
		return errors.New("transaction already closed")
	}
	tx.mu.Lock()
	for id, c := range tx.saved {
		cp := c
		tx.cases[id] = &cp
	}
	tx.mu.Unlock()
	tx.release()
	return nil
}

func (tx *memTx) release() {
	tx.done = true
	if tx.locked != nil {
		tx.locked.Unlock()
	}
}

// staticData serves fixed field values and records requested stages.
type staticData struct {
	mu     sync.Mutex
	fields map[string]any
	err    error
	stages [][]types.StageID
}

func (d *staticData) BuildInput(_ context.Context, _ types.TenantID, _ types.CaseID, stages []types.StageID) (map[string]any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages = append(d.stages, stages)
	if d.err != nil {
		return nil, d.err
	}
	return map[string]any{"fields": d.fields}, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (a *memAudit) Append(_ context.Context, e AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.entries = append(a.entries, e)
	return nil
}

type directory struct{}

func (directory) UsersByIDs(_ context.Context, _ types.TenantID, ids []int64) ([]actions.User, error) {
	var out []actions.User
	for _, id := range ids {
		out = append(out, actions.User{ID: id, Name: fmt.Sprintf("user %d", id), Email: fmt.Sprintf("u%d@example.com", id)})
	}
	return out, nil
}

func (directory) TeamMembers(context.Context, types.TenantID, actions.TeamQuery) ([]actions.TeamMember, error) {
	return nil, nil
}

type mailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *mailer) SendStageNotification(_ context.Context, n actions.Notification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n.To)
	return true, nil
}

func (m *mailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

const amountRules = `{"logic":"AND","rules":[{"fieldPath":"amount","operator":">","value":"1000"}]}`

func condition(actionsDoc string) types.ConditionDefinition {
	return types.ConditionDefinition{
		ID:         55,
		StageID:    100,
		WorkflowID: 1,
		Name:       "High value",
		Rules:      json.RawMessage(amountRules),
		Actions:    json.RawMessage(actionsDoc),
		IsActive:   true,
		Status:     types.StatusValid,
	}
}

// harness wires an orchestrator over the in-memory collaborators.
type harness struct {
	store  *memStore
	data   *staticData
	audit  *memAudit
	mailer *mailer
	orch   *Orchestrator
}

func newHarness(amount any, opts ...Option) *harness {
	h := &harness{
		store:  newStore(),
		data:   &staticData{fields: map[string]any{"amount": amount}},
		audit:  &memAudit{},
		mailer: &mailer{},
	}
	d := actions.NewDispatcher(actions.Services{Directory: directory{}, Mailer: h.mailer})
	h.orch = New(h.store, h.data, d, append([]Option{WithAudit(h.audit)}, opts...)...)
	return h
}
