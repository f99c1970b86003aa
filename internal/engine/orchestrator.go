// internal/engine/orchestrator.go
package engine

/*
 * Evaluate-and-execute orchestration.
 *
 * One stage completion runs as:
 *
 *   Locked -> ConditionLoaded | NoCondition -> Evaluated -> ActionsExecuted -> Committed
 *
 *   1. Lock the case row. A stage whose progress entry is already completed
 *      means another request got here first: roll back and report it.
 *   2. Record the stage as completed inside the same transaction.
 *   3. Load the stage condition. None, inactive or not valid: natural next.
 *   4. Compile the rules, build input from every source stage, evaluate.
 *   5. Met: dispatch the action list. When no result comes from a
 *      stage-control action type, advance to the natural next stage with a
 *      synthetic GoToStage (order 999, reported as AutoToNextStage).
 *      Not met: advance to the fallback stage with a synthetic GoToStage
 *      (order 0), or report the natural next stage without running anything.
 *   6. Commit, then append the audit record. Audit failures are logged.
 *
 * Any error in steps 1-6 before commit rolls back and yields an
 * EvaluationError result pointing at the natural next stage, so a rule
 * engine fault never strands a case.
 *
 * Natural next stage: same workflow, active, lowest order above the current
 * stage.
 */

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowflex/stagecondition/internal/actions"
	"github.com/flowflex/stagecondition/internal/core/metrics"
	"github.com/flowflex/stagecondition/internal/core/tracing"
	"github.com/flowflex/stagecondition/internal/rules"
	"github.com/flowflex/stagecondition/internal/types"
)

const (
	msgAlreadyCompleted = "Stage already completed by another request"
	ruleEvaluationError = "EvaluationError"
)

// Actor identifies who completed the stage.
type Actor struct {
	ID   int64
	Name string
}

// Orchestrator runs stage condition evaluations.
type Orchestrator struct {
	store      Store
	data       DataBuilder
	rules      *rules.Engine
	dispatcher *actions.Dispatcher
	audit      AuditLog
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Option configures New.
type Option func(*Orchestrator)

// WithRulesEngine replaces the default rules engine.
func WithRulesEngine(e *rules.Engine) Option {
	return func(o *Orchestrator) {
		o.rules = e
	}
}

// WithAudit sets the audit log receiving committed evaluations.
func WithAudit(a AuditLog) Option {
	return func(o *Orchestrator) {
		o.audit = a
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithMetrics records evaluation outcomes and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithClock overrides the clock used for completion and audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator.
func New(store Store, data DataBuilder, dispatcher *actions.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		data:       data,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		tracer:     tracing.Tracer(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rules == nil {
		o.rules = rules.NewEngine(rules.WithLogger(o.logger))
	}
	return o
}

// EvaluateAndExecute handles the completion of stageID by caseID. Runtime
// faults are reported in the result; the error is non-nil only for a
// malformed request, including a stage outside the case's workflow.
func (o *Orchestrator) EvaluateAndExecute(ctx context.Context, tenant types.TenantID, caseID types.CaseID, stageID types.StageID, actor Actor) (*types.EvaluationResult, error) {
	if err := checkRequest(tenant, caseID, stageID); err != nil {
		return nil, err
	}

	exec := types.ExecutionContext{
		CaseID:       caseID,
		StageID:      stageID,
		TenantID:     tenant,
		UserID:       actor.ID,
		UserName:     actor.Name,
		EvaluationID: types.NewEvaluationID(),
	}

	ctx, span := tracing.StartSpan(ctx, o.tracer, "engine.evaluate_and_execute",
		attribute.String(tracing.EvaluationIDKey, string(exec.EvaluationID)),
		attribute.String(tracing.TenantIDKey, string(tenant)),
		attribute.Int64(tracing.CaseIDKey, int64(caseID)),
		attribute.Int64(tracing.StageIDKey, int64(stageID)),
	)
	defer span.End()

	start := time.Now()
	res, cond, outcome, err := o.run(ctx, &exec)
	if errors.Is(err, types.ErrInvalidRequest) {
		o.logger.Warn("rejected evaluation request",
			"evaluation_id", exec.EvaluationID,
			"case_id", caseID,
			"stage_id", stageID,
			"error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err != nil {
		o.logger.Error("condition evaluation failed",
			"evaluation_id", exec.EvaluationID,
			"case_id", caseID,
			"stage_id", stageID,
			"error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		res = o.faultResult(ctx, exec, err)
		cond = nil
		outcome = metrics.OutcomeError
	}
	res.EvaluationID = exec.EvaluationID
	if exec.ConditionID != 0 {
		span.SetAttributes(attribute.Int64(tracing.ConditionIDKey, int64(exec.ConditionID)))
	}
	span.SetAttributes(attribute.Bool(tracing.ConditionMetKey, res.ConditionMet))
	o.metrics.ObserveEvaluation(outcome, time.Since(start))

	if cond != nil {
		o.appendAudit(ctx, cond, exec, res)
	}
	return res, nil
}

// run executes steps 1-6 inside one transaction. The returned condition is
// non-nil only when an evaluation was committed.
func (o *Orchestrator) run(ctx context.Context, exec *types.ExecutionContext) (res *types.EvaluationResult, cond *types.ConditionDefinition, outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, cond, err = nil, nil, fmt.Errorf("panic: %v", r)
		}
	}()

	tx, err := o.store.Begin(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			o.logger.Warn("rollback failed", "evaluation_id", exec.EvaluationID, "error", rbErr)
		}
	}()

	c, err := tx.LockCase(ctx, exec.TenantID, exec.CaseID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("lock case %d: %w", exec.CaseID, err)
	}
	stage, err := tx.GetStage(ctx, exec.TenantID, exec.StageID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("load stage %d: %w", exec.StageID, err)
	}
	if stage.WorkflowID != c.WorkflowID {
		return nil, nil, "", fmt.Errorf("%w: stage %d belongs to workflow %d, case %d to workflow %d",
			types.ErrInvalidRequest, stage.ID, stage.WorkflowID, c.ID, c.WorkflowID)
	}

	if p := c.Progress(exec.StageID); p != nil && p.IsCompleted {
		o.logger.Warn("stage already completed, concurrent request detected",
			"evaluation_id", exec.EvaluationID,
			"case_id", exec.CaseID,
			"stage_id", exec.StageID)
		next, err := naturalNext(ctx, tx, exec.TenantID, stage)
		if err != nil {
			return nil, nil, "", err
		}
		return &types.EvaluationResult{
			ErrorMessage:  msgAlreadyCompleted,
			NextStageID:   next,
			RuleResults:   []types.RuleResult{},
			ActionResults: []types.ActionResult{},
		}, nil, metrics.OutcomeAlreadyCompleted, nil
	}

	if err := o.completeStage(ctx, tx, c, stage, *exec); err != nil {
		return nil, nil, "", err
	}

	cond, err = tx.ConditionForStage(ctx, exec.TenantID, exec.StageID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, nil, "", fmt.Errorf("load condition of stage %d: %w", exec.StageID, err)
	}

	if !cond.Usable() {
		o.logger.Debug("no active condition, proceeding to next stage",
			"evaluation_id", exec.EvaluationID, "stage_id", exec.StageID)
		next, err := naturalNext(ctx, tx, exec.TenantID, stage)
		if err != nil {
			return nil, nil, "", err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, "", fmt.Errorf("commit: %w", err)
		}
		committed = true
		return &types.EvaluationResult{
			NextStageID:   next,
			RuleResults:   []types.RuleResult{},
			ActionResults: []types.ActionResult{},
		}, nil, metrics.OutcomeNoCondition, nil
	}
	exec.ConditionID = cond.ID

	evaluated, err := o.evaluate(ctx, *exec, cond)
	if err != nil {
		return nil, nil, "", err
	}

	res = &types.EvaluationResult{
		ConditionID:   types.Ptr(cond.ID),
		ConditionMet:  evaluated.Met,
		RuleResults:   evaluated.Rules,
		ActionResults: []types.ActionResult{},
	}
	if res.RuleResults == nil {
		res.RuleResults = []types.RuleResult{}
	}

	if evaluated.Met {
		outcome = metrics.OutcomeMet
		err = o.onMet(ctx, tx, cond, stage, *exec, res)
	} else {
		outcome = metrics.OutcomeNotMet
		err = o.onNotMet(ctx, tx, cond, stage, *exec, res)
	}
	if err != nil {
		return nil, nil, "", err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, "", fmt.Errorf("commit: %w", err)
	}
	committed = true
	return res, cond, outcome, nil
}

// completeStage marks the stage's progress entry completed so a concurrent
// trigger waiting on the row lock observes it.
func (o *Orchestrator) completeStage(ctx context.Context, tx Tx, c *types.Case, stage *types.Stage, exec types.ExecutionContext) error {
	progress := append([]types.StageProgress(nil), c.StagesProgress...)
	now := o.now().UTC()

	entry := c.Progress(stage.ID)
	if entry == nil {
		progress = append(progress, types.StageProgress{StageID: stage.ID, StageName: stage.Name, Order: stage.Order})
	}
	for i := range progress {
		if progress[i].StageID != stage.ID {
			continue
		}
		progress[i].IsCompleted = true
		progress[i].Status = types.StatusCompleted
		progress[i].CompletedAt = &now
		progress[i].CompletedBy = exec.Actor()
	}

	if err := tx.UpdateStagesProgress(ctx, exec.TenantID, c.ID, progress, exec.Actor()); err != nil {
		return fmt.Errorf("complete stage %d: %w", stage.ID, err)
	}
	return nil
}

// evaluate compiles the condition's rules and evaluates them against the
// data of every source stage.
func (o *Orchestrator) evaluate(ctx context.Context, exec types.ExecutionContext, cond *types.ConditionDefinition) (rules.Outcome, error) {
	set, err := o.rules.Compile(cond.Rules)
	if err != nil {
		return rules.Outcome{}, fmt.Errorf("compile rules of condition %d: %w", cond.ID, err)
	}
	o.metrics.AddDroppedRules(len(set.Dropped))

	sources := rules.SourceStages(cond.Rules, exec.StageID)
	input, err := o.data.BuildInput(ctx, exec.TenantID, exec.CaseID, sources)
	if err != nil {
		return rules.Outcome{}, fmt.Errorf("build rule input: %w", err)
	}

	out := o.rules.Evaluate(ctx, set, input)
	passed := 0
	for _, r := range out.Rules {
		if r.Passed {
			passed++
		}
	}
	o.logger.Info("condition evaluated",
		"evaluation_id", exec.EvaluationID,
		"condition", cond.Name,
		"case_id", exec.CaseID,
		"stage_id", exec.StageID,
		"logic", out.Logic,
		"met", out.Met,
		"passed", passed,
		"total", len(out.Rules))
	return out, nil
}

func (o *Orchestrator) onMet(ctx context.Context, tx Tx, cond *types.ConditionDefinition, stage *types.Stage, exec types.ExecutionContext, res *types.EvaluationResult) error {
	specs, err := actions.ParseActions(cond.Actions)
	if err != nil {
		o.logger.Warn("invalid action document", "condition_id", cond.ID, "error", err)
		res.ActionResults = append(res.ActionResults, actions.ParseErrorResult(err))
	} else {
		batch := o.dispatcher.Execute(ctx, tx, specs, exec)
		res.ActionResults = append(res.ActionResults, batch.Results...)
	}

	if actions.ChangesStage(res.ActionResults) {
		c, err := tx.GetCase(ctx, exec.TenantID, exec.CaseID)
		if err != nil {
			return fmt.Errorf("reload case %d: %w", exec.CaseID, err)
		}
		if c.CurrentStageID != nil && *c.CurrentStageID != exec.StageID {
			res.NextStageID = types.Ptr(*c.CurrentStageID)
		}
		return nil
	}

	next, err := naturalNext(ctx, tx, exec.TenantID, stage)
	if err != nil {
		return err
	}
	if next == nil {
		o.logger.Info("condition met on the last stage, nothing to advance to",
			"evaluation_id", exec.EvaluationID, "stage_id", exec.StageID)
		return nil
	}

	o.logger.Info("no stage-control action ran, auto-advancing",
		"evaluation_id", exec.EvaluationID, "condition", cond.Name, "next_stage_id", *next)
	auto := o.dispatcher.Run(ctx, tx, advanceSpec(*next, types.AutoAdvanceOrder), exec)
	auto.ActionType = types.ResultAutoToNextStage
	res.ActionResults = append(res.ActionResults, auto)
	res.NextStageID = next
	return nil
}

func (o *Orchestrator) onNotMet(ctx context.Context, tx Tx, cond *types.ConditionDefinition, stage *types.Stage, exec types.ExecutionContext, res *types.EvaluationResult) error {
	if cond.FallbackStageID != nil {
		target := *cond.FallbackStageID
		res.NextStageID = types.Ptr(target)
		r := o.dispatcher.Run(ctx, tx, advanceSpec(target, types.FallbackOrder), exec)
		res.ActionResults = append(res.ActionResults, r)
		o.logger.Info("condition not met, moved to fallback stage",
			"evaluation_id", exec.EvaluationID, "condition", cond.Name,
			"fallback_stage_id", target, "success", r.Success)
		return nil
	}

	next, err := naturalNext(ctx, tx, exec.TenantID, stage)
	if err != nil {
		return err
	}
	res.NextStageID = next
	o.logger.Info("condition not met, proceeding to next stage",
		"evaluation_id", exec.EvaluationID, "condition", cond.Name)
	return nil
}

// faultResult reports err with the natural next stage, read outside the
// rolled back transaction. The lookup itself may fail; the result then
// carries no next stage.
func (o *Orchestrator) faultResult(ctx context.Context, exec types.ExecutionContext, err error) *types.EvaluationResult {
	msg := err.Error()
	res := &types.EvaluationResult{
		ErrorMessage:  "Condition evaluation failed: " + msg,
		RuleResults:   []types.RuleResult{{Name: ruleEvaluationError, Error: msg}},
		ActionResults: []types.ActionResult{},
	}
	if exec.ConditionID != 0 {
		res.ConditionID = types.Ptr(exec.ConditionID)
	}

	ctx = context.WithoutCancel(ctx)
	stage, err := o.store.GetStage(ctx, exec.TenantID, exec.StageID)
	if err != nil {
		o.logger.Warn("next stage lookup failed", "stage_id", exec.StageID, "error", err)
		return res
	}
	next, err := naturalNext(ctx, o.store, exec.TenantID, stage)
	if err != nil {
		o.logger.Warn("next stage lookup failed", "stage_id", exec.StageID, "error", err)
	}
	res.NextStageID = next
	return res
}

func (o *Orchestrator) appendAudit(ctx context.Context, cond *types.ConditionDefinition, exec types.ExecutionContext, res *types.EvaluationResult) {
	if o.audit == nil {
		return
	}
	entry := newAuditEntry(cond, exec, res, o.now())
	if err := o.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Error("audit append failed",
			"evaluation_id", exec.EvaluationID,
			"condition_id", cond.ID,
			"error", err)
	}
}

// stageLister is the part of Reader and Tx used for stage navigation.
type stageLister interface {
	ListActiveStagesAfter(ctx context.Context, tenant types.TenantID, workflowID types.WorkflowID, afterOrder, limit int) ([]types.Stage, error)
}

// naturalNext returns the first active stage after stage, or nil on the last
// stage.
func naturalNext(ctx context.Context, r stageLister, tenant types.TenantID, stage *types.Stage) (*types.StageID, error) {
	next, err := r.ListActiveStagesAfter(ctx, tenant, stage.WorkflowID, stage.Order, 1)
	if err != nil {
		return nil, fmt.Errorf("next stage after %d: %w", stage.ID, err)
	}
	if len(next) == 0 {
		return nil, nil
	}
	return types.Ptr(next[0].ID), nil
}

func advanceSpec(target types.StageID, order int) actions.Spec {
	return actions.Spec{
		Type:          types.ActionGoToStage,
		RawType:       types.ResultGoToStage,
		Order:         order,
		TargetStageID: types.Ptr(target),
		SkipCount:     1,
	}
}

func checkRequest(tenant types.TenantID, caseID types.CaseID, stageID types.StageID) error {
	switch {
	case tenant == "":
		return fmt.Errorf("%w: tenant is required", types.ErrInvalidRequest)
	case caseID <= 0:
		return fmt.Errorf("%w: case id is required", types.ErrInvalidRequest)
	case stageID <= 0:
		return fmt.Errorf("%w: stage id is required", types.ErrInvalidRequest)
	}
	return nil
}
