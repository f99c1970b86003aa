// internal/actions/dispatcher.go
package actions

/*
 * Sequential action dispatch.
 *
 * Execute stable-sorts specs by order and runs them one at a time; later
 * actions observe the state earlier ones wrote through the same CaseStore.
 * Every handler call is bounded by a per-type timeout. The call runs on its
 * own goroutine and the dispatcher selects on its result and the deadline, so
 * a handler that ignores cancellation still yields a timeout result while its
 * I/O finishes in the background. Panics become failed results. Nothing a
 * single action does aborts the batch.
 */

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowflex/stagecondition/internal/core/metrics"
	"github.com/flowflex/stagecondition/internal/core/tracing"
	"github.com/flowflex/stagecondition/internal/types"
)

// Call is the input of one handler invocation.
type Call struct {
	Spec  Spec
	Exec  types.ExecutionContext
	Cases CaseStore
}

// Handler executes one action type. Handlers report every failure through
// the returned result and honour ctx where their collaborators do.
type Handler interface {
	Type() string
	Handle(ctx context.Context, call Call) types.ActionResult
}

// Timeouts bounds handler calls per action type.
type Timeouts struct {
	Default          time.Duration
	SendNotification time.Duration
	TriggerAction    time.Duration
}

// DefaultTimeouts returns the stock per-type bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default:          types.DefaultActionTimeout,
		SendNotification: types.SendNotificationTimeout,
		TriggerAction:    types.TriggerActionTimeout,
	}
}

// For returns the bound for actionType.
func (t Timeouts) For(actionType string) time.Duration {
	var d time.Duration
	switch actionType {
	case types.ActionSendNotification:
		d = t.SendNotification
	case types.ActionTriggerAction:
		d = t.TriggerAction
	}
	if d <= 0 {
		d = t.Default
	}
	if d <= 0 {
		d = types.DefaultActionTimeout
	}
	return d
}

// BatchResult is the outcome of one Execute call.
type BatchResult struct {
	// Success is true iff at least one action succeeded.
	Success bool
	Results []types.ActionResult
}

// Dispatcher routes action specs to handlers.
type Dispatcher struct {
	handlers map[string]Handler
	timeouts Timeouts
	retry    RetryPolicy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeouts overrides the per-type timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(d *Dispatcher) { d.timeouts = t }
}

// WithRetry overrides the notification send retry policy.
func WithRetry(p RetryPolicy) Option {
	return func(d *Dispatcher) { d.retry = p }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records per-action observations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer overrides the span tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithHandler registers h, replacing the built-in handler of the same type.
func WithHandler(h Handler) Option {
	return func(d *Dispatcher) { d.handlers[strings.ToLower(h.Type())] = h }
}

// NewDispatcher creates a dispatcher with the seven built-in handlers bound to
// svc.
func NewDispatcher(svc Services, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		timeouts: DefaultTimeouts(),
		retry:    DefaultRetryPolicy(),
		logger:   slog.Default(),
		tracer:   tracing.Tracer(),
	}

	// Built-ins are created after options so they see WithLogger and WithRetry.
	for _, opt := range opts {
		opt(d)
	}

	builtins := []Handler{
		&goToStage{logger: d.logger},
		&skipStage{logger: d.logger},
		&endWorkflow{logger: d.logger},
		&sendNotification{svc: svc, retry: d.retry, logger: d.logger},
		&updateField{svc: svc, logger: d.logger},
		&triggerAction{svc: svc, logger: d.logger},
		&assignUser{svc: svc, logger: d.logger},
	}
	for _, h := range builtins {
		if _, overridden := d.handlers[h.Type()]; !overridden {
			d.handlers[h.Type()] = h
		}
	}
	return d
}

// Types returns the registered action types, sorted.
func (d *Dispatcher) Types() []string {
	out := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Execute runs specs in ascending order against cases.
func (d *Dispatcher) Execute(ctx context.Context, cases CaseStore, specs []Spec, exec types.ExecutionContext) BatchResult {
	ordered := make([]Spec, len(specs))
	copy(ordered, specs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	batch := BatchResult{Results: make([]types.ActionResult, 0, len(ordered))}
	for _, spec := range ordered {
		res := d.Run(ctx, cases, spec, exec)
		if !res.Success {
			d.logger.Warn("action failed",
				"evaluation_id", exec.EvaluationID,
				"condition_id", exec.ConditionID,
				"action_type", res.ActionType,
				"order", res.Order,
				"error", res.ErrorMessage)
		}
		if res.Success {
			batch.Success = true
		}
		batch.Results = append(batch.Results, res)
	}
	return batch
}

// Run executes a single spec with its timeout, span and metrics.
func (d *Dispatcher) Run(ctx context.Context, cases CaseStore, spec Spec, exec types.ExecutionContext) types.ActionResult {
	h, ok := d.handlers[strings.ToLower(spec.Type)]
	if !ok {
		res := types.ActionResult{
			ActionType:   spec.RawType,
			Order:        spec.Order,
			ErrorMessage: fmt.Sprintf("Unsupported action type: %s", spec.RawType),
		}
		d.metrics.ObserveAction("unsupported", false, 0)
		return res
	}

	ctx, span := tracing.StartSpan(ctx, d.tracer, "action."+h.Type(),
		attribute.String(tracing.ActionTypeKey, h.Type()),
		attribute.Int(tracing.ActionOrderKey, spec.Order),
		attribute.String(tracing.EvaluationIDKey, string(exec.EvaluationID)),
		attribute.Int64(tracing.CaseIDKey, int64(exec.CaseID)),
	)
	defer span.End()

	start := time.Now()
	res := d.invoke(ctx, h, Call{Spec: spec, Exec: exec, Cases: cases}, d.timeouts.For(h.Type()))
	res.Order = spec.Order
	if res.ActionType == "" {
		res.ActionType = ResultName(h.Type())
	}
	d.metrics.ObserveAction(h.Type(), res.Success, time.Since(start))

	if !res.Success {
		span.SetStatus(codes.Error, res.ErrorMessage)
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, call Call, timeout time.Duration) types.ActionResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if call.Cases != nil {
		var guard *caseGuard
		guard, call.Cases = guardCases(call.Cases)
		defer guard.release()
	}

	done := make(chan types.ActionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("action handler panicked", "action_type", h.Type(), "panic", r)
				done <- failed(ResultName(h.Type()), call.Spec, fmt.Sprintf("panic: %v", r))
			}
		}()
		done <- h.Handle(ctx, call)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.logger.Warn("action timed out", "action_type", h.Type(), "timeout", timeout,
				"condition_id", call.Exec.ConditionID)
			return failed(ResultName(h.Type()), call.Spec,
				fmt.Sprintf("%s after %s", types.ErrActionTimeout.Error(), timeout))
		}
		return failed(ResultName(h.Type()), call.Spec, fmt.Sprintf("action execution cancelled: %v", ctx.Err()))
	}
}

// ChangesStage reports whether any result comes from a stage-control action
// type, regardless of its success.
func ChangesStage(results []types.ActionResult) bool {
	for _, r := range results {
		for _, t := range types.StageControlActionTypes {
			if strings.EqualFold(r.ActionType, t) {
				return true
			}
		}
	}
	return false
}

func newResult(resultType string, spec Spec) types.ActionResult {
	return types.ActionResult{
		ActionType: resultType,
		Order:      spec.Order,
		ResultData: map[string]any{},
	}
}

func failed(resultType string, spec Spec, msg string) types.ActionResult {
	res := newResult(resultType, spec)
	res.ErrorMessage = msg
	return res
}
