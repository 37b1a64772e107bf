// Package executor drives one task from goal text to a terminal result.
//
// An executor walks the plan hierarchy top-down: decompose the goal into
// sub-goals, plan each strategically, refine objectives tactically, turn
// tactical steps into operational tool calls, and execute those calls
// strictly in order. Before every reasoning call it takes a governor
// slot; before every tool call it asks the security gate. A failed
// sub-goal attempt is retried with fresh plans at every level up to a
// fixed ceiling; an empty strategic plan fails the attempt outright.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/gate"
	"github.com/fyrsmithlabs/operatord/internal/governor"
	"github.com/fyrsmithlabs/operatord/internal/logging"
	"github.com/fyrsmithlabs/operatord/internal/memory"
	"github.com/fyrsmithlabs/operatord/internal/planner"
	"github.com/fyrsmithlabs/operatord/internal/tools"
)

var tracer = otel.Tracer("operatord/executor")

// Execution phases, recorded to memory and visible in events.
const (
	PhaseDecomposing         = "decomposing"
	PhaseStrategicPlanning   = "strategic_planning"
	PhaseTacticalPlanning    = "tactical_planning"
	PhaseOperationalPlanning = "operational_planning"
	PhaseStepExecuting       = "step_executing"
)

// Terminal error conditions the scheduler branches on.
var (
	// ErrCancelled reports a cooperative cancellation observed between
	// steps. The in-flight step is never interrupted.
	ErrCancelled = errors.New("task cancelled")

	// ErrSecurityBlocked reports a gate BLOCK decision. It terminates the
	// step attempt immediately and never consumes retry budget.
	ErrSecurityBlocked = errors.New("blocked by security gate")

	// ErrRateLimited reports that no governor slot freed within the
	// timeout. The scheduler re-queues the task instead of failing it.
	ErrRateLimited = errors.New("rate limit slot unavailable")
)

// StepError wraps a failure with the offending step and attempt, so a
// terminal Failed status preserves the full cause chain.
type StepError struct {
	Phase   string
	Step    string
	Attempt int
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %q attempt %d: %v", e.Phase, e.Step, e.Attempt, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Control is the scheduler-owned handle the executor polls between steps.
type Control interface {
	Cancelled() bool
	Paused() bool
}

// noControl never pauses or cancels; used when no scheduler is attached.
type noControl struct{}

func (noControl) Cancelled() bool { return false }
func (noControl) Paused() bool    { return false }

// Options bundles the executor's collaborators and tuning.
type Options struct {
	TaskID      string
	Scope       string
	BackendName string
	Planner     *planner.Planner
	Invoker     tools.Invoker
	Approver    gate.Approver
	Governor    *governor.Governor
	Memory      memory.Gateway
	Control     Control
	Observer    Observer
	Logger      *logging.Logger

	MaxRetries  int
	RetryDelay  time.Duration
	SlotTimeout time.Duration
}

// Executor runs one task's steps strictly sequentially.
type Executor struct {
	opts   Options
	logger *logging.Logger
}

const (
	defaultMaxRetries  = 3
	defaultRetryDelay  = 2 * time.Second
	defaultSlotTimeout = 30 * time.Second
	pausePollInterval  = 100 * time.Millisecond
)

// New creates an Executor. Planner and Invoker are required; everything
// else degrades to a no-op collaborator.
func New(opts Options) (*Executor, error) {
	if opts.Planner == nil {
		return nil, errors.New("executor requires a planner")
	}
	if opts.Invoker == nil {
		return nil, errors.New("executor requires a tool invoker")
	}
	if opts.Control == nil {
		opts.Control = noControl{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.SlotTimeout <= 0 {
		opts.SlotTimeout = defaultSlotTimeout
	}
	return &Executor{
		opts:   opts,
		logger: opts.Logger.Named("executor").With(zap.String("task.id", opts.TaskID)),
	}, nil
}

// Run executes the goal to completion and returns the final result text.
// It returns ErrCancelled, ErrRateLimited, ErrSecurityBlocked, or a
// *StepError chain on failure.
func (e *Executor) Run(ctx context.Context, goal string) (string, error) {
	ctx = logging.WithTaskID(ctx, e.opts.TaskID)
	ctx = logging.WithScope(ctx, e.opts.Scope)

	ctx, span := tracer.Start(ctx, "Executor.Run",
		oteltrace.WithAttributes(attribute.String("task.id", e.opts.TaskID)))
	defer span.End()

	// A task cancelled right after dispatch must not burn a governor slot
	// or a backend call.
	if err := e.checkControl(ctx); err != nil {
		return "", err
	}

	e.transition(ctx, PhaseDecomposing, goal)
	if err := e.acquireSlot(ctx); err != nil {
		return "", err
	}
	subGoals, err := e.opts.Planner.Decompose(ctx, goal)
	if err != nil {
		return "", &StepError{Phase: PhaseDecomposing, Step: goal, Attempt: 1, Err: err}
	}

	var results []string
	for _, subGoal := range subGoals {
		if err := e.checkControl(ctx); err != nil {
			return "", err
		}
		out, err := e.runSubGoal(ctx, subGoal)
		if err != nil {
			return "", err
		}
		results = append(results, out)
	}

	result := strings.Join(results, "\n")
	e.remember(ctx, "result", result, nil)
	return result, nil
}

// runSubGoal retries one sub-goal's full planning and execution up to the
// configured ceiling, regenerating every plan level on each attempt so
// retries adapt. Cancellation, security blocks, and rate-limit timeouts
// bubble without consuming the budget.
func (e *Executor) runSubGoal(ctx context.Context, subGoal string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.opts.MaxRetries; attempt++ {
		out, err := e.attemptSubGoal(ctx, subGoal, attempt)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, ErrCancelled) || errors.Is(err, ErrSecurityBlocked) || errors.Is(err, ErrRateLimited) {
			return "", err
		}

		lastErr = err
		e.logger.Warn(ctx, "sub-goal attempt failed",
			zap.String("sub_goal", subGoal),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < e.opts.MaxRetries {
			select {
			case <-ctx.Done():
				return "", ErrCancelled
			case <-time.After(e.opts.RetryDelay):
			}
		}
	}
	return "", lastErr
}

// attemptSubGoal plans one sub-goal strategically and executes its
// objectives. An empty strategic plan fails the attempt: there is nothing
// safe to substitute at the top of the hierarchy.
func (e *Executor) attemptSubGoal(ctx context.Context, subGoal string, attempt int) (string, error) {
	ctx, span := tracer.Start(ctx, "Executor.SubGoal",
		oteltrace.WithAttributes(attribute.String("phase", PhaseStrategicPlanning)))
	defer span.End()

	e.transition(ctx, PhaseStrategicPlanning, subGoal)
	if err := e.acquireSlot(ctx); err != nil {
		return "", err
	}

	strategic, err := e.opts.Planner.Strategic(ctx, subGoal)
	if err != nil {
		return "", &StepError{Phase: PhaseStrategicPlanning, Step: subGoal, Attempt: attempt, Err: err}
	}
	e.emit(Event{Type: EventPlan, Phase: PhaseStrategicPlanning, Step: subGoal, Detail: strategic.Description})

	var results []string
	for _, objective := range strategic.Objectives {
		if err := e.checkControl(ctx); err != nil {
			return "", err
		}
		out, err := e.runObjective(ctx, objective, attempt)
		if err != nil {
			return "", err
		}
		results = append(results, out)
	}
	return strings.Join(results, "\n"), nil
}

// runObjective refines one objective tactically and executes each tactical
// step in order.
func (e *Executor) runObjective(ctx context.Context, objective string, attempt int) (string, error) {
	ctx, span := tracer.Start(ctx, "Executor.Objective",
		oteltrace.WithAttributes(attribute.String("phase", PhaseTacticalPlanning)))
	defer span.End()

	e.transition(ctx, PhaseTacticalPlanning, objective)
	if err := e.acquireSlot(ctx); err != nil {
		return "", err
	}

	tactical, err := e.opts.Planner.Tactical(ctx, objective)
	if err != nil {
		return "", &StepError{Phase: PhaseTacticalPlanning, Step: objective, Attempt: attempt, Err: err}
	}
	e.emit(Event{Type: EventPlan, Phase: PhaseTacticalPlanning, Step: objective, Detail: tactical.Description})

	var results []string
	for _, step := range tactical.Steps {
		if err := e.checkControl(ctx); err != nil {
			return "", err
		}
		out, err := e.attemptStep(ctx, step, attempt)
		if err != nil {
			return "", err
		}
		results = append(results, out)
	}
	return strings.Join(results, "\n"), nil
}

// attemptStep generates one operational plan for the tactical step and
// executes its tool calls in order.
func (e *Executor) attemptStep(ctx context.Context, step planner.TacticalStep, attempt int) (string, error) {
	ctx, span := tracer.Start(ctx, "Executor.Step",
		oteltrace.WithAttributes(attribute.Int("attempt", attempt)))
	defer span.End()

	e.transition(ctx, PhaseOperationalPlanning, step.SubGoal)
	if err := e.acquireSlot(ctx); err != nil {
		return "", err
	}

	plan, err := e.opts.Planner.Operational(ctx, step, e.opts.Invoker.Names())
	if err != nil {
		return "", &StepError{Phase: PhaseOperationalPlanning, Step: step.SubGoal, Attempt: attempt, Err: err}
	}
	e.emit(Event{Type: EventPlan, Phase: PhaseOperationalPlanning, Step: step.SubGoal, Detail: plan.Description})

	e.transition(ctx, PhaseStepExecuting, step.SubGoal)

	var outputs []string
	for i, op := range plan.Steps {
		if err := e.checkControl(ctx); err != nil {
			return "", err
		}

		args := planner.ResolveArgs(op.Args, outputs)
		label := fmt.Sprintf("%s(%d/%d)", op.Tool, i+1, len(plan.Steps))
		e.emit(Event{Type: EventStepStart, Phase: PhaseStepExecuting, Step: label, Detail: step.SubGoal})

		if err := e.approve(ctx, op.Tool, args, step.SubGoal); err != nil {
			e.emit(Event{Type: EventStepEnd, Phase: PhaseStepExecuting, Step: label, Err: err})
			if errors.Is(err, ErrSecurityBlocked) {
				return "", err
			}
			return "", &StepError{Phase: PhaseStepExecuting, Step: step.SubGoal, Attempt: attempt, Err: err}
		}

		out, err := e.opts.Invoker.Invoke(ctx, op.Tool, args)
		e.emit(Event{Type: EventStepEnd, Phase: PhaseStepExecuting, Step: label, Detail: out, Err: err})
		if err != nil {
			e.remember(ctx, "step_error", err.Error(), map[string]string{"tool": op.Tool, "attempt": fmt.Sprint(attempt)})
			return "", &StepError{Phase: PhaseStepExecuting, Step: step.SubGoal, Attempt: attempt, Err: fmt.Errorf("tool %s: %w", op.Tool, err)}
		}

		e.remember(ctx, "step_result", out, map[string]string{"tool": op.Tool})
		outputs = append(outputs, out)
	}
	return strings.Join(outputs, "\n"), nil
}

// approve submits the intended tool call to the security gate. The gate
// describes intent in text, so the call is rendered as "tool args".
func (e *Executor) approve(ctx context.Context, tool string, args map[string]any, subGoal string) error {
	if e.opts.Approver == nil {
		return nil
	}

	intent := fmt.Sprintf("%s %v (%s)", tool, args, subGoal)
	decision, err := e.opts.Approver.Approve(ctx, intent)
	if err != nil {
		return fmt.Errorf("gate approval: %w", err)
	}
	if !decision.Allowed() {
		e.remember(ctx, "security_block", decision.Reason, map[string]string{"tool": tool})
		return fmt.Errorf("%w: %s", ErrSecurityBlocked, decision.Reason)
	}
	return nil
}

// acquireSlot takes one governor slot for the task's backend, waiting up
// to the slot timeout for capacity.
func (e *Executor) acquireSlot(ctx context.Context) error {
	if e.opts.Governor == nil {
		return nil
	}

	if e.opts.Governor.Register(e.opts.BackendName) {
		return nil
	}
	if e.opts.Governor.WaitForSlot(ctx, e.opts.BackendName, e.opts.SlotTimeout) {
		return nil
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return ErrRateLimited
}

// checkControl polls cancellation and pause between steps. Pausing parks
// the worker until resumed or cancelled; an in-flight step is never
// interrupted.
func (e *Executor) checkControl(ctx context.Context) error {
	for {
		if ctx.Err() != nil || e.opts.Control.Cancelled() {
			return ErrCancelled
		}
		if !e.opts.Control.Paused() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(pausePollInterval):
		}
	}
}

// transition records a phase change to memory and the log.
func (e *Executor) transition(ctx context.Context, phase, detail string) {
	e.logger.Debug(ctx, "phase transition",
		zap.String("phase", phase),
		zap.String("detail", detail),
	)
	e.remember(ctx, "phase", phase+": "+detail, nil)
}

// remember appends an audit record under the task's scope. Audit writes
// are best-effort; a failed write is logged, never fatal.
func (e *Executor) remember(ctx context.Context, kind, content string, metadata map[string]string) {
	if e.opts.Memory == nil || content == "" {
		return
	}
	if _, err := e.opts.Memory.Store(ctx, e.opts.Scope, kind, content, metadata, 0); err != nil {
		e.logger.Warn(ctx, "memory write failed",
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}

func (e *Executor) emit(event Event) {
	if e.opts.Observer == nil {
		return
	}
	event.TaskID = e.opts.TaskID
	event.Timestamp = time.Now().UTC()
	e.opts.Observer.OnEvent(event)
}
