package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/backend"
	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// ErrEmptyPlan indicates the backend returned a structurally valid but
// empty plan. Strategic-level emptiness fails the attempt; lower levels
// fall back instead.
var ErrEmptyPlan = errors.New("empty plan generated")

const systemPrompt = `You are the planning engine of a desktop automation agent.
Reply with JSON only: no prose, no markdown fences.`

// Planner generates the three plan levels through a reasoning backend.
type Planner struct {
	backend backend.Backend
	logger  *logging.Logger
}

// New creates a Planner bound to one backend.
func New(b backend.Backend, logger *logging.Logger) *Planner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Planner{backend: b, logger: logger.Named("planner")}
}

// Backend returns the backend this planner calls.
func (p *Planner) Backend() backend.Backend {
	return p.backend
}

// Decompose splits a goal into an ordered list of sub-goals.
// Falls back to the goal itself when the model output is unusable.
func (p *Planner) Decompose(ctx context.Context, goal string) ([]string, error) {
	prompt := fmt.Sprintf(
		"Decompose this goal into an ordered JSON array of independent sub-goal strings.\nGoal: %s",
		goal,
	)

	resp, err := p.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var subGoals []string
	if err := parseJSON(resp, &subGoals); err != nil || len(subGoals) == 0 {
		p.logger.Warn(ctx, "decomposition fell back to raw goal",
			zap.String("goal", goal),
			zap.Error(err),
		)
		return []string{goal}, nil
	}
	return subGoals, nil
}

// Strategic produces the strategic plan for one sub-goal. An empty
// objective list is an error: there is nothing safe to substitute at the
// top of the hierarchy.
func (p *Planner) Strategic(ctx context.Context, subGoal string) (StrategicPlan, error) {
	prompt := fmt.Sprintf(
		`Produce a strategic plan for this sub-goal as JSON:
{"description": "...", "objectives": ["...", "..."]}
Objectives are ordered, high-level, and each independently completable.
Sub-goal: %s`,
		subGoal,
	)

	resp, err := p.complete(ctx, prompt)
	if err != nil {
		return StrategicPlan{}, err
	}

	var plan StrategicPlan
	if err := parseJSON(resp, &plan); err != nil {
		return StrategicPlan{}, err
	}
	if len(plan.Objectives) == 0 {
		return StrategicPlan{}, fmt.Errorf("%w: no objectives for %q", ErrEmptyPlan, subGoal)
	}
	return plan, nil
}

// Tactical produces the tactical plan for one objective, falling back to a
// single verbatim step when the output is empty or invalid.
func (p *Planner) Tactical(ctx context.Context, objective string) (TacticalPlan, error) {
	prompt := fmt.Sprintf(
		`Break this objective into tactical steps as JSON:
{"description": "...", "steps": [{"sub_goal": "...", "description": "..."}]}
Objective: %s`,
		objective,
	)

	resp, err := p.complete(ctx, prompt)
	if err != nil {
		return TacticalPlan{}, err
	}

	var plan TacticalPlan
	if err := parseJSON(resp, &plan); err != nil || len(plan.Steps) == 0 {
		p.logger.Warn(ctx, "tactical plan fell back to verbatim objective",
			zap.String("objective", objective),
			zap.Error(err),
		)
		return FallbackTacticalPlan(objective), nil
	}
	for _, step := range plan.Steps {
		if step.SubGoal == "" {
			return FallbackTacticalPlan(objective), nil
		}
	}
	return plan, nil
}

// Operational produces the operational plan for one tactical step, falling
// back to a single guaranteed-safe no-op step when the output is empty or
// invalid.
func (p *Planner) Operational(ctx context.Context, step TacticalStep, tools []string) (OperationalPlan, error) {
	prompt := fmt.Sprintf(
		`Produce concrete tool calls for this step as JSON:
{"description": "...", "steps": [{"tool": "...", "args": {...}}]}
Available tools: %s
Use the literal string "previous_step_output" in an arg value to reference the prior step's result.
Step: %s (%s)`,
		strings.Join(tools, ", "), step.SubGoal, step.Description,
	)

	resp, err := p.complete(ctx, prompt)
	if err != nil {
		return OperationalPlan{}, err
	}

	var plan OperationalPlan
	if err := parseJSON(resp, &plan); err != nil || len(plan.Steps) == 0 {
		p.logger.Warn(ctx, "operational plan fell back to no-op",
			zap.String("sub_goal", step.SubGoal),
			zap.Error(err),
		)
		return FallbackOperationalPlan(step), nil
	}
	for _, s := range plan.Steps {
		if s.Tool == "" {
			return FallbackOperationalPlan(step), nil
		}
	}
	return plan, nil
}

func (p *Planner) complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.backend.Complete(ctx, backend.Request{
		Messages: []backend.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("backend %s: %w", p.backend.Name(), err)
	}
	p.logger.Trace(ctx, "plan output", zap.String("raw", resp.Text))
	return resp.Text, nil
}

// placeholder tokens recognized in operational step arguments.
const (
	previousOutputToken = "previous_step_output"
	stepOutputPrefix    = "{{step_"
	stepOutputSuffix    = "_output}}"
)

// ResolveArgs substitutes "previous step output" placeholders in a step's
// arguments against prior results within the same plan. prior is indexed by
// step position; the most recent result resolves previousOutputToken.
func ResolveArgs(args map[string]any, prior []string) map[string]any {
	if len(args) == 0 {
		return map[string]any{}
	}
	resolved := make(map[string]any, len(args))
	for k, v := range args {
		s, ok := v.(string)
		if !ok {
			resolved[k] = v
			continue
		}
		resolved[k] = resolvePlaceholder(s, prior)
	}
	return resolved
}

func resolvePlaceholder(s string, prior []string) string {
	if s == previousOutputToken && len(prior) > 0 {
		return prior[len(prior)-1]
	}
	for i, out := range prior {
		token := fmt.Sprintf("%s%d%s", stepOutputPrefix, i+1, stepOutputSuffix)
		s = strings.ReplaceAll(s, token, out)
	}
	return s
}
