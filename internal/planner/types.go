// Package planner turns goals into the three-tier plan hierarchy.
//
// Plans flow strategic → tactical → operational. A plan value is produced
// fresh per invocation and never mutated in place; retries adapt by
// regenerating, not by patching. The planner owns the prompts, the JSON
// repair of model output, and the level-specific fallbacks; executing the
// resulting steps is the executor's job.
package planner

// StrategicPlan is an ordered list of high-level objectives for one
// sub-goal.
type StrategicPlan struct {
	Description string   `json:"description"`
	Objectives  []string `json:"objectives"`
}

// TacticalStep refines one objective fragment.
type TacticalStep struct {
	SubGoal     string `json:"sub_goal"`
	Description string `json:"description"`
}

// TacticalPlan is an ordered list of tactical steps for one objective.
type TacticalPlan struct {
	Description string         `json:"description"`
	Steps       []TacticalStep `json:"steps"`
}

// OperationalStep is one concrete tool call.
type OperationalStep struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// OperationalPlan is an ordered list of tool calls for one tactical step.
type OperationalPlan struct {
	Description string            `json:"description"`
	Steps       []OperationalStep `json:"steps"`
}

// NoopTool is the guaranteed-safe tool used by operational fallbacks.
const NoopTool = "noop"

// FallbackOperationalPlan wraps a tactical step in a single no-op step.
// Used when the model produced an empty or unparseable operational plan.
func FallbackOperationalPlan(step TacticalStep) OperationalPlan {
	return OperationalPlan{
		Description: "fallback: " + step.SubGoal,
		Steps: []OperationalStep{{
			Tool: NoopTool,
			Args: map[string]any{"note": step.SubGoal},
		}},
	}
}

// FallbackTacticalPlan wraps an objective verbatim in a single step.
// Used when the model produced an empty or unparseable tactical plan.
func FallbackTacticalPlan(objective string) TacticalPlan {
	return TacticalPlan{
		Description: "fallback: " + objective,
		Steps: []TacticalStep{{
			SubGoal:     objective,
			Description: objective,
		}},
	}
}
