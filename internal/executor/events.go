package executor

import "time"

// EventType tags a status event.
type EventType string

const (
	EventPlan      EventType = "plan"
	EventStepStart EventType = "step_start"
	EventStepEnd   EventType = "step_end"
)

// Event is one structured status notification pushed to a registered
// observer as execution progresses.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	Phase     string    `json:"phase"`
	Step      string    `json:"step"`
	Detail    string    `json:"detail,omitempty"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Observer receives status events. Implementations must be fast and must
// not block; events are emitted inline from the execution path.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
