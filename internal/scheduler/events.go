package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix roots every task lifecycle subject. Events publish to
// "tasks.<id>.<event>", so subscribers can watch one task ("tasks.<id>.>")
// or one event kind across tasks ("tasks.*.failed").
const SubjectPrefix = "tasks"

// LifecycleEvent is the payload published on every task transition.
type LifecycleEvent struct {
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	Task      Snapshot  `json:"task"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher emits lifecycle events over NATS.
type EventPublisher struct {
	nc *nats.Conn
}

// NewEventPublisher creates a publisher. A nil conn disables publishing.
func NewEventPublisher(nc *nats.Conn) *EventPublisher {
	if nc == nil {
		return nil
	}
	return &EventPublisher{nc: nc}
}

// Publish emits one lifecycle event.
func (p *EventPublisher) Publish(taskID, event string, snap Snapshot) error {
	payload := LifecycleEvent{
		TaskID:    taskID,
		Event:     event,
		Task:      snap,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding lifecycle event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s.%s", SubjectPrefix, taskID, event)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	return nil
}
