package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Registry errors.
var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Task is one user-submitted goal with its own isolated execution and
// memory scope. The scope is derived from the id at creation and never
// changes; at most one executor is ever bound to a task.
type Task struct {
	mu sync.Mutex

	ID          string
	Goal        string
	Priority    int
	Scope       string
	Backend     string
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	status    Status
	result    string
	err       error
	cancelled bool
}

// NewTask creates a pending task. The memory scope is derived
// deterministically from the task id.
func NewTask(goal string, priority int, backendName string) *Task {
	id := uuid.New().String()
	return &Task{
		ID:        id,
		Goal:      goal,
		Priority:  priority,
		Scope:     "task:" + id,
		Backend:   backendName,
		CreatedAt: time.Now().UTC(),
		status:    StatusPending,
	}
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Result returns the terminal result text, if any.
func (t *Task) Result() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the terminal error, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancelled implements the executor control poll.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Paused implements the executor control poll.
func (t *Task) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusPaused
}

// start transitions Pending → Running.
func (t *Task) start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, t.status)
	}
	t.status = StatusRunning
	t.StartedAt = time.Now().UTC()
	return nil
}

// pause transitions Running → Paused.
func (t *Task) pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, t.status)
	}
	t.status = StatusPaused
	return nil
}

// resume transitions Paused → Running.
func (t *Task) resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusPaused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, t.status)
	}
	t.status = StatusRunning
	return nil
}

// cancel requests cooperative cancellation. A pending task cancels
// immediately; a running or paused one sets the flag its executor polls.
// Returns true when the task went terminal synchronously.
func (t *Task) cancel() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusPending:
		t.status = StatusCancelled
		t.CompletedAt = time.Now().UTC()
		return true, nil
	case StatusRunning, StatusPaused:
		t.cancelled = true
		return false, nil
	default:
		return false, fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, t.status)
	}
}

// requeue returns a running task to Pending after a rate-limit timeout.
func (t *Task) requeue() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusPending
	t.StartedAt = time.Time{}
}

// finish records the terminal status, result, and error.
func (t *Task) finish(status Status, result string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.result = result
	t.err = err
	t.CompletedAt = time.Now().UTC()
}

// Snapshot is an immutable copy of a task's externally visible state.
type Snapshot struct {
	ID          string    `json:"id"`
	Goal        string    `json:"goal"`
	Priority    int       `json:"priority"`
	Scope       string    `json:"scope"`
	Backend     string    `json:"backend"`
	Status      Status    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Snapshot copies the task's visible state under its lock.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		ID:          t.ID,
		Goal:        t.Goal,
		Priority:    t.Priority,
		Scope:       t.Scope,
		Backend:     t.Backend,
		Status:      t.status,
		Result:      t.result,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.err != nil {
		snap.Error = t.err.Error()
	}
	return snap
}
