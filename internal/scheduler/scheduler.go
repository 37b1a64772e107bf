// Package scheduler owns the bounded pool of concurrently running tasks.
//
// A single scheduling loop polls the pending queue; it starts a candidate
// only when the pool has a free worker and the task's backend has a free
// rate-limit slot, and it never performs blocking plan work itself. Each
// started task gets its own executor, worker goroutine, and isolated
// memory scope. Cancellation is cooperative: the executor polls the
// task's flag between steps.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/executor"
	"github.com/fyrsmithlabs/operatord/internal/gate"
	"github.com/fyrsmithlabs/operatord/internal/governor"
	"github.com/fyrsmithlabs/operatord/internal/logging"
	"github.com/fyrsmithlabs/operatord/internal/memory"
	"github.com/fyrsmithlabs/operatord/internal/planner"
	"github.com/fyrsmithlabs/operatord/internal/tools"
)

const defaultPollInterval = 500 * time.Millisecond

// Options bundles the scheduler's collaborators.
type Options struct {
	Config     config.SchedulerConfig
	Planners   map[string]*planner.Planner
	Invoker    tools.Invoker
	Approver   gate.Approver
	Governor   *governor.Governor
	Memory     memory.Gateway
	Events     *EventPublisher
	Observer   executor.Observer
	Classifier planner.Classifier
	Logger     *logging.Logger
}

// CreateOptions tunes one task at submission.
type CreateOptions struct {
	Priority int
	Backend  string
}

// Statistics is the scheduler-wide status report.
type Statistics struct {
	Tasks    map[Status]int                   `json:"tasks"`
	Running  int                              `json:"running"`
	Capacity int                              `json:"capacity"`
	Backends map[string]governor.BackendStats `json:"backends"`
}

// Scheduler coordinates task lifecycle and worker capacity.
type Scheduler struct {
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	tasks   map[string]*Task
	running int

	wakeCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if len(opts.Planners) == 0 {
		return nil, errors.New("scheduler requires at least one planner")
	}
	if opts.Invoker == nil {
		return nil, errors.New("scheduler requires a tool invoker")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Config.MaxConcurrent <= 0 {
		opts.Config.MaxConcurrent = 4
	}
	if opts.Config.DefaultBackend == "" {
		opts.Config.DefaultBackend = "local"
	}
	return &Scheduler{
		opts:   opts,
		logger: opts.Logger.Named("scheduler"),
		tasks:  make(map[string]*Task),
		wakeCh: make(chan struct{}, 1),
	}, nil
}

// Run drives the scheduling loop until ctx is cancelled, then waits for
// in-flight workers to observe cancellation and finish.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.opts.Config.PollInterval.Duration()
	if interval <= 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info(ctx, "scheduler started",
		zap.Int("max_concurrent", s.opts.Config.MaxConcurrent),
		zap.Duration("poll_interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "scheduler stopping")
			s.wg.Wait()
			return nil
		case <-s.wakeCh:
		case <-ticker.C:
		}
		s.dispatch(ctx)
	}
}

// wake nudges the loop without waiting for the next tick.
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// dispatch starts every pending task that fits the pool and has a free
// rate-limit slot. Candidates that do not fit stay pending.
func (s *Scheduler) dispatch(ctx context.Context) {
	for _, task := range s.pendingByPriority() {
		s.mu.Lock()
		if s.running >= s.opts.Config.MaxConcurrent {
			s.mu.Unlock()
			return
		}
		if s.opts.Governor != nil && !s.opts.Governor.CanRequest(task.Backend) {
			s.mu.Unlock()
			continue
		}
		if err := task.start(); err != nil {
			// Cancelled while queued.
			s.mu.Unlock()
			continue
		}
		s.running++
		s.mu.Unlock()

		s.launch(ctx, task)
	}
}

// pendingByPriority snapshots the pending queue ordered by priority, then
// submission time.
func (s *Scheduler) pendingByPriority() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*Task
	for _, t := range s.tasks {
		if t.Status() == StatusPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending
}

// launch binds an executor to the task and runs it on its own worker.
func (s *Scheduler) launch(ctx context.Context, task *Task) {
	s.publish(ctx, task, "started")
	TasksStarted.Inc()

	plnr, ok := s.opts.Planners[task.Backend]
	if !ok {
		plnr = s.opts.Planners[s.opts.Config.DefaultBackend]
	}

	exec, err := executor.New(executor.Options{
		TaskID:      task.ID,
		Scope:       task.Scope,
		BackendName: task.Backend,
		Planner:     plnr,
		Invoker:     s.opts.Invoker,
		Approver:    s.opts.Approver,
		Governor:    s.opts.Governor,
		Memory:      s.opts.Memory,
		Control:     task,
		Observer:    s.opts.Observer,
		Logger:      s.opts.Logger,
		MaxRetries:  s.opts.Config.MaxRetries,
		RetryDelay:  s.opts.Config.RetryDelay.Duration(),
		SlotTimeout: s.opts.Config.SlotTimeout.Duration(),
	})
	if err != nil {
		s.reap(ctx, task, StatusFailed, "", err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, runErr := exec.Run(ctx, task.Goal)

		switch {
		case runErr == nil:
			s.reap(ctx, task, StatusCompleted, result, nil)
		case errors.Is(runErr, executor.ErrCancelled):
			s.reap(ctx, task, StatusCancelled, "", runErr)
		case errors.Is(runErr, executor.ErrRateLimited):
			s.requeue(ctx, task)
		default:
			s.reap(ctx, task, StatusFailed, "", runErr)
		}
	}()
}

// reap records a terminal status and frees the worker slot.
func (s *Scheduler) reap(ctx context.Context, task *Task, status Status, result string, err error) {
	task.finish(status, result, err)

	s.mu.Lock()
	s.running--
	s.mu.Unlock()

	s.publish(ctx, task, string(status))
	TasksFinished.WithLabelValues(string(status)).Inc()
	if err != nil {
		s.logger.Warn(ctx, "task finished with error",
			zap.String("task.id", task.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	} else {
		s.logger.Info(ctx, "task finished",
			zap.String("task.id", task.ID),
			zap.String("status", string(status)),
		)
	}
	s.wake()
}

// requeue returns a rate-limited task to the pending queue.
func (s *Scheduler) requeue(ctx context.Context, task *Task) {
	task.requeue()

	s.mu.Lock()
	s.running--
	s.mu.Unlock()

	s.publish(ctx, task, "requeued")
	s.logger.Info(ctx, "task requeued after rate-limit timeout",
		zap.String("task.id", task.ID),
		zap.String("backend", task.Backend),
	)
}

// Create submits a goal and returns the new task id.
func (s *Scheduler) Create(ctx context.Context, goal string, opts CreateOptions) (string, error) {
	if goal == "" {
		return "", errors.New("goal must not be empty")
	}
	backendName := opts.Backend
	if backendName == "" {
		backendName = s.route(goal)
	}

	task := NewTask(goal, opts.Priority, backendName)

	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	s.publish(ctx, task, "created")
	s.logger.Info(ctx, "task created",
		zap.String("task.id", task.ID),
		zap.String("backend", backendName),
		zap.Int("priority", opts.Priority),
	)
	s.wake()
	return task.ID, nil
}

// route picks a backend for a goal that did not name one: classify the
// intent, follow the configured route for it, fall back to the default.
func (s *Scheduler) route(goal string) string {
	if s.opts.Classifier != nil {
		intent := s.opts.Classifier.Classify(goal)
		if backend, ok := s.opts.Config.Routes[string(intent)]; ok {
			if _, known := s.opts.Planners[backend]; known {
				return backend
			}
		}
	}
	return s.opts.Config.DefaultBackend
}

// Pause suspends a running task. Its executor parks between steps.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	task, err := s.task(id)
	if err != nil {
		return err
	}
	if err := task.pause(); err != nil {
		return err
	}
	s.publish(ctx, task, "paused")
	return nil
}

// Resume unparks a paused task.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	task, err := s.task(id)
	if err != nil {
		return err
	}
	if err := task.resume(); err != nil {
		return err
	}
	s.publish(ctx, task, "resumed")
	return nil
}

// Cancel requests cooperative cancellation. Pending tasks cancel
// immediately; running and paused tasks stop between steps.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	task, err := s.task(id)
	if err != nil {
		return err
	}
	terminal, err := task.cancel()
	if err != nil {
		return err
	}
	if terminal {
		s.publish(ctx, task, string(StatusCancelled))
		TasksFinished.WithLabelValues(string(StatusCancelled)).Inc()
	} else {
		s.publish(ctx, task, "cancelling")
	}
	return nil
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(id string) (Snapshot, error) {
	task, err := s.task(id)
	if err != nil {
		return Snapshot{}, err
	}
	return task.Snapshot(), nil
}

// List returns snapshots of all tasks, newest first.
func (s *Scheduler) List() []Snapshot {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	snaps := make([]Snapshot, len(tasks))
	for i, t := range tasks {
		snaps[i] = t.Snapshot()
	}
	return snaps
}

// Statistics reports status counts plus governor occupancy.
func (s *Scheduler) Statistics() Statistics {
	stats := Statistics{
		Tasks:    make(map[Status]int),
		Capacity: s.opts.Config.MaxConcurrent,
	}

	s.mu.Lock()
	for _, t := range s.tasks {
		stats.Tasks[t.Status()]++
	}
	stats.Running = s.running
	s.mu.Unlock()

	if s.opts.Governor != nil {
		stats.Backends = s.opts.Governor.Stats()
	}
	for status, n := range stats.Tasks {
		TasksByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	return stats
}

// Prune removes a terminal task and purges its memory scope.
func (s *Scheduler) Prune(ctx context.Context, id string) error {
	task, err := s.task(id)
	if err != nil {
		return err
	}
	if !task.Status().Terminal() {
		return ErrInvalidTransition
	}

	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()

	if s.opts.Memory != nil {
		if err := s.opts.Memory.PurgeScope(ctx, task.Scope); err != nil {
			s.logger.Warn(ctx, "purging task scope failed",
				zap.String("task.id", id),
				zap.Error(err),
			)
		}
	}
	s.publish(ctx, task, "pruned")
	return nil
}

func (s *Scheduler) task(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// publish emits a lifecycle event to NATS and mirrors it to memory for
// audit. Both writes are best-effort.
func (s *Scheduler) publish(ctx context.Context, task *Task, event string) {
	if s.opts.Events != nil {
		if err := s.opts.Events.Publish(task.ID, event, task.Snapshot()); err != nil {
			s.logger.Warn(ctx, "publishing lifecycle event failed",
				zap.String("task.id", task.ID),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
	if s.opts.Memory != nil {
		if _, err := s.opts.Memory.Store(ctx, task.Scope, "lifecycle", event, nil, 0); err != nil {
			s.logger.Warn(ctx, "recording lifecycle event failed",
				zap.String("task.id", task.ID),
				zap.Error(err),
			)
		}
	}
}
