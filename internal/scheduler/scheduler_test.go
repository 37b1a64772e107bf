package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/operatord/internal/backend"
	"github.com/fyrsmithlabs/operatord/internal/config"
	"github.com/fyrsmithlabs/operatord/internal/governor"
	"github.com/fyrsmithlabs/operatord/internal/memory"
	"github.com/fyrsmithlabs/operatord/internal/planner"
	"github.com/fyrsmithlabs/operatord/internal/tools"
)

// stubBackend answers every planning level with a fixed operational plan.
type stubBackend struct {
	operational string
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Complete(_ context.Context, req backend.Request) (backend.Response, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(prompt, "Decompose this goal"):
		return backend.Response{Text: `["sub-goal"]`}, nil
	case strings.Contains(prompt, "strategic plan"):
		return backend.Response{Text: `{"description":"plan","objectives":["objective"]}`}, nil
	case strings.Contains(prompt, "tactical steps"):
		return backend.Response{Text: `{"description":"plan","steps":[{"sub_goal":"do it","description":"do it"}]}`}, nil
	default:
		return backend.Response{Text: s.operational}, nil
	}
}

// countingBackend is a stubBackend that counts goal decompositions, so a
// test can tell a second dispatch apart from the first.
type countingBackend struct {
	stubBackend
	mu         sync.Mutex
	decomposes int
}

func (c *countingBackend) Complete(ctx context.Context, req backend.Request) (backend.Response, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	if strings.Contains(prompt, "Decompose this goal") {
		c.mu.Lock()
		c.decomposes++
		c.mu.Unlock()
	}
	return c.stubBackend.Complete(ctx, req)
}

func (c *countingBackend) decomposeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decomposes
}

// slidingClock ages the governor window without real waiting.
type slidingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *slidingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *slidingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// gatedTool blocks until released, so tests can hold a task in Running.
type gatedTool struct {
	release chan struct{}
}

func (gatedTool) Name() string        { return "gated" }
func (gatedTool) Description() string { return "blocks until released" }

func (g gatedTool) Run(ctx context.Context, _ map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-g.release:
		return "released", nil
	}
}

type fakeMemory struct {
	mu     sync.Mutex
	writes []string
	purged []string
}

func (m *fakeMemory) Store(_ context.Context, scope, kind, content string, _ map[string]string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, scope+"/"+kind+": "+content)
	return fmt.Sprint(len(m.writes)), nil
}

func (m *fakeMemory) Retrieve(context.Context, string, string, string, int) ([]memory.Record, error) {
	return nil, nil
}

func (m *fakeMemory) PurgeScope(_ context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged = append(m.purged, scope)
	return nil
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig, extra ...tools.Tool) (*Scheduler, *fakeMemory) {
	t.Helper()

	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = "stub"
	}
	if cfg.PollInterval.Duration() == 0 {
		cfg.PollInterval = config.Duration(20 * time.Millisecond)
	}
	if cfg.RetryDelay.Duration() == 0 {
		cfg.RetryDelay = config.Duration(10 * time.Millisecond)
	}

	registry := tools.NewRegistry(nil)
	for _, tool := range extra {
		registry.Register(tool)
	}

	mem := &fakeMemory{}
	sched, err := New(Options{
		Config: cfg,
		Planners: map[string]*planner.Planner{
			"stub": planner.New(&stubBackend{
				operational: `{"description":"noop","steps":[{"tool":"noop","args":{}}]}`,
			}, nil),
		},
		Invoker: registry,
		Memory:  mem,
	})
	require.NoError(t, err)
	return sched, mem
}

func runScheduler(t *testing.T, sched *Scheduler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func waitForStatus(t *testing.T, sched *Scheduler, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := sched.Get(id)
		return err == nil && snap.Status == want
	}, 10*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
}

func TestCreateRunsTaskToCompletion(t *testing.T) {
	sched, mem := newTestScheduler(t, config.SchedulerConfig{})
	runScheduler(t, sched)

	id, err := sched.Create(context.Background(), "do nothing", CreateOptions{})
	require.NoError(t, err)

	waitForStatus(t, sched, id, StatusCompleted)

	snap, err := sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "noop", snap.Result)
	assert.Equal(t, "task:"+id, snap.Scope)
	assert.False(t, snap.StartedAt.IsZero())
	assert.False(t, snap.CompletedAt.IsZero())

	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.NotEmpty(t, mem.writes)
}

func TestCreateRejectsEmptyGoal(t *testing.T) {
	sched, _ := newTestScheduler(t, config.SchedulerConfig{})

	_, err := sched.Create(context.Background(), "", CreateOptions{})
	require.Error(t, err)
}

func TestCancelPendingTaskGoesTerminalImmediately(t *testing.T) {
	// No scheduling loop: the task stays pending.
	sched, _ := newTestScheduler(t, config.SchedulerConfig{})

	id, err := sched.Create(context.Background(), "never starts", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, sched.Cancel(context.Background(), id))

	snap, err := sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestCancelRunningTaskIsCooperative(t *testing.T) {
	release := make(chan struct{})
	sched, _ := newTestScheduler(t, config.SchedulerConfig{}, gatedTool{release: release})
	sched.opts.Planners["stub"] = planner.New(&stubBackend{
		operational: `{"description":"gated","steps":[{"tool":"gated","args":{}},{"tool":"noop","args":{}}]}`,
	}, nil)
	runScheduler(t, sched)

	id, err := sched.Create(context.Background(), "long running", CreateOptions{})
	require.NoError(t, err)
	waitForStatus(t, sched, id, StatusRunning)

	require.NoError(t, sched.Cancel(context.Background(), id))

	// Still running: the in-flight step is never interrupted.
	snap, err := sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)

	close(release)
	waitForStatus(t, sched, id, StatusCancelled)
}

func TestPauseAndResume(t *testing.T) {
	release := make(chan struct{})
	sched, _ := newTestScheduler(t, config.SchedulerConfig{}, gatedTool{release: release})
	sched.opts.Planners["stub"] = planner.New(&stubBackend{
		operational: `{"description":"gated","steps":[{"tool":"gated","args":{}},{"tool":"noop","args":{}}]}`,
	}, nil)
	runScheduler(t, sched)

	id, err := sched.Create(context.Background(), "pausable", CreateOptions{})
	require.NoError(t, err)
	waitForStatus(t, sched, id, StatusRunning)

	require.NoError(t, sched.Pause(context.Background(), id))
	assert.Error(t, sched.Pause(context.Background(), id)) // already paused

	close(release)
	// Parked between steps; never completes while paused.
	time.Sleep(200 * time.Millisecond)
	snap, err := sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, snap.Status)

	require.NoError(t, sched.Resume(context.Background(), id))
	waitForStatus(t, sched, id, StatusCompleted)
}

func TestPauseInvalidFromPending(t *testing.T) {
	sched, _ := newTestScheduler(t, config.SchedulerConfig{})

	id, err := sched.Create(context.Background(), "queued", CreateOptions{})
	require.NoError(t, err)

	err = sched.Pause(context.Background(), id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestOperationsOnUnknownTask(t *testing.T) {
	sched, _ := newTestScheduler(t, config.SchedulerConfig{})

	_, err := sched.Get("nope")
	assert.True(t, errors.Is(err, ErrTaskNotFound))
	assert.True(t, errors.Is(sched.Pause(context.Background(), "nope"), ErrTaskNotFound))
	assert.True(t, errors.Is(sched.Cancel(context.Background(), "nope"), ErrTaskNotFound))
}

func TestBoundedPoolHoldsSecondTaskPending(t *testing.T) {
	release := make(chan struct{})
	sched, _ := newTestScheduler(t, config.SchedulerConfig{MaxConcurrent: 1}, gatedTool{release: release})
	sched.opts.Planners["stub"] = planner.New(&stubBackend{
		operational: `{"description":"gated","steps":[{"tool":"gated","args":{}}]}`,
	}, nil)
	runScheduler(t, sched)

	first, err := sched.Create(context.Background(), "first", CreateOptions{})
	require.NoError(t, err)
	waitForStatus(t, sched, first, StatusRunning)

	second, err := sched.Create(context.Background(), "second", CreateOptions{})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	snap, err := sched.Get(second)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)

	stats := sched.Statistics()
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Tasks[StatusPending])

	close(release)
	waitForStatus(t, sched, first, StatusCompleted)
	waitForStatus(t, sched, second, StatusCompleted)
}

func TestCreateRoutesByIntent(t *testing.T) {
	sched, _ := newTestScheduler(t, config.SchedulerConfig{
		Routes: map[string]string{string(planner.IntentFileSystem): "fs-backend"},
	})
	sched.opts.Planners["fs-backend"] = sched.opts.Planners["stub"]
	sched.opts.Classifier = planner.KeywordClassifier{}

	id, err := sched.Create(context.Background(), "rename the report file", CreateOptions{})
	require.NoError(t, err)
	snap, err := sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "fs-backend", snap.Backend)

	// An explicit backend always wins over the route.
	id, err = sched.Create(context.Background(), "rename the report file", CreateOptions{Backend: "stub"})
	require.NoError(t, err)
	snap, err = sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "stub", snap.Backend)

	// Routes naming an unknown backend fall back to the default.
	sched.opts.Config.Routes[string(planner.IntentBrowser)] = "missing"
	id, err = sched.Create(context.Background(), "open the website", CreateOptions{})
	require.NoError(t, err)
	snap, err = sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "stub", snap.Backend)
}

func TestRateLimitedTaskRequeuesAndRedispatches(t *testing.T) {
	clock := &slidingClock{now: time.Now()}
	be := &countingBackend{stubBackend: stubBackend{
		operational: `{"description":"noop","steps":[{"tool":"noop","args":{}}]}`,
	}}
	sched, _ := newTestScheduler(t, config.SchedulerConfig{
		SlotTimeout: config.Duration(50 * time.Millisecond),
	})
	sched.opts.Planners["stub"] = planner.New(be, nil)
	// One slot per window: decomposition takes it, so the strategic call
	// starves until the window slides.
	sched.opts.Governor = governor.NewWithClock(map[string]int{"stub": 1}, clock.Now)
	runScheduler(t, sched)

	id, err := sched.Create(context.Background(), "rate limited", CreateOptions{})
	require.NoError(t, err)

	// The slot timeout expires only as the clock moves; keep nudging it
	// until the executor gives up and the task returns to the queue.
	require.Eventually(t, func() bool {
		clock.Advance(200 * time.Millisecond)
		snap, err := sched.Get(id)
		return err == nil && snap.Status == StatusPending && be.decomposeCalls() == 1
	}, 10*time.Second, 10*time.Millisecond, "task never requeued")

	// Held pending while the window stays saturated.
	time.Sleep(100 * time.Millisecond)
	snap, err := sched.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, 1, be.decomposeCalls())

	// Sliding the window past the admitted request frees the slot; the
	// scheduler must pick the task up again on its own.
	clock.Advance(2 * governor.Window)
	require.Eventually(t, func() bool {
		return be.decomposeCalls() >= 2
	}, 10*time.Second, 10*time.Millisecond, "task never redispatched")
}

func TestStatisticsIncludesGovernor(t *testing.T) {
	sched, _ := newTestScheduler(t, config.SchedulerConfig{})
	sched.opts.Governor = governor.New(map[string]int{"stub": 10})

	stats := sched.Statistics()
	require.Contains(t, stats.Backends, "stub")
	assert.Equal(t, 10, stats.Backends["stub"].Limit)
}

func TestPruneRemovesTerminalTaskAndPurgesScope(t *testing.T) {
	sched, mem := newTestScheduler(t, config.SchedulerConfig{})
	runScheduler(t, sched)

	id, err := sched.Create(context.Background(), "prunable", CreateOptions{})
	require.NoError(t, err)
	waitForStatus(t, sched, id, StatusCompleted)

	require.NoError(t, sched.Prune(context.Background(), id))

	_, err = sched.Get(id)
	assert.True(t, errors.Is(err, ErrTaskNotFound))

	mem.mu.Lock()
	defer mem.mu.Unlock()
	assert.Contains(t, mem.purged, "task:"+id)
}

func TestPruneRejectsLiveTask(t *testing.T) {
	sched, _ := newTestScheduler(t, config.SchedulerConfig{})

	id, err := sched.Create(context.Background(), "live", CreateOptions{})
	require.NoError(t, err)

	err = sched.Prune(context.Background(), id)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestLifecycleEventsPublishedToNATS(t *testing.T) {
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	events := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(SubjectPrefix+".>", events)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	sched, _ := newTestScheduler(t, config.SchedulerConfig{})
	sched.opts.Events = NewEventPublisher(nc)
	runScheduler(t, sched)

	id, err := sched.Create(context.Background(), "observed", CreateOptions{})
	require.NoError(t, err)
	waitForStatus(t, sched, id, StatusCompleted)

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for !(seen["created"] && seen["started"] && seen["completed"]) {
		select {
		case msg := <-events:
			parts := strings.Split(msg.Subject, ".")
			require.Len(t, parts, 3)
			assert.Equal(t, id, parts[1])
			seen[parts[2]] = true
		case <-deadline:
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
}
