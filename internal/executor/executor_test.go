package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/operatord/internal/backend"
	"github.com/fyrsmithlabs/operatord/internal/gate"
	"github.com/fyrsmithlabs/operatord/internal/governor"
	"github.com/fyrsmithlabs/operatord/internal/memory"
	"github.com/fyrsmithlabs/operatord/internal/planner"
	"github.com/fyrsmithlabs/operatord/internal/tools"
)

// planScript answers planning prompts by level. The strategic and
// operational answers are scriptable so failure and retry behavior can be
// driven per test.
type planScript struct {
	mu          sync.Mutex
	strategic   string
	operational []string
	opCalls     int
	calls       int
}

func (s *planScript) Name() string { return "stub" }

func (s *planScript) Complete(_ context.Context, req backend.Request) (backend.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	prompt := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.Contains(prompt, "Decompose this goal"):
		return backend.Response{Text: `["sub-goal"]`}, nil
	case strings.Contains(prompt, "strategic plan"):
		if s.strategic != "" {
			return backend.Response{Text: s.strategic}, nil
		}
		return backend.Response{Text: `{"description":"plan","objectives":["objective"]}`}, nil
	case strings.Contains(prompt, "tactical steps"):
		return backend.Response{Text: `{"description":"plan","steps":[{"sub_goal":"do it","description":"do it"}]}`}, nil
	case strings.Contains(prompt, "tool calls"):
		s.mu.Lock()
		defer s.mu.Unlock()
		idx := s.opCalls
		s.opCalls++
		if idx >= len(s.operational) {
			idx = len(s.operational) - 1
		}
		return backend.Response{Text: s.operational[idx]}, nil
	default:
		return backend.Response{}, fmt.Errorf("unexpected prompt: %s", prompt)
	}
}

func (s *planScript) operationalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opCalls
}

func (s *planScript) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type allowAll struct{}

func (allowAll) Approve(context.Context, string) (gate.Decision, error) {
	return gate.Decision{Action: gate.ActionAllow}, nil
}

type blockAll struct{ reason string }

func (b blockAll) Approve(context.Context, string) (gate.Decision, error) {
	return gate.Decision{Action: gate.ActionBlock, Reason: b.reason}, nil
}

type fakeMemory struct {
	mu      sync.Mutex
	entries []string // "kind: content"
}

func (m *fakeMemory) Store(_ context.Context, _, kind, content string, _ map[string]string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, kind+": "+content)
	return fmt.Sprint(len(m.entries)), nil
}

func (m *fakeMemory) Retrieve(context.Context, string, string, string, int) ([]memory.Record, error) {
	return nil, nil
}

func (m *fakeMemory) PurgeScope(context.Context, string) error { return nil }

func (m *fakeMemory) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.entries))
	copy(out, m.entries)
	return out
}

type flagControl struct {
	cancelled atomic.Bool
	paused    atomic.Bool
}

func (c *flagControl) Cancelled() bool { return c.cancelled.Load() }
func (c *flagControl) Paused() bool    { return c.paused.Load() }

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestExecutor(t *testing.T, script *planScript, opts Options) *Executor {
	t.Helper()

	opts.TaskID = "task-1"
	opts.Scope = "task:task-1"
	opts.Planner = planner.New(script, nil)
	if opts.Invoker == nil {
		opts.Invoker = tools.NewRegistry(nil)
	}
	if opts.Approver == nil {
		opts.Approver = allowAll{}
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}

	exec, err := New(opts)
	require.NoError(t, err)
	return exec
}

func TestRunScreenshotGoalSucceeds(t *testing.T) {
	dir := t.TempDir()
	script := &planScript{operational: []string{
		fmt.Sprintf(`{"description":"capture","steps":[{"tool":"screenshot","args":{"dir":%q}}]}`, dir),
	}}
	recorder := &eventRecorder{}

	exec := newTestExecutor(t, script, Options{Observer: recorder})

	result, err := exec.Run(context.Background(), "Take a screenshot")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result, dir))

	// One plan event per planning level, one start and end per step.
	assert.Len(t, recorder.ofType(EventPlan), 3)
	assert.Len(t, recorder.ofType(EventStepStart), 1)
	assert.Len(t, recorder.ofType(EventStepEnd), 1)
}

func TestRunRecordsPhasesToMemory(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"noop","steps":[{"tool":"noop","args":{}}]}`,
	}}
	mem := &fakeMemory{}

	exec := newTestExecutor(t, script, Options{Memory: mem})

	_, err := exec.Run(context.Background(), "do nothing")
	require.NoError(t, err)

	kinds := strings.Join(mem.kinds(), "\n")
	for _, phase := range []string{
		PhaseDecomposing,
		PhaseStrategicPlanning,
		PhaseTacticalPlanning,
		PhaseOperationalPlanning,
		PhaseStepExecuting,
	} {
		assert.Contains(t, kinds, phase)
	}
	assert.Contains(t, kinds, "step_result")
	assert.Contains(t, kinds, "result")
}

func TestRunStepsExecuteInDeclaredOrder(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"three","steps":[
			{"tool":"noop","args":{"note":"first"}},
			{"tool":"noop","args":{"note":"second"}},
			{"tool":"noop","args":{"note":"third"}}
		]}`,
	}}
	recorder := &eventRecorder{}

	exec := newTestExecutor(t, script, Options{Observer: recorder})

	result, err := exec.Run(context.Background(), "ordered goal")
	require.NoError(t, err)
	assert.Equal(t, "noop: first\nnoop: second\nnoop: third", result)

	starts := recorder.ofType(EventStepStart)
	ends := recorder.ofType(EventStepEnd)
	require.Len(t, starts, 3)
	require.Len(t, ends, 3)
	for i := range starts {
		assert.Contains(t, starts[i].Step, fmt.Sprintf("(%d/3)", i+1))
		assert.Contains(t, ends[i].Step, fmt.Sprintf("(%d/3)", i+1))
	}
}

func TestRunRetriesAfterToolNotFound(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"bad","steps":[{"tool":"missing_tool","args":{}}]}`,
		`{"description":"good","steps":[{"tool":"noop","args":{}}]}`,
	}}

	exec := newTestExecutor(t, script, Options{})

	result, err := exec.Run(context.Background(), "flaky goal")
	require.NoError(t, err)
	assert.Equal(t, "noop", result)
	assert.Equal(t, 2, script.operationalCalls())
}

func TestRunFailsAfterRetryExhaustion(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"bad","steps":[{"tool":"missing_tool","args":{}}]}`,
	}}

	exec := newTestExecutor(t, script, Options{MaxRetries: 3})

	_, err := exec.Run(context.Background(), "doomed goal")
	require.Error(t, err)
	assert.Equal(t, 3, script.operationalCalls())

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 3, stepErr.Attempt)
	assert.True(t, errors.Is(err, tools.ErrToolNotFound))
}

func TestRunFailsWhenStrategicPlanEmpty(t *testing.T) {
	script := &planScript{
		strategic:   `{"description":"hollow","objectives":[]}`,
		operational: []string{`{"description":"noop","steps":[{"tool":"noop","args":{}}]}`},
	}

	exec := newTestExecutor(t, script, Options{MaxRetries: 2})

	_, err := exec.Run(context.Background(), "unplannable goal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, planner.ErrEmptyPlan))

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, PhaseStrategicPlanning, stepErr.Phase)
	assert.Equal(t, 2, stepErr.Attempt)

	// No tool calls happen behind an empty strategic plan.
	assert.Equal(t, 0, script.operationalCalls())
}

func TestRunRetriesRegenerateEveryPlanLevel(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"bad","steps":[{"tool":"missing_tool","args":{}}]}`,
		`{"description":"good","steps":[{"tool":"noop","args":{}}]}`,
	}}

	exec := newTestExecutor(t, script, Options{})

	result, err := exec.Run(context.Background(), "replanned goal")
	require.NoError(t, err)
	assert.Equal(t, "noop", result)

	// Decompose once, then per attempt: strategic, tactical, operational.
	assert.Equal(t, 7, script.totalCalls())
}

func TestRunSecurityBlockSkipsRetryBudget(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"blocked","steps":[{"tool":"noop","args":{}}]}`,
	}}

	exec := newTestExecutor(t, script, Options{
		Approver:   blockAll{reason: "pattern matched"},
		MaxRetries: 3,
	})

	_, err := exec.Run(context.Background(), "forbidden goal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSecurityBlocked))
	assert.Contains(t, err.Error(), "pattern matched")
	assert.Equal(t, 1, script.operationalCalls())
}

func TestRunCancelledBetweenSteps(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"noop","steps":[{"tool":"noop","args":{}}]}`,
	}}
	ctrl := &flagControl{}
	ctrl.cancelled.Store(true)

	exec := newTestExecutor(t, script, Options{Control: ctrl})

	_, err := exec.Run(context.Background(), "cancelled goal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestRunCancelledBeforeStartSpendsNothing(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"noop","steps":[{"tool":"noop","args":{}}]}`,
	}}
	ctrl := &flagControl{}
	ctrl.cancelled.Store(true)
	gov := governor.New(map[string]int{"stub": 1})

	exec := newTestExecutor(t, script, Options{
		Control:     ctrl,
		Governor:    gov,
		BackendName: "stub",
	})

	_, err := exec.Run(context.Background(), "dead on arrival")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))

	// Neither a backend call nor a governor slot was spent.
	assert.Equal(t, 0, script.totalCalls())
	assert.True(t, gov.CanRequest("stub"))
	assert.Equal(t, 0, gov.Stats()["stub"].Used)
}

func TestRunResumesAfterPause(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"noop","steps":[{"tool":"noop","args":{}}]}`,
	}}
	ctrl := &flagControl{}
	ctrl.paused.Store(true)

	exec := newTestExecutor(t, script, Options{Control: ctrl})

	time.AfterFunc(300*time.Millisecond, func() { ctrl.paused.Store(false) })

	result, err := exec.Run(context.Background(), "paused goal")
	require.NoError(t, err)
	assert.Equal(t, "noop", result)
}

func TestRunRateLimitTimeout(t *testing.T) {
	script := &planScript{operational: []string{
		`{"description":"noop","steps":[{"tool":"noop","args":{}}]}`,
	}}
	gov := governor.New(map[string]int{"stub": 0})

	exec := newTestExecutor(t, script, Options{
		Governor:    gov,
		BackendName: "stub",
		SlotTimeout: 50 * time.Millisecond,
	})

	_, err := exec.Run(context.Background(), "starved goal")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestRunIdempotentOperationalPlan(t *testing.T) {
	op := `{"description":"noop","steps":[{"tool":"noop","args":{"note":"same"}}]}`

	run := func() string {
		script := &planScript{operational: []string{op}}
		exec := newTestExecutor(t, script, Options{})
		result, err := exec.Run(context.Background(), "repeatable goal")
		require.NoError(t, err)
		return result
	}

	assert.Equal(t, run(), run())
}
