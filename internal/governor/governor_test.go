package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives NewWithClock for deterministic window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
}

func TestRegister_UnderBudget(t *testing.T) {
	g := New(map[string]int{"backend_x": 3})

	assert.True(t, g.Register("backend_x"))
	assert.True(t, g.Register("backend_x"))
	assert.True(t, g.Register("backend_x"))
	assert.False(t, g.Register("backend_x"), "fourth request exceeds budget")
}

func TestRegister_UnknownBackend(t *testing.T) {
	g := New(map[string]int{"backend_x": 3})

	assert.False(t, g.Register("backend_y"))
	assert.False(t, g.CanRequest("backend_y"))
	assert.False(t, g.WaitForSlot(context.Background(), "backend_y", 10*time.Millisecond))
}

func TestWindow_SlidesAfter60Seconds(t *testing.T) {
	clock := newFakeClock()
	g := NewWithClock(map[string]int{"backend_x": 60}, clock.Now)

	// Scenario B: 60 registrations inside one window exhaust the budget.
	for i := 0; i < 60; i++ {
		require.True(t, g.Register("backend_x"), "registration %d", i)
	}
	assert.False(t, g.CanRequest("backend_x"))
	assert.False(t, g.Register("backend_x"))

	// Until the oldest entry ages out the budget stays exhausted.
	clock.Advance(59 * time.Second)
	assert.False(t, g.CanRequest("backend_x"))

	clock.Advance(2 * time.Second)
	assert.True(t, g.CanRequest("backend_x"), "oldest entries aged out")
	assert.True(t, g.Register("backend_x"))
}

func TestWindow_PartialExpiry(t *testing.T) {
	clock := newFakeClock()
	g := NewWithClock(map[string]int{"b": 2}, clock.Now)

	require.True(t, g.Register("b"))
	clock.Advance(30 * time.Second)
	require.True(t, g.Register("b"))
	assert.False(t, g.CanRequest("b"))

	// First entry expires at t+60s; second survives.
	clock.Advance(31 * time.Second)
	stats := g.Stats()["b"]
	assert.Equal(t, 1, stats.Used)
	assert.Equal(t, 1, stats.Available)
}

func TestRegister_NeverExceedsLimit_Concurrent(t *testing.T) {
	const limit = 25
	g := New(map[string]int{"b": limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Register("b") {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, admitted)
	assert.Equal(t, limit, g.Stats()["b"].Used)
}

func TestWaitForSlot_Timeout(t *testing.T) {
	g := New(map[string]int{"b": 1})
	require.True(t, g.Register("b"))

	start := time.Now()
	got := g.WaitForSlot(context.Background(), "b", 50*time.Millisecond)
	assert.False(t, got)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitForSlot_ImmediateWhenFree(t *testing.T) {
	g := New(map[string]int{"b": 1})
	assert.True(t, g.WaitForSlot(context.Background(), "b", time.Second))
}

func TestWaitForSlot_CancelledContext(t *testing.T) {
	g := New(map[string]int{"b": 1})
	require.True(t, g.Register("b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, g.WaitForSlot(ctx, "b", time.Minute))
}

func TestStats(t *testing.T) {
	g := New(map[string]int{"hosted": 2, "local": 10})
	require.True(t, g.Register("hosted"))

	stats := g.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, BackendStats{Limit: 2, Used: 1, Available: 1}, stats["hosted"])
	assert.Equal(t, BackendStats{Limit: 10, Used: 0, Available: 10}, stats["local"])
}
