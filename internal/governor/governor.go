// Package governor implements per-backend sliding-window admission control.
//
// Every reasoning backend carries a fixed request budget over a trailing
// 60-second window. All tasks share one Governor; each backend's window is
// guarded by its own lock so contention on one backend never stalls another.
// The governor is advisory only: callers that cannot obtain a slot must
// wait, skip, or fail the current step themselves.
package governor

import (
	"context"
	"sync"
	"time"
)

// Window is the trailing interval over which requests are counted.
const Window = 60 * time.Second

// pollInterval is how often WaitForSlot re-checks for a freed slot.
const pollInterval = time.Second

// BackendStats reports one backend's current window occupancy.
type BackendStats struct {
	Limit     int `json:"limit"`
	Used      int `json:"used"`
	Available int `json:"available"`
}

// window tracks request timestamps for a single backend.
type window struct {
	mu     sync.Mutex
	limit  int
	stamps []time.Time
}

// prune drops entries older than the trailing window. Callers must hold mu.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// Governor is the shared admission controller. Budgets are fixed at
// construction; unknown backends are always denied.
type Governor struct {
	windows map[string]*window
	now     func() time.Time
}

// New creates a Governor with the given per-backend request budgets.
func New(limits map[string]int) *Governor {
	return NewWithClock(limits, time.Now)
}

// NewWithClock is New with an injectable clock, for tests that need to
// slide the window deterministically.
func NewWithClock(limits map[string]int, now func() time.Time) *Governor {
	g := &Governor{windows: make(map[string]*window, len(limits)), now: now}
	for backend, limit := range limits {
		g.windows[backend] = &window{limit: limit}
		WindowLimit.WithLabelValues(backend).Set(float64(limit))
	}
	return g
}

// CanRequest reports whether the backend has a free slot right now.
// Unknown backends always report false.
func (g *Governor) CanRequest(backend string) bool {
	w, ok := g.windows[backend]
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(g.now())
	return len(w.stamps) < w.limit
}

// Register atomically records a request iff the backend is under budget.
// Returns false when at capacity or when the backend is unknown; never
// blocks, never fails.
func (g *Governor) Register(backend string) bool {
	w, ok := g.windows[backend]
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := g.now()
	w.prune(now)
	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, now)
	RequestsAdmitted.WithLabelValues(backend).Inc()
	WindowUsed.WithLabelValues(backend).Set(float64(len(w.stamps)))
	return true
}

// WaitForSlot polls until a slot frees, the timeout elapses, or ctx is
// cancelled. Returns true only when a slot was successfully registered.
func (g *Governor) WaitForSlot(ctx context.Context, backend string, timeout time.Duration) bool {
	if _, ok := g.windows[backend]; !ok {
		return false
	}
	deadline := g.now().Add(timeout)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if g.Register(backend) {
			return true
		}
		if !g.now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Stats returns current occupancy per backend. Each window is recomputed
// under its own lock before being reported.
func (g *Governor) Stats() map[string]BackendStats {
	stats := make(map[string]BackendStats, len(g.windows))
	now := g.now()
	for backend, w := range g.windows {
		w.mu.Lock()
		w.prune(now)
		used := len(w.stamps)
		limit := w.limit
		w.mu.Unlock()
		WindowUsed.WithLabelValues(backend).Set(float64(used))
		stats[backend] = BackendStats{
			Limit:     limit,
			Used:      used,
			Available: limit - used,
		}
	}
	return stats
}
