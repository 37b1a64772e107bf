package monitor

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/operatord/internal/governor"
	"github.com/fyrsmithlabs/operatord/internal/scheduler"
)

func TestNewModelDefaults(t *testing.T) {
	m := NewModel("http://localhost:8710", time.Second)

	assert.Equal(t, "http://localhost:8710", m.baseURL)
	assert.Equal(t, time.Second, m.interval)
	assert.Empty(t, m.runningHistory)
	assert.False(t, m.quitting)
}

func TestUpdateQuitKeys(t *testing.T) {
	m := NewModel("http://localhost:8710", time.Second)

	for _, key := range []string{"q", "ctrl+c"} {
		model, cmd := m.Update(keyMsg(key))
		updated := model.(Model)
		assert.True(t, updated.quitting, "key %q", key)
		require.NotNil(t, cmd)
	}
}

func TestUpdateSnapshotRefreshesState(t *testing.T) {
	m := NewModel("http://localhost:8710", time.Second)

	snap := snapshot{
		Stats: scheduler.Statistics{
			Running:  2,
			Capacity: 4,
			Tasks:    map[scheduler.Status]int{scheduler.StatusRunning: 2},
			Backends: map[string]governor.BackendStats{
				"local": {Limit: 600, Used: 3, Available: 597},
			},
		},
		Tasks: []scheduler.Snapshot{
			{ID: "0123456789abcdef", Status: scheduler.StatusRunning, Goal: "take a screenshot"},
		},
	}

	model, _ := m.Update(snapshotMsg(snap))
	updated := model.(Model)

	assert.Nil(t, updated.err)
	assert.Len(t, updated.runningHistory, 1)
	assert.Equal(t, 2.0, updated.runningHistory[0])
	assert.False(t, updated.lastUpdate.IsZero())

	view := updated.View()
	assert.Contains(t, view, "operatord Monitor")
	assert.Contains(t, view, "2/4")
	assert.Contains(t, view, "local")
	assert.Contains(t, view, "01234567")
}

func TestUpdateErrorRendersErrorView(t *testing.T) {
	m := NewModel("http://localhost:8710", time.Second)

	model, _ := m.Update(errMsg(assert.AnError))
	updated := model.(Model)

	view := updated.View()
	assert.Contains(t, view, "Cannot reach operatord")
	assert.Contains(t, view, "http://localhost:8710")
}

func TestHistoryIsBounded(t *testing.T) {
	history := make([]float64, 0, historySize)
	for i := 0; i < historySize*2; i++ {
		history = appendToHistory(history, float64(i))
	}
	assert.Len(t, history, historySize)
	assert.Equal(t, float64(historySize), history[0])
}

func TestTaskRowsTruncation(t *testing.T) {
	rows := taskRows([]scheduler.Snapshot{{
		ID:     "0123456789abcdef",
		Status: scheduler.StatusPending,
		Goal:   strings.Repeat("x", 60),
	}})

	require.Len(t, rows, 1)
	assert.Equal(t, "01234567", rows[0][0])
	assert.True(t, strings.HasSuffix(rows[0][4], "..."))
	assert.LessOrEqual(t, len(rows[0][4]), 40)
}

func keyMsg(key string) tea.KeyMsg {
	if key == "ctrl+c" {
		return tea.KeyMsg{Type: tea.KeyCtrlC}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
}
