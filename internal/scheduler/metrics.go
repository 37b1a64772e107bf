package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksByStatus tracks the current task count per lifecycle state.
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "operatord",
		Subsystem: "scheduler",
		Name:      "tasks_by_status",
		Help:      "Current number of tasks per status.",
	}, []string{"status"})

	// TasksStarted counts tasks handed to an executor.
	TasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "operatord",
		Subsystem: "scheduler",
		Name:      "tasks_started_total",
		Help:      "Total number of tasks started.",
	})

	// TasksFinished counts terminal transitions by outcome.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "operatord",
		Subsystem: "scheduler",
		Name:      "tasks_finished_total",
		Help:      "Total number of tasks reaching a terminal status.",
	}, []string{"status"})
)
