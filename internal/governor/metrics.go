// Package governor provides Prometheus metrics for rate-window monitoring.
package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WindowLimit is the configured request budget per backend.
	WindowLimit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "operatord",
			Subsystem: "governor",
			Name:      "window_limit",
			Help:      "Configured request budget per backend over the trailing window",
		},
		[]string{"backend"},
	)

	// WindowUsed is the number of unexpired registrations per backend.
	WindowUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "operatord",
			Subsystem: "governor",
			Name:      "window_used",
			Help:      "Unexpired registered requests per backend in the trailing window",
		},
		[]string{"backend"},
	)

	// RequestsAdmitted counts successful slot registrations.
	RequestsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "operatord",
			Subsystem: "governor",
			Name:      "requests_admitted_total",
			Help:      "Total slot registrations admitted per backend",
		},
		[]string{"backend"},
	)
)
