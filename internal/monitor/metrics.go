package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "somnia",
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Batch status ticks by result",
		},
		[]string{"result"},
	)

	discoveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "somnia",
			Subsystem: "monitor",
			Name:      "discoveries_total",
			Help:      "Full-listing discovery sweeps by result",
		},
		[]string{"result"},
	)

	pendingGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "somnia",
			Subsystem: "monitor",
			Name:      "pending",
			Help:      "Dreams currently believed pending",
		},
	)

	intervalSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "somnia",
			Subsystem: "monitor",
			Name:      "interval_seconds",
			Help:      "Wait before the next batch tick",
		},
	)

	completionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "somnia",
			Subsystem: "monitor",
			Name:      "completions_total",
			Help:      "Dreams observed terminal for the first time",
		},
	)

	refreshesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "somnia",
			Subsystem: "monitor",
			Name:      "refreshes_total",
			Help:      "Debounced refreshes run",
		},
	)
)
