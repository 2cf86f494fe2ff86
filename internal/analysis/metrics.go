package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "somnia",
			Subsystem: "poller",
			Name:      "polls_total",
			Help:      "Per-dream status polls by outcome",
		},
		[]string{"outcome"},
	)

	triggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "somnia",
			Subsystem: "poller",
			Name:      "triggers_total",
			Help:      "Analysis start requests by result",
		},
		[]string{"result"},
	)

	activePollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "somnia",
			Subsystem: "poller",
			Name:      "active",
			Help:      "Per-dream poll loops currently running",
		},
	)
)
