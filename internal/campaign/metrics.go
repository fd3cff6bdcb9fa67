package campaign

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecheck_stage_outcomes_total",
			Help: "Stages reaching a terminal status, by role and status",
		},
		[]string{"role", "status"},
	)

	engineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagecheck_engine_duration_seconds",
			Help:    "Engine invocation wall-clock time, by mode and outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"mode", "outcome"},
	)

	enginesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagecheck_engines_running",
			Help: "Engine invocations currently in flight",
		},
	)

	campaignVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagecheck_campaigns_total",
			Help: "Finished campaign runs, by verdict",
		},
		[]string{"verdict"},
	)
)
