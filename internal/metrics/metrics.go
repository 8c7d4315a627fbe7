// Package metrics exposes Prometheus instrumentation for the loop
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle outcomes
const (
	OutcomeCompleted      = "completed"
	OutcomeEngineAbsent   = "engine_absent"
	OutcomeNoProfile      = "no_profile"
	OutcomeDisabled       = "disabled"
	OutcomeNoGlucose      = "no_glucose"
	OutcomeHardLimit      = "hard_limit"
	OutcomeNoAutosensData = "no_autosens_data"
	OutcomeNoIOBData      = "no_iob_data"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aps_cycles_total",
		Help: "Loop decision cycles by outcome",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aps_cycle_duration_seconds",
		Help:    "Wall time of one decision cycle",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	HardLimitEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aps_hard_limit_events_total",
		Help: "Hard limit clamps and gate failures by parameter",
	}, []string{"parameter", "kind"})

	NightModeActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aps_night_mode_active",
		Help: "1 while night safety mode restricts dosing",
	})

	NightModeEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aps_night_mode_evaluations_total",
		Help: "Night mode queries, split by cache hits",
	}, []string{"cached"})
)
