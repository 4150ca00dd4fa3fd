package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lg_checks_total",
			Help: "Rate limit checks by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	DenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lg_denials_total",
			Help: "Denied checks by category and reason",
		},
		[]string{"category", "reason"},
	)

	CheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lg_check_duration_seconds",
			Help:    "Time spent in checkLimit",
			Buckets: []float64{.000001, .00001, .0001, .001, .01},
		},
	)

	StoreFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lg_store_failures_total",
			Help: "Counter store failures by category and applied fail mode",
		},
		[]string{"category", "mode"},
	)

	SweepEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lg_sweep_evictions_total",
			Help: "Entries evicted by the sweep task",
		},
		[]string{"target"},
	)

	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lg_classifications_total",
			Help: "Payload classifications by threat class",
		},
		[]string{"class"},
	)

	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lg_incidents_total",
			Help: "Incidents opened by severity",
		},
		[]string{"severity"},
	)

	ThreatEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lg_threat_entries",
			Help: "Tracked threat ledger entries",
		},
	)

	AttackActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lg_coordinated_attack_active",
			Help: "1 while a coordinated attack is detected",
		},
	)
)
