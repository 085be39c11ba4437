package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileCandidates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "unlockd",
		Subsystem: "reconciliation",
		Name:      "candidates",
		Help:      "Pending orders with a recorded payment found in the last run.",
	})

	reconcileOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "unlockd",
		Subsystem: "reconciliation",
		Name:      "outcomes_total",
		Help:      "Reconciliation attempts by outcome.",
	}, []string{"outcome"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "unlockd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unlockd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileCandidates,
		reconcileOutcomes,
		reconcileDuration,
		reconcileErrors,
	)
}
