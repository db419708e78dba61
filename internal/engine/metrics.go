package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowsync_engine_passes_total",
		Help: "Reconciliation passes that advanced the data version",
	})

	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowsync_engine_actions_total",
		Help: "Actions reconciled by kind",
	}, []string{"kind"})

	conflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowsync_engine_conflicts_total",
		Help: "Keys where a delete raced an edit within one pass",
	})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rowsync_engine_key_failures_total",
		Help: "Per-key failures by reason",
	}, []string{"reason"})

	lockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rowsync_engine_lock_timeouts_total",
		Help: "Passes abandoned because the store lock was not acquired in time",
	})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rowsync_engine_pass_duration_seconds",
		Help:    "Time spent holding the store lock per pass",
		Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us to ~160ms
	})

	storeRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rowsync_store_records",
		Help: "Records currently held by the store",
	})

	storeVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rowsync_store_version",
		Help: "Current data version",
	})
)
