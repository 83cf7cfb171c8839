package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queuedGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ckanpackager_pool_queued_tasks",
			Help: "Tasks submitted to a pool but not yet finished running",
		},
		[]string{"pool"},
	)
	processedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ckanpackager_pool_tasks_processed_total",
			Help: "Tasks a pool has finished running",
		},
		[]string{"pool"},
	)
)

// observeQueued publishes the pool's current queue depth under name, the
// label callers pass to New so /metrics can tell the fast pool from the
// slow one.
func observeQueued(name string, n int64) {
	if name == "" {
		return
	}
	queuedGauge.WithLabelValues(name).Set(float64(n))
}

func observeProcessed(name string) {
	if name == "" {
		return
	}
	processedCounter.WithLabelValues(name).Inc()
}
