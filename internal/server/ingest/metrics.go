package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters and timings, registered on the default registry and
// served from /metrics.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "ingest",
		Name:      "batches_total",
		Help:      "Log batches by terminal disposition.",
	}, []string{"disposition"}) // completed, failed, replayed, rejected

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Parsed line outcomes.",
	}, []string{"outcome"}) // created, duplicate, dropped, failed

	blocksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "guardian",
		Subsystem: "blocking",
		Name:      "blocks_emitted_total",
		Help:      "Blocks emitted by the decision engine.",
	})

	scoreHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardian",
		Subsystem: "scoring",
		Name:      "composite_score",
		Help:      "Distribution of composite risk scores.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	batchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardian",
		Subsystem: "ingest",
		Name:      "batch_seconds",
		Help:      "End-to-end batch processing time.",
		Buckets:   prometheus.DefBuckets,
	})
)
