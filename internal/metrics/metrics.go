// Package metrics exposes prometheus collectors for the queueing and
// invocation layers. It is a write-only side channel; nothing in the
// core reads these values back.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "kestrel_"

var jobsEnqueuedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "jobs_enqueued_total",
		Help: "Number of jobs admitted to the queue",
	},
)

var jobsActivatedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "jobs_activated_total",
		Help: "Number of job activations, including retries",
	},
)

var jobsRetriedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "jobs_retried_total",
		Help: "Number of failed jobs re-queued for retry",
	},
)

var jobsFinishedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "jobs_finished_total",
		Help: "Number of jobs reaching a terminal state",
	},
	[]string{"status"},
)

var queueDepthGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: prefix + "queue_depth",
		Help: "Current number of jobs per non-terminal state",
	},
	[]string{"state"},
)

var llmRetriesCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "llm_retries_total",
		Help: "Number of retried LLM provider attempts",
	},
)

var llmBackoffHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    prefix + "llm_backoff_seconds",
		Help:    "Backoff delay inserted between LLM provider attempts",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	},
)

// JobEnqueued records one queue admission.
func JobEnqueued() {
	jobsEnqueuedCounter.Inc()
}

// JobActivated records one job activation.
func JobActivated() {
	jobsActivatedCounter.Inc()
}

// JobRetried records one failure re-queue.
func JobRetried() {
	jobsRetriedCounter.Inc()
}

// JobFinished records one terminal transition by final status.
func JobFinished(status string) {
	jobsFinishedCounter.WithLabelValues(status).Inc()
}

// ObserveQueueDepth updates the per-state depth gauges.
func ObserveQueueDepth(waiting, active, delayed, paused int) {
	queueDepthGauge.WithLabelValues("waiting").Set(float64(waiting))
	queueDepthGauge.WithLabelValues("active").Set(float64(active))
	queueDepthGauge.WithLabelValues("delayed").Set(float64(delayed))
	queueDepthGauge.WithLabelValues("paused").Set(float64(paused))
}

// LLMRetry records one retried provider attempt and its backoff delay.
func LLMRetry(delay time.Duration) {
	llmRetriesCounter.Inc()
	llmBackoffHist.Observe(delay.Seconds())
}
