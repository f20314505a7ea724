// Package metrics exposes the Prometheus counters and histograms backing
// the operational analogues of §8's testable properties: lock contention,
// bookmark/aggregation behavior, batch progress, and publish/service/
// extractor timing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PublishRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexio_publish_requests_total",
			Help: "Total publish_interaction requests accepted, by source.",
		},
		[]string{"source"},
	)

	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "reflexio_publish_duration_seconds",
			Help: "End-to-end publish() duration, including the fan-out to all services.",
		},
	)

	ServiceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexio_service_runs_total",
			Help: "Service task runs, by service and outcome (ok|error|panic|timeout).",
		},
		[]string{"service", "outcome"},
	)

	ServiceRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "reflexio_service_run_duration_seconds",
			Help: "Per-service task duration within publish's fan-out.",
		},
		[]string{"service"},
	)

	ExtractorRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexio_extractor_runs_total",
			Help: "Extractor runs, by service, extractor name, and outcome.",
		},
		[]string{"service", "extractor", "outcome"},
	)

	ExtractorRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "reflexio_extractor_run_duration_seconds",
			Help: "Per-extractor extraction duration.",
		},
		[]string{"service", "extractor"},
	)

	LockQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexio_lock_queued_total",
			Help: "Lock acquisitions that returned QUEUED instead of ACQUIRED, by service.",
		},
		[]string{"service"},
	)

	LockStaleTakeoverTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexio_lock_stale_takeover_total",
			Help: "Lock acquisitions that overwrote a stale lock, by service.",
		},
		[]string{"service"},
	)

	AggregationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexio_aggregation_runs_total",
			Help: "run_aggregation invocations, by outcome.",
		},
		[]string{"outcome"},
	)

	// AggregationLLMCallsAvoidedTotal backs §8 property 7: it should equal
	// the number of carried-forward clusters across every run_aggregation
	// call, i.e. the LLM calls a naive re-aggregation would have made but
	// this run didn't.
	AggregationLLMCallsAvoidedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reflexio_aggregation_llm_calls_avoided_total",
			Help: "Clusters carried forward without an LLM call because their fingerprint was unchanged.",
		},
	)

	EvaluationSampledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexio_evaluation_sampled_total",
			Help: "Evaluation sampling decisions, by evaluation_name and included|excluded.",
		},
		[]string{"evaluation_name", "decision"},
	)

	BatchOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reflexio_batch_operations_total",
			Help: "Batch operations whose runner returned, by service and outcome (ok|error).",
		},
		[]string{"service", "status"},
	)

	BatchCancellationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "reflexio_batch_cancellation_latency_seconds",
			Help: "Time between a cancellation request and the batch loop observing it.",
		},
		[]string{"service"},
	)

	ConcurrentPublishesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reflexio_concurrent_publishes_running",
			Help: "Number of publish() calls currently in flight.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PublishRequestsTotal,
		PublishDuration,
		ServiceRunsTotal,
		ServiceRunDuration,
		ExtractorRunsTotal,
		ExtractorRunDuration,
		LockQueuedTotal,
		LockStaleTakeoverTotal,
		AggregationRunsTotal,
		AggregationLLMCallsAvoidedTotal,
		EvaluationSampledTotal,
		BatchOperationsTotal,
		BatchCancellationLatency,
		ConcurrentPublishesRunning,
	)
}

func RecordPublish(source string, d time.Duration) {
	PublishRequestsTotal.WithLabelValues(source).Inc()
	PublishDuration.Observe(d.Seconds())
}

func RecordServiceRun(service, outcome string, d time.Duration) {
	ServiceRunsTotal.WithLabelValues(service, outcome).Inc()
	ServiceRunDuration.WithLabelValues(service).Observe(d.Seconds())
}

func RecordExtractorRun(service, extractor, outcome string, d time.Duration) {
	ExtractorRunsTotal.WithLabelValues(service, extractor, outcome).Inc()
	ExtractorRunDuration.WithLabelValues(service, extractor).Observe(d.Seconds())
}

func RecordLockQueued(service string) {
	LockQueuedTotal.WithLabelValues(service).Inc()
}

func RecordLockStaleTakeover(service string) {
	LockStaleTakeoverTotal.WithLabelValues(service).Inc()
}

func RecordAggregationRun(outcome string) {
	AggregationRunsTotal.WithLabelValues(outcome).Inc()
}

func RecordAggregationCarriedForward(n int) {
	AggregationLLMCallsAvoidedTotal.Add(float64(n))
}

func RecordEvaluationSampled(evaluationName string, included bool) {
	decision := "excluded"
	if included {
		decision = "included"
	}
	EvaluationSampledTotal.WithLabelValues(evaluationName, decision).Inc()
}

func RecordBatchOperation(service, status string) {
	BatchOperationsTotal.WithLabelValues(service, status).Inc()
}

func RecordBatchCancellationLatency(service string, d time.Duration) {
	BatchCancellationLatency.WithLabelValues(service).Observe(d.Seconds())
}

func IncrementConcurrentPublishes() { ConcurrentPublishesRunning.Inc() }
func DecrementConcurrentPublishes() { ConcurrentPublishesRunning.Dec() }

// Timer measures an in-flight operation's duration.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Elapsed() time.Duration { return time.Since(t.start) }

func (t *Timer) RecordServiceRun(service, outcome string) {
	RecordServiceRun(service, outcome, t.Elapsed())
}

func (t *Timer) RecordExtractorRun(service, extractor, outcome string) {
	RecordExtractorRun(service, extractor, outcome, t.Elapsed())
}
