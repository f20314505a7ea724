package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/reflexio/reflexio/pkg/metrics"
)

func TestRecordPublish(t *testing.T) {
	before := testutil.ToFloat64(metrics.PublishRequestsTotal.WithLabelValues("web"))
	metrics.RecordPublish("web", 50*time.Millisecond)
	after := testutil.ToFloat64(metrics.PublishRequestsTotal.WithLabelValues("web"))
	assert.Equal(t, before+1, after)
}

func TestRecordServiceRun(t *testing.T) {
	before := testutil.ToFloat64(metrics.ServiceRunsTotal.WithLabelValues("profile", "ok"))
	metrics.RecordServiceRun("profile", "ok", 10*time.Millisecond)
	after := testutil.ToFloat64(metrics.ServiceRunsTotal.WithLabelValues("profile", "ok"))
	assert.Equal(t, before+1, after)
}

func TestRecordExtractorRun(t *testing.T) {
	before := testutil.ToFloat64(metrics.ExtractorRunsTotal.WithLabelValues("feedback", "slack", "ok"))
	metrics.RecordExtractorRun("feedback", "slack", "ok", time.Second)
	after := testutil.ToFloat64(metrics.ExtractorRunsTotal.WithLabelValues("feedback", "slack", "ok"))
	assert.Equal(t, before+1, after)
}

func TestRecordLockQueuedAndStaleTakeover(t *testing.T) {
	beforeQ := testutil.ToFloat64(metrics.LockQueuedTotal.WithLabelValues("profile"))
	metrics.RecordLockQueued("profile")
	assert.Equal(t, beforeQ+1, testutil.ToFloat64(metrics.LockQueuedTotal.WithLabelValues("profile")))

	beforeS := testutil.ToFloat64(metrics.LockStaleTakeoverTotal.WithLabelValues("profile"))
	metrics.RecordLockStaleTakeover("profile")
	assert.Equal(t, beforeS+1, testutil.ToFloat64(metrics.LockStaleTakeoverTotal.WithLabelValues("profile")))
}

func TestRecordAggregationRunAndCarriedForward(t *testing.T) {
	before := testutil.ToFloat64(metrics.AggregationRunsTotal.WithLabelValues("ok"))
	metrics.RecordAggregationRun("ok")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AggregationRunsTotal.WithLabelValues("ok")))

	beforeAvoided := testutil.ToFloat64(metrics.AggregationLLMCallsAvoidedTotal)
	metrics.RecordAggregationCarriedForward(3)
	assert.Equal(t, beforeAvoided+3, testutil.ToFloat64(metrics.AggregationLLMCallsAvoidedTotal))
}

func TestRecordEvaluationSampled(t *testing.T) {
	beforeIn := testutil.ToFloat64(metrics.EvaluationSampledTotal.WithLabelValues("helpfulness", "included"))
	metrics.RecordEvaluationSampled("helpfulness", true)
	assert.Equal(t, beforeIn+1, testutil.ToFloat64(metrics.EvaluationSampledTotal.WithLabelValues("helpfulness", "included")))

	beforeOut := testutil.ToFloat64(metrics.EvaluationSampledTotal.WithLabelValues("helpfulness", "excluded"))
	metrics.RecordEvaluationSampled("helpfulness", false)
	assert.Equal(t, beforeOut+1, testutil.ToFloat64(metrics.EvaluationSampledTotal.WithLabelValues("helpfulness", "excluded")))
}

func TestRecordBatchOperation(t *testing.T) {
	before := testutil.ToFloat64(metrics.BatchOperationsTotal.WithLabelValues("profile-upgrade", "COMPLETED"))
	metrics.RecordBatchOperation("profile-upgrade", "COMPLETED")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.BatchOperationsTotal.WithLabelValues("profile-upgrade", "COMPLETED")))
}

func TestConcurrentPublishesGauge(t *testing.T) {
	before := testutil.ToFloat64(metrics.ConcurrentPublishesRunning)
	metrics.IncrementConcurrentPublishes()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ConcurrentPublishesRunning))
	metrics.DecrementConcurrentPublishes()
	assert.Equal(t, before, testutil.ToFloat64(metrics.ConcurrentPublishesRunning))
}

func TestTimerElapsed(t *testing.T) {
	timer := metrics.NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.True(t, timer.Elapsed() >= 5*time.Millisecond)

	before := testutil.ToFloat64(metrics.ServiceRunsTotal.WithLabelValues("evaluation", "ok"))
	timer.RecordServiceRun("evaluation", "ok")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ServiceRunsTotal.WithLabelValues("evaluation", "ok")))

	beforeExt := testutil.ToFloat64(metrics.ExtractorRunsTotal.WithLabelValues("profile", "github", "ok"))
	timer.RecordExtractorRun("profile", "github", "ok")
	assert.Equal(t, beforeExt+1, testutil.ToFloat64(metrics.ExtractorRunsTotal.WithLabelValues("profile", "github", "ok")))
}
