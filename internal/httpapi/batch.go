package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/generation"
	"github.com/reflexio/reflexio/pkg/metrics"
	"github.com/reflexio/reflexio/pkg/types"
	"github.com/reflexio/reflexio/pkg/versioning"
)

type batchRequest struct {
	Source       string `json:"source,omitempty"`
	AgentVersion string `json:"agent_version,omitempty"`
	Rerun        bool   `json:"rerun,omitempty"`
	StopOnError  bool   `json:"stop_on_error,omitempty"`
}

type batchResponse struct {
	OperationID string `json:"operation_id"`
}

// runBatch launches fn in its own goroutine and returns an operation_id
// immediately (§6: batch endpoints respond before the sweep finishes;
// progress is polled separately through GET /get_operation_status). It
// also records the batch-operation outcome counter (status "ok" or
// "error"), one of the two batch metrics recorded in this layer rather
// than in pkg/versioning.Runner.
func (d *Deps) runBatch(w http.ResponseWriter, service string, fn func(ctx context.Context) error) {
	operationID := uuid.NewString()
	go func() {
		ctx := context.Background()
		err := fn(ctx)
		status := "ok"
		if err != nil {
			status = "error"
			d.logger().WithField("service", service).WithError(err).Warn("batch operation failed")
		}
		metrics.RecordBatchOperation(service, status)
	}()
	writeJSON(w, http.StatusOK, envelope{Success: true, Results: batchResponse{OperationID: operationID}})
}

// handleUpgradeAllProfiles implements POST /upgrade_all_profiles (§6).
func (d *Deps) handleUpgradeAllProfiles(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	_ = decodeJSON(r, &req)
	requestID := uuid.NewString()
	d.runBatch(w, "profile-upgrade", func(ctx context.Context) error {
		userIDs, err := d.Store.DistinctProfileUserIDs(ctx)
		if err != nil {
			return err
		}
		return d.Runner.UpgradeAllProfiles(ctx, d.ProfileLifecycle, userIDs, requestID, req.StopOnError)
	})
}

// handleDowngradeAllProfiles implements POST /downgrade_all_profiles (§6).
func (d *Deps) handleDowngradeAllProfiles(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	_ = decodeJSON(r, &req)
	requestID := uuid.NewString()
	d.runBatch(w, "profile-downgrade", func(ctx context.Context) error {
		userIDs, err := d.Store.DistinctProfileUserIDs(ctx)
		if err != nil {
			return err
		}
		return d.Runner.DowngradeAllProfiles(ctx, d.ProfileLifecycle, userIDs, requestID, req.StopOnError)
	})
}

// handleUpgradeAllRawFeedbacks implements POST /upgrade_all_raw_feedbacks (§6).
func (d *Deps) handleUpgradeAllRawFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	_ = decodeJSON(r, &req)
	requestID := uuid.NewString()
	d.runBatch(w, "feedback-raw-upgrade", func(ctx context.Context) error {
		scopes, err := d.Store.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return d.Runner.UpgradeAllRawFeedbacks(ctx, d.FeedbackLifecycle, scopes, requestID, req.StopOnError)
	})
}

// handleDowngradeAllRawFeedbacks implements POST /downgrade_all_raw_feedbacks (§6).
func (d *Deps) handleDowngradeAllRawFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	_ = decodeJSON(r, &req)
	requestID := uuid.NewString()
	d.runBatch(w, "feedback-raw-downgrade", func(ctx context.Context) error {
		scopes, err := d.Store.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return d.Runner.DowngradeAllRawFeedbacks(ctx, d.FeedbackLifecycle, scopes, requestID, req.StopOnError)
	})
}

// handleUpgradeAllAggregatedFeedbacks implements POST /upgrade_all_aggregated_feedbacks
// (§6): promotes the PENDING aggregated feedback a rerun produced to CURRENT.
func (d *Deps) handleUpgradeAllAggregatedFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	_ = decodeJSON(r, &req)
	requestID := uuid.NewString()
	d.runBatch(w, "feedback-aggregated-upgrade", func(ctx context.Context) error {
		scopes, err := d.Store.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return d.Runner.UpgradeAllAggregatedFeedbacks(ctx, d.AggregatedLifecycle, scopes, requestID, req.StopOnError)
	})
}

// handleDowngradeAllAggregatedFeedbacks implements POST /downgrade_all_aggregated_feedbacks (§6).
func (d *Deps) handleDowngradeAllAggregatedFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	_ = decodeJSON(r, &req)
	requestID := uuid.NewString()
	d.runBatch(w, "feedback-aggregated-downgrade", func(ctx context.Context) error {
		scopes, err := d.Store.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return d.Runner.DowngradeAllAggregatedFeedbacks(ctx, d.AggregatedLifecycle, scopes, requestID, req.StopOnError)
	})
}

// handleRerunProfileGeneration implements POST /rerun_profile_generation (§6).
func (d *Deps) handleRerunProfileGeneration(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if req.AgentVersion == "" {
		writeFail(w, validationError(errRequired("agent_version")))
		return
	}
	requestID := uuid.NewString()
	createdAt := time.Now().Unix()
	d.runBatch(w, "profile-rerun", func(ctx context.Context) error {
		orgCfg, err := d.OrgLoader.Load(ctx, req.AgentVersion)
		if err != nil {
			return err
		}
		userIDs, err := d.Store.DistinctProfileUserIDs(ctx)
		if err != nil {
			return err
		}
		params := generation.Params{
			Service:          "profile",
			OrgID:            req.AgentVersion,
			GlobalWindowSize: orgCfg.ExtractionWindowSize,
			GlobalStride:     orgCfg.ExtractionStride,
			ExtractorTimeout: d.extractorTimeout(),
			PoolSize:         d.extractorPoolSize(),
		}
		return d.Runner.RerunProfileGeneration(ctx, d.ProfileService, d.ProfileExtractors, orgCfg.ExtractorsFor("profile"), params, userIDs, req.Source, req.AgentVersion, requestID, createdAt, req.StopOnError)
	})
}

// handleRerunFeedbackGeneration implements POST /rerun_feedback_generation (§6).
func (d *Deps) handleRerunFeedbackGeneration(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if req.AgentVersion == "" {
		writeFail(w, validationError(errRequired("agent_version")))
		return
	}
	requestID := uuid.NewString()
	createdAt := time.Now().Unix()
	d.runBatch(w, "feedback-rerun", func(ctx context.Context) error {
		orgCfg, err := d.OrgLoader.Load(ctx, req.AgentVersion)
		if err != nil {
			return err
		}
		userIDs, err := d.Store.DistinctProfileUserIDs(ctx)
		if err != nil {
			return err
		}
		params := generation.Params{
			Service:          "feedback",
			OrgID:            req.AgentVersion,
			GlobalWindowSize: orgCfg.ExtractionWindowSize,
			GlobalStride:     orgCfg.ExtractionStride,
			ExtractorTimeout: d.extractorTimeout(),
			PoolSize:         d.extractorPoolSize(),
		}
		return d.Runner.RerunFeedbackGeneration(ctx, d.FeedbackService, d.FeedbackExtractors, orgCfg.ExtractorsFor("feedback"), params, userIDs, req.Source, req.AgentVersion, requestID, createdAt, req.StopOnError)
	})
}

// handleRunFeedbackAggregation implements POST /run_feedback_aggregation (§6):
// sweeps every known (agent_version, feedback_name) scope.
func (d *Deps) handleRunFeedbackAggregation(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	_ = decodeJSON(r, &req)
	d.runBatch(w, "feedback-aggregation", func(ctx context.Context) error {
		scopes, err := d.Store.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return d.Runner.RunFeedbackAggregation(ctx, d.Aggregator, scopes, req.Rerun, req.StopOnError)
	})
}

func globalIfUnscoped(service string) bool {
	switch service {
	case "profile-upgrade", "profile-downgrade", "profile-rerun",
		"feedback-raw-upgrade", "feedback-raw-downgrade", "feedback-rerun",
		"feedback-aggregation", "feedback-aggregated-upgrade", "feedback-aggregated-downgrade":
		return true
	default:
		return false
	}
}

// handleGetOperationStatus implements GET /get_operation_status (§6). Every
// batch service this package exposes is a whole-system sweep, so it is
// always queried under versioning.GlobalScope.
func (d *Deps) handleGetOperationStatus(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service_name")
	if service == "" {
		writeFail(w, validationError(errRequired("service_name")))
		return
	}
	org := versioning.GlobalScope
	if !globalIfUnscoped(service) {
		org = r.URL.Query().Get("org_id")
	}
	progress, err := d.Runner.Status(r.Context(), service, org)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResults(w, progress)
}

type cancelOperationRequest struct {
	ServiceName string `json:"service_name" validate:"required"`
	OrgID       string `json:"org_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// handleCancelOperation implements POST /cancel_operation (§6): requests
// cooperative, between-users cancellation of a running batch sweep, and
// records the request-to-observed cancellation latency metric once the
// running loop actually stops.
func (d *Deps) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	var req cancelOperationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if err := d.validate().Struct(req); err != nil {
		writeFail(w, validationError(err))
		return
	}
	org := req.OrgID
	if globalIfUnscoped(req.ServiceName) {
		org = versioning.GlobalScope
	}
	requestedAt := time.Now()
	if err := d.Runner.CancelOperation(r.Context(), req.ServiceName, org, req.Reason); err != nil {
		writeFail(w, err)
		return
	}
	go d.observeCancellationLatency(req.ServiceName, org, requestedAt)
	writeOK(w, "cancellation requested")
}

// observeCancellationLatency polls progress until the batch loop reports
// terminal status, then records how long the loop took to notice the
// cancellation after the request arrived.
func (d *Deps) observeCancellationLatency(service, org string, requestedAt time.Time) {
	ctx := context.Background()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case <-ticker.C:
			progress, err := d.Runner.Status(ctx, service, org)
			if err != nil || progress == nil {
				continue
			}
			if progress.Status == types.BatchCompleted || progress.Status == types.BatchFailed || progress.Status == types.BatchCancelled {
				metrics.RecordBatchCancellationLatency(service, time.Since(requestedAt))
				return
			}
		case <-deadline:
			return
		}
	}
}

func errRequired(field string) error {
	return errors.New(errors.ErrorTypeValidation, field+" is required")
}
