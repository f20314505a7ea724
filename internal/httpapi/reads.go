package httpapi

import (
	"fmt"
	"net/http"

	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

type getRequestsRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Limit  int    `json:"limit,omitempty"`
}

// handleGetRequests implements POST /get_requests (§6).
func (d *Deps) handleGetRequests(w http.ResponseWriter, r *http.Request) {
	var req getRequestsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if err := d.validate().Struct(req); err != nil {
		writeFail(w, validationError(err))
		return
	}
	results, err := d.Store.ListRequestsForUser(r.Context(), req.UserID, req.Limit)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResults(w, results)
}

type getInteractionsRequest struct {
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	AfterID   string `json:"after_interaction_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// handleGetInteractions implements POST /get_interactions (§6): either a
// specific request's interactions, or a user's tail window.
func (d *Deps) handleGetInteractions(w http.ResponseWriter, r *http.Request) {
	var req getInteractionsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}

	if req.RequestID != "" {
		results, err := d.Store.GetInteractions(r.Context(), req.RequestID)
		if err != nil {
			writeFail(w, err)
			return
		}
		writeResults(w, results)
		return
	}
	if req.UserID == "" {
		writeFail(w, validationError(fmt.Errorf("one of request_id or user_id is required")))
		return
	}
	results, err := d.Store.GetInteractionsForUser(r.Context(), req.UserID, req.AfterID, req.Limit)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResults(w, results)
}

type searchRequest struct {
	UserID         string    `json:"user_id,omitempty"`
	Query          string    `json:"query,omitempty"`
	QueryEmbedding []float64 `json:"query_embedding,omitempty"`
	Threshold      float64   `json:"threshold,omitempty"`
	TopK           int       `json:"top_k,omitempty"`
	AgentVersion   string    `json:"agent_version,omitempty"`
	FeedbackName   string    `json:"feedback_name,omitempty"`
	Status         string    `json:"status,omitempty"`
}

func (req searchRequest) toQuery() store.SearchQuery {
	return store.SearchQuery{
		UserID:         req.UserID,
		Query:          req.Query,
		QueryEmbedding: req.QueryEmbedding,
		Threshold:      req.Threshold,
		TopK:           req.TopK,
		AgentVersion:   req.AgentVersion,
		FeedbackName:   req.FeedbackName,
		Status:         types.LifecycleStatus(req.Status),
	}
}

// handleSearchProfiles implements POST /search_profiles (§6): semantic
// search over UserProfile content.
func (d *Deps) handleSearchProfiles(w http.ResponseWriter, r *http.Request) {
	d.handleSearch(w, r, "profile")
}

// handleSearchFeedbacks implements POST /search_feedbacks (§6): semantic
// search over AggregatedFeedback content.
func (d *Deps) handleSearchFeedbacks(w http.ResponseWriter, r *http.Request) {
	d.handleSearch(w, r, "feedback")
}

func (d *Deps) handleSearch(w http.ResponseWriter, r *http.Request, entity string) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	results, err := d.Store.Search(r.Context(), entity, req.toQuery())
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResults(w, results)
}

type feedbackScopeRequest struct {
	AgentVersion string `json:"agent_version" validate:"required"`
	FeedbackName string `json:"feedback_name" validate:"required"`
	Status       string `json:"status,omitempty"`
}

// handleGetRawFeedbacks implements POST /get_raw_feedbacks (§6).
func (d *Deps) handleGetRawFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req feedbackScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if err := d.validate().Struct(req); err != nil {
		writeFail(w, validationError(err))
		return
	}
	status := types.LifecycleStatus(req.Status)
	if status == "" {
		status = types.StatusCurrent
	}
	results, err := d.Store.ListRawFeedback(r.Context(), req.AgentVersion, req.FeedbackName, status)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResults(w, results)
}

// handleGetFeedbacks implements POST /get_feedbacks (§6): aggregated
// feedback for a scope.
func (d *Deps) handleGetFeedbacks(w http.ResponseWriter, r *http.Request) {
	var req feedbackScopeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if err := d.validate().Struct(req); err != nil {
		writeFail(w, validationError(err))
		return
	}
	status := types.LifecycleStatus(req.Status)
	if status == "" {
		status = types.StatusCurrent
	}
	results, err := d.Store.ListAggregatedFeedback(r.Context(), req.AgentVersion, req.FeedbackName, status)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResults(w, results)
}

type evaluationResultsRequest struct {
	RequestID string `json:"request_id" validate:"required"`
}

// handleGetEvaluationResults implements POST /get_agent_success_evaluation_results (§6).
func (d *Deps) handleGetEvaluationResults(w http.ResponseWriter, r *http.Request) {
	var req evaluationResultsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeFail(w, err)
		return
	}
	if err := d.validate().Struct(req); err != nil {
		writeFail(w, validationError(err))
		return
	}
	results, err := d.Store.ListEvaluationResults(r.Context(), req.RequestID)
	if err != nil {
		writeFail(w, err)
		return
	}
	writeResults(w, results)
}
