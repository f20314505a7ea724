// Package store defines the persistence contract Reflexio's core consumes
// (§6): CRUD per entity, semantic search, atomic conditional upsert for
// OperationState, and the selective bulk operations the aggregator needs.
package store

import (
	"context"

	"github.com/reflexio/reflexio/pkg/types"
)

// SearchQuery parametrizes Store.Search (§6).
type SearchQuery struct {
	UserID         string
	Query          string
	QueryEmbedding []float64
	Threshold      float64
	TopK           int
	AgentVersion   string
	FeedbackName   string
	Status         types.LifecycleStatus
}

// Store is the persistence contract the core consumes from its
// collaborator database (§6). A Postgres implementation and an in-memory
// implementation (for tests and the embedded/demo deployment) both satisfy
// it.
type Store interface {
	// Interactions / Requests
	SaveRequest(ctx context.Context, req *types.Request) error
	SaveInteractions(ctx context.Context, interactions []*types.Interaction) error
	// ListRequestsForUser backs POST /get_requests: the most recent requests
	// published for a user, newest first.
	ListRequestsForUser(ctx context.Context, userID string, limit int) ([]*types.Request, error)
	GetInteractions(ctx context.Context, requestID string) ([]*types.Interaction, error)
	GetInteractionsForUser(ctx context.Context, userID string, afterInteractionID string, limit int) ([]*types.Interaction, error)
	CountInteractionsSince(ctx context.Context, userID string, afterInteractionID string) (int, error)
	DeleteRequest(ctx context.Context, requestID string) error
	DeleteRequestGroup(ctx context.Context, requestGroup string) error

	// Profiles
	InsertProfile(ctx context.Context, p *types.UserProfile) error
	GetProfile(ctx context.Context, profileID string) (*types.UserProfile, error)
	ListProfiles(ctx context.Context, userID string, status types.LifecycleStatus) ([]*types.UserProfile, error)
	SetProfileStatus(ctx context.Context, profileID string, status types.LifecycleStatus) error
	SetProfileStatusForUser(ctx context.Context, userID string, from, to types.LifecycleStatus) ([]string, error)
	DeleteProfiles(ctx context.Context, profileIDs []string) error
	AppendProfileChangeLog(ctx context.Context, log *types.ProfileChangeLog) error
	// DistinctProfileUserIDs lists every user_id that owns at least one
	// profile row, for the "_all_" batch operations (§4.6) that sweep
	// every known user rather than one named in the request.
	DistinctProfileUserIDs(ctx context.Context) ([]string, error)

	// Raw feedback
	InsertRawFeedback(ctx context.Context, f *types.RawFeedback) error
	ListRawFeedback(ctx context.Context, agentVersion, feedbackName string, status types.LifecycleStatus) ([]*types.RawFeedback, error)
	SetRawFeedbackStatusForOrg(ctx context.Context, agentVersion, feedbackName string, from, to types.LifecycleStatus) error
	SetRawFeedbackStatusByIDs(ctx context.Context, ids []string, to types.LifecycleStatus) error
	DeleteRawFeedbackByIDs(ctx context.Context, ids []string) error
	// DistinctFeedbackScopes lists every (agent_version, feedback_name)
	// pair that owns at least one raw feedback row, for the "_all_" batch
	// operations and for run_feedback_aggregation sweeping every scope.
	DistinctFeedbackScopes(ctx context.Context) ([]FeedbackScope, error)

	// Aggregated feedback
	UpsertAggregatedFeedback(ctx context.Context, f *types.AggregatedFeedback) error
	GetAggregatedFeedbacksByIDs(ctx context.Context, ids []string) ([]*types.AggregatedFeedback, error)
	ListAggregatedFeedback(ctx context.Context, agentVersion, feedbackName string, status types.LifecycleStatus) ([]*types.AggregatedFeedback, error)
	SetAggregatedFeedbackStatusForOrg(ctx context.Context, agentVersion, feedbackName string, from, to types.LifecycleStatus) error
	ArchiveAggregatedFeedbackByIDs(ctx context.Context, ids []string) error
	RestoreAggregatedFeedbackByIDs(ctx context.Context, ids []string) error
	DeleteAggregatedFeedbackByIDs(ctx context.Context, ids []string) error

	// Evaluation
	InsertEvaluationResult(ctx context.Context, r *types.EvaluationResult) error
	ListEvaluationResults(ctx context.Context, requestID string) ([]*types.EvaluationResult, error)

	// Semantic search (§6): "the core passes pre-computed embeddings when
	// running a multi-entity unified search to avoid redundant LLM calls".
	Search(ctx context.Context, entity string, q SearchQuery) ([]SearchResult, error)

	// OperationState
	OperationState
}

// FeedbackScope identifies one (agent_version, feedback_name) partition of
// raw/aggregated feedback (§3, §4.4).
type FeedbackScope struct {
	AgentVersion string
	FeedbackName string
}

// SearchResult is one row returned by Store.Search, entity-agnostic.
type SearchResult struct {
	ID         string
	Similarity float64
	Payload    interface{}
}

// OperationState exposes the atomic conditional-upsert primitive §4.7
// requires, plus plain get/delete for the uniformly-keyed rows of §3.
type OperationState interface {
	// UpsertOperationState atomically reads the current payload at key (if
	// any), applies mutate to it, writes the result back, and returns the
	// *prior* payload (nil if the key did not exist). This is the "return
	// prior value" primitive of §4.7/§6.
	UpsertOperationState(ctx context.Context, key, orgID string, mutate func(prior map[string]interface{}) map[string]interface{}) (prior map[string]interface{}, err error)

	GetOperationState(ctx context.Context, key string) (map[string]interface{}, error)
	DeleteOperationStateIf(ctx context.Context, key string, predicate func(current map[string]interface{}) bool) (deleted bool, err error)
}
