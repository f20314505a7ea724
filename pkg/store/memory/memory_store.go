// Package memory is an in-process Store implementation used by tests and
// by small/embedded deployments: mutex-guarded maps with cosine
// similarity search, generalized to every Reflexio entity.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	requests     map[string]*types.Request
	interactions map[string]*types.Interaction   // interaction_id -> interaction
	byRequest    map[string][]string             // request_id -> interaction_ids (insertion order)
	byUser       map[string][]string             // user_id -> interaction_ids (insertion order)

	profiles map[string]*types.UserProfile
	changeLogs []*types.ProfileChangeLog

	rawFeedback map[string]*types.RawFeedback
	aggFeedback map[string]*types.AggregatedFeedback

	evaluations map[string][]*types.EvaluationResult // request_id -> results

	opstate map[string]map[string]interface{}

	logger logrus.FieldLogger
}

func New(logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		requests:     make(map[string]*types.Request),
		interactions: make(map[string]*types.Interaction),
		byRequest:    make(map[string][]string),
		byUser:       make(map[string][]string),
		profiles:     make(map[string]*types.UserProfile),
		rawFeedback:  make(map[string]*types.RawFeedback),
		aggFeedback:  make(map[string]*types.AggregatedFeedback),
		evaluations:  make(map[string][]*types.EvaluationResult),
		opstate:      make(map[string]map[string]interface{}),
		logger:       logger,
	}
}

var _ store.Store = (*Store)(nil)

// --- Requests / Interactions ---

func (s *Store) SaveRequest(ctx context.Context, req *types.Request) error {
	if req.RequestID == "" {
		return errors.New(errors.ErrorTypeValidation, "request_id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.RequestID] = req
	return nil
}

func (s *Store) SaveInteractions(ctx context.Context, interactions []*types.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range interactions {
		if it.InteractionID == "" {
			return errors.New(errors.ErrorTypeValidation, "interaction_id cannot be empty")
		}
		s.interactions[it.InteractionID] = it
		s.byRequest[it.RequestID] = append(s.byRequest[it.RequestID], it.InteractionID)
		s.byUser[it.UserID] = append(s.byUser[it.UserID], it.InteractionID)
	}
	return nil
}

func (s *Store) ListRequestsForUser(ctx context.Context, userID string, limit int) ([]*types.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Request
	for _, req := range s.requests {
		if req.UserID == userID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetInteractions(ctx context.Context, requestID string) ([]*types.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRequest[requestID]
	out := make([]*types.Interaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.interactions[id])
	}
	return out, nil
}

func (s *Store) GetInteractionsForUser(ctx context.Context, userID string, afterInteractionID string, limit int) ([]*types.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	start := 0
	if afterInteractionID != "" {
		for i, id := range ids {
			if id == afterInteractionID {
				start = i + 1
				break
			}
		}
	}
	var window []string
	if limit <= 0 || limit >= len(ids)-start {
		window = ids[start:]
	} else {
		window = ids[start : start+limit]
	}
	// When resolving a context window (not incremental), §4.2 step 1.d wants
	// the last `window_size` interactions ending at the cursor, so when no
	// afterInteractionID bound is given we return the tail.
	if afterInteractionID == "" && limit > 0 && limit < len(ids) {
		window = ids[len(ids)-limit:]
	}
	out := make([]*types.Interaction, 0, len(window))
	for _, id := range window {
		out = append(out, s.interactions[id])
	}
	return out, nil
}

func (s *Store) CountInteractionsSince(ctx context.Context, userID string, afterInteractionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	if afterInteractionID == "" {
		return len(ids), nil
	}
	for i, id := range ids {
		if id == afterInteractionID {
			return len(ids) - (i + 1), nil
		}
	}
	return len(ids), nil
}

func (s *Store) DeleteRequest(ctx context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byRequest[requestID]
	for _, id := range ids {
		it := s.interactions[id]
		delete(s.interactions, id)
		if it != nil {
			s.byUser[it.UserID] = removeString(s.byUser[it.UserID], id)
		}
	}
	delete(s.byRequest, requestID)
	delete(s.requests, requestID)
	return nil
}

func (s *Store) DeleteRequestGroup(ctx context.Context, requestGroup string) error {
	s.mu.Lock()
	var toDelete []string
	for rid, req := range s.requests {
		if req.RequestGroup == requestGroup {
			toDelete = append(toDelete, rid)
		}
	}
	s.mu.Unlock()
	for _, rid := range toDelete {
		if err := s.DeleteRequest(ctx, rid); err != nil {
			return err
		}
	}
	return nil
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// --- Profiles ---

func (s *Store) InsertProfile(ctx context.Context, p *types.UserProfile) error {
	if p.ProfileID == "" {
		return errors.New(errors.ErrorTypeValidation, "profile_id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ProfileID] = p
	return nil
}

func (s *Store) GetProfile(ctx context.Context, profileID string) (*types.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "profile %s not found", profileID)
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context, userID string, status types.LifecycleStatus) ([]*types.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.UserProfile
	for _, p := range s.profiles {
		if p.UserID == userID && p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out, nil
}

func (s *Store) SetProfileStatus(ctx context.Context, profileID string, status types.LifecycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileID]
	if !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "profile %s not found", profileID)
	}
	p.Status = status
	return nil
}

func (s *Store) SetProfileStatusForUser(ctx context.Context, userID string, from, to types.LifecycleStatus) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, p := range s.profiles {
		if p.UserID == userID && p.Status == from {
			p.Status = to
			changed = append(changed, p.ProfileID)
		}
	}
	return changed, nil
}

func (s *Store) DeleteProfiles(ctx context.Context, profileIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range profileIDs {
		delete(s.profiles, id)
	}
	return nil
}

func (s *Store) AppendProfileChangeLog(ctx context.Context, log *types.ProfileChangeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeLogs = append(s.changeLogs, log)
	return nil
}

// ChangeLogsForUser is a test/introspection helper returning change logs in
// insertion (== creation, §5 "totally ordered by created_at per user") order.
func (s *Store) ChangeLogsForUser(userID string) []*types.ProfileChangeLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ProfileChangeLog
	for _, l := range s.changeLogs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out
}

func (s *Store) DistinctProfileUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, p := range s.profiles {
		if !seen[p.UserID] {
			seen[p.UserID] = true
			out = append(out, p.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// --- Raw feedback ---

func (s *Store) InsertRawFeedback(ctx context.Context, f *types.RawFeedback) error {
	if f.RawFeedbackID == "" {
		return errors.New(errors.ErrorTypeValidation, "raw_feedback_id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawFeedback[f.RawFeedbackID] = f
	return nil
}

func (s *Store) ListRawFeedback(ctx context.Context, agentVersion, feedbackName string, status types.LifecycleStatus) ([]*types.RawFeedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.RawFeedback
	for _, f := range s.rawFeedback {
		if f.AgentVersion == agentVersion && f.FeedbackName == feedbackName && f.Status == status {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RawFeedbackID < out[j].RawFeedbackID })
	return out, nil
}

func (s *Store) SetRawFeedbackStatusForOrg(ctx context.Context, agentVersion, feedbackName string, from, to types.LifecycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.rawFeedback {
		if f.AgentVersion == agentVersion && f.FeedbackName == feedbackName && f.Status == from {
			f.Status = to
		}
	}
	return nil
}

func (s *Store) SetRawFeedbackStatusByIDs(ctx context.Context, ids []string, to types.LifecycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if f, ok := s.rawFeedback[id]; ok {
			f.Status = to
		}
	}
	return nil
}

func (s *Store) DeleteRawFeedbackByIDs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rawFeedback, id)
	}
	return nil
}

func (s *Store) DistinctFeedbackScopes(ctx context.Context) ([]store.FeedbackScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[store.FeedbackScope]bool)
	var out []store.FeedbackScope
	for _, f := range s.rawFeedback {
		scope := store.FeedbackScope{AgentVersion: f.AgentVersion, FeedbackName: f.FeedbackName}
		if !seen[scope] {
			seen[scope] = true
			out = append(out, scope)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentVersion != out[j].AgentVersion {
			return out[i].AgentVersion < out[j].AgentVersion
		}
		return out[i].FeedbackName < out[j].FeedbackName
	})
	return out, nil
}

// --- Aggregated feedback ---

func (s *Store) UpsertAggregatedFeedback(ctx context.Context, f *types.AggregatedFeedback) error {
	if f.FeedbackID == "" {
		return errors.New(errors.ErrorTypeValidation, "feedback_id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggFeedback[f.FeedbackID] = f
	return nil
}

func (s *Store) GetAggregatedFeedbacksByIDs(ctx context.Context, ids []string) ([]*types.AggregatedFeedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.AggregatedFeedback, 0, len(ids))
	for _, id := range ids {
		if f, ok := s.aggFeedback[id]; ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) ListAggregatedFeedback(ctx context.Context, agentVersion, feedbackName string, status types.LifecycleStatus) ([]*types.AggregatedFeedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.AggregatedFeedback
	for _, f := range s.aggFeedback {
		if f.AgentVersion == agentVersion && f.FeedbackName == feedbackName && f.Status == status {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) SetAggregatedFeedbackStatusForOrg(ctx context.Context, agentVersion, feedbackName string, from, to types.LifecycleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.aggFeedback {
		if f.AgentVersion == agentVersion && f.FeedbackName == feedbackName && f.Status == from {
			f.Status = to
		}
	}
	return nil
}

func (s *Store) ArchiveAggregatedFeedbackByIDs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if f, ok := s.aggFeedback[id]; ok {
			f.Status = types.StatusArchived
		}
	}
	return nil
}

func (s *Store) RestoreAggregatedFeedbackByIDs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if f, ok := s.aggFeedback[id]; ok {
			f.Status = types.StatusCurrent
		}
	}
	return nil
}

func (s *Store) DeleteAggregatedFeedbackByIDs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.aggFeedback, id)
	}
	return nil
}

// --- Evaluation ---

func (s *Store) InsertEvaluationResult(ctx context.Context, r *types.EvaluationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluations[r.RequestID] = append(s.evaluations[r.RequestID], r)
	return nil
}

func (s *Store) ListEvaluationResults(ctx context.Context, requestID string) ([]*types.EvaluationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluations[requestID], nil
}

// --- Search ---

func (s *Store) Search(ctx context.Context, entity string, q store.SearchQuery) ([]store.SearchResult, error) {
	if len(q.QueryEmbedding) == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "search requires a query embedding")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []store.SearchResult
	switch entity {
	case "profile":
		for _, p := range s.profiles {
			if q.UserID != "" && p.UserID != q.UserID {
				continue
			}
			if q.Status != "" && p.Status != q.Status {
				continue
			}
			sim := cosineSimilarity(q.QueryEmbedding, p.Embedding)
			if sim >= q.Threshold {
				results = append(results, store.SearchResult{ID: p.ProfileID, Similarity: sim, Payload: p})
			}
		}
	case "raw_feedback":
		for _, f := range s.rawFeedback {
			if q.AgentVersion != "" && f.AgentVersion != q.AgentVersion {
				continue
			}
			if q.FeedbackName != "" && f.FeedbackName != q.FeedbackName {
				continue
			}
			sim := cosineSimilarity(q.QueryEmbedding, f.Embedding)
			if sim >= q.Threshold {
				results = append(results, store.SearchResult{ID: f.RawFeedbackID, Similarity: sim, Payload: f})
			}
		}
	case "aggregated_feedback":
		for _, f := range s.aggFeedback {
			if q.AgentVersion != "" && f.AgentVersion != q.AgentVersion {
				continue
			}
			sim := cosineSimilarity(q.QueryEmbedding, f.Embedding)
			if sim >= q.Threshold {
				results = append(results, store.SearchResult{ID: f.FeedbackID, Similarity: sim, Payload: f})
			}
		}
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unknown search entity %q", entity)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if q.TopK > 0 && len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// --- OperationState ---

func (s *Store) UpsertOperationState(ctx context.Context, key, orgID string, mutate func(prior map[string]interface{}) map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior := s.opstate[key]
	next := mutate(prior)
	if next != nil {
		s.opstate[key] = next
	}
	return prior, nil
}

func (s *Store) GetOperationState(ctx context.Context, key string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opstate[key], nil
}

func (s *Store) DeleteOperationStateIf(ctx context.Context, key string, predicate func(current map[string]interface{}) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.opstate[key]
	if !ok {
		return false, nil
	}
	if predicate != nil && !predicate(current) {
		return false, nil
	}
	delete(s.opstate, key)
	return true, nil
}
