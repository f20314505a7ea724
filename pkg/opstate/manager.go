// Package opstate implements the atomic lock protocol and the other
// uniformly-keyed operation-state records (progress, bookmarks,
// cancellation, cluster fingerprints) on top of store.OperationState's
// conditional-upsert primitive (§4.7).
package opstate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/metrics"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// LockOutcome is the result of TryAcquireLock (§4.7).
type LockOutcome string

const (
	Acquired LockOutcome = "ACQUIRED"
	Queued   LockOutcome = "QUEUED"
	Rejected LockOutcome = "REJECTED"
)

// Clock is injected so lock-staleness checks are deterministic in tests.
type Clock func() time.Time

// Manager wraps a store.OperationState with the lock/bookmark/progress/
// cancellation/fingerprint semantics the core consumes.
type Manager struct {
	state            store.OperationState
	staleLockTimeout time.Duration
	now              Clock
	logger           logrus.FieldLogger
}

func New(state store.OperationState, staleLockTimeout time.Duration, logger logrus.FieldLogger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		state:            state,
		staleLockTimeout: staleLockTimeout,
		now:              time.Now,
		logger:           logger,
	}
}

// WithClock overrides the time source, for tests that simulate stale locks.
func (m *Manager) WithClock(clock Clock) *Manager {
	m.now = clock
	return m
}

func decode(payload map[string]interface{}, out interface{}) error {
	if payload == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "marshal operation state payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "unmarshal operation state payload")
	}
	return nil
}

func encode(v interface{}) map[string]interface{} {
	raw, _ := json.Marshal(v)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// TryAcquireLock implements §4.7's single-atomic-transaction lock protocol.
func (m *Manager) TryAcquireLock(ctx context.Context, service, orgID, scope, requestID string) (LockOutcome, error) {
	key := types.OperationStateKey(service, orgID, scope, "lock")
	now := m.now().Unix()

	var outcome LockOutcome
	_, err := m.state.UpsertOperationState(ctx, key, orgID, func(prior map[string]interface{}) map[string]interface{} {
		if prior == nil {
			outcome = Acquired
			return encode(types.Lock{HolderRequestID: requestID, AcquiredAt: now})
		}

		var lock types.Lock
		if err := decode(prior, &lock); err != nil {
			outcome = Rejected
			return prior
		}

		if now-lock.AcquiredAt > int64(m.staleLockTimeout.Seconds()) {
			m.logger.WithFields(logrus.Fields{
				"key":             key,
				"previous_holder": lock.HolderRequestID,
				"new_holder":      requestID,
			}).Warn("overwriting stale lock")
			metrics.RecordLockStaleTakeover(service)
			outcome = Acquired
			return encode(types.Lock{HolderRequestID: requestID, AcquiredAt: now})
		}

		lock.PendingRequestID = requestID
		outcome = Queued
		return encode(lock)
	})
	if err != nil {
		return Rejected, err
	}
	return outcome, nil
}

// Release deletes the lock row if the caller is still its holder, and
// returns the pending request id (if any) that should be re-run once.
func (m *Manager) Release(ctx context.Context, service, orgID, scope, requestID string) (pendingRequestID string, err error) {
	key := types.OperationStateKey(service, orgID, scope, "lock")

	var lock types.Lock
	deleted, err := m.state.DeleteOperationStateIf(ctx, key, func(current map[string]interface{}) bool {
		if decErr := decode(current, &lock); decErr != nil {
			return false
		}
		return lock.HolderRequestID == requestID
	})
	if err != nil {
		return "", err
	}
	if !deleted {
		return "", nil
	}
	return lock.PendingRequestID, nil
}

// GetBookmark reads the incremental-extraction cursor for an extractor.
func (m *Manager) GetBookmark(ctx context.Context, service, orgID, scope, extractorName string) (*types.Bookmark, error) {
	key := types.OperationStateKey(service, orgID, scope, extractorName)
	payload, err := m.state.GetOperationState(ctx, key)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var b types.Bookmark
	if err := decode(payload, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// AdvanceBookmark unconditionally overwrites the bookmark. Callers only do
// this after a successful, fully-committed extraction run (§5: timeout
// cancellation must not advance the bookmark).
func (m *Manager) AdvanceBookmark(ctx context.Context, service, orgID, scope, extractorName string, b types.Bookmark) error {
	key := types.OperationStateKey(service, orgID, scope, extractorName)
	_, err := m.state.UpsertOperationState(ctx, key, orgID, func(map[string]interface{}) map[string]interface{} {
		return encode(b)
	})
	return err
}

// GetProgress reads the current batch-job progress record.
func (m *Manager) GetProgress(ctx context.Context, service, orgID string) (*types.Progress, error) {
	key := types.OperationStateKey(service, orgID, "", "progress")
	payload, err := m.state.GetOperationState(ctx, key)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}
	var p types.Progress
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// StartProgress initializes a fresh IN_PROGRESS record for a batch job.
func (m *Manager) StartProgress(ctx context.Context, service, orgID string, totalUsers int, requestParams map[string]interface{}) error {
	key := types.OperationStateKey(service, orgID, "", "progress")
	p := types.Progress{
		Status:        types.BatchInProgress,
		StartedAt:     m.now().Unix(),
		TotalUsers:    totalUsers,
		RequestParams: requestParams,
	}
	_, err := m.state.UpsertOperationState(ctx, key, orgID, func(map[string]interface{}) map[string]interface{} {
		return encode(p)
	})
	return err
}

// RecordUserOutcome advances processed/failed counters for one user and
// recomputes progress_percentage, per §4.6's per-user failure policy.
func (m *Manager) RecordUserOutcome(ctx context.Context, service, orgID, userID string, userErr error) error {
	key := types.OperationStateKey(service, orgID, "", "progress")
	var applyErr error
	_, err := m.state.UpsertOperationState(ctx, key, orgID, func(prior map[string]interface{}) map[string]interface{} {
		var p types.Progress
		if decErr := decode(prior, &p); decErr != nil {
			applyErr = decErr
			return prior
		}
		p.CurrentUserID = userID
		if userErr != nil {
			p.FailedUsers++
			p.FailedUserIDs = append(p.FailedUserIDs, types.UserFailure{UserID: userID, Error: userErr.Error()})
		} else {
			p.ProcessedUsers++
			p.ProcessedUserIDs = append(p.ProcessedUserIDs, userID)
		}
		p.ProgressPercentage = p.PercentComplete()
		return encode(p)
	})
	if applyErr != nil {
		return applyErr
	}
	return err
}

// FinishProgress finalizes a batch job's terminal status.
func (m *Manager) FinishProgress(ctx context.Context, service, orgID string, status types.BatchStatus, errMsg string) error {
	key := types.OperationStateKey(service, orgID, "", "progress")
	completedAt := m.now().Unix()
	var applyErr error
	_, err := m.state.UpsertOperationState(ctx, key, orgID, func(prior map[string]interface{}) map[string]interface{} {
		var p types.Progress
		if decErr := decode(prior, &p); decErr != nil {
			applyErr = decErr
			return prior
		}
		p.Status = status
		p.CompletedAt = &completedAt
		p.ErrorMessage = errMsg
		return encode(p)
	})
	if applyErr != nil {
		return applyErr
	}
	return err
}

// RequestCancellation writes the cancellation row. Stored separately from
// progress to avoid lost-update races (§4.6).
func (m *Manager) RequestCancellation(ctx context.Context, service, orgID, reason string) error {
	key := types.OperationStateKey(service, orgID, "", "cancellation")
	c := types.Cancellation{RequestedAt: m.now().Unix(), Reason: reason}
	_, err := m.state.UpsertOperationState(ctx, key, orgID, func(map[string]interface{}) map[string]interface{} {
		return encode(c)
	})
	return err
}

// IsCancellationRequested is polled by the batch loop between users (never
// mid-user, per §5).
func (m *Manager) IsCancellationRequested(ctx context.Context, service, orgID string) (bool, error) {
	key := types.OperationStateKey(service, orgID, "", "cancellation")
	payload, err := m.state.GetOperationState(ctx, key)
	if err != nil {
		return false, err
	}
	return payload != nil, nil
}

// ClearCancellation removes the cancellation row once a batch job has
// observed and finalized it, so a subsequent run starts clean.
func (m *Manager) ClearCancellation(ctx context.Context, service, orgID string) error {
	key := types.OperationStateKey(service, orgID, "", "cancellation")
	_, err := m.state.DeleteOperationStateIf(ctx, key, nil)
	return err
}

// GetClusterFingerprints reads the feedback aggregator's last-seen cluster
// fingerprint map (§4.4), used to skip redundant LLM calls for unchanged
// clusters.
func (m *Manager) GetClusterFingerprints(ctx context.Context, agentVersion, feedbackName string) (*types.ClusterFingerprints, error) {
	key := types.OperationStateKey("feedback", agentVersion, feedbackName, "clusters")
	payload, err := m.state.GetOperationState(ctx, key)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return &types.ClusterFingerprints{Map: map[string]string{}}, nil
	}
	var cf types.ClusterFingerprints
	if err := decode(payload, &cf); err != nil {
		return nil, err
	}
	if cf.Map == nil {
		cf.Map = map[string]string{}
	}
	return &cf, nil
}

// SaveClusterFingerprints overwrites the fingerprint map after a run.
func (m *Manager) SaveClusterFingerprints(ctx context.Context, agentVersion, feedbackName string, cf types.ClusterFingerprints) error {
	key := types.OperationStateKey("feedback", agentVersion, feedbackName, "clusters")
	_, err := m.state.UpsertOperationState(ctx, key, agentVersion, func(map[string]interface{}) map[string]interface{} {
		return encode(cf)
	})
	return err
}
