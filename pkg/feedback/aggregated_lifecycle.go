package feedback

import (
	"context"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// AggregatedLifecycle promotes the aggregated feedback a rerun produced in
// PENDING (§4.4 step 5) to CURRENT, mirroring Lifecycle's three-step
// upgrade/downgrade but scoped over aggregated_feedback rather than
// raw_feedback. Regular and manual aggregation runs never produce PENDING
// rows, so this lifecycle only has work to do after a rerun.
type AggregatedLifecycle struct {
	Store   store.Store
	Opstate *opstate.Manager
}

func (l *AggregatedLifecycle) acquire(ctx context.Context, agentVersion, feedbackName, requestID string) (func(), error) {
	outcome, err := l.Opstate.TryAcquireLock(ctx, "feedback-aggregated", agentVersion, feedbackName, requestID)
	if err != nil {
		return nil, err
	}
	if outcome != opstate.Acquired {
		return nil, errors.Newf(errors.ErrorTypeConflict,
			"an aggregated feedback lifecycle operation is already in progress for %s/%s", agentVersion, feedbackName)
	}
	return func() {
		_, _ = l.Opstate.Release(ctx, "feedback-aggregated", agentVersion, feedbackName, requestID)
	}, nil
}

// Upgrade promotes PENDING aggregated feedback to CURRENT, archives the
// prior CURRENT rows, and deletes rows that were already ARCHIVED before
// this run.
func (l *AggregatedLifecycle) Upgrade(ctx context.Context, agentVersion, feedbackName, requestID string) error {
	release, err := l.acquire(ctx, agentVersion, feedbackName, requestID)
	if err != nil {
		return err
	}
	defer release()

	pending, err := l.Store.ListAggregatedFeedback(ctx, agentVersion, feedbackName, types.StatusPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	priorArchived, err := l.Store.ListAggregatedFeedback(ctx, agentVersion, feedbackName, types.StatusArchived)
	if err != nil {
		return err
	}
	priorIDs := idsOfAggregated(priorArchived)

	current, err := l.Store.ListAggregatedFeedback(ctx, agentVersion, feedbackName, types.StatusCurrent)
	if err != nil {
		return err
	}

	if err := l.Store.SetAggregatedFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusCurrent, types.StatusArchived); err != nil {
		return err
	}

	if err := l.Store.SetAggregatedFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusPending, types.StatusCurrent); err != nil {
		// roll back only the rows this run just archived, not rows that
		// were already ARCHIVED before this run started
		_ = l.Store.RestoreAggregatedFeedbackByIDs(ctx, idsOfAggregated(current))
		return err
	}

	if len(priorIDs) > 0 {
		return l.Store.DeleteAggregatedFeedbackByIDs(ctx, priorIDs)
	}
	return nil
}

// Downgrade restores ARCHIVED aggregated feedback back to CURRENT, moving
// the previously-CURRENT rows through ARCHIVE_IN_PROGRESS so a failed step
// 2 can be rolled back without resurrecting unrelated archived rows.
func (l *AggregatedLifecycle) Downgrade(ctx context.Context, agentVersion, feedbackName, requestID string) error {
	release, err := l.acquire(ctx, agentVersion, feedbackName, requestID)
	if err != nil {
		return err
	}
	defer release()

	archived, err := l.Store.ListAggregatedFeedback(ctx, agentVersion, feedbackName, types.StatusArchived)
	if err != nil {
		return err
	}
	if len(archived) == 0 {
		return nil
	}

	current, err := l.Store.ListAggregatedFeedback(ctx, agentVersion, feedbackName, types.StatusCurrent)
	if err != nil {
		return err
	}

	if err := l.Store.SetAggregatedFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusCurrent, types.StatusArchiveInProgress); err != nil {
		return err
	}

	if err := l.Store.SetAggregatedFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusArchived, types.StatusCurrent); err != nil {
		_ = l.Store.RestoreAggregatedFeedbackByIDs(ctx, idsOfAggregated(current))
		return err
	}

	return l.Store.SetAggregatedFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusArchiveInProgress, types.StatusArchived)
}

func idsOfAggregated(feedbacks []*types.AggregatedFeedback) []string {
	ids := make([]string, len(feedbacks))
	for i, f := range feedbacks {
		ids[i] = f.FeedbackID
	}
	return ids
}
