package feedback

import (
	"context"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Lifecycle mirrors profile.Lifecycle's three-step upgrade/downgrade, but
// scoped by (agent_version, feedback_name) instead of per-user, since raw
// feedback belongs to an agent version rather than an end user (§4.4).
type Lifecycle struct {
	Store   store.Store
	Opstate *opstate.Manager
}

func (l *Lifecycle) acquire(ctx context.Context, agentVersion, feedbackName, requestID string) (func(), error) {
	outcome, err := l.Opstate.TryAcquireLock(ctx, "feedback-raw", agentVersion, feedbackName, requestID)
	if err != nil {
		return nil, err
	}
	if outcome != opstate.Acquired {
		return nil, errors.Newf(errors.ErrorTypeConflict,
			"a raw feedback lifecycle operation is already in progress for %s/%s", agentVersion, feedbackName)
	}
	return func() {
		_, _ = l.Opstate.Release(ctx, "feedback-raw", agentVersion, feedbackName, requestID)
	}, nil
}

// Upgrade promotes PENDING raw feedback to CURRENT, archives the prior
// CURRENT rows, and deletes rows that were already ARCHIVED before this run.
func (l *Lifecycle) Upgrade(ctx context.Context, agentVersion, feedbackName, requestID string) error {
	release, err := l.acquire(ctx, agentVersion, feedbackName, requestID)
	if err != nil {
		return err
	}
	defer release()

	pending, err := l.Store.ListRawFeedback(ctx, agentVersion, feedbackName, types.StatusPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	priorArchived, err := l.Store.ListRawFeedback(ctx, agentVersion, feedbackName, types.StatusArchived)
	if err != nil {
		return err
	}
	priorIDs := make([]string, len(priorArchived))
	for i, f := range priorArchived {
		priorIDs[i] = f.RawFeedbackID
	}

	current, err := l.Store.ListRawFeedback(ctx, agentVersion, feedbackName, types.StatusCurrent)
	if err != nil {
		return err
	}

	if err := l.Store.SetRawFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusCurrent, types.StatusArchived); err != nil {
		return err
	}

	if err := l.Store.SetRawFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusPending, types.StatusCurrent); err != nil {
		// roll back only the rows this run just archived, not rows that
		// were already ARCHIVED before this run started
		_ = l.Store.SetRawFeedbackStatusByIDs(ctx, idsOf(current), types.StatusCurrent)
		return err
	}

	if len(priorIDs) > 0 {
		return l.Store.DeleteRawFeedbackByIDs(ctx, priorIDs)
	}
	return nil
}

// Downgrade restores ARCHIVED raw feedback back to CURRENT, moving the
// previously-CURRENT rows through ARCHIVE_IN_PROGRESS so a failed step 2
// can be rolled back without resurrecting unrelated archived rows.
func (l *Lifecycle) Downgrade(ctx context.Context, agentVersion, feedbackName, requestID string) error {
	release, err := l.acquire(ctx, agentVersion, feedbackName, requestID)
	if err != nil {
		return err
	}
	defer release()

	archived, err := l.Store.ListRawFeedback(ctx, agentVersion, feedbackName, types.StatusArchived)
	if err != nil {
		return err
	}
	if len(archived) == 0 {
		return nil
	}

	current, err := l.Store.ListRawFeedback(ctx, agentVersion, feedbackName, types.StatusCurrent)
	if err != nil {
		return err
	}

	if err := l.Store.SetRawFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusCurrent, types.StatusArchiveInProgress); err != nil {
		return err
	}

	if err := l.Store.SetRawFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusArchived, types.StatusCurrent); err != nil {
		_ = l.Store.SetRawFeedbackStatusByIDs(ctx, idsOf(current), types.StatusCurrent)
		return err
	}

	return l.Store.SetRawFeedbackStatusForOrg(ctx, agentVersion, feedbackName, types.StatusArchiveInProgress, types.StatusArchived)
}

func idsOf(feedbacks []*types.RawFeedback) []string {
	ids := make([]string, len(feedbacks))
	for i, f := range feedbacks {
		ids[i] = f.RawFeedbackID
	}
	return ids
}
