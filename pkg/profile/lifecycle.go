package profile

import (
	"context"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Lifecycle implements the four-state upgrade/downgrade batch operations
// of §4.3, each a sequence of three atomic steps guarded by an opstate
// lock keyed on the user id alone ("profile::{user_id}::lock"), so two
// lifecycle operations for one user never overlap. It is not the
// (org, user) lock a profile generation task holds, so an upgrade or
// downgrade does not wait for a generation run. Neither operation writes
// a ProfileChangeLog.
type Lifecycle struct {
	Store   store.Store
	Opstate *opstate.Manager
}

func (l *Lifecycle) acquire(ctx context.Context, userID, requestID string) (func(), error) {
	outcome, err := l.Opstate.TryAcquireLock(ctx, "profile", userID, "", requestID)
	if err != nil {
		return nil, err
	}
	if outcome != opstate.Acquired {
		return nil, errors.Newf(errors.ErrorTypeConflict, "a profile lifecycle operation is already in progress for user %s", userID)
	}
	return func() { _, _ = l.Opstate.Release(ctx, "profile", userID, "", requestID) }, nil
}

// Upgrade promotes PENDING to CURRENT, archiving the old CURRENT, then
// deletes rows that were already ARCHIVED before this run (§4.3). A no-op
// (and therefore idempotent) when the user has no PENDING profiles.
func (l *Lifecycle) Upgrade(ctx context.Context, userID, requestID string) error {
	release, err := l.acquire(ctx, userID, requestID)
	if err != nil {
		return err
	}
	defer release()

	pending, err := l.Store.ListProfiles(ctx, userID, types.StatusPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	priorArchived, err := l.Store.ListProfiles(ctx, userID, types.StatusArchived)
	if err != nil {
		return err
	}
	priorIDs := make([]string, len(priorArchived))
	for i, p := range priorArchived {
		priorIDs[i] = p.ProfileID
	}

	archivedNow, err := l.Store.SetProfileStatusForUser(ctx, userID, types.StatusCurrent, types.StatusArchived)
	if err != nil {
		return err
	}

	if _, err := l.Store.SetProfileStatusForUser(ctx, userID, types.StatusPending, types.StatusCurrent); err != nil {
		for _, id := range archivedNow {
			_ = l.Store.SetProfileStatus(ctx, id, types.StatusCurrent)
		}
		return err
	}

	if len(priorIDs) > 0 {
		if err := l.Store.DeleteProfiles(ctx, priorIDs); err != nil {
			return err
		}
	}
	return nil
}

// Downgrade restores ARCHIVED to CURRENT via the ARCHIVE_IN_PROGRESS
// intermediate state (§4.3), so a concurrent reader watching only CURRENT
// never observes two versions at once. A no-op when there is nothing
// ARCHIVED to restore.
func (l *Lifecycle) Downgrade(ctx context.Context, userID, requestID string) error {
	release, err := l.acquire(ctx, userID, requestID)
	if err != nil {
		return err
	}
	defer release()

	archived, err := l.Store.ListProfiles(ctx, userID, types.StatusArchived)
	if err != nil {
		return err
	}
	if len(archived) == 0 {
		return nil
	}

	inProgress, err := l.Store.SetProfileStatusForUser(ctx, userID, types.StatusCurrent, types.StatusArchiveInProgress)
	if err != nil {
		return err
	}

	if _, err := l.Store.SetProfileStatusForUser(ctx, userID, types.StatusArchived, types.StatusCurrent); err != nil {
		for _, id := range inProgress {
			_ = l.Store.SetProfileStatus(ctx, id, types.StatusCurrent)
		}
		return err
	}

	if _, err := l.Store.SetProfileStatusForUser(ctx, userID, types.StatusArchiveInProgress, types.StatusArchived); err != nil {
		return err
	}
	return nil
}
