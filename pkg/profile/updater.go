package profile

import (
	"context"

	"github.com/google/uuid"

	"github.com/reflexio/reflexio/pkg/embeddings"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Updater applies a merged Diff to the store (§4.3): inserts adds with
// computed embeddings, soft-deletes referenced ids, and records a
// ProfileChangeLog.
type Updater struct {
	Store      store.Store
	Embeddings embeddings.Client
}

// Apply writes diff for userID/requestID, using createdAt as both the
// driving request's timestamp and last_modified_timestamp for new rows.
func (u *Updater) Apply(ctx context.Context, userID, requestID string, createdAt int64, diff Diff) error {
	current, err := u.Store.ListProfiles(ctx, userID, types.StatusCurrent)
	if err != nil {
		return err
	}
	existingNormalized := map[string]bool{}
	for _, p := range current {
		existingNormalized[normalize(p.ProfileContent)] = true
	}

	var addedIDs []string
	for _, item := range diff.Add {
		if existingNormalized[normalize(item.Content)] {
			continue // invariant: never add a duplicate of a CURRENT profile
		}
		embedding, err := u.Embeddings.GenerateTextEmbedding(ctx, item.Content)
		if err != nil {
			return err
		}
		p := &types.UserProfile{
			ProfileID:              uuid.NewString(),
			UserID:                 userID,
			ProfileContent:         item.Content,
			GeneratedFromRequestID: requestID,
			LastModifiedTimestamp:  createdAt,
			ExpirationTimestamp:    types.ExpirationFor(item.TTLKind, createdAt),
			Source:                 "extraction",
			Status:                 types.StatusCurrent,
			Embedding:              embedding,
			CustomFeatures:         item.Metadata,
		}
		if err := u.Store.InsertProfile(ctx, p); err != nil {
			return err
		}
		addedIDs = append(addedIDs, p.ProfileID)
		existingNormalized[normalize(item.Content)] = true
	}

	var removedIDs []string
	for _, id := range diff.Delete {
		p, err := u.Store.GetProfile(ctx, id)
		if err != nil {
			continue // unknown id: nothing to delete
		}
		if p.UserID != userID || p.Status != types.StatusCurrent {
			continue // deletes apply only to CURRENT profiles owned by this user
		}
		if err := u.Store.SetProfileStatus(ctx, id, types.StatusArchived); err != nil {
			return err
		}
		removedIDs = append(removedIDs, id)
	}

	return u.Store.AppendProfileChangeLog(ctx, &types.ProfileChangeLog{
		ChangeLogID: uuid.NewString(),
		UserID:      userID,
		RequestID:   requestID,
		Added:       addedIDs,
		Removed:     removedIDs,
		Mentioned:   diff.Mention,
		CreatedAt:   createdAt,
	})
}
