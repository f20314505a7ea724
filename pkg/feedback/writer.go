package feedback

import (
	"context"

	"github.com/google/uuid"

	"github.com/reflexio/reflexio/pkg/embeddings"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Writer persists a deduplicated batch of raw feedback items (§4.4): each
// item becomes one CURRENT RawFeedback row with an embedding computed over
// its indexed content.
type Writer struct {
	Store      store.Store
	Embeddings embeddings.Client
}

func (w *Writer) Apply(ctx context.Context, agentVersion, requestID string, createdAt int64, items []Item) error {
	for _, item := range items {
		indexed := item.IndexedContent()
		embedding, err := w.Embeddings.GenerateTextEmbedding(ctx, indexed)
		if err != nil {
			return err
		}
		f := &types.RawFeedback{
			RawFeedbackID:   uuid.NewString(),
			AgentVersion:    agentVersion,
			RequestID:       requestID,
			FeedbackName:    item.FeedbackName,
			CreatedAt:       createdAt,
			FeedbackContent: item.FeedbackContent,
			DoAction:        item.DoAction,
			DoNotAction:     item.DoNotAction,
			WhenCondition:   item.WhenCondition,
			BlockingIssue:   item.BlockingIssue,
			IndexedContent:  indexed,
			Status:          types.StatusCurrent,
			Embedding:       embedding,
		}
		if err := w.Store.InsertRawFeedback(ctx, f); err != nil {
			return err
		}
	}
	return nil
}
