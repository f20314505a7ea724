package feedback

import (
	"context"
	"fmt"

	"github.com/reflexio/reflexio/pkg/llm"
)

type matchSchema struct{}

func (matchSchema) SchemaName() string { return "feedback_item_match" }

func (matchSchema) JSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"is_match": map[string]interface{}{"type": "boolean"}},
		"required":   []string{"is_match"},
	}
}

// Deduplicator mirrors profile.Deduplicator: items are merged across
// extractors that produced the same feedback_name (§4.4), keeping the
// longer/more-specific feedback_content and unioning the do/don't/when
// fields when one side is empty.
type Deduplicator struct {
	Provider llm.Provider
	Model    string
}

func (d *Deduplicator) Merge(ctx context.Context, items []Item) ([]Item, error) {
	byName := map[string][]Item{}
	var order []string
	for _, it := range items {
		if _, ok := byName[it.FeedbackName]; !ok {
			order = append(order, it.FeedbackName)
		}
		byName[it.FeedbackName] = append(byName[it.FeedbackName], it)
	}

	var merged []Item
	for _, name := range order {
		group, err := d.mergeGroup(ctx, byName[name])
		if err != nil {
			return nil, err
		}
		merged = append(merged, group...)
	}
	return merged, nil
}

func (d *Deduplicator) mergeGroup(ctx context.Context, group []Item) ([]Item, error) {
	var result []Item
	for _, candidate := range group {
		matched := -1
		for i, existing := range result {
			isMatch, err := d.semanticMatch(ctx, candidate.FeedbackContent, existing.FeedbackContent)
			if err != nil {
				return nil, err
			}
			if isMatch {
				matched = i
				break
			}
		}
		if matched == -1 {
			result = append(result, candidate)
			continue
		}
		result[matched] = mergeItems(result[matched], candidate)
	}
	return result, nil
}

func mergeItems(a, b Item) Item {
	winner := a
	if len(b.FeedbackContent) > len(a.FeedbackContent) {
		winner = b
	}
	if winner.DoAction == "" {
		winner.DoAction = otherOf(a, b).DoAction
	}
	if winner.DoNotAction == "" {
		winner.DoNotAction = otherOf(a, b).DoNotAction
	}
	if winner.WhenCondition == "" {
		winner.WhenCondition = otherOf(a, b).WhenCondition
	}
	if winner.BlockingIssue == nil {
		winner.BlockingIssue = otherOf(a, b).BlockingIssue
	}
	return winner
}

func otherOf(a, b Item) Item {
	// the caller already picked a winner by length; this just exposes the
	// loser's fields for the empty-field union above
	if len(b.FeedbackContent) > len(a.FeedbackContent) {
		return a
	}
	return b
}

func (d *Deduplicator) semanticMatch(ctx context.Context, a, b string) (bool, error) {
	if normalize(a) == normalize(b) {
		return true, nil
	}
	if d.Provider == nil {
		return false, nil
	}
	resp, err := d.Provider.Generate(ctx, llm.GenerateRequest{
		Model: d.Model,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: fmt.Sprintf(
			"Do these two pieces of developer feedback describe the same underlying behavior?\nA: %q\nB: %q", a, b)}},
		ResponseSchema: matchSchema{},
	})
	if err != nil {
		return false, err
	}
	isMatch, _ := resp.StructuredContent["is_match"].(bool)
	return isMatch, nil
}
