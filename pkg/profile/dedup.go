package profile

import (
	"context"
	"fmt"

	"github.com/reflexio/reflexio/pkg/llm"
)

type matchSchema struct{}

func (matchSchema) SchemaName() string { return "profile_item_match" }

func (matchSchema) JSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"is_match": map[string]interface{}{"type": "boolean"}},
		"required":   []string{"is_match"},
	}
}

// Deduplicator merges candidate adds from multiple extractors that ran
// against the same window (§4.3): matches found by pairwise LLM semantic
// comparison are merged, keeping the longer/more-specific content and
// unioning metadata. Delete and mention lists are deduplicated by id.
type Deduplicator struct {
	Provider llm.Provider
	Model    string
}

// Merge combines every extractor's Diff for a window into one.
func (d *Deduplicator) Merge(ctx context.Context, diffs []Diff) (Diff, error) {
	var merged Diff
	var adds []Item
	for _, diff := range diffs {
		adds = append(adds, diff.Add...)
		merged.Delete = append(merged.Delete, diff.Delete...)
		merged.Mention = append(merged.Mention, diff.Mention...)
	}
	merged.Delete = dedupStrings(merged.Delete)
	merged.Mention = dedupStrings(merged.Mention)

	mergedAdds, err := d.mergeAdds(ctx, adds)
	if err != nil {
		return Diff{}, err
	}
	merged.Add = mergedAdds
	return merged, nil
}

func (d *Deduplicator) mergeAdds(ctx context.Context, items []Item) ([]Item, error) {
	var result []Item
	for _, candidate := range items {
		matched := -1
		for i, existing := range result {
			isMatch, err := d.semanticMatch(ctx, candidate.Content, existing.Content)
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
	if len(b.Content) > len(a.Content) {
		winner = b
	}
	metadata := map[string]interface{}{}
	for k, v := range a.Metadata {
		metadata[k] = v
	}
	for k, v := range b.Metadata {
		metadata[k] = v
	}
	if len(metadata) > 0 {
		winner.Metadata = metadata
	}
	return winner
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
			"Do these two user-profile facts describe the same underlying fact?\nA: %q\nB: %q", a, b)}},
		ResponseSchema: matchSchema{},
	})
	if err != nil {
		return false, err
	}
	isMatch, _ := resp.StructuredContent["is_match"].(bool)
	return isMatch, nil
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
