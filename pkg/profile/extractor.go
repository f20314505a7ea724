package profile

import (
	"context"
	"fmt"
	"strings"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/generation"
	"github.com/reflexio/reflexio/pkg/llm"
	"github.com/reflexio/reflexio/pkg/llm/prompt"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Extractor produces a Diff for one window. Unlike generation.Extractor,
// it hands its Diff back to the caller instead of a Persist closure,
// because §4.3's Deduplicator needs every extractor's output for a
// window before anything is written.
type Extractor interface {
	Name() string
	ExtractDiff(ctx context.Context, window generation.Window, cfg generation.ServiceConfig) (Diff, error)
}

type diffSchema struct{}

func (diffSchema) SchemaName() string { return "profile_diff" }

func (diffSchema) JSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"profiles_to_add": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"content":  map[string]interface{}{"type": "string"},
						"metadata": map[string]interface{}{"type": "object"},
						"ttl_kind": map[string]interface{}{"type": "string"},
					},
					"required": []string{"content", "ttl_kind"},
				},
			},
			"profiles_to_delete":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"profiles_to_mention": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"profiles_to_add", "profiles_to_delete", "profiles_to_mention"},
	}
}

// LLMExtractor is the standard Extractor: it prompts the LLM with the
// window and the user's current profile, asking for the add/delete/mention
// triple.
type LLMExtractor struct {
	ExtractorName string
	Provider      llm.Provider
	Model         string
	Store         store.Store
}

func (e *LLMExtractor) Name() string { return e.ExtractorName }

func (e *LLMExtractor) ExtractDiff(ctx context.Context, window generation.Window, cfg generation.ServiceConfig) (Diff, error) {
	existing, err := e.Store.ListProfiles(ctx, cfg.UserID, types.StatusCurrent)
	if err != nil {
		return Diff{}, err
	}

	text, err := prompt.Render(prompt.ProfileExtraction, map[string]interface{}{
		"user_id":          cfg.UserID,
		"existing_profile": renderExistingProfiles(existing),
		"conversation":     renderConversation(window.Interactions),
	})
	if err != nil {
		return Diff{}, err
	}

	resp, err := e.Provider.Generate(ctx, llm.GenerateRequest{
		Model:          e.Model,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: text}},
		ResponseSchema: diffSchema{},
	})
	if err != nil {
		return Diff{}, err
	}

	return parseDiff(resp.StructuredContent)
}

func renderExistingProfiles(profiles []*types.UserProfile) string {
	if len(profiles) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, p := range profiles {
		fmt.Fprintf(&b, "- [%s] %s\n", p.ProfileID, p.ProfileContent)
	}
	return b.String()
}

func renderConversation(interactions []*types.Interaction) string {
	var b strings.Builder
	for _, i := range interactions {
		fmt.Fprintf(&b, "%s: %s\n", i.Role, i.Content)
	}
	return b.String()
}

func parseDiff(structured map[string]interface{}) (Diff, error) {
	if structured == nil {
		return Diff{}, errors.New(errors.ErrorTypeLLM, "profile extraction returned no structured content")
	}

	var diff Diff
	if raw, ok := structured["profiles_to_add"].([]interface{}); ok {
		for _, entry := range raw {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			content, _ := m["content"].(string)
			ttl, _ := m["ttl_kind"].(string)
			metadata, _ := m["metadata"].(map[string]interface{})
			diff.Add = append(diff.Add, Item{Content: content, Metadata: metadata, TTLKind: types.TTLKind(ttl)})
		}
	}
	diff.Delete = stringList(structured["profiles_to_delete"])
	diff.Mention = stringList(structured["profiles_to_mention"])
	return diff, nil
}

func stringList(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
