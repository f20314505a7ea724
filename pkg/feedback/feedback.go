// Package feedback implements the feedback subsystem (§4.4): structured
// developer-feedback extraction, cross-extractor deduplication, the
// raw-feedback lifecycle, and the cluster aggregator with its fingerprint
// change-detection LLM-call avoidance.
package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/generation"
	"github.com/reflexio/reflexio/pkg/llm"
	"github.com/reflexio/reflexio/pkg/llm/prompt"
	"github.com/reflexio/reflexio/pkg/types"
)

// Item is one extractor's structured feedback output (§4.4).
type Item struct {
	FeedbackName  string
	FeedbackContent string
	DoAction      string
	DoNotAction   string
	WhenCondition string
	BlockingIssue *types.BlockingIssue
}

// IndexedContent mirrors types.IndexedContentFor for this item.
func (i Item) IndexedContent() string {
	return types.IndexedContentFor(i.WhenCondition, i.DoAction, i.DoNotAction)
}

// Extractor produces zero or more Items for one window. Like
// profile.Extractor (and for the same reason — the Deduplicator needs
// every extractor's output before anything is written) it hands items
// back rather than a ready Persist closure.
type Extractor interface {
	Name() string
	ExtractItems(ctx context.Context, window generation.Window, cfg generation.ServiceConfig) ([]Item, error)
}

type itemSchema struct{}

func (itemSchema) SchemaName() string { return "feedback_items" }

func (itemSchema) JSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"items": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"feedback_name":    map[string]interface{}{"type": "string"},
						"feedback_content": map[string]interface{}{"type": "string"},
						"do_action":        map[string]interface{}{"type": "string"},
						"do_not_action":    map[string]interface{}{"type": "string"},
						"when_condition":   map[string]interface{}{"type": "string"},
						"blocking_issue":   map[string]interface{}{"type": "string"},
					},
					"required": []string{"feedback_name", "feedback_content"},
				},
			},
		},
		"required": []string{"items"},
	}
}

// LLMExtractor prompts the LLM with the window and parses the resulting
// structured feedback items.
type LLMExtractor struct {
	ExtractorName string
	Provider      llm.Provider
	Model         string
}

func (e *LLMExtractor) Name() string { return e.ExtractorName }

func (e *LLMExtractor) ExtractItems(ctx context.Context, window generation.Window, cfg generation.ServiceConfig) ([]Item, error) {
	text, err := prompt.Render(prompt.FeedbackExtraction, map[string]interface{}{
		"agent_version": cfg.AgentVersion,
		"conversation":  renderConversation(window.Interactions),
	})
	if err != nil {
		return nil, err
	}

	resp, err := e.Provider.Generate(ctx, llm.GenerateRequest{
		Model:          e.Model,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: text}},
		ResponseSchema: itemSchema{},
	})
	if err != nil {
		return nil, err
	}
	return parseItems(resp.StructuredContent)
}

func renderConversation(interactions []*types.Interaction) string {
	var b strings.Builder
	for _, i := range interactions {
		fmt.Fprintf(&b, "%s: %s\n", i.Role, i.Content)
	}
	return b.String()
}

func parseItems(structured map[string]interface{}) ([]Item, error) {
	if structured == nil {
		return nil, errors.New(errors.ErrorTypeLLM, "feedback extraction returned no structured content")
	}
	raw, ok := structured["items"].([]interface{})
	if !ok {
		return nil, nil
	}
	items := make([]Item, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		item := Item{
			FeedbackName:    str(m["feedback_name"]),
			FeedbackContent: str(m["feedback_content"]),
			DoAction:        str(m["do_action"]),
			DoNotAction:     str(m["do_not_action"]),
			WhenCondition:   str(m["when_condition"]),
		}
		if bi := str(m["blocking_issue"]); bi != "" {
			item.BlockingIssue = &types.BlockingIssue{Kind: types.BlockingIssueKind(bi)}
		}
		items = append(items, item)
	}
	return items, nil
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}
