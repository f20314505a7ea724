package evaluation

import (
	"context"
	"math/rand"
	"strings"

	"github.com/reflexio/reflexio/pkg/llm"
	"github.com/reflexio/reflexio/pkg/llm/prompt"
	"github.com/reflexio/reflexio/pkg/types"
)

type judgmentSchema struct{}

func (judgmentSchema) SchemaName() string { return "evaluation_judgment" }

func (judgmentSchema) JSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"is_success_regular":  map[string]interface{}{"type": "boolean"},
			"failure_type":        map[string]interface{}{"type": "string"},
			"failure_reason":      map[string]interface{}{"type": "string"},
			"agent_prompt_update": map[string]interface{}{"type": "string"},
			"comparison":          map[string]interface{}{"type": "string"},
		},
		"required": []string{"is_success_regular"},
	}
}

// Judgment is the parsed outcome of one LLM judge call.
type Judgment struct {
	IsSuccess         bool
	FailureType       *string
	FailureReason     *string
	AgentPromptUpdate *string
	Comparison        *types.Comparison
}

// Judge calls the LLM to evaluate one request's regular response, and
// optionally compare it against a shadow alternative (§4.5).
type Judge struct {
	Provider llm.Provider
	Model    string
	// RandFloat returns a value in [0,1); overridable for deterministic
	// tests of the A/B position assignment, defaults to math/rand.
	RandFloat func() float64
}

func (j *Judge) randFloat() float64 {
	if j.RandFloat != nil {
		return j.RandFloat()
	}
	return rand.Float64()
}

// Evaluate judges regularContent, and if shadowContent is non-nil, also
// compares it to the shadow alternative. The two are randomly assigned to
// the first/second presentation slot to avoid position bias; the
// response's is_success_regular/comparison fields are already expressed
// in regular/shadow terms regardless of presentation order.
func (j *Judge) Evaluate(ctx context.Context, regularContent string, shadowContent *string, toolsUsed []string) (*Judgment, error) {
	vars := map[string]interface{}{
		"tools_used": strings.Join(toolsUsed, ", "),
	}

	if shadowContent != nil && j.randFloat() < 0.5 {
		vars["first_label"] = "Shadow response"
		vars["first_content"] = *shadowContent
		vars["second_label"] = "Regular response"
		vars["second_content"] = regularContent
	} else {
		vars["first_label"] = "Regular response"
		vars["first_content"] = regularContent
		if shadowContent != nil {
			vars["second_label"] = "Shadow response"
			vars["second_content"] = *shadowContent
		} else {
			vars["second_label"] = "Shadow response"
			vars["second_content"] = "(none)"
		}
	}

	text, err := prompt.Render(prompt.EvaluationJudgment, vars)
	if err != nil {
		return nil, err
	}

	resp, err := j.Provider.Generate(ctx, llm.GenerateRequest{
		Model:          j.Model,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: text}},
		ResponseSchema: judgmentSchema{},
	})
	if err != nil {
		return nil, err
	}

	return parseJudgment(resp.StructuredContent, shadowContent != nil), nil
}

func parseJudgment(structured map[string]interface{}, hasShadow bool) *Judgment {
	j := &Judgment{}
	if v, ok := structured["is_success_regular"].(bool); ok {
		j.IsSuccess = v
	}
	if v := optionalString(structured["failure_type"]); v != nil {
		j.FailureType = v
	}
	if v := optionalString(structured["failure_reason"]); v != nil {
		j.FailureReason = v
	}
	if v := optionalString(structured["agent_prompt_update"]); v != nil {
		j.AgentPromptUpdate = v
	}
	if hasShadow {
		if v := optionalString(structured["comparison"]); v != nil {
			c := types.Comparison(*v)
			j.Comparison = &c
		}
	}
	return j
}

func optionalString(v interface{}) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
