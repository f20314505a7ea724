// Package prompt builds the templated prompts shared across LLM providers
// for profile extraction, feedback extraction, evaluation, and feedback
// aggregation (§4.2-§4.5), using langchaingo's prompt templating so the
// template text lives in one place instead of being assembled ad hoc per
// extractor.
package prompt

import (
	"github.com/tmc/langchaingo/prompts"

	"github.com/reflexio/reflexio/internal/errors"
)

// Template names, one per templated prompt this package owns.
const (
	ProfileExtraction   = "profile_extraction"
	FeedbackExtraction  = "feedback_extraction"
	EvaluationJudgment  = "evaluation_judgment"
	FeedbackAggregation = "feedback_aggregation"
)

var templates = map[string]string{
	ProfileExtraction: `You are extracting durable user profile facts from a conversation window.
User ID: {{.user_id}}
Existing profile:
{{.existing_profile}}
Conversation window:
{{.conversation}}
Return only facts that are stable and will remain true beyond this single request.`,

	FeedbackExtraction: `You are extracting structured developer feedback about agent behavior.
Agent version: {{.agent_version}}
Request transcript:
{{.conversation}}
Identify what the agent should do, should not do, and under what condition, and any blocking issue it hit.`,

	EvaluationJudgment: `You are judging whether an agent's response in this request succeeded.
{{.first_label}}:
{{.first_content}}
{{.second_label}} (if present, an alternative candidate response to the same turn):
{{.second_content}}
Available tools: {{.tools_used}}
Decide is_success_regular for the regular response. If a shadow response
is present, also decide how it compares to the regular one.`,

	FeedbackAggregation: `You are consolidating a cluster of similar raw feedback items into one
canonical aggregated feedback entry.
Feedback items:
{{.items}}
Produce one feedback_content, do_action, do_not_action, and when_condition
that captures what all items in this cluster agree on.`,
}

// Render fills a named template with the given variables.
func Render(name string, vars map[string]interface{}) (string, error) {
	text, ok := templates[name]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeValidation, "unknown prompt template %q", name)
	}

	inputVars := make([]string, 0, len(vars))
	for k := range vars {
		inputVars = append(inputVars, k)
	}

	tmpl := prompts.NewPromptTemplate(text, inputVars)
	rendered, err := tmpl.Format(vars)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrorTypeInternal, "render prompt template %q", name)
	}
	return rendered, nil
}
