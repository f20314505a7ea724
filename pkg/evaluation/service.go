package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/pkg/embeddings"
	"github.com/reflexio/reflexio/pkg/metrics"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/types"
)

// Service drives the per-request evaluation flow (§4.5): deterministic
// sampling, regular-vs-shadow judging, and persistence of one
// EvaluationResult per request per evaluation_name.
type Service struct {
	Judge      *Judge
	Store      store.Store
	Embeddings embeddings.Client
}

// Evaluate judges one request against cfg. It returns nil, nil when
// sampling excludes the request. A zero cfg.SamplingRate is treated as
// unset and replaced by the default rate of 1.0.
func (s *Service) Evaluate(ctx context.Context, requestID, agentVersion string, interactions []*types.Interaction, cfg config.AgentSuccessConfig, createdAt int64) (*types.EvaluationResult, error) {
	rate := cfg.SamplingRate
	if rate == 0 {
		rate = 1.0
	}
	if !Sample(requestID, rate) {
		metrics.RecordEvaluationSampled(cfg.EvaluationName, false)
		return nil, nil
	}
	metrics.RecordEvaluationSampled(cfg.EvaluationName, true)

	hasShadow := false
	for _, i := range interactions {
		if i.Role == types.RoleAgent && i.ShadowContent != nil && *i.ShadowContent != "" {
			hasShadow = true
			break
		}
	}

	regularTranscript := renderTranscript(interactions, false)
	var shadowTranscript *string
	if hasShadow {
		t := renderTranscript(interactions, true)
		shadowTranscript = &t
	}

	tools := append([]string{}, cfg.ToolSet...)
	judgment, err := s.Judge.Evaluate(ctx, regularTranscript, shadowTranscript, tools)
	if err != nil {
		return nil, err
	}

	result := &types.EvaluationResult{
		ResultID:          uuid.NewString(),
		RequestID:         requestID,
		AgentVersion:      agentVersion,
		EvaluationName:    cfg.EvaluationName,
		IsSuccess:         judgment.IsSuccess,
		FailureType:       judgment.FailureType,
		FailureReason:     judgment.FailureReason,
		AgentPromptUpdate: judgment.AgentPromptUpdate,
		RegularVsShadow:   judgment.Comparison,
		CreatedAt:         createdAt,
	}

	if s.Embeddings != nil {
		embedding, err := s.Embeddings.GenerateTextEmbedding(ctx, regularTranscript)
		if err != nil {
			return nil, err
		}
		result.Embedding = embedding
	}

	if err := s.Store.InsertEvaluationResult(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func renderTranscript(interactions []*types.Interaction, useShadow bool) string {
	var b strings.Builder
	for _, i := range interactions {
		content := i.Content
		if useShadow && i.Role == types.RoleAgent && i.ShadowContent != nil && *i.ShadowContent != "" {
			content = *i.ShadowContent
		}
		fmt.Fprintf(&b, "%s: %s\n", i.Role, content)
	}
	return b.String()
}
