package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/generation"
	"github.com/reflexio/reflexio/pkg/orchestrator"
	"github.com/reflexio/reflexio/pkg/types"
)

type wireToolInvocation struct {
	ToolName  string                 `json:"tool_name"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
}

type wireInteraction struct {
	Role          string               `json:"role" validate:"required,oneof=user agent tool system"`
	Content       string               `json:"content" validate:"required"`
	ShadowContent *string              `json:"shadow_content,omitempty"`
	ToolsUsed     []wireToolInvocation `json:"tools_used,omitempty"`
	UserAction    *string              `json:"user_action,omitempty"`
	ImageURL      *string              `json:"image_url,omitempty"`
}

type publishRequest struct {
	UserID       string            `json:"user_id" validate:"required"`
	Interactions []wireInteraction `json:"interactions" validate:"required,min=1,dive"`
	Source       string            `json:"source" validate:"required"`
	AgentVersion string            `json:"agent_version" validate:"required"`
	RequestGroup string            `json:"request_group,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
}

// handlePublishInteraction implements POST /publish_interaction (§4.1, §6):
// validate, persist, and fan out to the profile/feedback/evaluation
// services. The tenant/org key used for lock scoping and OrgConfig lookup
// is agent_version (§13 open question 5); there is no other per-deployment
// field on the wire.
func (d *Deps) handlePublishInteraction(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, err)
		return
	}
	if err := d.validate().Struct(req); err != nil {
		writeValidationError(w, validationError(err))
		return
	}

	ctx := r.Context()
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	now := time.Now().Unix()
	org := req.AgentVersion

	entity := &types.Request{
		RequestID:    requestID,
		UserID:       req.UserID,
		CreatedAt:    now,
		Source:       req.Source,
		AgentVersion: req.AgentVersion,
		RequestGroup: req.RequestGroup,
	}

	interactions := make([]*types.Interaction, len(req.Interactions))
	for i, wi := range req.Interactions {
		var tools []types.ToolInvocation
		for _, t := range wi.ToolsUsed {
			tools = append(tools, types.ToolInvocation{ToolName: t.ToolName, ToolInput: t.ToolInput})
		}
		interactions[i] = &types.Interaction{
			InteractionID: uuid.NewString(),
			UserID:        req.UserID,
			RequestID:     requestID,
			CreatedAt:     now,
			Role:          types.Role(wi.Role),
			Content:       wi.Content,
			ShadowContent: wi.ShadowContent,
			ToolsUsed:     tools,
			ImageURL:      wi.ImageURL,
		}
	}

	orgCfg, err := d.OrgLoader.Load(ctx, org)
	if err != nil {
		writeFail(w, err)
		return
	}

	tasks := []orchestrator.Task{
		{
			Name:      "profile",
			LockScope: req.UserID,
			OrgID:     org,
			RequestID: requestID,
			Timeout:   d.serviceTimeout(),
			Run:       d.runProfileTask(req.UserID, req.Source, org, orgCfg, now),
		},
		{
			Name:      "feedback",
			LockScope: org,
			OrgID:     org,
			RequestID: requestID,
			Timeout:   d.serviceTimeout(),
			Run:       d.runFeedbackTask(req.UserID, req.Source, org, orgCfg, now),
		},
		{
			Name:      "evaluation",
			LockScope: org,
			OrgID:     org,
			RequestID: requestID,
			Timeout:   d.serviceTimeout(),
			Run:       d.runEvaluationTask(org, orgCfg, now),
		},
	}

	if err := d.Orchestrator.Publish(ctx, entity, interactions, tasks); err != nil {
		if appErr, ok := asAppError(err); ok && appErr.Type == errors.ErrorTypeValidation {
			writeValidationError(w, err)
			return
		}
		writeFail(w, err)
		return
	}
	writeOK(w, "published")
}

func (d *Deps) runProfileTask(userID, source, org string, orgCfg *config.OrgConfig, now int64) func(context.Context, string) error {
	return func(ctx context.Context, requestID string) error {
		cfg := generation.ServiceConfig{
			UserID:       userID,
			Source:       source,
			AgentVersion: org,
			RequestID:    requestID,
			Mode:         generation.ModeRegular,
		}
		params := generation.Params{
			Service:          "profile",
			OrgID:            org,
			GlobalWindowSize: orgCfg.ExtractionWindowSize,
			GlobalStride:     orgCfg.ExtractionStride,
			ExtractorTimeout: d.extractorTimeout(),
			PoolSize:         d.extractorPoolSize(),
		}
		outcomes, err := d.ProfileService.Run(ctx, d.ProfileExtractors, orgCfg.ExtractorsFor("profile"), params, cfg, now)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Err != nil {
				return o.Err
			}
		}
		return nil
	}
}

func (d *Deps) runFeedbackTask(userID, source, org string, orgCfg *config.OrgConfig, now int64) func(context.Context, string) error {
	return func(ctx context.Context, requestID string) error {
		cfg := generation.ServiceConfig{
			UserID:       userID,
			Source:       source,
			AgentVersion: org,
			RequestID:    requestID,
			Mode:         generation.ModeRegular,
		}
		params := generation.Params{
			Service:          "feedback",
			OrgID:            org,
			GlobalWindowSize: orgCfg.ExtractionWindowSize,
			GlobalStride:     orgCfg.ExtractionStride,
			ExtractorTimeout: d.extractorTimeout(),
			PoolSize:         d.extractorPoolSize(),
		}
		outcomes, err := d.FeedbackService.Run(ctx, d.FeedbackExtractors, orgCfg.ExtractorsFor("feedback"), params, cfg, now)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Err != nil {
				return o.Err
			}
		}
		return nil
	}
}

func (d *Deps) runEvaluationTask(org string, orgCfg *config.OrgConfig, now int64) func(context.Context, string) error {
	return func(ctx context.Context, requestID string) error {
		if d.Evaluation == nil || len(orgCfg.AgentSuccess) == 0 {
			return nil
		}
		interactions, err := d.Store.GetInteractions(ctx, requestID)
		if err != nil {
			return err
		}
		if len(interactions) == 0 {
			return nil
		}
		for _, ac := range orgCfg.AgentSuccess {
			if _, err := d.Evaluation.Evaluate(ctx, requestID, org, interactions, ac, now); err != nil {
				return err
			}
		}
		return nil
	}
}
