package versioning

import (
	"context"
	"strings"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/pkg/feedback"
	"github.com/reflexio/reflexio/pkg/generation"
	"github.com/reflexio/reflexio/pkg/profile"
	"github.com/reflexio/reflexio/pkg/store"
)

// GlobalScope is the progress/cancellation org key for the whole-system
// sweeps (upgrade_all_*, rerun_*): UserProfile and RawFeedback carry no
// org_id in this system's domain model, so there is nothing narrower to
// scope a system-wide batch job's progress row to. internal/httpapi uses
// the same constant when querying GET /get_operation_status for these
// services.
const GlobalScope = "global"

func feedbackScopeKey(s store.FeedbackScope) string {
	return s.AgentVersion + "::" + s.FeedbackName
}

func splitFeedbackScopeKey(key string) store.FeedbackScope {
	parts := strings.SplitN(key, "::", 2)
	if len(parts) != 2 {
		return store.FeedbackScope{AgentVersion: parts[0]}
	}
	return store.FeedbackScope{AgentVersion: parts[0], FeedbackName: parts[1]}
}

// UpgradeAllProfiles implements POST /upgrade_all_profiles (§6): promote
// every user's PENDING profiles to CURRENT.
func (r *Runner) UpgradeAllProfiles(ctx context.Context, lc *profile.Lifecycle, userIDs []string, requestID string, stopOnError bool) error {
	op := Operation{Service: "profile-upgrade", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, userIDs, nil, func(ctx context.Context, userID string) error {
		return lc.Upgrade(ctx, userID, requestID)
	})
}

// DowngradeAllProfiles implements POST /downgrade_all_profiles (§6).
func (r *Runner) DowngradeAllProfiles(ctx context.Context, lc *profile.Lifecycle, userIDs []string, requestID string, stopOnError bool) error {
	op := Operation{Service: "profile-downgrade", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, userIDs, nil, func(ctx context.Context, userID string) error {
		return lc.Downgrade(ctx, userID, requestID)
	})
}

// UpgradeAllRawFeedbacks implements POST /upgrade_all_raw_feedbacks (§6).
func (r *Runner) UpgradeAllRawFeedbacks(ctx context.Context, lc *feedback.Lifecycle, scopes []store.FeedbackScope, requestID string, stopOnError bool) error {
	ids := make([]string, len(scopes))
	for i, s := range scopes {
		ids[i] = feedbackScopeKey(s)
	}
	op := Operation{Service: "feedback-raw-upgrade", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, ids, nil, func(ctx context.Context, key string) error {
		s := splitFeedbackScopeKey(key)
		return lc.Upgrade(ctx, s.AgentVersion, s.FeedbackName, requestID)
	})
}

// DowngradeAllRawFeedbacks implements POST /downgrade_all_raw_feedbacks (§6).
func (r *Runner) DowngradeAllRawFeedbacks(ctx context.Context, lc *feedback.Lifecycle, scopes []store.FeedbackScope, requestID string, stopOnError bool) error {
	ids := make([]string, len(scopes))
	for i, s := range scopes {
		ids[i] = feedbackScopeKey(s)
	}
	op := Operation{Service: "feedback-raw-downgrade", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, ids, nil, func(ctx context.Context, key string) error {
		s := splitFeedbackScopeKey(key)
		return lc.Downgrade(ctx, s.AgentVersion, s.FeedbackName, requestID)
	})
}

// RerunProfileGeneration implements POST /rerun_profile_generation (§6): it
// re-extracts every selected profile extractor for every user against its
// full window, writing PENDING profiles that a later upgrade_all_profiles
// promotes (generation.ModeRerun, per §4.2's mode table).
func (r *Runner) RerunProfileGeneration(ctx context.Context, svc *profile.Service, extractors []profile.Extractor, orgExtractorConfigs []config.ExtractorConfig, params generation.Params, userIDs []string, source, agentVersion, requestID string, createdAt int64, stopOnError bool) error {
	op := Operation{Service: "profile-rerun", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, userIDs, nil, func(ctx context.Context, userID string) error {
		cfg := generation.ServiceConfig{
			UserID:       userID,
			Source:       source,
			AgentVersion: agentVersion,
			RequestID:    requestID,
			Mode:         generation.ModeRerun,
		}
		outcomes, err := svc.Run(ctx, extractors, orgExtractorConfigs, params, cfg, createdAt)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Err != nil {
				return o.Err
			}
		}
		return nil
	})
}

// RerunFeedbackGeneration implements POST /rerun_feedback_generation (§6),
// the feedback-subsystem analogue of RerunProfileGeneration.
func (r *Runner) RerunFeedbackGeneration(ctx context.Context, svc *feedback.Service, extractors []feedback.Extractor, orgExtractorConfigs []config.ExtractorConfig, params generation.Params, userIDs []string, source, agentVersion, requestID string, createdAt int64, stopOnError bool) error {
	op := Operation{Service: "feedback-rerun", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, userIDs, nil, func(ctx context.Context, userID string) error {
		cfg := generation.ServiceConfig{
			UserID:       userID,
			Source:       source,
			AgentVersion: agentVersion,
			RequestID:    requestID,
			Mode:         generation.ModeRerun,
		}
		outcomes, err := svc.Run(ctx, extractors, orgExtractorConfigs, params, cfg, createdAt)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Err != nil {
				return o.Err
			}
		}
		return nil
	})
}

// UpgradeAllAggregatedFeedbacks implements POST /upgrade_all_aggregated_feedbacks
// (§6): promotes the PENDING aggregated feedback a rerun produced for each
// scope to CURRENT.
func (r *Runner) UpgradeAllAggregatedFeedbacks(ctx context.Context, lc *feedback.AggregatedLifecycle, scopes []store.FeedbackScope, requestID string, stopOnError bool) error {
	ids := make([]string, len(scopes))
	for i, s := range scopes {
		ids[i] = feedbackScopeKey(s)
	}
	op := Operation{Service: "feedback-aggregated-upgrade", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, ids, nil, func(ctx context.Context, key string) error {
		s := splitFeedbackScopeKey(key)
		return lc.Upgrade(ctx, s.AgentVersion, s.FeedbackName, requestID)
	})
}

// DowngradeAllAggregatedFeedbacks implements POST /downgrade_all_aggregated_feedbacks (§6).
func (r *Runner) DowngradeAllAggregatedFeedbacks(ctx context.Context, lc *feedback.AggregatedLifecycle, scopes []store.FeedbackScope, requestID string, stopOnError bool) error {
	ids := make([]string, len(scopes))
	for i, s := range scopes {
		ids[i] = feedbackScopeKey(s)
	}
	op := Operation{Service: "feedback-aggregated-downgrade", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, ids, nil, func(ctx context.Context, key string) error {
		s := splitFeedbackScopeKey(key)
		return lc.Downgrade(ctx, s.AgentVersion, s.FeedbackName, requestID)
	})
}

// RunFeedbackAggregation implements POST /run_feedback_aggregation (§6):
// cluster and (re)aggregate every known (agent_version, feedback_name)
// scope's CURRENT raw feedback (§4.4's 9-step algorithm).
func (r *Runner) RunFeedbackAggregation(ctx context.Context, agg *feedback.Aggregator, scopes []store.FeedbackScope, rerun, stopOnError bool) error {
	ids := make([]string, len(scopes))
	for i, s := range scopes {
		ids[i] = feedbackScopeKey(s)
	}
	op := Operation{Service: "feedback-aggregation", OrgID: GlobalScope, StopOnError: stopOnError}
	return r.RunBatch(ctx, op, ids, nil, func(ctx context.Context, key string) error {
		s := splitFeedbackScopeKey(key)
		return agg.Run(ctx, s.AgentVersion, s.FeedbackName, rerun)
	})
}
