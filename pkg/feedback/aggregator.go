package feedback

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/reflexio/reflexio/pkg/cluster"
	"github.com/reflexio/reflexio/pkg/llm"
	"github.com/reflexio/reflexio/pkg/llm/prompt"
	"github.com/reflexio/reflexio/pkg/metrics"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/telemetry"
	"github.com/reflexio/reflexio/pkg/types"
)

// Aggregator implements run_aggregation(agent_version, feedback_name)
// (§4.4): cluster CURRENT raw feedback, fingerprint each cluster, carry
// forward aggregated feedback whose cluster membership didn't change, and
// only call the LLM for clusters that are new or changed.
type Aggregator struct {
	Store    store.Store
	Opstate  *opstate.Manager
	Provider llm.Provider
	Model    string
	Cluster  cluster.Options
}

// Run executes one aggregation pass. Rerun bypasses the fingerprint
// comparison and regenerates every cluster's aggregated feedback.
func (a *Aggregator) Run(ctx context.Context, agentVersion, feedbackName string, rerun bool) (err error) {
	ctx, span := telemetry.StartAggregation(ctx, agentVersion, feedbackName, rerun)
	defer telemetry.EndWithError(span, &err)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.RecordAggregationRun(outcome)
	}()

	raw, err := a.Store.ListRawFeedback(ctx, agentVersion, feedbackName, types.StatusCurrent)
	if err != nil {
		return err
	}

	items := make([]cluster.Item, len(raw))
	byID := map[string]*types.RawFeedback{}
	for i, f := range raw {
		items[i] = cluster.Item{ID: f.RawFeedbackID, Embedding: f.Embedding}
		byID[f.RawFeedbackID] = f
	}
	clusters := cluster.Clusters(items, a.Cluster)

	prevFP, err := a.Opstate.GetClusterFingerprints(ctx, agentVersion, feedbackName)
	if err != nil {
		return err
	}

	newMap := map[string]string{}
	seenPrevFP := map[string]bool{}
	var archivedIDs []string
	carriedForward := 0

	defer func() {
		if err != nil && len(archivedIDs) > 0 {
			_ = a.Store.RestoreAggregatedFeedbackByIDs(ctx, archivedIDs)
		}
	}()

	for _, c := range clusters {
		fp := c.Fingerprint()
		memberIDs := c.RawFeedbackIDs()

		if !rerun {
			if existingID, ok := prevFP.Map[fp]; ok {
				newMap[fp] = existingID
				seenPrevFP[fp] = true
				carriedForward++
				continue
			}
		}

		var members []*types.RawFeedback
		for _, id := range memberIDs {
			if f, ok := byID[id]; ok {
				members = append(members, f)
			}
		}

		feedbackID, genErr := a.generate(ctx, agentVersion, feedbackName, members, rerun)
		if genErr != nil {
			err = genErr
			return err
		}
		newMap[fp] = feedbackID
	}

	var toArchive []string
	for fp, feedbackID := range prevFP.Map {
		if seenPrevFP[fp] {
			continue
		}
		if _, stillPresent := newMap[fp]; stillPresent {
			continue
		}
		toArchive = append(toArchive, feedbackID)
	}

	if len(toArchive) > 0 {
		approved, apprErr := a.approvedIDs(ctx, toArchive)
		if apprErr != nil {
			err = apprErr
			return err
		}
		var archivable []string
		for _, id := range toArchive {
			if !approved[id] {
				archivable = append(archivable, id)
			}
		}
		if len(archivable) > 0 {
			if archErr := a.Store.ArchiveAggregatedFeedbackByIDs(ctx, archivable); archErr != nil {
				err = archErr
				return err
			}
			archivedIDs = archivable
		}
	}

	if saveErr := a.Opstate.SaveClusterFingerprints(ctx, agentVersion, feedbackName, types.ClusterFingerprints{Map: newMap}); saveErr != nil {
		err = saveErr
		return err
	}

	metrics.RecordAggregationCarriedForward(carriedForward)
	return nil
}

func (a *Aggregator) approvedIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	feedbacks, err := a.Store.GetAggregatedFeedbacksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	approved := map[string]bool{}
	for _, f := range feedbacks {
		if f.FeedbackStatus == types.ApprovalApproved {
			approved[f.FeedbackID] = true
		}
	}
	return approved, nil
}

func (a *Aggregator) generate(ctx context.Context, agentVersion, feedbackName string, members []*types.RawFeedback, rerun bool) (string, error) {
	text, err := prompt.Render(prompt.FeedbackAggregation, map[string]interface{}{
		"items": renderClusterItems(members),
	})
	if err != nil {
		return "", err
	}

	resp, err := a.Provider.Generate(ctx, llm.GenerateRequest{
		Model:          a.Model,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: text}},
		ResponseSchema: aggregationSchema{},
	})
	if err != nil {
		return "", err
	}

	status := types.StatusCurrent
	if rerun {
		status = types.StatusPending
	}
	agg := &types.AggregatedFeedback{
		FeedbackID:      uuid.NewString(),
		FeedbackName:    feedbackName,
		AgentVersion:    agentVersion,
		FeedbackContent: str(resp.StructuredContent["feedback_content"]),
		DoAction:        str(resp.StructuredContent["do_action"]),
		DoNotAction:     str(resp.StructuredContent["do_not_action"]),
		WhenCondition:   str(resp.StructuredContent["when_condition"]),
		FeedbackStatus:  types.ApprovalPending,
		Status:          status,
	}
	if len(members) > 0 {
		agg.Embedding = members[0].Embedding
	}
	if err := a.Store.UpsertAggregatedFeedback(ctx, agg); err != nil {
		return "", err
	}
	return agg.FeedbackID, nil
}

func renderClusterItems(members []*types.RawFeedback) string {
	var b strings.Builder
	for _, f := range members {
		fmt.Fprintf(&b, "- when %q: do %q, don't %q (%s)\n", f.WhenCondition, f.DoAction, f.DoNotAction, f.FeedbackContent)
	}
	return b.String()
}

type aggregationSchema struct{}

func (aggregationSchema) SchemaName() string { return "aggregated_feedback" }

func (aggregationSchema) JSONSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"feedback_content": map[string]interface{}{"type": "string"},
			"do_action":        map[string]interface{}{"type": "string"},
			"do_not_action":    map[string]interface{}{"type": "string"},
			"when_condition":   map[string]interface{}{"type": "string"},
		},
		"required": []string{"feedback_content"},
	}
}
