package memory_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/store/memory"
	"github.com/reflexio/reflexio/pkg/types"
)

func TestMemoryStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memory Store Suite")
}

func newTestStore() *memory.Store {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return memory.New(logger)
}

var _ = Describe("Store", func() {
	var (
		ctx context.Context
		s   *memory.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = newTestStore()
	})

	Describe("Interactions", func() {
		It("rejects an interaction with an empty ID", func() {
			err := s.SaveInteractions(ctx, []*types.Interaction{{InteractionID: ""}})
			Expect(err).To(HaveOccurred())
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("saves and retrieves interactions by request", func() {
			Expect(s.SaveInteractions(ctx, []*types.Interaction{
				{InteractionID: "i1", UserID: "u1", RequestID: "r1"},
				{InteractionID: "i2", UserID: "u1", RequestID: "r1"},
			})).To(Succeed())

			got, err := s.GetInteractions(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
			Expect(got[0].InteractionID).To(Equal("i1"))
		})

		It("resolves the last window_size interactions for a user when no cursor is given", func() {
			for i := 0; i < 5; i++ {
				id := string(rune('a' + i))
				Expect(s.SaveInteractions(ctx, []*types.Interaction{
					{InteractionID: id, UserID: "u1", RequestID: "r1"},
				})).To(Succeed())
			}
			got, err := s.GetInteractionsForUser(ctx, "u1", "", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
			Expect(got[0].InteractionID).To(Equal("d"))
			Expect(got[1].InteractionID).To(Equal("e"))
		})

		It("resolves incrementally after a bookmark cursor", func() {
			for _, id := range []string{"a", "b", "c"} {
				Expect(s.SaveInteractions(ctx, []*types.Interaction{
					{InteractionID: id, UserID: "u1", RequestID: "r1"},
				})).To(Succeed())
			}
			got, err := s.GetInteractionsForUser(ctx, "u1", "a", 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
			Expect(got[0].InteractionID).To(Equal("b"))
			Expect(got[1].InteractionID).To(Equal("c"))
		})

		It("counts interactions since a bookmark", func() {
			for _, id := range []string{"a", "b", "c"} {
				Expect(s.SaveInteractions(ctx, []*types.Interaction{
					{InteractionID: id, UserID: "u1", RequestID: "r1"},
				})).To(Succeed())
			}
			n, err := s.CountInteractionsSince(ctx, "u1", "a")
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
		})

		It("removes interactions for a request on delete", func() {
			Expect(s.SaveInteractions(ctx, []*types.Interaction{
				{InteractionID: "i1", UserID: "u1", RequestID: "r1"},
			})).To(Succeed())
			Expect(s.DeleteRequest(ctx, "r1")).To(Succeed())
			got, err := s.GetInteractions(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeEmpty())
		})

		It("removes every request sharing a request_group on delete", func() {
			Expect(s.SaveRequest(ctx, &types.Request{RequestID: "r1", RequestGroup: "g1"})).To(Succeed())
			Expect(s.SaveRequest(ctx, &types.Request{RequestID: "r2", RequestGroup: "g1"})).To(Succeed())
			Expect(s.SaveInteractions(ctx, []*types.Interaction{
				{InteractionID: "i1", UserID: "u1", RequestID: "r1"},
				{InteractionID: "i2", UserID: "u1", RequestID: "r2"},
			})).To(Succeed())

			Expect(s.DeleteRequestGroup(ctx, "g1")).To(Succeed())

			got1, _ := s.GetInteractions(ctx, "r1")
			got2, _ := s.GetInteractions(ctx, "r2")
			Expect(got1).To(BeEmpty())
			Expect(got2).To(BeEmpty())
		})
	})

	Describe("Profiles", func() {
		It("rejects a profile with an empty ID", func() {
			err := s.InsertProfile(ctx, &types.UserProfile{})
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("round-trips a profile", func() {
			p := &types.UserProfile{ProfileID: "p1", UserID: "u1", Status: types.StatusCurrent}
			Expect(s.InsertProfile(ctx, p)).To(Succeed())

			got, err := s.GetProfile(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(p))
		})

		It("returns a not_found AppError for a missing profile", func() {
			_, err := s.GetProfile(ctx, "missing")
			Expect(errors.Is(err, errors.ErrorTypeNotFound)).To(BeTrue())
		})

		It("lists profiles filtered by user and status", func() {
			Expect(s.InsertProfile(ctx, &types.UserProfile{ProfileID: "p1", UserID: "u1", Status: types.StatusCurrent})).To(Succeed())
			Expect(s.InsertProfile(ctx, &types.UserProfile{ProfileID: "p2", UserID: "u1", Status: types.StatusPending})).To(Succeed())
			Expect(s.InsertProfile(ctx, &types.UserProfile{ProfileID: "p3", UserID: "u2", Status: types.StatusCurrent})).To(Succeed())

			got, err := s.ListProfiles(ctx, "u1", types.StatusCurrent)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
			Expect(got[0].ProfileID).To(Equal("p1"))
		})

		It("sets a profile's status", func() {
			Expect(s.InsertProfile(ctx, &types.UserProfile{ProfileID: "p1", UserID: "u1", Status: types.StatusCurrent})).To(Succeed())
			Expect(s.SetProfileStatus(ctx, "p1", types.StatusArchived)).To(Succeed())

			got, err := s.GetProfile(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Status).To(Equal(types.StatusArchived))
		})

		It("bulk transitions every matching profile for a user", func() {
			Expect(s.InsertProfile(ctx, &types.UserProfile{ProfileID: "p1", UserID: "u1", Status: types.StatusCurrent})).To(Succeed())
			Expect(s.InsertProfile(ctx, &types.UserProfile{ProfileID: "p2", UserID: "u1", Status: types.StatusCurrent})).To(Succeed())

			changed, err := s.SetProfileStatusForUser(ctx, "u1", types.StatusCurrent, types.StatusPending)
			Expect(err).NotTo(HaveOccurred())
			Expect(changed).To(ConsistOf("p1", "p2"))
		})

		It("records change logs in insertion order", func() {
			Expect(s.AppendProfileChangeLog(ctx, &types.ProfileChangeLog{ChangeLogID: "c1", UserID: "u1", CreatedAt: 1})).To(Succeed())
			Expect(s.AppendProfileChangeLog(ctx, &types.ProfileChangeLog{ChangeLogID: "c2", UserID: "u1", CreatedAt: 2})).To(Succeed())

			logs := s.ChangeLogsForUser("u1")
			Expect(logs).To(HaveLen(2))
			Expect(logs[0].ChangeLogID).To(Equal("c1"))
			Expect(logs[1].ChangeLogID).To(Equal("c2"))
		})
	})

	Describe("RawFeedback", func() {
		It("rejects a raw feedback with an empty ID", func() {
			err := s.InsertRawFeedback(ctx, &types.RawFeedback{})
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("lists raw feedback scoped by agent version, name and status", func() {
			Expect(s.InsertRawFeedback(ctx, &types.RawFeedback{
				RawFeedbackID: "f1", AgentVersion: "v1", FeedbackName: "tone", Status: types.StatusCurrent,
			})).To(Succeed())
			Expect(s.InsertRawFeedback(ctx, &types.RawFeedback{
				RawFeedbackID: "f2", AgentVersion: "v2", FeedbackName: "tone", Status: types.StatusCurrent,
			})).To(Succeed())

			got, err := s.ListRawFeedback(ctx, "v1", "tone", types.StatusCurrent)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
			Expect(got[0].RawFeedbackID).To(Equal("f1"))
		})

		It("bulk transitions raw feedback status for an org scope", func() {
			Expect(s.InsertRawFeedback(ctx, &types.RawFeedback{
				RawFeedbackID: "f1", AgentVersion: "v1", FeedbackName: "tone", Status: types.StatusCurrent,
			})).To(Succeed())

			Expect(s.SetRawFeedbackStatusForOrg(ctx, "v1", "tone", types.StatusCurrent, types.StatusArchived)).To(Succeed())

			got, err := s.ListRawFeedback(ctx, "v1", "tone", types.StatusArchived)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
		})
	})

	Describe("AggregatedFeedback", func() {
		It("rejects an aggregated feedback with an empty ID", func() {
			err := s.UpsertAggregatedFeedback(ctx, &types.AggregatedFeedback{})
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("fetches aggregated feedback by ID list, skipping unknown IDs", func() {
			Expect(s.UpsertAggregatedFeedback(ctx, &types.AggregatedFeedback{FeedbackID: "a1"})).To(Succeed())

			got, err := s.GetAggregatedFeedbacksByIDs(ctx, []string{"a1", "missing"})
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(1))
		})

		It("archives and restores by ID", func() {
			Expect(s.UpsertAggregatedFeedback(ctx, &types.AggregatedFeedback{FeedbackID: "a1", Status: types.StatusCurrent})).To(Succeed())

			Expect(s.ArchiveAggregatedFeedbackByIDs(ctx, []string{"a1"})).To(Succeed())
			got, _ := s.GetAggregatedFeedbacksByIDs(ctx, []string{"a1"})
			Expect(got[0].Status).To(Equal(types.StatusArchived))

			Expect(s.RestoreAggregatedFeedbackByIDs(ctx, []string{"a1"})).To(Succeed())
			got, _ = s.GetAggregatedFeedbacksByIDs(ctx, []string{"a1"})
			Expect(got[0].Status).To(Equal(types.StatusCurrent))
		})

		It("deletes by ID", func() {
			Expect(s.UpsertAggregatedFeedback(ctx, &types.AggregatedFeedback{FeedbackID: "a1"})).To(Succeed())
			Expect(s.DeleteAggregatedFeedbackByIDs(ctx, []string{"a1"})).To(Succeed())
			got, _ := s.GetAggregatedFeedbacksByIDs(ctx, []string{"a1"})
			Expect(got).To(BeEmpty())
		})
	})

	Describe("EvaluationResult", func() {
		It("accumulates results per request", func() {
			Expect(s.InsertEvaluationResult(ctx, &types.EvaluationResult{ResultID: "e1", RequestID: "r1"})).To(Succeed())
			Expect(s.InsertEvaluationResult(ctx, &types.EvaluationResult{ResultID: "e2", RequestID: "r1"})).To(Succeed())

			got, err := s.ListEvaluationResults(ctx, "r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(HaveLen(2))
		})
	})

	Describe("Search", func() {
		It("requires a non-empty query embedding", func() {
			_, err := s.Search(ctx, "profile", store.SearchQuery{})
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("rejects an unknown entity", func() {
			_, err := s.Search(ctx, "bogus", store.SearchQuery{QueryEmbedding: []float64{1}})
			Expect(errors.Is(err, errors.ErrorTypeValidation)).To(BeTrue())
		})

		It("ranks profiles by cosine similarity above the threshold", func() {
			Expect(s.InsertProfile(ctx, &types.UserProfile{
				ProfileID: "p1", UserID: "u1", Status: types.StatusCurrent, Embedding: []float64{1, 0},
			})).To(Succeed())
			Expect(s.InsertProfile(ctx, &types.UserProfile{
				ProfileID: "p2", UserID: "u1", Status: types.StatusCurrent, Embedding: []float64{0, 1},
			})).To(Succeed())

			results, err := s.Search(ctx, "profile", store.SearchQuery{
				UserID: "u1", QueryEmbedding: []float64{1, 0}, Threshold: 0.5, TopK: 10, Status: types.StatusCurrent,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(1))
			Expect(results[0].ID).To(Equal("p1"))
			Expect(results[0].Similarity).To(BeNumerically("~", 1.0, 1e-9))
		})

		It("truncates to top_k", func() {
			for i := 0; i < 5; i++ {
				Expect(s.InsertProfile(ctx, &types.UserProfile{
					ProfileID: string(rune('a' + i)), UserID: "u1", Status: types.StatusCurrent, Embedding: []float64{1, 0},
				})).To(Succeed())
			}
			results, err := s.Search(ctx, "profile", store.SearchQuery{
				UserID: "u1", QueryEmbedding: []float64{1, 0}, Threshold: 0, TopK: 2, Status: types.StatusCurrent,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(HaveLen(2))
		})
	})

	Describe("OperationState", func() {
		It("returns a nil prior value the first time a key is upserted", func() {
			prior, err := s.UpsertOperationState(ctx, "svc::org1::lock", "org1", func(p map[string]interface{}) map[string]interface{} {
				Expect(p).To(BeNil())
				return map[string]interface{}{"holder": "req1"}
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(prior).To(BeNil())

			got, err := s.GetOperationState(ctx, "svc::org1::lock")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(map[string]interface{}{"holder": "req1"}))
		})

		It("hands the prior value to the mutator on a subsequent upsert", func() {
			key := "svc::org1::lock"
			_, err := s.UpsertOperationState(ctx, key, "org1", func(p map[string]interface{}) map[string]interface{} {
				return map[string]interface{}{"holder": "req1"}
			})
			Expect(err).NotTo(HaveOccurred())

			prior, err := s.UpsertOperationState(ctx, key, "org1", func(p map[string]interface{}) map[string]interface{} {
				Expect(p["holder"]).To(Equal("req1"))
				return map[string]interface{}{"holder": "req2", "pending": p["holder"]}
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(prior).To(Equal(map[string]interface{}{"holder": "req1"}))
		})

		It("deletes conditionally, only when the predicate holds", func() {
			key := "svc::org1::lock"
			_, err := s.UpsertOperationState(ctx, key, "org1", func(p map[string]interface{}) map[string]interface{} {
				return map[string]interface{}{"holder": "req1"}
			})
			Expect(err).NotTo(HaveOccurred())

			deleted, err := s.DeleteOperationStateIf(ctx, key, func(current map[string]interface{}) bool {
				return current["holder"] == "req2"
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeFalse())

			deleted, err = s.DeleteOperationStateIf(ctx, key, func(current map[string]interface{}) bool {
				return current["holder"] == "req1"
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeTrue())

			got, err := s.GetOperationState(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeNil())
		})

		It("reports key-not-found as a false delete rather than an error", func() {
			deleted, err := s.DeleteOperationStateIf(ctx, "missing", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(BeFalse())
		})
	})
})
