package profile_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/pkg/embeddings"
	"github.com/reflexio/reflexio/pkg/generation"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/profile"
	"github.com/reflexio/reflexio/pkg/store/memory"
	"github.com/reflexio/reflexio/pkg/types"
)

func TestProfile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Profile Suite")
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func seedInteractions(st *memory.Store, userID string, n int) {
	for i := 0; i < n; i++ {
		_ = st.SaveInteractions(context.Background(), []*types.Interaction{{
			InteractionID: userID + "-i" + string(rune('a'+i)),
			UserID:        userID,
			RequestID:     "r1",
			CreatedAt:     int64(i),
			Role:          types.RoleUser,
			Content:       "hello",
		}})
	}
}

type fakeExtractor struct {
	name string
	diff profile.Diff
	err  error
}

func (e *fakeExtractor) Name() string { return e.name }

func (e *fakeExtractor) ExtractDiff(ctx context.Context, w generation.Window, cfg generation.ServiceConfig) (profile.Diff, error) {
	return e.diff, e.err
}

var _ = Describe("Updater", func() {
	var (
		st      *memory.Store
		updater *profile.Updater
	)

	BeforeEach(func() {
		st = memory.New(newLogger())
		updater = &profile.Updater{Store: st, Embeddings: embeddings.NewLocalEmbeddingService(32, newLogger())}
	})

	It("inserts new adds with computed embeddings and expiration", func() {
		diff := profile.Diff{Add: []profile.Item{{Content: "likes dark mode", TTLKind: types.TTLOneMonth}}}
		Expect(updater.Apply(context.Background(), "u1", "r1", 1000, diff)).To(Succeed())

		profiles, err := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		Expect(err).NotTo(HaveOccurred())
		Expect(profiles).To(HaveLen(1))
		Expect(profiles[0].Embedding).NotTo(BeEmpty())
		Expect(profiles[0].ExpirationTimestamp).NotTo(BeNil())
	})

	It("never adds a duplicate of a CURRENT profile", func() {
		diff := profile.Diff{Add: []profile.Item{{Content: "likes dark mode", TTLKind: types.TTLInfinity}}}
		Expect(updater.Apply(context.Background(), "u1", "r1", 1000, diff)).To(Succeed())
		Expect(updater.Apply(context.Background(), "u1", "r2", 2000, diff)).To(Succeed())

		profiles, err := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		Expect(err).NotTo(HaveOccurred())
		Expect(profiles).To(HaveLen(1))
	})

	It("archives only CURRENT profiles owned by the requesting user on delete", func() {
		diff := profile.Diff{Add: []profile.Item{{Content: "likes dark mode", TTLKind: types.TTLInfinity}}}
		Expect(updater.Apply(context.Background(), "u1", "r1", 1000, diff)).To(Succeed())
		added, _ := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		id := added[0].ProfileID

		Expect(updater.Apply(context.Background(), "u1", "r2", 2000, profile.Diff{Delete: []string{id}})).To(Succeed())

		current, _ := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		Expect(current).To(BeEmpty())
		archived, _ := st.ListProfiles(context.Background(), "u1", types.StatusArchived)
		Expect(archived).To(HaveLen(1))
	})

	It("records a ProfileChangeLog for every apply", func() {
		diff := profile.Diff{Mention: []string{"p1"}}
		Expect(updater.Apply(context.Background(), "u1", "r1", 1000, diff)).To(Succeed())

		logs := st.ChangeLogsForUser("u1")
		Expect(logs).To(HaveLen(1))
		Expect(logs[0].RequestID).To(Equal("r1"))
		Expect(logs[0].Mentioned).To(Equal([]string{"p1"}))
	})
})

var _ = Describe("Deduplicator", func() {
	It("merges exact-duplicate content without calling the LLM", func() {
		d := &profile.Deduplicator{}
		merged, err := d.Merge(context.Background(), []profile.Diff{
			{Add: []profile.Item{{Content: "likes dark mode"}}},
			{Add: []profile.Item{{Content: "Likes Dark Mode"}}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(merged.Add).To(HaveLen(1))
	})

	It("keeps distinct content as separate items", func() {
		d := &profile.Deduplicator{}
		merged, err := d.Merge(context.Background(), []profile.Diff{
			{Add: []profile.Item{{Content: "likes dark mode"}}},
			{Add: []profile.Item{{Content: "prefers concise answers"}}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(merged.Add).To(HaveLen(2))
	})

	It("dedups delete and mention ids", func() {
		d := &profile.Deduplicator{}
		merged, err := d.Merge(context.Background(), []profile.Diff{
			{Delete: []string{"p1"}, Mention: []string{"p2"}},
			{Delete: []string{"p1"}, Mention: []string{"p2"}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(merged.Delete).To(Equal([]string{"p1"}))
		Expect(merged.Mention).To(Equal([]string{"p2"}))
	})
})

var _ = Describe("Lifecycle", func() {
	var (
		st        *memory.Store
		lifecycle *profile.Lifecycle
	)

	BeforeEach(func() {
		st = memory.New(newLogger())
		mgr := opstate.New(st, time.Hour, newLogger())
		lifecycle = &profile.Lifecycle{Store: st, Opstate: mgr}
	})

	It("upgrades PENDING to CURRENT, archives old CURRENT, and deletes already-ARCHIVED rows", func() {
		Expect(st.InsertProfile(context.Background(), &types.UserProfile{ProfileID: "old-archived", UserID: "u1", Status: types.StatusArchived})).To(Succeed())
		Expect(st.InsertProfile(context.Background(), &types.UserProfile{ProfileID: "current-1", UserID: "u1", Status: types.StatusCurrent})).To(Succeed())
		Expect(st.InsertProfile(context.Background(), &types.UserProfile{ProfileID: "pending-1", UserID: "u1", Status: types.StatusPending})).To(Succeed())

		Expect(lifecycle.Upgrade(context.Background(), "u1", "req-1")).To(Succeed())

		current, _ := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		Expect(current).To(HaveLen(1))
		Expect(current[0].ProfileID).To(Equal("pending-1"))

		archived, _ := st.ListProfiles(context.Background(), "u1", types.StatusArchived)
		Expect(archived).To(HaveLen(1))
		Expect(archived[0].ProfileID).To(Equal("current-1"))

		_, err := st.GetProfile(context.Background(), "old-archived")
		Expect(err).To(HaveOccurred())
	})

	It("is a no-op when there is nothing PENDING", func() {
		Expect(st.InsertProfile(context.Background(), &types.UserProfile{ProfileID: "current-1", UserID: "u1", Status: types.StatusCurrent})).To(Succeed())
		Expect(lifecycle.Upgrade(context.Background(), "u1", "req-1")).To(Succeed())

		current, _ := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		Expect(current).To(HaveLen(1))
		Expect(current[0].ProfileID).To(Equal("current-1"))
	})

	It("downgrades by restoring ARCHIVED to CURRENT", func() {
		Expect(st.InsertProfile(context.Background(), &types.UserProfile{ProfileID: "current-1", UserID: "u1", Status: types.StatusCurrent})).To(Succeed())
		Expect(st.InsertProfile(context.Background(), &types.UserProfile{ProfileID: "archived-1", UserID: "u1", Status: types.StatusArchived})).To(Succeed())

		Expect(lifecycle.Downgrade(context.Background(), "u1", "req-1")).To(Succeed())

		current, _ := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		var ids []string
		for _, p := range current {
			ids = append(ids, p.ProfileID)
		}
		Expect(ids).To(ConsistOf("archived-1"))

		archived, _ := st.ListProfiles(context.Background(), "u1", types.StatusArchived)
		Expect(archived).To(HaveLen(1))
		Expect(archived[0].ProfileID).To(Equal("current-1"))
	})

	It("is a no-op when there is nothing ARCHIVED", func() {
		Expect(st.InsertProfile(context.Background(), &types.UserProfile{ProfileID: "current-1", UserID: "u1", Status: types.StatusCurrent})).To(Succeed())
		Expect(lifecycle.Downgrade(context.Background(), "u1", "req-1")).To(Succeed())

		current, _ := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		Expect(current).To(HaveLen(1))
		Expect(current[0].ProfileID).To(Equal("current-1"))
	})

	It("rejects a concurrent lifecycle operation for the same user", func() {
		outcome, err := lifecycle.Opstate.TryAcquireLock(context.Background(), "profile", "u1", "", "other-request")
		Expect(err).NotTo(HaveOccurred())
		Expect(outcome).To(Equal(opstate.Acquired))

		err = lifecycle.Upgrade(context.Background(), "u1", "req-1")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Service.Run", func() {
	It("merges diffs from multiple extractors and persists once", func() {
		st := memory.New(newLogger())
		mgr := opstate.New(st, time.Hour, newLogger())
		seedInteractions(st, "u1", 5)

		ex1 := &fakeExtractor{name: "e1", diff: profile.Diff{Add: []profile.Item{{Content: "likes dark mode", TTLKind: types.TTLInfinity}}}}
		ex2 := &fakeExtractor{name: "e2", diff: profile.Diff{Add: []profile.Item{{Content: "likes dark mode", TTLKind: types.TTLInfinity}}}}

		svc := &profile.Service{
			Store:   st,
			Opstate: mgr,
			Dedup:   &profile.Deduplicator{},
			Updater: &profile.Updater{Store: st, Embeddings: embeddings.NewLocalEmbeddingService(32, newLogger())},
			Logger:  newLogger(),
		}

		ecs := []config.ExtractorConfig{
			{Name: "e1", Service: "profile", Stride: 1, WindowSize: 5},
			{Name: "e2", Service: "profile", Stride: 1, WindowSize: 5},
		}

		outcomes, err := svc.Run(context.Background(),
			[]profile.Extractor{ex1, ex2}, ecs,
			generation.Params{Service: "profile", OrgID: "org1"},
			generation.ServiceConfig{UserID: "u1", Source: "chat", Mode: generation.ModeRegular, RequestID: "r1"},
			1000)

		Expect(err).NotTo(HaveOccurred())
		Expect(outcomes).To(HaveLen(2))
		for _, o := range outcomes {
			Expect(o.Err).NotTo(HaveOccurred())
			Expect(o.Skipped).To(BeFalse())
		}

		current, _ := st.ListProfiles(context.Background(), "u1", types.StatusCurrent)
		Expect(current).To(HaveLen(1))
	})
})
