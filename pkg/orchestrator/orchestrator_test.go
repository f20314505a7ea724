package orchestrator_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/orchestrator"
	"github.com/reflexio/reflexio/pkg/store/memory"
	"github.com/reflexio/reflexio/pkg/types"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

func newManager() *opstate.Manager {
	st := memory.New(newLogger())
	return opstate.New(st, 300*time.Second, newLogger())
}

func sampleRequest(id string) (*types.Request, []*types.Interaction) {
	req := &types.Request{RequestID: id, UserID: "user-1", CreatedAt: 1000, Source: "cli", AgentVersion: "v1"}
	interactions := []*types.Interaction{
		{InteractionID: id + "-i1", UserID: "user-1", RequestID: id, Role: types.RoleUser, Content: "hello"},
	}
	return req, interactions
}

var _ = Describe("Publish", func() {
	It("rejects a request with no user_id", func() {
		o := &orchestrator.Orchestrator{Store: memory.New(newLogger()), Opstate: newManager()}
		err := o.Publish(context.Background(), &types.Request{RequestID: "r1"}, []*types.Interaction{{InteractionID: "i1"}}, nil)
		Expect(err).To(HaveOccurred())
	})

	It("rejects a request with no interactions", func() {
		o := &orchestrator.Orchestrator{Store: memory.New(newLogger()), Opstate: newManager()}
		err := o.Publish(context.Background(), &types.Request{RequestID: "r1", UserID: "u1"}, nil, nil)
		Expect(err).To(HaveOccurred())
	})

	It("persists the request and interactions, then runs every task", func() {
		st := memory.New(newLogger())
		o := &orchestrator.Orchestrator{Store: st, Opstate: newManager(), Logger: newLogger()}
		req, interactions := sampleRequest("r1")

		var ran int32
		task := orchestrator.Task{
			Name:      "profile",
			OrgID:     "org-1",
			LockScope: "user-1",
			RequestID: "r1",
			Run: func(ctx context.Context, requestID string) error {
				atomic.AddInt32(&ran, 1)
				return nil
			},
		}

		Expect(o.Publish(context.Background(), req, interactions, []orchestrator.Task{task})).To(Succeed())
		Expect(atomic.LoadInt32(&ran)).To(Equal(int32(1)))

		saved, err := st.ListEvaluationResults(context.Background(), "r1")
		Expect(err).NotTo(HaveOccurred())
		Expect(saved).To(BeEmpty())
	})

	It("does not fail the publish when a task's run function returns an error", func() {
		st := memory.New(newLogger())
		o := &orchestrator.Orchestrator{Store: st, Opstate: newManager(), Logger: newLogger()}
		req, interactions := sampleRequest("r2")

		task := orchestrator.Task{
			Name:      "feedback",
			OrgID:     "org-1",
			LockScope: "org-1",
			RequestID: "r2",
			Run: func(ctx context.Context, requestID string) error {
				return context.DeadlineExceeded
			},
		}

		Expect(o.Publish(context.Background(), req, interactions, []orchestrator.Task{task})).To(Succeed())
	})

	It("does not fail the publish when a task's run function panics", func() {
		st := memory.New(newLogger())
		o := &orchestrator.Orchestrator{Store: st, Opstate: newManager(), Logger: newLogger()}
		req, interactions := sampleRequest("r3")

		task := orchestrator.Task{
			Name:      "evaluation",
			OrgID:     "org-1",
			LockScope: "org-1",
			RequestID: "r3",
			Run: func(ctx context.Context, requestID string) error {
				panic("boom")
			},
		}

		Expect(o.Publish(context.Background(), req, interactions, []orchestrator.Task{task})).To(Succeed())
	})

	It("queues a request behind a held lock instead of running it concurrently", func() {
		st := memory.New(newLogger())
		mgr := newManager()
		o := &orchestrator.Orchestrator{Store: st, Opstate: mgr, Logger: newLogger()}

		release := make(chan struct{})
		started := make(chan struct{})
		var runCount int32

		longTask := func(requestID string) orchestrator.Task {
			return orchestrator.Task{
				Name:      "profile",
				OrgID:     "org-1",
				LockScope: "user-1",
				RequestID: requestID,
				Run: func(ctx context.Context, rid string) error {
					atomic.AddInt32(&runCount, 1)
					close(started)
					<-release
					return nil
				},
			}
		}

		req1, interactions1 := sampleRequest("r4")
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			Expect(o.Publish(context.Background(), req1, interactions1, []orchestrator.Task{longTask("r4")})).To(Succeed())
		}()

		<-started

		req2, interactions2 := sampleRequest("r5")
		Expect(o.Publish(context.Background(), req2, interactions2, []orchestrator.Task{longTask("r5")})).To(Succeed())

		close(release)
		wg.Wait()

		// the first run completes, then the queued r5 is re-run once more,
		// so the task body runs exactly twice total.
		Eventually(func() int32 { return atomic.LoadInt32(&runCount) }, time.Second).Should(Equal(int32(2)))
	})
})
