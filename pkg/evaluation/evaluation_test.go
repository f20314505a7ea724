package evaluation_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/pkg/embeddings"
	"github.com/reflexio/reflexio/pkg/evaluation"
	"github.com/reflexio/reflexio/pkg/llm"
	"github.com/reflexio/reflexio/pkg/store/memory"
	"github.com/reflexio/reflexio/pkg/types"
)

func TestEvaluation(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Evaluation Suite")
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.FatalLevel)
	return l
}

type fakeProvider struct {
	comparison string
	lastPrompt string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if len(req.Messages) > 0 {
		p.lastPrompt = req.Messages[0].Content
	}
	content := map[string]interface{}{"is_success_regular": true}
	if p.comparison != "" {
		content["comparison"] = p.comparison
	}
	return &llm.GenerateResponse{StructuredContent: content}, nil
}

func shadowStr(s string) *string { return &s }

var _ = Describe("Sample", func() {
	It("always includes at sampling_rate 1.0", func() {
		Expect(evaluation.Sample("any-request", 1.0)).To(BeTrue())
	})

	It("never includes at sampling_rate 0", func() {
		Expect(evaluation.Sample("any-request", 0)).To(BeFalse())
	})

	It("is deterministic for a fixed request_id and rate", func() {
		first := evaluation.Sample("req-123", 0.5)
		for i := 0; i < 10; i++ {
			Expect(evaluation.Sample("req-123", 0.5)).To(Equal(first))
		}
	})

	It("converges to roughly the configured rate across many request ids", func() {
		included := 0
		const n = 2000
		for i := 0; i < n; i++ {
			if evaluation.Sample(fmt.Sprintf("req-%d", i), 0.3) {
				included++
			}
		}
		ratio := float64(included) / float64(n)
		Expect(ratio).To(BeNumerically("~", 0.3, 0.05))
	})
})

var _ = Describe("Judge", func() {
	It("assigns regular/shadow to the first presentation slot roughly 50/50", func() {
		firstIsRegular := 0
		const n = 500
		for i := 0; i < n; i++ {
			provider := &fakeProvider{}
			j := &evaluation.Judge{
				Provider: provider,
				RandFloat: func() float64 {
					if i%2 == 0 {
						return 0.9
					}
					return 0.1
				},
			}
			_, err := j.Evaluate(context.Background(), "regular text", shadowStr("shadow text"), nil)
			Expect(err).NotTo(HaveOccurred())
			regularAt := strings.Index(provider.lastPrompt, "Regular response")
			shadowAt := strings.Index(provider.lastPrompt, "Shadow response")
			Expect(regularAt).To(BeNumerically(">=", 0))
			Expect(shadowAt).To(BeNumerically(">=", 0))
			if regularAt < shadowAt {
				firstIsRegular++
			}
		}
		Expect(firstIsRegular).To(Equal(250))
	})

	It("parses is_success_regular and comparison when shadow content is present", func() {
		j := &evaluation.Judge{Provider: &fakeProvider{comparison: string(types.ShadowIsBetter)}}
		result, err := j.Evaluate(context.Background(), "regular", shadowStr("shadow"), []string{"search"})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.IsSuccess).To(BeTrue())
		Expect(result.Comparison).NotTo(BeNil())
		Expect(*result.Comparison).To(Equal(types.ShadowIsBetter))
	})

	It("leaves comparison nil when there is no shadow content", func() {
		j := &evaluation.Judge{Provider: &fakeProvider{comparison: string(types.ShadowIsBetter)}}
		result, err := j.Evaluate(context.Background(), "regular", nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Comparison).To(BeNil())
	})
})

var _ = Describe("Service.Evaluate", func() {
	It("persists one EvaluationResult per request per evaluation_name", func() {
		st := memory.New(newLogger())
		svc := &evaluation.Service{
			Judge:      &evaluation.Judge{Provider: &fakeProvider{}},
			Store:      st,
			Embeddings: embeddings.NewLocalEmbeddingService(32, newLogger()),
		}

		interactions := []*types.Interaction{
			{InteractionID: "i1", Role: types.RoleUser, Content: "please fix this"},
			{InteractionID: "i2", Role: types.RoleAgent, Content: "fixed it"},
		}
		cfg := config.AgentSuccessConfig{EvaluationName: "correctness", SamplingRate: 1.0}

		result, err := svc.Evaluate(context.Background(), "req-1", "v1", interactions, cfg, 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(result).NotTo(BeNil())

		results, err := st.ListEvaluationResults(context.Background(), "req-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(results).To(HaveLen(1))
		Expect(results[0].EvaluationName).To(Equal("correctness"))
		Expect(results[0].RegularVsShadow).To(BeNil())
	})

	It("skips persistence when sampling excludes the request", func() {
		st := memory.New(newLogger())
		svc := &evaluation.Service{
			Judge: &evaluation.Judge{Provider: &fakeProvider{}},
			Store: st,
		}
		cfg := config.AgentSuccessConfig{EvaluationName: "correctness", SamplingRate: 0.5}

		result, err := svc.Evaluate(context.Background(), "req-2", "v1", nil, cfg, 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(BeNil())

		results, _ := st.ListEvaluationResults(context.Background(), "req-2")
		Expect(results).To(BeEmpty())
	})

	It("records a regular-vs-shadow comparison when an agent turn carries shadow_content", func() {
		st := memory.New(newLogger())
		svc := &evaluation.Service{
			Judge: &evaluation.Judge{Provider: &fakeProvider{comparison: string(types.Tied)}},
			Store: st,
		}
		interactions := []*types.Interaction{
			{InteractionID: "i1", Role: types.RoleUser, Content: "please fix this"},
			{InteractionID: "i2", Role: types.RoleAgent, Content: "fixed it", ShadowContent: shadowStr("also fixed it, differently")},
		}
		cfg := config.AgentSuccessConfig{EvaluationName: "correctness", SamplingRate: 1.0}

		result, err := svc.Evaluate(context.Background(), "req-3", "v1", interactions, cfg, 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.RegularVsShadow).NotTo(BeNil())
		Expect(*result.RegularVsShadow).To(Equal(types.Tied))
	})
})
