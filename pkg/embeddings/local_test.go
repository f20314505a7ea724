package embeddings_test

import (
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/pkg/embeddings"
)

func TestEmbeddings(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Embeddings Suite")
}

var _ = Describe("LocalEmbeddingService", func() {
	var (
		service *embeddings.LocalEmbeddingService
		logger  *logrus.Logger
		ctx     context.Context
	)

	BeforeEach(func() {
		logger = logrus.New()
		logger.SetLevel(logrus.FatalLevel)
		ctx = context.Background()
	})

	Describe("NewLocalEmbeddingService", func() {
		It("uses the requested dimension", func() {
			service = embeddings.NewLocalEmbeddingService(512, logger)
			Expect(service.Dimension()).To(Equal(512))
		})

		It("falls back to the default dimension for zero", func() {
			service = embeddings.NewLocalEmbeddingService(0, logger)
			Expect(service.Dimension()).To(Equal(1536))
		})

		It("falls back to the default dimension for a negative value", func() {
			service = embeddings.NewLocalEmbeddingService(-10, logger)
			Expect(service.Dimension()).To(Equal(1536))
		})

		It("handles a nil logger", func() {
			service = embeddings.NewLocalEmbeddingService(384, nil)
			Expect(service).NotTo(BeNil())
		})
	})

	Describe("GenerateTextEmbedding", func() {
		BeforeEach(func() {
			service = embeddings.NewLocalEmbeddingService(384, logger)
		})

		It("returns an L2-normalized vector", func() {
			embedding, err := service.GenerateTextEmbedding(ctx, "user asked the agent to rerun the pipeline")
			Expect(err).NotTo(HaveOccurred())
			Expect(embedding).To(HaveLen(384))

			var sumSquares float64
			for _, v := range embedding {
				sumSquares += v * v
			}
			Expect(sumSquares).To(BeNumerically("~", 1.0, 0.01))
		})

		It("returns a zero vector for empty text", func() {
			embedding, err := service.GenerateTextEmbedding(ctx, "")
			Expect(err).NotTo(HaveOccurred())
			Expect(embedding).To(HaveLen(384))
			for _, v := range embedding {
				Expect(v).To(Equal(0.0))
			}
		})

		It("is deterministic for the same text", func() {
			e1, err1 := service.GenerateTextEmbedding(ctx, "shadow agent response")
			e2, err2 := service.GenerateTextEmbedding(ctx, "shadow agent response")
			Expect(err1).NotTo(HaveOccurred())
			Expect(err2).NotTo(HaveOccurred())
			Expect(e1).To(Equal(e2))
		})

		It("differs across distinct texts", func() {
			e1, _ := service.GenerateTextEmbedding(ctx, "profile extraction")
			e2, _ := service.GenerateTextEmbedding(ctx, "feedback aggregation")
			Expect(e1).NotTo(Equal(e2))
		})

		It("handles very long text without error", func() {
			longText := strings.Repeat("agent tool call success failure feedback profile ", 200)
			embedding, err := service.GenerateTextEmbedding(ctx, longText)
			Expect(err).NotTo(HaveOccurred())
			Expect(embedding).To(HaveLen(384))
		})
	})
})
