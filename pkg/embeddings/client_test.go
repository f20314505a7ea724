package embeddings_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/embeddings"
)

type fakeProvider struct {
	dim      int
	failNext int
	calls    int
}

func (f *fakeProvider) Dimension() int { return f.dim }

func (f *fakeProvider) GenerateTextEmbedding(ctx context.Context, text string) ([]float64, error) {
	f.calls++
	if f.calls <= f.failNext {
		return nil, errors.New(errors.ErrorTypeLLM, "provider unavailable")
	}
	return []float64{1, 0}, nil
}

var _ = Describe("BreakerClient", func() {
	It("passes through a successful call", func() {
		p := &fakeProvider{dim: 2}
		c := embeddings.NewBreakerClient(p, "test")

		got, err := c.GenerateTextEmbedding(context.Background(), "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]float64{1, 0}))
		Expect(c.Dimension()).To(Equal(2))
	})

	It("wraps a provider failure as an llm AppError", func() {
		p := &fakeProvider{dim: 2, failNext: 1}
		c := embeddings.NewBreakerClient(p, "test")

		_, err := c.GenerateTextEmbedding(context.Background(), "hello")
		Expect(errors.Is(err, errors.ErrorTypeLLM)).To(BeTrue())
	})

	It("opens after five consecutive failures and rejects without calling the provider", func() {
		p := &fakeProvider{dim: 2, failNext: 100}
		c := embeddings.NewBreakerClient(p, "test")

		for i := 0; i < 5; i++ {
			_, _ = c.GenerateTextEmbedding(context.Background(), "hello")
		}
		callsBeforeOpen := p.calls

		_, err := c.GenerateTextEmbedding(context.Background(), "hello")
		Expect(err).To(HaveOccurred())
		Expect(p.calls).To(Equal(callsBeforeOpen), "breaker should reject without invoking the provider once open")
	})
})
