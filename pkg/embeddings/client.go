// Package embeddings adapts an external embedding provider to the core's
// expectation of a fixed-dimension vector per model (§6), wrapped with a
// circuit breaker since the provider is an expensive external service (§5).
package embeddings

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/reflexio/reflexio/internal/errors"
)

// Client is the embedding contract the core depends on: a single
// GenerateTextEmbedding(ctx, text) call plus the fixed dimension it returns.
type Client interface {
	GenerateTextEmbedding(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// Provider is the raw, unwrapped call a concrete backend exposes.
type Provider interface {
	GenerateTextEmbedding(ctx context.Context, text string) ([]float64, error)
	Dimension() int
}

// BreakerClient wraps a Provider with a sony/gobreaker circuit breaker,
// distinct from pkg/reliability.CircuitBreaker which implements the
// orchestrator's hand-rolled failure-rate policy; this one guards a single
// external dependency and so the library's consecutive-failure default is
// the right fit.
type BreakerClient struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

func NewBreakerClient(provider Provider, name string) *BreakerClient {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &BreakerClient{
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *BreakerClient) Dimension() int { return c.provider.Dimension() }

func (c *BreakerClient) GenerateTextEmbedding(ctx context.Context, text string) ([]float64, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.provider.GenerateTextEmbedding(ctx, text)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeLLM, "embedding generation failed")
	}
	return result.([]float64), nil
}

var _ Client = (*BreakerClient)(nil)
