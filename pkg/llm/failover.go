package llm

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/reliability"
)

// FailoverClient tries a primary Provider first and falls back to a
// secondary one when the primary call fails or the primary's circuit
// breaker is open, recording ProviderHealth for both along the way.
type FailoverClient struct {
	mu        sync.Mutex
	primary   Provider
	fallback  Provider
	breaker   *reliability.CircuitBreaker
	health    map[string]ProviderHealth
	logger    logrus.FieldLogger
}

// NewFailoverClient wires a primary and fallback provider behind one
// circuit breaker guarding the primary (failureThreshold/resetTimeout per
// internal/config.LLMConfig).
func NewFailoverClient(primary, fallback Provider, failureThreshold float64, resetTimeout time.Duration, logger logrus.FieldLogger) *FailoverClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	c := &FailoverClient{
		primary:  primary,
		fallback: fallback,
		breaker:  reliability.NewCircuitBreaker(primary.Name(), failureThreshold, resetTimeout).WithLogger(logger),
		health:   map[string]ProviderHealth{primary.Name(): newProviderHealth()},
		logger:   logger,
	}
	if fallback != nil {
		c.health[fallback.Name()] = newProviderHealth()
	}
	return c
}

func (c *FailoverClient) Name() string { return c.primary.Name() + "+fallback" }

// Generate calls the primary through its circuit breaker; if the breaker
// rejects the call (open) or the call itself fails and a fallback is
// configured, it retries once against the fallback provider.
func (c *FailoverClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	var resp *GenerateResponse
	started := time.Now()
	cbErr := c.breaker.Call(func() error {
		var genErr error
		resp, genErr = c.primary.Generate(ctx, req)
		return genErr
	})

	if cbErr == nil {
		c.recordOutcome(c.primary.Name(), true, time.Since(started))
		return resp, nil
	}
	c.recordOutcome(c.primary.Name(), false, 0)

	if c.fallback == nil {
		return nil, errors.Wrap(cbErr, errors.ErrorTypeLLM, "primary provider failed and no fallback is configured")
	}

	c.logger.WithFields(logrus.Fields{
		"primary":  c.primary.Name(),
		"fallback": c.fallback.Name(),
		"error":    cbErr.Error(),
	}).Warn("falling back to secondary LLM provider")

	fallbackStarted := time.Now()
	fallbackResp, fallbackErr := c.fallback.Generate(ctx, req)
	if fallbackErr != nil {
		c.recordOutcome(c.fallback.Name(), false, 0)
		return nil, errors.Wrap(fallbackErr, errors.ErrorTypeLLM, "both primary and fallback providers failed")
	}
	c.recordOutcome(c.fallback.Name(), true, time.Since(fallbackStarted))
	return fallbackResp, nil
}

func (c *FailoverClient) recordOutcome(provider string, success bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.health[provider]
	if success {
		h.recordSuccess(latency)
	} else {
		h.recordFailure()
	}
	c.health[provider] = h
}

// Health returns a snapshot of a provider's tracked health, or the zero
// value if the provider is unknown to this client.
func (c *FailoverClient) Health(provider string) ProviderHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health[provider]
}

// ReadinessCheck reports whether this client can currently serve requests:
// it fails only when the primary's circuit breaker is open and no fallback
// is configured to absorb the traffic.
func (c *FailoverClient) ReadinessCheck(ctx context.Context) error {
	if c.breaker.GetState() != reliability.CircuitStateOpen {
		return nil
	}
	if c.fallback != nil {
		return nil
	}
	return errors.Newf(errors.ErrorTypeLLM, "primary provider %s circuit breaker is open and no fallback is configured", c.primary.Name())
}

var _ Provider = (*FailoverClient)(nil)
