// Package llm adapts the core's LLM expectation (§6: generate(model,
// messages, response_format?) → string | structured_object) to concrete
// providers, with automatic failover from a primary to a secondary
// provider (health tracking, GetHealthyProviders-style filtering)
// narrowed from an N-provider pool down to an Anthropic/Bedrock pair.
package llm

import (
	"context"
	"time"

	"github.com/reflexio/reflexio/internal/errors"
)

// Role mirrors the wire-level message roles the core publishes (§3/§6).
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in the prompt sent to a provider.
type Message struct {
	Role    Role
	Content string
}

// Schema is a typed structured-output schema. The core must pass a
// concrete Schema implementation for extractor calls (§6: "the client
// must reject dict-schema inputs and only accept a typed schema object").
// A bare map[string]interface{} does not satisfy this interface, which is
// the enforcement mechanism: it is a compile-time rejection, not a
// runtime check.
type Schema interface {
	SchemaName() string
	JSONSchema() map[string]interface{}
}

// GenerateRequest is one call to a Provider.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// ResponseSchema, if set, requires the provider to return content that
	// validates against it. Structured extractor calls always set this.
	ResponseSchema Schema
}

// GenerateResponse is a provider's reply. Content holds raw text for
// unstructured calls; StructuredContent holds the parsed JSON object when
// ResponseSchema was set.
type GenerateResponse struct {
	Content           string
	StructuredContent map[string]interface{}
	Provider          string
}

// Provider is one LLM backend (Anthropic, Bedrock, ...).
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// ProviderHealth tracks a provider's recent call outcomes: health flag,
// consecutive failures, average latency, and success rate.
type ProviderHealth struct {
	IsHealthy        bool
	ConsecutiveFails int
	AverageLatency   time.Duration
	SuccessRate      float64
	totalCalls       int
	totalSuccesses   int
}

func newProviderHealth() ProviderHealth {
	return ProviderHealth{IsHealthy: true, SuccessRate: 1.0}
}

func (h *ProviderHealth) recordSuccess(latency time.Duration) {
	h.ConsecutiveFails = 0
	h.IsHealthy = true
	h.totalCalls++
	h.totalSuccesses++
	h.SuccessRate = float64(h.totalSuccesses) / float64(h.totalCalls)
	h.AverageLatency = (h.AverageLatency*time.Duration(h.totalCalls-1) + latency) / time.Duration(h.totalCalls)
}

func (h *ProviderHealth) recordFailure() {
	h.ConsecutiveFails++
	h.totalCalls++
	h.SuccessRate = float64(h.totalSuccesses) / float64(h.totalCalls)
	if h.ConsecutiveFails >= 3 {
		h.IsHealthy = false
	}
}

func validateRequest(req GenerateRequest) error {
	if req.Model == "" {
		return errors.New(errors.ErrorTypeValidation, "model cannot be empty")
	}
	if len(req.Messages) == 0 {
		return errors.New(errors.ErrorTypeValidation, "messages cannot be empty")
	}
	return nil
}
