// Package httpapi implements the wire-level HTTP surface of §6: the
// publish endpoint, the read/search endpoints, the batch-kickoff
// endpoints, and operation status/cancellation.
package httpapi

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/pkg/evaluation"
	"github.com/reflexio/reflexio/pkg/feedback"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/orchestrator"
	"github.com/reflexio/reflexio/pkg/profile"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/versioning"
)

// Deps bundles every collaborator the HTTP handlers need. It is built once
// at process startup and never mutated.
type Deps struct {
	Store        store.Store
	Opstate      *opstate.Manager
	Orchestrator *orchestrator.Orchestrator
	Runner       *versioning.Runner
	OrgLoader    *config.OrgConfigLoader

	ProfileService    *profile.Service
	ProfileExtractors []profile.Extractor
	ProfileLifecycle  *profile.Lifecycle

	FeedbackService     *feedback.Service
	FeedbackExtractors  []feedback.Extractor
	FeedbackLifecycle   *feedback.Lifecycle
	Aggregator          *feedback.Aggregator
	AggregatedLifecycle *feedback.AggregatedLifecycle

	Evaluation *evaluation.Service

	Deadlines   config.DeadlinesConfig
	Concurrency config.ConcurrencyConfig

	// Logger is the business-logic logrus logger injected into every
	// handler; AccessLog is the zap logger the transport-boundary
	// middleware uses, two loggers for two layers (§10).
	Logger    logrus.FieldLogger
	AccessLog *zap.Logger

	Validate *validator.Validate

	// ReadinessCheck reports whether the process is ready to serve traffic
	// (store reachable, LLM circuit breaker not permanently open).
	ReadinessCheck func() error
}

func (d *Deps) logger() logrus.FieldLogger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}

func (d *Deps) validate() *validator.Validate {
	if d.Validate != nil {
		return d.Validate
	}
	return validator.New()
}

func (d *Deps) extractorTimeout() time.Duration {
	if d.Deadlines.ExtractorTimeout > 0 {
		return d.Deadlines.ExtractorTimeout
	}
	return 300 * time.Second
}

func (d *Deps) extractorPoolSize() int {
	if d.Concurrency.ExtractorPoolSize > 0 {
		return d.Concurrency.ExtractorPoolSize
	}
	return 8
}

func (d *Deps) publishDeadline() time.Duration {
	if d.Deadlines.PublishDeadline > 0 {
		return d.Deadlines.PublishDeadline
	}
	return orchestrator.DefaultPublishDeadline
}

func (d *Deps) serviceTimeout() time.Duration {
	if d.Deadlines.GenerationServiceTimeout > 0 {
		return d.Deadlines.GenerationServiceTimeout
	}
	return orchestrator.DefaultGenerationServiceTimeout
}
