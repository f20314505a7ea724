// Package orchestrator implements publish(request) (§4.1): it persists the
// incoming interactions, then fans out to the profile, feedback, and
// evaluation services in a bounded pool of three, each behind its own
// lock-and-pending-request protocol and its own timeout.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reflexio/reflexio/internal/errors"
	"github.com/reflexio/reflexio/pkg/embeddings"
	"github.com/reflexio/reflexio/pkg/metrics"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/store"
	"github.com/reflexio/reflexio/pkg/telemetry"
	"github.com/reflexio/reflexio/pkg/types"
)

const (
	DefaultPublishDeadline         = 600 * time.Second
	DefaultGenerationServiceTimeout = 600 * time.Second
)

// Task is one of the three services' work for a single publish call.
// Run is a factory rather than a bound closure because the lock protocol
// may need to invoke it a second time for a different (later) request id
// once the current run finishes — the service re-reads whatever that
// later request already persisted to the store, it is not handed data
// directly.
type Task struct {
	// Name identifies the service for logging ("profile", "feedback",
	// "evaluation").
	Name string
	// LockScope is the org/user key the service's lock is keyed on:
	// per (org, user) for profile, per org for feedback and evaluation.
	LockScope string
	OrgID     string
	RequestID string
	Timeout   time.Duration
	Run       func(ctx context.Context, requestID string) error
}

// Orchestrator drives publish(request).
type Orchestrator struct {
	Store           store.Store
	Opstate         *opstate.Manager
	Embeddings      embeddings.Client
	Logger          logrus.FieldLogger
	PublishDeadline time.Duration
}

func (o *Orchestrator) logger() logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}

// Publish persists req and interactions, computing any missing
// embeddings, then fans tasks out across a bounded pool of three with
// independent timeouts. A failure in one task does not cancel the
// others; it is logged and does not fail the publish.
func (o *Orchestrator) Publish(ctx context.Context, req *types.Request, interactions []*types.Interaction, tasks []Task) error {
	if req.UserID == "" {
		return errors.New(errors.ErrorTypeValidation, "user_id is required")
	}
	if len(interactions) == 0 {
		return errors.New(errors.ErrorTypeValidation, "at least one interaction is required")
	}

	ctx, span := telemetry.StartPublish(ctx, req.UserID, req.Source)
	defer span.End()
	timer := metrics.NewTimer()
	metrics.IncrementConcurrentPublishes()
	defer metrics.DecrementConcurrentPublishes()
	defer func() { metrics.RecordPublish(req.Source, timer.Elapsed()) }()

	if err := o.persist(ctx, req, interactions); err != nil {
		span.RecordError(err)
		return err
	}

	deadline := o.PublishDeadline
	if deadline <= 0 {
		deadline = DefaultPublishDeadline
	}
	publishCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	const poolSize = 3
	sem := make(chan struct{}, poolSize)
	var wg sync.WaitGroup
	for _, t := range tasks {
		t := t
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.runTask(publishCtx, t)
		}()
	}
	wg.Wait()

	return nil
}

func (o *Orchestrator) persist(ctx context.Context, req *types.Request, interactions []*types.Interaction) error {
	for _, i := range interactions {
		if len(i.Embedding) == 0 && o.Embeddings != nil {
			embedding, err := o.Embeddings.GenerateTextEmbedding(ctx, i.Content)
			if err != nil {
				return err
			}
			i.Embedding = embedding
		}
	}
	if err := o.Store.SaveRequest(ctx, req); err != nil {
		return err
	}
	return o.Store.SaveInteractions(ctx, interactions)
}

// runTask implements §4.1 step 2's lock-and-pending-request protocol for
// a single service, including the one-time re-run of the latest pending
// request recorded while the lock was held.
func (o *Orchestrator) runTask(ctx context.Context, t Task) {
	logger := o.logger().WithFields(logrus.Fields{"service": t.Name, "request_id": t.RequestID})

	outcome, err := o.Opstate.TryAcquireLock(ctx, t.Name, t.OrgID, t.LockScope, t.RequestID)
	if err != nil {
		logger.WithError(err).Error("failed to acquire service lock")
		return
	}

	switch outcome {
	case opstate.Queued:
		metrics.RecordLockQueued(t.Name)
		logger.Info("service busy, queued as pending request")
		return
	case opstate.Rejected:
		logger.Error("service lock rejected")
		return
	}

	requestID := t.RequestID
	for {
		o.runOnce(ctx, t, requestID, logger)

		pendingRequestID, err := o.Opstate.Release(ctx, t.Name, t.OrgID, t.LockScope, requestID)
		if err != nil {
			logger.WithError(err).Error("failed to release service lock")
			return
		}
		if pendingRequestID == "" {
			return
		}

		// a newer request arrived while we were running; run once more,
		// for the latest pending id only. That re-run's own release is
		// checked the same way, so a request queued during it gets one
		// more run in turn.
		reacquired, err := o.Opstate.TryAcquireLock(ctx, t.Name, t.OrgID, t.LockScope, pendingRequestID)
		if err != nil || reacquired != opstate.Acquired {
			return
		}
		requestID = pendingRequestID
	}
}

func (o *Orchestrator) runOnce(ctx context.Context, t Task, requestID string, logger logrus.FieldLogger) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultGenerationServiceTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	taskCtx, span := telemetry.StartServiceTask(taskCtx, t.Name, t.OrgID, requestID)
	defer span.End()
	timer := metrics.NewTimer()

	err := o.runGuarded(taskCtx, t, requestID)
	outcome := "ok"
	switch {
	case err != nil && strings.Contains(err.Error(), "panicked"):
		outcome = "panic"
	case err != nil && taskCtx.Err() == context.DeadlineExceeded:
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	timer.RecordServiceRun(t.Name, outcome)
	if err != nil {
		span.RecordError(err)
		logger.WithError(err).Error("service run failed")
	}
}

// runGuarded recovers a panic inside t.Run so that one failing service
// never takes down the other two concurrent tasks.
func (o *Orchestrator) runGuarded(ctx context.Context, t Task, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s service panicked: %v\n%s", t.Name, r, debug.Stack())
		}
	}()
	return t.Run(ctx, requestID)
}
