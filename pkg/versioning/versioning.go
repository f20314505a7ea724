// Package versioning drives the long-running, multi-user batch operations
// of §4.6 (rerun, upgrade, downgrade): progress reporting and cooperative,
// between-users cancellation, built on top of pkg/opstate's progress and
// cancellation rows.
package versioning

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/types"
)

// Operation names the progress/cancellation row a batch run reports under
// and whether a single id's failure should abort the rest of the run.
type Operation struct {
	Service     string
	OrgID       string
	StopOnError bool
}

// Runner drives one batch operation's progress/cancellation bookkeeping.
// Callers invoke RunBatch in its own goroutine and immediately return the
// operation_id to the client (§6); progress is polled separately.
type Runner struct {
	Opstate *opstate.Manager
	Logger  logrus.FieldLogger
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Logger != nil {
		return r.Logger
	}
	return logrus.StandardLogger()
}

// RunBatch iterates ids in order, calling fn once per id. Cancellation is
// checked only between ids (§5: "honored between users, never mid-user"),
// and a single id's failure is recorded and does not stop the run unless
// op.StopOnError is set.
func (r *Runner) RunBatch(ctx context.Context, op Operation, ids []string, requestParams map[string]interface{}, fn func(ctx context.Context, id string) error) error {
	logger := r.logger().WithFields(logrus.Fields{"service": op.Service, "org_id": op.OrgID})

	if err := r.Opstate.StartProgress(ctx, op.Service, op.OrgID, len(ids), requestParams); err != nil {
		return err
	}

	for _, id := range ids {
		cancelled, err := r.Opstate.IsCancellationRequested(ctx, op.Service, op.OrgID)
		if err != nil {
			return err
		}
		if cancelled {
			_ = r.Opstate.ClearCancellation(ctx, op.Service, op.OrgID)
			return r.Opstate.FinishProgress(ctx, op.Service, op.OrgID, types.BatchCancelled, "")
		}

		runErr := fn(ctx, id)
		if recordErr := r.Opstate.RecordUserOutcome(ctx, op.Service, op.OrgID, id, runErr); recordErr != nil {
			return recordErr
		}
		if runErr != nil {
			logger.WithField("id", id).WithError(runErr).Warn("batch item failed, continuing")
			if op.StopOnError {
				return r.Opstate.FinishProgress(ctx, op.Service, op.OrgID, types.BatchFailed, runErr.Error())
			}
		}
	}

	return r.Opstate.FinishProgress(ctx, op.Service, op.OrgID, types.BatchCompleted, "")
}

// CancelOperation implements POST /cancel_operation (§6): it writes the
// cancellation row the running RunBatch loop polls between ids.
func (r *Runner) CancelOperation(ctx context.Context, service, orgID, reason string) error {
	return r.Opstate.RequestCancellation(ctx, service, orgID, reason)
}

// Status implements GET /get_operation_status (§6).
func (r *Runner) Status(ctx context.Context, service, orgID string) (*types.Progress, error) {
	return r.Opstate.GetProgress(ctx, service, orgID)
}
