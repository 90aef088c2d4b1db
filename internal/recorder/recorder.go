// Package recorder is the write capability handed to business logic. An
// admin action that has committed calls Record; the call is synchronous and
// its failure is always surfaced to operators, while the caller remains
// free to report the admin action's own outcome.
package recorder

import (
	"context"
	"errors"

	"github.com/jmerrifield20/AuditLedger/internal/alert"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"go.uber.org/zap"
)

// Appender commits ledger entries. Satisfied by *auditledger.Writer.
type Appender interface {
	Append(ctx context.Context, req auditledger.AppendRequest) (*auditledger.AppendResult, error)
}

// Alerter raises operator alerts. Satisfied by *alert.Dispatcher.
type Alerter interface {
	Raise(ctx context.Context, a alert.Alert)
}

// Recorder records admin actions in the ledger.
type Recorder struct {
	appender Appender
	alerts   Alerter
	logger   *zap.Logger
}

// New creates a Recorder.
func New(appender Appender, alerts Alerter, logger *zap.Logger) *Recorder {
	return &Recorder{appender: appender, alerts: alerts, logger: logger}
}

// Record appends req. Invalid requests are returned to the caller without
// alerting; every other failure means an admin action went unrecorded and
// raises a critical alert before the error is returned.
func (r *Recorder) Record(ctx context.Context, req auditledger.AppendRequest) (*auditledger.AppendResult, error) {
	res, err := r.appender.Append(ctx, req)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, auditledger.ErrInvalidEntry) {
		return nil, err
	}

	r.logger.Error("admin action not recorded",
		zap.String("action_type", string(req.ActionType)),
		zap.String("entity_type", req.EntityType),
		zap.String("entity_id", req.EntityID),
		zap.String("actor_id", req.ActorID),
		zap.Error(err),
	)
	r.alerts.Raise(ctx, alert.Alert{
		Kind:     alert.KindAppendFailed,
		Severity: alert.SeverityCritical,
		Summary:  "audit ledger append failed; admin action not recorded",
		Details: map[string]string{
			"action_type":     string(req.ActionType),
			"entity_type":     req.EntityType,
			"entity_id":       req.EntityID,
			"actor_id":        req.ActorID,
			"description":     req.Description,
			"idempotency_key": req.IdempotencyKey,
			"cause":           failureCause(err),
			"error":           err.Error(),
		},
	})
	return nil, err
}

// failureCause classifies an append error for alert routing.
func failureCause(err error) string {
	switch {
	case errors.Is(err, auditledger.ErrWriteConflict):
		return "write_conflict"
	case errors.Is(err, auditledger.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, auditledger.ErrWriterClosed):
		return "writer_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "caller_gave_up"
	default:
		return "unknown"
	}
}

