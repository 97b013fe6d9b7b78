// Package oplog bridges domain callbacks to zap and prometheus.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/wanderstay/creditledger/internal/metrics"
	"github.com/wanderstay/creditledger/pkg/credits"
)

// Logger implements credits.OperationLogger and distlock.Observer.
type Logger struct {
	base *zap.Logger
}

// New wraps a zap logger.
func New(base *zap.Logger) *Logger {
	return &Logger{base: base}
}

func (logger *Logger) LogOperation(_ context.Context, entry credits.OperationLog) {
	metrics.RecordOperation(entry.Operation, entry.Status)
	if entry.Duplicate {
		metrics.RecordDuplicate(entry.Operation)
	} else if entry.Error == nil {
		metrics.RecordCreditsMoved(entry.Operation, entry.Amount)
	}

	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.BookingID != "" {
		fields = append(fields, zap.String("booking_id", entry.BookingID))
	}
	if entry.WeekID != "" {
		fields = append(fields, zap.String("week_id", entry.WeekID))
	}
	if entry.Duplicate {
		fields = append(fields, zap.Bool("duplicate", true))
	}
	if entry.Shared {
		fields = append(fields, zap.Bool("shared", true))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		logger.base.Warn("wallet operation failed", fields...)
		return
	}
	logger.base.Info("wallet operation", fields...)
}

func (logger *Logger) ObserveLock(key string, event string) {
	metrics.RecordLockOutcome(event)
	logger.base.Debug("lock event",
		zap.String("key", key),
		zap.String("event", event),
	)
}
