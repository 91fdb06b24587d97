// Package oplog bridges metering operation callbacks onto a zap logger.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

// Logger emits one structured record per ledger operation.
type Logger struct {
	base *zap.Logger
}

// New wraps the given zap logger. A nil logger is replaced with a no-op one.
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base.Named("ledger")}
}

// LogOperation implements metering.OperationLogger.
func (logger *Logger) LogOperation(_ context.Context, entry metering.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Float64("amount", float64(entry.Amount)),
		zap.String("status", entry.Status),
	}
	if entry.Reference != nil {
		fields = append(fields,
			zap.String("reference_id", entry.Reference.ID()),
			zap.String("reference_type", string(entry.Reference.Type())),
		)
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
	}
	if entry.Inconsistency {
		fields = append(fields, zap.Bool("inconsistency", true))
		logger.base.Error("ledger operation requires attention", fields...)
		return
	}
	if entry.Error != nil {
		logger.base.Warn("ledger operation failed", fields...)
		return
	}
	logger.base.Info("ledger operation", fields...)
}
