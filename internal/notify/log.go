// Package notify delivers ledger events to audit and notification
// collaborators. The ledger state is already durable when a sink runs, so
// sinks log delivery failures and move on.
package notify

import (
	"context"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"go.uber.org/zap"
)

// LogSink writes every event to the structured log. Always registered, so
// tier changes and low-balance warnings are observable without a broker.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (sink *LogSink) TierChanged(ctx context.Context, event loyalty.TierChanged) {
	sink.logger.Info("tier changed",
		zap.String("member_id", event.MemberID.String()),
		zap.String("from_tier", event.FromTier.Name),
		zap.String("to_tier", event.ToTier.Name),
	)
}

func (sink *LogSink) LowBalanceWarning(ctx context.Context, event loyalty.LowBalanceWarning) {
	sink.logger.Warn("low balance",
		zap.String("member_id", event.MemberID.String()),
		zap.Int64("balance", event.Balance.Int64()),
	)
}

// OperationLogger adapts zap to the engine's operation log callback.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wires an OperationLogger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	return &OperationLogger{logger: logger}
}

// LogOperation writes one record per engine operation.
func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry loyalty.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("member_id", entry.MemberID.String()),
		zap.String("status", entry.Status),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if entry.RewardID.String() != "" {
		fields = append(fields, zap.String("reward_id", entry.RewardID.String()))
	}
	if entry.ReasonCode.String() != "" {
		fields = append(fields, zap.String("reason_code", entry.ReasonCode.String()))
	}
	if entry.ActorRef.String() != "" {
		fields = append(fields, zap.String("actor_ref", entry.ActorRef.String()))
	}
	if entry.IdempotencyKey.String() != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
