package loyalty

import "context"

// TierChanged is emitted after a committed operation moved a member between tiers.
type TierChanged struct {
	MemberID MemberID
	FromTier Tier
	ToTier   Tier
}

// LowBalanceWarning is emitted after a committed operation left a member's
// balance below the configured threshold.
type LowBalanceWarning struct {
	MemberID MemberID
	Balance  Points
}

// EventSink receives domain events after the ledger transaction committed.
// Implementations must not block the engine; delivery failures are theirs to
// handle (the ledger state is already durable).
type EventSink interface {
	TierChanged(ctx context.Context, event TierChanged)
	LowBalanceWarning(ctx context.Context, event LowBalanceWarning)
}

// WithEventSink registers a sink for tier-change and low-balance events.
// Multiple sinks may be registered; each receives every event.
func WithEventSink(sink EventSink) EngineOption {
	return func(engine *Engine) {
		if sink != nil {
			engine.sinks = append(engine.sinks, sink)
		}
	}
}

// WithLowBalanceThreshold sets the balance below which LowBalanceWarning fires.
// Zero disables the warning.
func WithLowBalanceThreshold(threshold Points) EngineOption {
	return func(engine *Engine) {
		engine.lowBalanceThreshold = threshold
	}
}

func (engine *Engine) emitTierChanged(ctx context.Context, memberID MemberID, fromTier Tier, toTier Tier) {
	event := TierChanged{MemberID: memberID, FromTier: fromTier, ToTier: toTier}
	for _, sink := range engine.sinks {
		sink.TierChanged(ctx, event)
	}
}

func (engine *Engine) emitLowBalanceIfNeeded(ctx context.Context, memberID MemberID, balance Points) {
	if engine.lowBalanceThreshold <= 0 || balance >= engine.lowBalanceThreshold {
		return
	}
	event := LowBalanceWarning{MemberID: memberID, Balance: balance}
	for _, sink := range engine.sinks {
		sink.LowBalanceWarning(ctx, event)
	}
}
