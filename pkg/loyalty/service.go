package loyalty

import (
	"context"
	"errors"
	"fmt"
)

// Engine contains the ledger domain logic over a Store. It is the only
// component that appends ledger entries or mutates a member's cached
// balance/tier projection.
type Engine struct {
	store               Store
	tiers               *TierTable
	catalog             RewardCatalog
	locks               *memberLocks
	nowFn               func() int64
	logger              OperationLogger
	sinks               []EventSink
	lowBalanceThreshold Points
}

// NewEngine wires an Engine.
func NewEngine(store Store, tiers *TierTable, catalog RewardCatalog, now func() int64, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidEngineConfig)
	}
	if tiers == nil {
		return nil, fmt.Errorf("%w: tier table dependency is nil", ErrInvalidEngineConfig)
	}
	if catalog == nil {
		return nil, fmt.Errorf("%w: reward catalog dependency is nil", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{
		store:   store,
		tiers:   tiers,
		catalog: catalog,
		locks:   newMemberLocks(),
		nowFn:   now,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Earn credits points to a member and re-derives the tier from the
// lifetime-earned basis. The append and the projection update commit in one
// transaction; events fire only after the commit.
func (engine *Engine) Earn(ctx context.Context, memberID MemberID, amount Points, source string, idempotencyKey IdempotencyKey) (LedgerResult, error) {
	if amount <= 0 {
		return LedgerResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}

	release := engine.locks.Acquire(memberID)
	defer release()

	var result LedgerResult
	var transition *tierTransition
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		member, err := engine.getOrCreateMember(ctx, transactionStore, memberID)
		if err != nil {
			return err
		}
		if replayed, found, err := engine.findReplay(ctx, transactionStore, member, idempotencyKey); err != nil {
			return err
		} else if found {
			result = replayed
			return nil
		}
		stored, err := transactionStore.AppendEntry(ctx, Entry{
			MemberID:       memberID.String(),
			Type:           EntryEarn,
			Amount:         amount,
			Source:         source,
			IdempotencyKey: idempotencyKey.String(),
			CreatedUnixUTC: engine.nowFn(),
		})
		if err != nil {
			return err
		}
		result, transition, err = engine.applyProjection(ctx, transactionStore, member, member.Balance+amount, member.LifetimeEarned+amount, stored.EntryID, false)
		return err
	})
	if operationError != nil && errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		result, operationError = engine.replayAfterConflict(ctx, memberID, idempotencyKey)
	}
	engine.finishOperation(ctx, OperationLog{
		Operation:      operationEarn,
		MemberID:       memberID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	}, result, transition, operationError)
	if operationError != nil {
		return LedgerResult{}, operationError
	}
	return result, nil
}

// Redeem spends points against an active reward. The balance check, the
// append, and the projection update happen under the member's exclusive lock;
// an insufficient balance writes nothing.
func (engine *Engine) Redeem(ctx context.Context, memberID MemberID, rewardID RewardID, storeRef string, idempotencyKey IdempotencyKey) (LedgerResult, error) {
	reward, err := engine.catalog.GetReward(ctx, rewardID)
	if err != nil {
		return LedgerResult{}, err
	}

	release := engine.locks.Acquire(memberID)
	defer release()

	var result LedgerResult
	var transition *tierTransition
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		member, err := engine.getOrCreateMember(ctx, transactionStore, memberID)
		if err != nil {
			return err
		}
		if replayed, found, err := engine.findReplay(ctx, transactionStore, member, idempotencyKey); err != nil {
			return err
		} else if found {
			result = replayed
			return nil
		}
		if member.Balance < reward.PointCost {
			return ErrInsufficientBalance
		}
		stored, err := transactionStore.AppendEntry(ctx, Entry{
			MemberID:       memberID.String(),
			Type:           EntryRedeem,
			Amount:         -reward.PointCost,
			RewardID:       reward.RewardID,
			Source:         storeRef,
			IdempotencyKey: idempotencyKey.String(),
			CreatedUnixUTC: engine.nowFn(),
		})
		if err != nil {
			return err
		}
		result, transition, err = engine.applyProjection(ctx, transactionStore, member, member.Balance-reward.PointCost, member.LifetimeEarned, stored.EntryID, false)
		return err
	})
	if operationError != nil && errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		result, operationError = engine.replayAfterConflict(ctx, memberID, idempotencyKey)
	}
	engine.finishOperation(ctx, OperationLog{
		Operation:      operationRedeem,
		MemberID:       memberID,
		Amount:         reward.PointCost,
		RewardID:       rewardID,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	}, result, transition, operationError)
	if operationError != nil {
		return LedgerResult{}, operationError
	}
	return result, nil
}

type tierTransition struct {
	from Tier
	to   Tier
}

// applyProjection recomputes the cached projection incrementally inside the
// open transaction and reports any tier movement. On earn/redeem the stored
// tier never moves down; administrative paths pass allowDemotion.
func (engine *Engine) applyProjection(ctx context.Context, transactionStore Store, member MemberAccount, balance Points, lifetimeEarned Points, entryID string, allowDemotion bool) (LedgerResult, *tierTransition, error) {
	resolved, err := engine.tiers.Resolve(lifetimeEarned)
	if err != nil {
		return LedgerResult{}, nil, err
	}
	current, known := engine.tiers.Lookup(member.TierName)
	next := resolved
	if known && !allowDemotion && resolved.Threshold < current.Threshold {
		next = current
	}
	if err := transactionStore.UpdateMemberProjection(ctx, MemberID{value: member.MemberID}, balance, lifetimeEarned, next.Name, engine.nowFn()); err != nil {
		return LedgerResult{}, nil, err
	}
	var transition *tierTransition
	if next.Name != member.TierName {
		from := current
		if !known {
			from = Tier{Name: member.TierName}
		}
		transition = &tierTransition{from: from, to: next}
	}
	return LedgerResult{
		EntryID:        entryID,
		Balance:        balance,
		LifetimeEarned: lifetimeEarned,
		Tier:           next,
	}, transition, nil
}

func (engine *Engine) getOrCreateMember(ctx context.Context, transactionStore Store, memberID MemberID) (MemberAccount, error) {
	baseTier, err := engine.tiers.Resolve(0)
	if err != nil {
		return MemberAccount{}, err
	}
	return transactionStore.GetOrCreateMember(ctx, memberID, baseTier.Name)
}

// findReplay resolves an idempotency-key hit to the original entry plus the
// member's current projection, so retries observe at-most-once semantics.
func (engine *Engine) findReplay(ctx context.Context, transactionStore Store, member MemberAccount, idempotencyKey IdempotencyKey) (LedgerResult, bool, error) {
	if idempotencyKey.IsZero() {
		return LedgerResult{}, false, nil
	}
	memberID, err := NewMemberID(member.MemberID)
	if err != nil {
		return LedgerResult{}, false, err
	}
	existing, found, err := transactionStore.FindEntryByIdempotencyKey(ctx, memberID, idempotencyKey)
	if err != nil || !found {
		return LedgerResult{}, false, err
	}
	tier, known := engine.tiers.Lookup(member.TierName)
	if !known {
		tier = Tier{Name: member.TierName}
	}
	return LedgerResult{
		EntryID:        existing.EntryID,
		Balance:        member.Balance,
		LifetimeEarned: member.LifetimeEarned,
		Tier:           tier,
		Replayed:       true,
	}, true, nil
}

// replayAfterConflict handles the unique-index race where another process
// committed the same key between the lookup and the append.
func (engine *Engine) replayAfterConflict(ctx context.Context, memberID MemberID, idempotencyKey IdempotencyKey) (LedgerResult, error) {
	member, err := engine.getOrCreateMember(ctx, engine.store, memberID)
	if err != nil {
		return LedgerResult{}, err
	}
	result, found, err := engine.findReplay(ctx, engine.store, member, idempotencyKey)
	if err != nil {
		return LedgerResult{}, err
	}
	if !found {
		return LedgerResult{}, fmt.Errorf("%w: conflicting entry not found on replay", ErrDuplicateIdempotencyKey)
	}
	return result, nil
}

// finishOperation emits post-commit events and the operation log record.
func (engine *Engine) finishOperation(ctx context.Context, entry OperationLog, result LedgerResult, transition *tierTransition, operationError error) {
	if operationError == nil {
		if result.Replayed {
			entry.Status = operationStatusReplayed
		} else {
			if transition != nil {
				engine.emitTierChanged(ctx, entry.MemberID, transition.from, transition.to)
			}
			engine.emitLowBalanceIfNeeded(ctx, entry.MemberID, result.Balance)
		}
	}
	engine.logOperation(ctx, entry)
}

func (engine *Engine) logOperation(ctx context.Context, entry OperationLog) {
	if engine.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	engine.logger.LogOperation(ctx, entry)
}
