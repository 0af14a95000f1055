package loyalty

import (
	"context"
	"fmt"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	reconcilePageSize = 200
)

// Adjust applies an administrator correction. The signed delta counts toward
// the lifetime-earned basis, so the derived tier may move in either direction.
// A delta that would drive the balance negative is rejected before any write.
func (engine *Engine) Adjust(ctx context.Context, memberID MemberID, delta Points, reasonCode ReasonCode, actorRef ActorRef) (LedgerResult, error) {
	if delta == 0 {
		return LedgerResult{}, fmt.Errorf("%w: must be non-zero", ErrInvalidAmount)
	}
	if reasonCode.String() == "" {
		return LedgerResult{}, fmt.Errorf("%w: reason code is required", ErrInvalidReasonCode)
	}
	if actorRef.String() == "" {
		return LedgerResult{}, fmt.Errorf("%w: actor ref is required", ErrInvalidActorRef)
	}

	release := engine.locks.Acquire(memberID)
	defer release()

	var result LedgerResult
	var transition *tierTransition
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		member, err := transactionStore.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if member.Balance+delta < 0 {
			return fmt.Errorf("%w: balance %d cannot absorb delta %d", ErrInvalidAdjustment, member.Balance, delta)
		}
		stored, err := transactionStore.AppendEntry(ctx, Entry{
			MemberID:       memberID.String(),
			Type:           EntryAdjust,
			Amount:         delta,
			ReasonCode:     reasonCode.String(),
			ActorRef:       actorRef.String(),
			CreatedUnixUTC: engine.nowFn(),
		})
		if err != nil {
			return err
		}
		result, transition, err = engine.applyProjection(ctx, transactionStore, member, member.Balance+delta, member.LifetimeEarned+delta, stored.EntryID, true)
		return err
	})
	engine.finishOperation(ctx, OperationLog{
		Operation:  operationAdjust,
		MemberID:   memberID,
		Amount:     delta,
		ReasonCode: reasonCode,
		ActorRef:   actorRef,
		Error:      operationError,
	}, result, transition, operationError)
	if operationError != nil {
		return LedgerResult{}, operationError
	}
	return result, nil
}

// Summary returns the member's cached balance, lifetime-earned basis and tier.
func (engine *Engine) Summary(ctx context.Context, memberID MemberID) (Summary, error) {
	member, err := engine.getOrCreateMember(ctx, engine.store, memberID)
	if err != nil {
		return Summary{}, err
	}
	tier, known := engine.tiers.Lookup(member.TierName)
	if !known {
		tier = Tier{Name: member.TierName}
	}
	return Summary{
		Balance:        member.Balance,
		LifetimeEarned: member.LifetimeEarned,
		Tier:           tier,
	}, nil
}

// History lists ledger entries for a member in creation order, resuming from
// the supplied cursor.
func (engine *Engine) History(ctx context.Context, memberID MemberID, cursor Cursor, limit int) ([]Entry, Cursor, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, err := engine.getOrCreateMember(ctx, engine.store, memberID); err != nil {
		return nil, Cursor{}, err
	}
	return engine.store.ListEntries(ctx, memberID, cursor, limit)
}

// ReconcileReport describes one reconciliation pass over a member.
type ReconcileReport struct {
	MemberID         MemberID
	Balance          Points
	LifetimeEarned   Points
	Tier             Tier
	Corrected        bool
	PreviousBalance  Points
	PreviousLifetime Points
	PreviousTier     string
}

// Reconcile recomputes the member's projection from the ledger sums and
// corrects drift. The ledger is the source of truth; the cached projection is
// never trusted after a crash.
func (engine *Engine) Reconcile(ctx context.Context, memberID MemberID) (ReconcileReport, error) {
	release := engine.locks.Acquire(memberID)
	defer release()

	var report ReconcileReport
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		member, err := transactionStore.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		balance, err := transactionStore.SumForMember(ctx, memberID, nil)
		if err != nil {
			return err
		}
		basis, err := transactionStore.SumForMember(ctx, memberID, []EntryType{EntryEarn, EntryAdjust})
		if err != nil {
			return err
		}
		tier, err := engine.tiers.Resolve(basis)
		if err != nil {
			return err
		}
		report = ReconcileReport{
			MemberID:         memberID,
			Balance:          balance,
			LifetimeEarned:   basis,
			Tier:             tier,
			PreviousBalance:  member.Balance,
			PreviousLifetime: member.LifetimeEarned,
			PreviousTier:     member.TierName,
		}
		if member.Balance == balance && member.LifetimeEarned == basis && member.TierName == tier.Name {
			return nil
		}
		report.Corrected = true
		return transactionStore.UpdateMemberProjection(ctx, memberID, balance, basis, tier.Name, engine.nowFn())
	})
	engine.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		MemberID:  memberID,
		Error:     operationError,
	})
	if operationError != nil {
		return ReconcileReport{}, operationError
	}
	return report, nil
}

// ReconcileAll walks every member account and reconciles each in turn.
// Intended for startup recovery and the periodic reconciliation job.
func (engine *Engine) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	corrected := make([]ReconcileReport, 0)
	offset := 0
	for {
		memberIDs, err := engine.store.ListMemberIDs(ctx, offset, reconcilePageSize)
		if err != nil {
			return corrected, err
		}
		if len(memberIDs) == 0 {
			return corrected, nil
		}
		for _, memberID := range memberIDs {
			report, err := engine.Reconcile(ctx, memberID)
			if err != nil {
				return corrected, err
			}
			if report.Corrected {
				corrected = append(corrected, report)
			}
		}
		offset += len(memberIDs)
	}
}
