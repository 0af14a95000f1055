package loyalty

import (
	"context"
	"fmt"
	"strings"
)

// Points is a signed point quantity.
type Points int64

// Int64 returns the raw quantity.
func (points Points) Int64() int64 {
	return int64(points)
}

// MemberID identifies a loyalty member (1:1 with an external user record).
type MemberID struct {
	value string
}

// RewardID identifies a catalog reward.
type RewardID struct {
	value string
}

// IdempotencyKey scopes duplicate detection per member.
type IdempotencyKey struct {
	value string
}

// ReasonCode labels an administrative adjustment.
type ReasonCode struct {
	value string
}

// ActorRef identifies the administrator performing an adjustment.
type ActorRef struct {
	value string
}

// NewMemberID validates and normalizes a member id.
func NewMemberID(raw string) (MemberID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MemberID{}, fmt.Errorf("%w: empty value", ErrInvalidMemberID)
	}
	return MemberID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MemberID) String() string {
	return id.value
}

// NewRewardID validates and normalizes a reward id.
func NewRewardID(raw string) (RewardID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RewardID{}, fmt.Errorf("%w: empty value", ErrInvalidRewardID)
	}
	return RewardID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RewardID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the caller supplied no key.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewReasonCode validates and normalizes an adjustment reason code.
func NewReasonCode(raw string) (ReasonCode, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReasonCode{}, fmt.Errorf("%w: empty value", ErrInvalidReasonCode)
	}
	return ReasonCode{value: trimmed}, nil
}

// String returns the normalized code.
func (code ReasonCode) String() string {
	return code.value
}

// NewActorRef validates and normalizes an actor reference.
func NewActorRef(raw string) (ActorRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ActorRef{}, fmt.Errorf("%w: empty value", ErrInvalidActorRef)
	}
	return ActorRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (actor ActorRef) String() string {
	return actor.value
}

// NewEarnAmount validates an earn or redeem magnitude.
func NewEarnAmount(raw int64) (Points, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Points(raw), nil
}

// NewAdjustmentAmount validates a signed adjustment delta.
func NewAdjustmentAmount(raw int64) (Points, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be non-zero", ErrInvalidAmount)
	}
	return Points(raw), nil
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryEarn   EntryType = "earn"
	EntryRedeem EntryType = "redeem"
	EntryAdjust EntryType = "adjust"
)

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// ParseEntryType maps a stored value back to an EntryType.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryEarn, EntryRedeem, EntryAdjust:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// Entry is a single immutable line in the ledger. Amounts are stored signed:
// earn entries are positive, redeem entries negative, adjustments either.
type Entry struct {
	EntryID        string
	MemberID       string
	Type           EntryType
	Amount         Points
	RewardID       string
	Source         string
	ReasonCode     string
	ActorRef       string
	IdempotencyKey string
	CreatedUnixUTC int64
}

// Tier is one named threshold bracket of the tier table.
type Tier struct {
	Name      string
	Threshold Points
	Benefits  string
}

// Reward is one redeemable catalog item.
type Reward struct {
	RewardID    string
	Name        string
	Description string
	PointCost   Points
	Active      bool
}

// MemberAccount is the cached projection of a member's ledger.
type MemberAccount struct {
	MemberID       string
	Balance        Points
	LifetimeEarned Points
	TierName       string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// LedgerResult reports the outcome of a committed ledger operation.
type LedgerResult struct {
	EntryID        string
	Balance        Points
	LifetimeEarned Points
	Tier           Tier
	Replayed       bool
}

// Summary is the read-only member view.
type Summary struct {
	Balance        Points
	LifetimeEarned Points
	Tier           Tier
}

// Store is the persistence contract used by Engine.
// (gormstore implements this already.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateMember(ctx context.Context, memberID MemberID, baseTierName string) (MemberAccount, error)
	GetMember(ctx context.Context, memberID MemberID) (MemberAccount, error)
	FindEntryByIdempotencyKey(ctx context.Context, memberID MemberID, key IdempotencyKey) (Entry, bool, error)
	AppendEntry(ctx context.Context, entry Entry) (Entry, error)
	UpdateMemberProjection(ctx context.Context, memberID MemberID, balance Points, lifetimeEarned Points, tierName string, atUnixUTC int64) error
	SumForMember(ctx context.Context, memberID MemberID, types []EntryType) (Points, error)
	ListEntries(ctx context.Context, memberID MemberID, cursor Cursor, limit int) ([]Entry, Cursor, error)
	ListMemberIDs(ctx context.Context, offset int, limit int) ([]MemberID, error)
}

// RewardCatalog provides validated reward lookups for redemption.
type RewardCatalog interface {
	GetReward(ctx context.Context, rewardID RewardID) (Reward, error)
}
