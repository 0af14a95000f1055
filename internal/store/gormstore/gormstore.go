package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dialectSQLite                  = "sqlite"
	constraintMemberIdempotencyKey = "uniq_entries_member_idem"
	constraintTierThreshold        = "uniq_tiers_threshold"
	pgUniqueViolationCode          = "23505"
	sqliteConstraintCode           = 19
	errorOperationStore            = "store"
	errorSubjectMember             = "member"
	errorSubjectEntry              = "entry"
	errorSubjectTier               = "tier"
	errorSubjectReward             = "reward"
	errorCodeCreate                = "create"
	errorCodeDuplicate             = "duplicate"
	errorCodeGet                   = "get"
	errorCodeInsert                = "insert"
	errorCodeInvalid               = "invalid"
	errorCodeList                  = "list"
	errorCodeLookup                = "lookup"
	errorCodeReplace               = "replace"
	errorCodeSum                   = "sum"
	errorCodeUpdate                = "update"
)

// Store implements loyalty.Store using GORM, plus the reference-data access
// used by the reward catalog and the admin surfaces.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore loyalty.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// lockedMemberQuery scopes a query to the member row with a row lock, so the
// caller's transaction serializes against writers in other processes. SQLite
// has no SELECT FOR UPDATE; its single-writer model covers the same ground.
func (store *Store) lockedMemberQuery(ctx context.Context) *gorm.DB {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() != dialectSQLite {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return query
}

// GetOrCreateMember returns the member's projection row, creating it at the
// base tier on first activity. The returned projection comes from a locked
// re-read: the earn/redeem balance math builds on it, so the row must be held
// until the caller's transaction commits.
func (store *Store) GetOrCreateMember(ctx context.Context, memberID loyalty.MemberID, baseTierName string) (loyalty.MemberAccount, error) {
	var member Member
	err := store.db.WithContext(ctx).
		Where(Member{MemberID: memberID.String()}).
		Attrs(Member{TierName: baseTierName}).
		FirstOrCreate(&member).Error
	if err != nil {
		return loyalty.MemberAccount{}, wrapStoreError(errorSubjectMember, errorCodeLookup, err)
	}
	err = store.lockedMemberQuery(ctx).
		Where("member_id = ?", memberID.String()).
		Take(&member).Error
	if err != nil {
		return loyalty.MemberAccount{}, wrapStoreError(errorSubjectMember, errorCodeLookup, err)
	}
	return mapMember(member), nil
}

// GetMember reads the member's projection row under the same row lock.
func (store *Store) GetMember(ctx context.Context, memberID loyalty.MemberID) (loyalty.MemberAccount, error) {
	var member Member
	err := store.lockedMemberQuery(ctx).
		Where("member_id = ?", memberID.String()).
		Take(&member).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.MemberAccount{}, wrapStoreError(errorSubjectMember, errorCodeGet, loyalty.ErrMemberNotFound)
		}
		return loyalty.MemberAccount{}, wrapStoreError(errorSubjectMember, errorCodeGet, err)
	}
	return mapMember(member), nil
}

// FindEntryByIdempotencyKey looks up a prior entry for replay.
func (store *Store) FindEntryByIdempotencyKey(ctx context.Context, memberID loyalty.MemberID, key loyalty.IdempotencyKey) (loyalty.Entry, bool, error) {
	var row LedgerEntry
	err := store.db.WithContext(ctx).
		Where("member_id = ? AND idempotency_key = ?", memberID.String(), key.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return loyalty.Entry{}, false, nil
	}
	if err != nil {
		return loyalty.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeLookup, err)
	}
	entry, err := mapLedgerEntry(row)
	if err != nil {
		return loyalty.Entry{}, false, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entry, true, nil
}

// AppendEntry persists one immutable ledger entry.
func (store *Store) AppendEntry(ctx context.Context, entry loyalty.Entry) (loyalty.Entry, error) {
	row := LedgerEntry{
		EntryID:        entry.EntryID,
		MemberID:       entry.MemberID,
		Type:           entry.Type.String(),
		Amount:         entry.Amount.Int64(),
		RewardID:       optionalString(entry.RewardID),
		Source:         entry.Source,
		ReasonCode:     entry.ReasonCode,
		ActorRef:       entry.ActorRef,
		IdempotencyKey: optionalString(entry.IdempotencyKey),
		CreatedAt:      time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedUnixUTC == 0 {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintMemberIdempotencyKey) {
		return loyalty.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, loyalty.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return loyalty.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	stored, err := mapLedgerEntry(row)
	if err != nil {
		return loyalty.Entry{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return stored, nil
}

// UpdateMemberProjection writes the recomputed balance/lifetime/tier triple.
func (store *Store) UpdateMemberProjection(ctx context.Context, memberID loyalty.MemberID, balance loyalty.Points, lifetimeEarned loyalty.Points, tierName string, atUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&Member{}).
		Where("member_id = ?", memberID.String()).
		Updates(map[string]interface{}{
			"balance":         balance.Int64(),
			"lifetime_earned": lifetimeEarned.Int64(),
			"tier_name":       tierName,
			"updated_at":      time.Unix(atUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectMember, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectMember, errorCodeUpdate, loyalty.ErrMemberNotFound)
	}
	return nil
}

// SumForMember returns the signed sum over the member's entries, optionally
// restricted to the given types.
func (store *Store) SumForMember(ctx context.Context, memberID loyalty.MemberID, types []loyalty.EntryType) (loyalty.Points, error) {
	query := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("member_id = ?", memberID.String())
	if len(types) > 0 {
		values := make([]string, 0, len(types))
		for _, entryType := range types {
			values = append(values, entryType.String())
		}
		query = query.Where("type in ?", values)
	}
	var sum sqlSum
	if err := query.Scan(&sum).Error; err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return loyalty.Points(sum.Total), nil
}

// ListEntries pages a member's history in creation order. The cursor carries
// the last-seen (created_at, entry_id) pair; no server-side state survives
// between calls.
func (store *Store) ListEntries(ctx context.Context, memberID loyalty.MemberID, cursor loyalty.Cursor, limit int) ([]loyalty.Entry, loyalty.Cursor, error) {
	query := store.db.WithContext(ctx).
		Where("member_id = ?", memberID.String())
	if !cursor.IsZero() {
		after := time.Unix(cursor.AfterUnixUTC(), 0).UTC()
		query = query.Where("(created_at > ? OR (created_at = ? AND entry_id > ?))", after, after, cursor.AfterEntryID())
	}
	var rows []LedgerEntry
	err := query.
		Order("created_at ASC, entry_id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, loyalty.Cursor{}, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]loyalty.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, loyalty.Cursor{}, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	next := loyalty.Cursor{}
	if len(rows) == limit && limit > 0 {
		last := rows[len(rows)-1]
		next = loyalty.NewCursor(last.CreatedAt.Unix(), last.EntryID)
	}
	return entries, next, nil
}

// ListMemberIDs pages member ids for reconciliation.
func (store *Store) ListMemberIDs(ctx context.Context, offset int, limit int) ([]loyalty.MemberID, error) {
	var ids []string
	err := store.db.WithContext(ctx).
		Model(&Member{}).
		Order("member_id ASC").
		Offset(offset).
		Limit(limit).
		Pluck("member_id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectMember, errorCodeList, err)
	}
	memberIDs := make([]loyalty.MemberID, 0, len(ids))
	for _, raw := range ids {
		memberID, err := loyalty.NewMemberID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectMember, errorCodeInvalid, err)
		}
		memberIDs = append(memberIDs, memberID)
	}
	return memberIDs, nil
}

// ListTiers returns the stored tier set ordered by threshold.
func (store *Store) ListTiers(ctx context.Context) ([]loyalty.Tier, error) {
	var rows []TierRow
	err := store.db.WithContext(ctx).
		Order("threshold ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTier, errorCodeList, err)
	}
	tiers := make([]loyalty.Tier, 0, len(rows))
	for _, row := range rows {
		tiers = append(tiers, loyalty.Tier{
			Name:      row.Name,
			Threshold: loyalty.Points(row.Threshold),
			Benefits:  string(row.Benefits),
		})
	}
	return tiers, nil
}

// ReplaceTiers swaps the stored tier set in one transaction. Validation is
// the caller's job (TierTable rejects invalid sets before this runs); the
// threshold unique index is the durable backstop.
func (store *Store) ReplaceTiers(ctx context.Context, tiers []loyalty.Tier) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where("1 = 1").Delete(&TierRow{}).Error; err != nil {
			return err
		}
		for _, tier := range tiers {
			row := TierRow{
				Name:      tier.Name,
				Threshold: tier.Threshold.Int64(),
				Benefits:  benefitsJSON(tier.Benefits),
			}
			if err := transaction.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err, constraintTierThreshold) {
		return wrapStoreError(errorSubjectTier, errorCodeDuplicate, loyalty.ErrTierConfiguration)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTier, errorCodeReplace, err)
	}
	return nil
}

// GetReward reads one reward row.
func (store *Store) GetReward(ctx context.Context, rewardID loyalty.RewardID) (loyalty.Reward, error) {
	var row RewardRow
	err := store.db.WithContext(ctx).
		Where("reward_id = ?", rewardID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, loyalty.ErrRewardNotFound)
		}
		return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeGet, err)
	}
	return mapReward(row), nil
}

// ListRewards returns every reward row.
func (store *Store) ListRewards(ctx context.Context) ([]loyalty.Reward, error) {
	var rows []RewardRow
	err := store.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReward, errorCodeList, err)
	}
	rewards := make([]loyalty.Reward, 0, len(rows))
	for _, row := range rows {
		rewards = append(rewards, mapReward(row))
	}
	return rewards, nil
}

// CreateReward inserts a new catalog reward.
func (store *Store) CreateReward(ctx context.Context, reward loyalty.Reward) (loyalty.Reward, error) {
	row := RewardRow{
		RewardID:    reward.RewardID,
		Name:        reward.Name,
		Description: reward.Description,
		PointCost:   reward.PointCost.Int64(),
		Active:      reward.Active,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeCreate, err)
	}
	return mapReward(row), nil
}

// RewardUpdate carries optional reward field changes.
type RewardUpdate struct {
	Name        *string
	Description *string
	PointCost   *int64
	Active      *bool
}

// UpdateReward applies the provided field changes and returns the new row.
func (store *Store) UpdateReward(ctx context.Context, rewardID loyalty.RewardID, update RewardUpdate) (loyalty.Reward, error) {
	changes := map[string]interface{}{}
	if update.Name != nil {
		changes["name"] = *update.Name
	}
	if update.Description != nil {
		changes["description"] = *update.Description
	}
	if update.PointCost != nil {
		changes["point_cost"] = *update.PointCost
	}
	if update.Active != nil {
		changes["active"] = *update.Active
	}
	if len(changes) > 0 {
		result := store.db.WithContext(ctx).
			Model(&RewardRow{}).
			Where("reward_id = ?", rewardID.String()).
			Updates(changes)
		if result.Error != nil {
			return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeUpdate, result.Error)
		}
		if result.RowsAffected == 0 {
			return loyalty.Reward{}, wrapStoreError(errorSubjectReward, errorCodeUpdate, loyalty.ErrRewardNotFound)
		}
	}
	return store.GetReward(ctx, rewardID)
}

func wrapStoreError(subject string, code string, err error) error {
	return loyalty.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapMember(row Member) loyalty.MemberAccount {
	return loyalty.MemberAccount{
		MemberID:       row.MemberID,
		Balance:        loyalty.Points(row.Balance),
		LifetimeEarned: loyalty.Points(row.LifetimeEarned),
		TierName:       row.TierName,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}
}

func mapReward(row RewardRow) loyalty.Reward {
	return loyalty.Reward{
		RewardID:    row.RewardID,
		Name:        row.Name,
		Description: row.Description,
		PointCost:   loyalty.Points(row.PointCost),
		Active:      row.Active,
	}
}

func mapLedgerEntry(row LedgerEntry) (loyalty.Entry, error) {
	entryType, err := loyalty.ParseEntryType(row.Type)
	if err != nil {
		return loyalty.Entry{}, err
	}
	return loyalty.Entry{
		EntryID:        row.EntryID,
		MemberID:       row.MemberID,
		Type:           entryType,
		Amount:         loyalty.Points(row.Amount),
		RewardID:       stringOrEmpty(row.RewardID),
		Source:         row.Source,
		ReasonCode:     row.ReasonCode,
		ActorRef:       row.ActorRef,
		IdempotencyKey: stringOrEmpty(row.IdempotencyKey),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func benefitsJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
