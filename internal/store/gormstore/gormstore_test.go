package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/loyalty/pkg/loyalty"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "loyalty.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustStoreMemberID(test *testing.T, raw string) loyalty.MemberID {
	test.Helper()
	memberID, err := loyalty.NewMemberID(raw)
	if err != nil {
		test.Fatalf("member id: %v", err)
	}
	return memberID
}

func mustStoreKey(test *testing.T, raw string) loyalty.IdempotencyKey {
	test.Helper()
	key, err := loyalty.NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func appendTestEntry(test *testing.T, store *Store, memberID string, entryType loyalty.EntryType, amount int64, key string, createdUnixUTC int64) loyalty.Entry {
	test.Helper()
	stored, err := store.AppendEntry(context.Background(), loyalty.Entry{
		MemberID:       memberID,
		Type:           entryType,
		Amount:         loyalty.Points(amount),
		IdempotencyKey: key,
		CreatedUnixUTC: createdUnixUTC,
	})
	if err != nil {
		test.Fatalf("append entry: %v", err)
	}
	return stored
}

func TestGetOrCreateMemberIsIdempotent(test *testing.T) {
	store := newTestStore(test)
	memberID := mustStoreMemberID(test, "member-1")

	created, err := store.GetOrCreateMember(context.Background(), memberID, "bronze")
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if created.TierName != "bronze" || created.Balance != 0 {
		test.Fatalf("unexpected new member: %+v", created)
	}

	again, err := store.GetOrCreateMember(context.Background(), memberID, "would-be-ignored")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if again.TierName != "bronze" {
		test.Fatalf("second call must not reset the tier, got %q", again.TierName)
	}
}

func TestGetMemberNotFound(test *testing.T) {
	store := newTestStore(test)
	_, err := store.GetMember(context.Background(), mustStoreMemberID(test, "ghost"))
	if !errors.Is(err, loyalty.ErrMemberNotFound) {
		test.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestAppendEntryRejectsDuplicateIdempotencyKey(test *testing.T) {
	store := newTestStore(test)
	appendTestEntry(test, store, "member-1", loyalty.EntryEarn, 100, "earn-1", 1_700_000_000)

	_, err := store.AppendEntry(context.Background(), loyalty.Entry{
		MemberID:       "member-1",
		Type:           loyalty.EntryEarn,
		Amount:         100,
		IdempotencyKey: "earn-1",
		CreatedUnixUTC: 1_700_000_001,
	})
	if !errors.Is(err, loyalty.ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
}

func TestAppendEntrySameKeyDifferentMembers(test *testing.T) {
	store := newTestStore(test)
	appendTestEntry(test, store, "member-1", loyalty.EntryEarn, 100, "shared-key", 1_700_000_000)
	appendTestEntry(test, store, "member-2", loyalty.EntryEarn, 100, "shared-key", 1_700_000_000)
}

func TestAppendEntryKeylessEntriesNeverCollide(test *testing.T) {
	store := newTestStore(test)
	appendTestEntry(test, store, "member-1", loyalty.EntryAdjust, 10, "", 1_700_000_000)
	appendTestEntry(test, store, "member-1", loyalty.EntryAdjust, 20, "", 1_700_000_001)
}

func TestFindEntryByIdempotencyKey(test *testing.T) {
	store := newTestStore(test)
	stored := appendTestEntry(test, store, "member-1", loyalty.EntryEarn, 100, "earn-1", 1_700_000_000)

	found, ok, err := store.FindEntryByIdempotencyKey(context.Background(), mustStoreMemberID(test, "member-1"), mustStoreKey(test, "earn-1"))
	if err != nil {
		test.Fatalf("find: %v", err)
	}
	if !ok {
		test.Fatalf("expected a hit")
	}
	if found.EntryID != stored.EntryID || found.Amount != 100 {
		test.Fatalf("unexpected entry: %+v", found)
	}

	_, ok, err = store.FindEntryByIdempotencyKey(context.Background(), mustStoreMemberID(test, "member-1"), mustStoreKey(test, "missing"))
	if err != nil {
		test.Fatalf("find miss: %v", err)
	}
	if ok {
		test.Fatalf("missing key must not hit")
	}
}

func TestUpdateMemberProjectionUnknownMember(test *testing.T) {
	store := newTestStore(test)
	err := store.UpdateMemberProjection(context.Background(), mustStoreMemberID(test, "ghost"), 10, 10, "bronze", 1_700_000_000)
	if !errors.Is(err, loyalty.ErrMemberNotFound) {
		test.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestSumForMemberSignedTotalsAndTypeFilter(test *testing.T) {
	store := newTestStore(test)
	appendTestEntry(test, store, "member-1", loyalty.EntryEarn, 120, "earn-1", 1_700_000_000)
	appendTestEntry(test, store, "member-1", loyalty.EntryRedeem, -80, "redeem-1", 1_700_000_001)
	appendTestEntry(test, store, "member-1", loyalty.EntryAdjust, -10, "adjust-1", 1_700_000_002)
	appendTestEntry(test, store, "member-2", loyalty.EntryEarn, 999, "earn-other", 1_700_000_003)

	memberID := mustStoreMemberID(test, "member-1")
	balance, err := store.SumForMember(context.Background(), memberID, nil)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if balance != 30 {
		test.Fatalf("expected balance 30, got %d", balance)
	}

	basis, err := store.SumForMember(context.Background(), memberID, []loyalty.EntryType{loyalty.EntryEarn, loyalty.EntryAdjust})
	if err != nil {
		test.Fatalf("sum filtered: %v", err)
	}
	if basis != 110 {
		test.Fatalf("expected basis 110, got %d", basis)
	}
}

func TestSumForMemberEmptyLedger(test *testing.T) {
	store := newTestStore(test)
	total, err := store.SumForMember(context.Background(), mustStoreMemberID(test, "member-1"), nil)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if total != 0 {
		test.Fatalf("expected 0, got %d", total)
	}
}

func TestListEntriesPagesWithCursor(test *testing.T) {
	store := newTestStore(test)
	memberID := mustStoreMemberID(test, "member-1")
	for index := 0; index < 5; index++ {
		appendTestEntry(test, store, "member-1", loyalty.EntryEarn, 10, fmt.Sprintf("earn-%d", index), 1_700_000_000+int64(index))
	}

	seen := make(map[string]struct{})
	cursor := loyalty.Cursor{}
	pages := 0
	for {
		entries, next, err := store.ListEntries(context.Background(), memberID, cursor, 2)
		if err != nil {
			test.Fatalf("list: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		previous := int64(0)
		for _, entry := range entries {
			if _, duplicate := seen[entry.EntryID]; duplicate {
				test.Fatalf("entry %q returned twice", entry.EntryID)
			}
			seen[entry.EntryID] = struct{}{}
			if entry.CreatedUnixUTC < previous {
				test.Fatalf("entries must ascend by creation time")
			}
			previous = entry.CreatedUnixUTC
		}
		pages++
		if next.IsZero() {
			break
		}
		cursor = next
	}
	if len(seen) != 5 {
		test.Fatalf("expected 5 distinct entries, got %d", len(seen))
	}
	if pages < 3 {
		test.Fatalf("expected at least 3 pages of 2, got %d", pages)
	}
}

func TestReplaceTiersSwapsStoredSet(test *testing.T) {
	store := newTestStore(test)
	initial := []loyalty.Tier{
		{Name: "bronze", Threshold: 0, Benefits: `{"multiplier":1}`},
		{Name: "silver", Threshold: 100, Benefits: `{"multiplier":1.25}`},
	}
	if err := store.ReplaceTiers(context.Background(), initial); err != nil {
		test.Fatalf("replace: %v", err)
	}

	replacement := []loyalty.Tier{
		{Name: "member", Threshold: 0},
		{Name: "vip", Threshold: 1000},
	}
	if err := store.ReplaceTiers(context.Background(), replacement); err != nil {
		test.Fatalf("replace again: %v", err)
	}

	tiers, err := store.ListTiers(context.Background())
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(tiers) != 2 || tiers[0].Name != "member" || tiers[1].Name != "vip" {
		test.Fatalf("unexpected tier set: %+v", tiers)
	}
}

func TestReplaceTiersRejectsDuplicateThreshold(test *testing.T) {
	store := newTestStore(test)
	err := store.ReplaceTiers(context.Background(), []loyalty.Tier{
		{Name: "bronze", Threshold: 0},
		{Name: "also-bronze", Threshold: 0},
	})
	if !errors.Is(err, loyalty.ErrTierConfiguration) {
		test.Fatalf("expected ErrTierConfiguration, got %v", err)
	}
}

func TestRewardLifecycle(test *testing.T) {
	store := newTestStore(test)
	created, err := store.CreateReward(context.Background(), loyalty.Reward{
		Name:        "free coffee",
		Description: "one hot drink",
		PointCost:   150,
		Active:      true,
	})
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if created.RewardID == "" {
		test.Fatalf("reward id must be generated")
	}

	rewardID, err := loyalty.NewRewardID(created.RewardID)
	if err != nil {
		test.Fatalf("reward id: %v", err)
	}
	fetched, err := store.GetReward(context.Background(), rewardID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if fetched.PointCost != 150 || !fetched.Active {
		test.Fatalf("unexpected reward: %+v", fetched)
	}

	newCost := int64(120)
	inactive := false
	updated, err := store.UpdateReward(context.Background(), rewardID, RewardUpdate{PointCost: &newCost, Active: &inactive})
	if err != nil {
		test.Fatalf("update: %v", err)
	}
	if updated.PointCost != 120 || updated.Active {
		test.Fatalf("unexpected updated reward: %+v", updated)
	}

	rewards, err := store.ListRewards(context.Background())
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(rewards) != 1 {
		test.Fatalf("expected one reward, got %d", len(rewards))
	}
}

func TestUpdateRewardUnknownReward(test *testing.T) {
	store := newTestStore(test)
	rewardID, err := loyalty.NewRewardID("00000000-0000-0000-0000-000000000000")
	if err != nil {
		test.Fatalf("reward id: %v", err)
	}
	active := true
	if _, err := store.UpdateReward(context.Background(), rewardID, RewardUpdate{Active: &active}); !errors.Is(err, loyalty.ErrRewardNotFound) {
		test.Fatalf("expected ErrRewardNotFound, got %v", err)
	}
}

// memberQuerySQL renders the SQL a member read would issue without touching a
// server, so the locking clause is observable per dialect.
func memberQuerySQL(test *testing.T, dialector gorm.Dialector) string {
	test.Helper()
	db, err := gorm.Open(dialector, &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open dry-run db: %v", err)
	}
	store := New(db)
	var member Member
	statement := store.lockedMemberQuery(context.Background()).
		Where("member_id = ?", "member-1").
		Find(&member).Statement
	return statement.SQL.String()
}

func TestMemberReadsLockRowOnPostgres(test *testing.T) {
	sql := memberQuerySQL(test, postgres.New(postgres.Config{DSN: "host=localhost user=loyalty dbname=loyalty"}))
	if !strings.Contains(sql, "FOR UPDATE") {
		test.Fatalf("postgres member reads must take the row lock, got %q", sql)
	}
}

func TestMemberReadsSkipRowLockOnSQLite(test *testing.T) {
	sql := memberQuerySQL(test, sqlite.Open(":memory:"))
	if strings.Contains(sql, "FOR UPDATE") {
		test.Fatalf("sqlite has no SELECT FOR UPDATE, got %q", sql)
	}
}

func TestGetOrCreateMemberRereadsCurrentProjection(test *testing.T) {
	store := newTestStore(test)
	memberID := mustStoreMemberID(test, "member-1")

	if _, err := store.GetOrCreateMember(context.Background(), memberID, "bronze"); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.UpdateMemberProjection(context.Background(), memberID, 70, 70, "bronze", 1_700_000_000); err != nil {
		test.Fatalf("update projection: %v", err)
	}

	member, err := store.GetOrCreateMember(context.Background(), memberID, "bronze")
	if err != nil {
		test.Fatalf("reread: %v", err)
	}
	if member.Balance != 70 || member.LifetimeEarned != 70 {
		test.Fatalf("balance math must build on the committed projection, got %+v", member)
	}
}

func TestAppendEntryDefaultsMissingTimestamp(test *testing.T) {
	store := newTestStore(test)
	stored := appendTestEntry(test, store, "member-1", loyalty.EntryEarn, 10, "", 0)
	if stored.CreatedUnixUTC <= 0 {
		test.Fatalf("missing timestamp must default to now, got %d", stored.CreatedUnixUTC)
	}
	if drift := time.Now().UTC().Unix() - stored.CreatedUnixUTC; drift < 0 || drift > 60 {
		test.Fatalf("defaulted timestamp drifted by %ds", drift)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	store := newTestStore(test)
	memberID := mustStoreMemberID(test, "member-1")
	if _, err := store.GetOrCreateMember(context.Background(), memberID, "bronze"); err != nil {
		test.Fatalf("create member: %v", err)
	}

	sentinel := errors.New("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore loyalty.Store) error {
		if _, err := txStore.AppendEntry(ctx, loyalty.Entry{
			MemberID:       "member-1",
			Type:           loyalty.EntryEarn,
			Amount:         100,
			CreatedUnixUTC: 1_700_000_000,
		}); err != nil {
			return err
		}
		if err := txStore.UpdateMemberProjection(ctx, memberID, 100, 100, "silver", 1_700_000_000); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected the sentinel error, got %v", err)
	}

	total, err := store.SumForMember(context.Background(), memberID, nil)
	if err != nil {
		test.Fatalf("sum: %v", err)
	}
	if total != 0 {
		test.Fatalf("rolled back entry must not count, got %d", total)
	}
	member, err := store.GetMember(context.Background(), memberID)
	if err != nil {
		test.Fatalf("get member: %v", err)
	}
	if member.Balance != 0 || member.TierName != "bronze" {
		test.Fatalf("rolled back projection must not persist: %+v", member)
	}
}
