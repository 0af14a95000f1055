package loyalty

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
)

const (
	tierBronzeName  = "bronze"
	tierSilverName  = "silver"
	tierGoldName    = "gold"
	silverThreshold = 100
	goldThreshold   = 500
)

// stubStore is an in-memory Store for engine tests. It honors the same
// contracts as gormstore: unique idempotency keys per member, projection
// updates, signed sums.
type stubStore struct {
	mu      sync.Mutex
	members map[string]MemberAccount
	entries []Entry
	byKey   map[string]Entry
	nextID  int

	getMemberError    error
	suppressFindOnce  int
	appendError       error
	appendErrorAtCall int
	appendCalls       int
	updateError       error
	sumError          error
	listErr           error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		members: make(map[string]MemberAccount),
		byKey:   make(map[string]Entry),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateMember(ctx context.Context, memberID MemberID, baseTierName string) (MemberAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getMemberError != nil {
		return MemberAccount{}, store.getMemberError
	}
	member, exists := store.members[memberID.String()]
	if !exists {
		member = MemberAccount{MemberID: memberID.String(), TierName: baseTierName}
		store.members[memberID.String()] = member
	}
	return member, nil
}

func (store *stubStore) GetMember(ctx context.Context, memberID MemberID) (MemberAccount, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getMemberError != nil {
		return MemberAccount{}, store.getMemberError
	}
	member, exists := store.members[memberID.String()]
	if !exists {
		return MemberAccount{}, ErrMemberNotFound
	}
	return member, nil
}

func (store *stubStore) FindEntryByIdempotencyKey(ctx context.Context, memberID MemberID, key IdempotencyKey) (Entry, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.suppressFindOnce > 0 {
		store.suppressFindOnce--
		return Entry{}, false, nil
	}
	entry, found := store.byKey[idemIndexKey(memberID.String(), key.String())]
	return entry, found, nil
}

func (store *stubStore) AppendEntry(ctx context.Context, entry Entry) (Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.appendCalls++
	if store.appendError != nil {
		if store.appendErrorAtCall == 0 || store.appendCalls == store.appendErrorAtCall {
			return Entry{}, store.appendError
		}
	}
	if entry.IdempotencyKey != "" {
		indexKey := idemIndexKey(entry.MemberID, entry.IdempotencyKey)
		if _, exists := store.byKey[indexKey]; exists {
			return Entry{}, ErrDuplicateIdempotencyKey
		}
	}
	store.nextID++
	entry.EntryID = fmt.Sprintf("entry-%d", store.nextID)
	store.entries = append(store.entries, entry)
	if entry.IdempotencyKey != "" {
		store.byKey[idemIndexKey(entry.MemberID, entry.IdempotencyKey)] = entry
	}
	return entry, nil
}

func (store *stubStore) UpdateMemberProjection(ctx context.Context, memberID MemberID, balance Points, lifetimeEarned Points, tierName string, atUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.updateError != nil {
		return store.updateError
	}
	member, exists := store.members[memberID.String()]
	if !exists {
		return ErrMemberNotFound
	}
	member.Balance = balance
	member.LifetimeEarned = lifetimeEarned
	member.TierName = tierName
	member.UpdatedUnixUTC = atUnixUTC
	store.members[memberID.String()] = member
	return nil
}

func (store *stubStore) SumForMember(ctx context.Context, memberID MemberID, types []EntryType) (Points, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.sumError != nil {
		return 0, store.sumError
	}
	var total Points
	for _, entry := range store.entries {
		if entry.MemberID != memberID.String() {
			continue
		}
		if len(types) > 0 && !containsType(types, entry.Type) {
			continue
		}
		total += entry.Amount
	}
	return total, nil
}

func (store *stubStore) ListEntries(ctx context.Context, memberID MemberID, cursor Cursor, limit int) ([]Entry, Cursor, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listErr != nil {
		return nil, Cursor{}, store.listErr
	}
	matched := make([]Entry, 0)
	for _, entry := range store.entries {
		if entry.MemberID != memberID.String() {
			continue
		}
		if !cursor.IsZero() {
			if entry.CreatedUnixUTC < cursor.AfterUnixUTC() {
				continue
			}
			if entry.CreatedUnixUTC == cursor.AfterUnixUTC() && entry.EntryID <= cursor.AfterEntryID() {
				continue
			}
		}
		matched = append(matched, entry)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		if matched[left].CreatedUnixUTC != matched[right].CreatedUnixUTC {
			return matched[left].CreatedUnixUTC < matched[right].CreatedUnixUTC
		}
		return matched[left].EntryID < matched[right].EntryID
	})
	next := Cursor{}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	if limit > 0 && len(matched) == limit {
		last := matched[len(matched)-1]
		next = NewCursor(last.CreatedUnixUTC, last.EntryID)
	}
	return matched, next, nil
}

func (store *stubStore) ListMemberIDs(ctx context.Context, offset int, limit int) ([]MemberID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	ids := make([]string, 0, len(store.members))
	for id := range store.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	memberIDs := make([]MemberID, 0, len(ids))
	for _, raw := range ids {
		memberID, err := NewMemberID(raw)
		if err != nil {
			return nil, err
		}
		memberIDs = append(memberIDs, memberID)
	}
	return memberIDs, nil
}

func (store *stubStore) memberSnapshot(test *testing.T, memberID MemberID) MemberAccount {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	member, exists := store.members[memberID.String()]
	if !exists {
		test.Fatalf("member %s not found in stub store", memberID.String())
	}
	return member
}

func (store *stubStore) entryCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.entries)
}

func (store *stubStore) entryAt(test *testing.T, index int) Entry {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	if index >= len(store.entries) {
		test.Fatalf("expected at least %d entries, got %d", index+1, len(store.entries))
	}
	return store.entries[index]
}

func idemIndexKey(memberID string, key string) string {
	return memberID + "\x00" + key
}

func containsType(types []EntryType, entryType EntryType) bool {
	for _, candidate := range types {
		if candidate == entryType {
			return true
		}
	}
	return false
}

// stubCatalog serves rewards from a map.
type stubCatalog struct {
	rewards map[string]Reward
	err     error
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{rewards: make(map[string]Reward)}
}

func (catalog *stubCatalog) GetReward(ctx context.Context, rewardID RewardID) (Reward, error) {
	if catalog.err != nil {
		return Reward{}, catalog.err
	}
	reward, found := catalog.rewards[rewardID.String()]
	if !found {
		return Reward{}, ErrRewardNotFound
	}
	if !reward.Active {
		return Reward{}, ErrRewardInactive
	}
	return reward, nil
}

// recordingSink captures emitted events for assertions.
type recordingSink struct {
	mu          sync.Mutex
	tierChanges []TierChanged
	lowBalances []LowBalanceWarning
}

func (sink *recordingSink) TierChanged(ctx context.Context, event TierChanged) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.tierChanges = append(sink.tierChanges, event)
}

func (sink *recordingSink) LowBalanceWarning(ctx context.Context, event LowBalanceWarning) {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.lowBalances = append(sink.lowBalances, event)
}

// recordingLogger captures operation log entries.
type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func mustTierTable(test *testing.T) *TierTable {
	test.Helper()
	table, err := NewTierTable([]Tier{
		{Name: tierBronzeName, Threshold: 0},
		{Name: tierSilverName, Threshold: silverThreshold},
		{Name: tierGoldName, Threshold: goldThreshold},
	})
	if err != nil {
		test.Fatalf("tier table: %v", err)
	}
	return table
}

func mustNewEngine(test *testing.T, store Store, catalog RewardCatalog, options ...EngineOption) *Engine {
	test.Helper()
	engine, err := NewEngine(store, mustTierTable(test), catalog, func() int64 { return 1_700_000_000 }, options...)
	if err != nil {
		test.Fatalf("engine: %v", err)
	}
	return engine
}

func mustMemberID(test *testing.T, raw string) MemberID {
	test.Helper()
	memberID, err := NewMemberID(raw)
	if err != nil {
		test.Fatalf("member id: %v", err)
	}
	return memberID
}

func mustRewardID(test *testing.T, raw string) RewardID {
	test.Helper()
	rewardID, err := NewRewardID(raw)
	if err != nil {
		test.Fatalf("reward id: %v", err)
	}
	return rewardID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustReasonCode(test *testing.T, raw string) ReasonCode {
	test.Helper()
	code, err := NewReasonCode(raw)
	if err != nil {
		test.Fatalf("reason code: %v", err)
	}
	return code
}

func mustActorRef(test *testing.T, raw string) ActorRef {
	test.Helper()
	actor, err := NewActorRef(raw)
	if err != nil {
		test.Fatalf("actor ref: %v", err)
	}
	return actor
}
