package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Member represents the member_accounts table: the cached projection of one
// member's ledger.
type Member struct {
	MemberID       string    `gorm:"primaryKey"`
	Balance        int64     `gorm:"not null"`
	LifetimeEarned int64     `gorm:"not null"`
	TierName       string    `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Member) TableName() string { return "member_accounts" }

// LedgerEntry mirrors the ledger_entries table. Rows are append-only;
// idempotency keys are nullable so keyless entries never collide on the
// unique (member_id, idempotency_key) index.
type LedgerEntry struct {
	EntryID        string    `gorm:"type:uuid;primaryKey"`
	MemberID       string    `gorm:"not null;index:idx_entries_member_created,priority:1;index:uniq_entries_member_idem,unique,priority:1"`
	Type           string    `gorm:"not null"`
	Amount         int64     `gorm:"not null"`
	RewardID       *string   `gorm:""`
	Source         string    `gorm:""`
	ReasonCode     string    `gorm:""`
	ActorRef       string    `gorm:""`
	IdempotencyKey *string   `gorm:"index:uniq_entries_member_idem,unique,priority:2"`
	CreatedAt      time.Time `gorm:"not null;index:idx_entries_member_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// TierRow mirrors the tiers table. The threshold unique index backs the
// duplicate-threshold rejection at write time.
type TierRow struct {
	Name      string         `gorm:"primaryKey"`
	Threshold int64          `gorm:"not null;uniqueIndex:uniq_tiers_threshold"`
	Benefits  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (TierRow) TableName() string { return "tiers" }

// RewardRow mirrors the rewards table.
type RewardRow struct {
	RewardID    string    `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:""`
	PointCost   int64     `gorm:"not null"`
	Active      bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (RewardRow) TableName() string { return "rewards" }

func (reward *RewardRow) BeforeCreate(tx *gorm.DB) error {
	if reward.RewardID == "" {
		reward.RewardID = uuid.NewString()
	}
	return nil
}

// Models lists every table for migration.
func Models() []any {
	return []any{&Member{}, &LedgerEntry{}, &TierRow{}, &RewardRow{}}
}
