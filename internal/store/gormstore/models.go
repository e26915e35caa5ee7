package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance represents the credit_balances table: one row per user,
// enforced by the unique index on user_id.
type CreditBalance struct {
	BalanceID        string    `gorm:"type:uuid;primaryKey"`
	UserID           string    `gorm:"not null;uniqueIndex:uniq_balances_user"`
	CreditsTotal     int64     `gorm:"not null"`
	CreditsRemaining int64     `gorm:"not null"`
	LastSyncedAt     time.Time `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

func (balance *CreditBalance) BeforeCreate(tx *gorm.DB) error {
	if balance.BalanceID == "" {
		balance.BalanceID = uuid.NewString()
	}
	return nil
}

// UsageRecord mirrors the usage_records table. Rows are append-only.
type UsageRecord struct {
	RecordID         string         `gorm:"type:uuid;primaryKey"`
	UserID           string         `gorm:"not null;index:idx_usage_user_created,priority:1"`
	BalanceID        string         `gorm:"type:uuid;not null"`
	Kind             string         `gorm:"not null"`
	Feature          string         `gorm:"not null"`
	CreditsUsed      int64          `gorm:"not null"`
	Reason           string         `gorm:""`
	RefundOfRecordID *string        `gorm:"type:uuid;uniqueIndex:uniq_usage_refund_of"`
	Details          datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_usage_user_created,priority:2"`
}

func (UsageRecord) TableName() string { return "usage_records" }

func (record *UsageRecord) BeforeCreate(tx *gorm.DB) error {
	if record.RecordID == "" {
		record.RecordID = uuid.NewString()
	}
	return nil
}

// FeatureCost mirrors the feature_costs table holding administrator price
// overrides.
type FeatureCost struct {
	FeatureKey  string    `gorm:"primaryKey"`
	CostCredits int64     `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (FeatureCost) TableName() string { return "feature_costs" }

// PlanCredit mirrors the plan_credits table holding administrator allotment
// overrides.
type PlanCredit struct {
	PlanKey        string    `gorm:"primaryKey"`
	MonthlyCredits int64     `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (PlanCredit) TableName() string { return "plan_credits" }
