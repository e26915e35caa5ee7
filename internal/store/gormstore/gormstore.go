package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/metering/pkg/metering"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintUsageRefundOf = "uniq_usage_refund_of"
	defaultDetailsJSON      = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectUsage       = "usage"
	errorSubjectPricing     = "pricing"
	errorCodeCreate         = "create"
	errorCodeDecrement      = "decrement"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeIncrement      = "increment"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSet            = "set"
	errorCodeUpsert         = "upsert"
)

// Store implements metering.Store plus the pricing override sources using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore metering.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateBalance returns the balance row for a user, creating one seeded
// with seedCredits when absent. A concurrent first-creation loses the race on
// the user_id unique index without raising an error and recovers by re-reading
// the winner's row.
func (store *Store) GetOrCreateBalance(ctx context.Context, userID metering.UserID, seedCredits metering.Credits, nowUnixUTC int64) (metering.Balance, error) {
	balance, err := store.readBalanceByUser(ctx, userID.String())
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return metering.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	model := CreditBalance{
		UserID:           userID.String(),
		CreditsTotal:     seedCredits.Int64(),
		CreditsRemaining: seedCredits.Int64(),
		LastSyncedAt:     time.Unix(nowUnixUTC, 0).UTC(),
	}
	created, createErr := store.insertBalance(ctx, &model)
	if createErr != nil {
		return metering.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
	}
	if created {
		return mapBalance(model), nil
	}
	balance, rereadErr := store.readBalanceByUser(ctx, userID.String())
	if rereadErr != nil {
		return metering.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, rereadErr)
	}
	return balance, nil
}

// insertBalance inserts the row unless one already exists for the user.
// PostgreSQL aborts the surrounding transaction on any statement error,
// including a unique violation, so the lost creation race is absorbed with
// ON CONFLICT DO NOTHING instead of being raised.
func (store *Store) insertBalance(ctx context.Context, model *CreditBalance) (bool, error) {
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// TryDecrement decrements credits_remaining by amount only when the current
// value covers it, as a single conditional UPDATE. It returns the remaining
// credits after the call and whether the decrement happened.
func (store *Store) TryDecrement(ctx context.Context, balanceID string, amount metering.Credits) (metering.Credits, bool, error) {
	if amount < 0 {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeInvalid, metering.ErrInvalidCredits)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("balance_id = ? AND credits_remaining >= ?", balanceID, amount.Int64()).
		UpdateColumn("credits_remaining", gorm.Expr("credits_remaining - ?", amount.Int64()))
	if result.Error != nil {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeDecrement, result.Error)
	}
	remaining, err := store.readRemaining(ctx, balanceID)
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return remaining, result.RowsAffected == 1, nil
}

// Increment adds amount to credits_remaining unconditionally and returns the
// new value.
func (store *Store) Increment(ctx context.Context, balanceID string, amount metering.Credits) (metering.Credits, error) {
	if amount < 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, metering.ErrInvalidCredits)
	}
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("balance_id = ?", balanceID).
		UpdateColumn("credits_remaining", gorm.Expr("credits_remaining + ?", amount.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeIncrement, gorm.ErrRecordNotFound)
	}
	remaining, err := store.readRemaining(ctx, balanceID)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return remaining, nil
}

// SetBalance overwrites the balance to an absolute value, upserting when no
// row exists yet. Both credits_total and credits_remaining take the new value.
func (store *Store) SetBalance(ctx context.Context, userID metering.UserID, amount metering.Credits, nowUnixUTC int64) (metering.Balance, error) {
	model := CreditBalance{
		UserID:           userID.String(),
		CreditsTotal:     amount.Int64(),
		CreditsRemaining: amount.Int64(),
		LastSyncedAt:     time.Unix(nowUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"credits_total", "credits_remaining", "last_synced_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return metering.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeSet, err)
	}
	balance, err := store.readBalanceByUser(ctx, userID.String())
	if err != nil {
		return metering.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

// InsertUsage appends one immutable audit row. A refund correlated to an
// already-refunded deduction conflicts on the refund_of unique index.
func (store *Store) InsertUsage(ctx context.Context, input metering.UsageInput) (metering.UsageRecord, error) {
	var refundOf *string
	if input.RefundOfRecord != "" {
		value := input.RefundOfRecord
		refundOf = &value
	}
	model := UsageRecord{
		UserID:           input.UserID.String(),
		BalanceID:        input.BalanceID,
		Kind:             input.Kind.String(),
		Feature:          input.Feature,
		CreditsUsed:      input.CreditsUsed.Int64(),
		Reason:           input.Reason,
		RefundOfRecordID: refundOf,
		Details:          datatypesJSON(input.Details.String()),
		CreatedAt:        time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if input.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if input.RefundOfRecord != "" && isRefundConflict(err) {
		return metering.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeDuplicate, metering.ErrDuplicateRefund)
	}
	if err != nil {
		return metering.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeInsert, err)
	}
	record, err := mapUsageRecord(model)
	if err != nil {
		return metering.UsageRecord{}, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
	}
	return record, nil
}

// ListUsage lists audit rows for a user before a cutoff time, newest first.
func (store *Store) ListUsage(ctx context.Context, userID metering.UserID, beforeUnixUTC int64, limit int) ([]metering.UsageRecord, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []UsageRecord
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectUsage, errorCodeList, err)
	}

	records := make([]metering.UsageRecord, 0, len(rows))
	for _, row := range rows {
		record, err := mapUsageRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUsage, errorCodeInvalid, err)
		}
		records = append(records, record)
	}
	return records, nil
}

// FeatureCostOverrides loads the administrator price override table.
func (store *Store) FeatureCostOverrides(ctx context.Context) (map[string]int64, error) {
	var rows []FeatureCost
	if err := store.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	overrides := make(map[string]int64, len(rows))
	for _, row := range rows {
		overrides[row.FeatureKey] = row.CostCredits
	}
	return overrides, nil
}

// PlanCreditOverrides loads the administrator allotment override table.
func (store *Store) PlanCreditOverrides(ctx context.Context) (map[string]int64, error) {
	var rows []PlanCredit
	if err := store.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectPricing, errorCodeList, err)
	}
	overrides := make(map[string]int64, len(rows))
	for _, row := range rows {
		overrides[row.PlanKey] = row.MonthlyCredits
	}
	return overrides, nil
}

// UpsertFeatureCost writes or replaces one price override.
func (store *Store) UpsertFeatureCost(ctx context.Context, featureKey string, costCredits int64) error {
	model := FeatureCost{FeatureKey: featureKey, CostCredits: costCredits, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "feature_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"cost_credits", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeUpsert, err)
	}
	return nil
}

// UpsertPlanCredit writes or replaces one allotment override.
func (store *Store) UpsertPlanCredit(ctx context.Context, planKey string, monthlyCredits int64) error {
	model := PlanCredit{PlanKey: planKey, MonthlyCredits: monthlyCredits, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plan_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"monthly_credits", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPricing, errorCodeUpsert, err)
	}
	return nil
}

// Migrate creates or updates the schema for all store models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CreditBalance{}, &UsageRecord{}, &FeatureCost{}, &PlanCredit{})
}

func (store *Store) readBalanceByUser(ctx context.Context, userID string) (metering.Balance, error) {
	var model CreditBalance
	if err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&model).Error; err != nil {
		return metering.Balance{}, err
	}
	return mapBalance(model), nil
}

func (store *Store) readRemaining(ctx context.Context, balanceID string) (metering.Credits, error) {
	var model CreditBalance
	if err := store.db.WithContext(ctx).Where("balance_id = ?", balanceID).Take(&model).Error; err != nil {
		return 0, err
	}
	return metering.Credits(model.CreditsRemaining), nil
}

func mapBalance(model CreditBalance) metering.Balance {
	return metering.Balance{
		BalanceID:         model.BalanceID,
		UserID:            model.UserID,
		CreditsTotal:      metering.Credits(model.CreditsTotal),
		CreditsRemaining:  metering.Credits(model.CreditsRemaining),
		LastSyncedUnixUTC: model.LastSyncedAt.Unix(),
	}
}

func mapUsageRecord(model UsageRecord) (metering.UsageRecord, error) {
	kind, err := metering.ParseUsageKind(model.Kind)
	if err != nil {
		return metering.UsageRecord{}, err
	}
	refundOf := ""
	if model.RefundOfRecordID != nil {
		refundOf = *model.RefundOfRecordID
	}
	return metering.UsageRecord{
		RecordID:       model.RecordID,
		UserID:         model.UserID,
		BalanceID:      model.BalanceID,
		Kind:           kind,
		Feature:        model.Feature,
		CreditsUsed:    metering.Credits(model.CreditsUsed),
		Reason:         model.Reason,
		RefundOfRecord: refundOf,
		DetailsJSON:    string(model.Details),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return metering.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultDetailsJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isRefundConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintUsageRefundOf
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
