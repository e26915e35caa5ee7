package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a signed credit amount. Balances never hold negative values;
// usage rows use the sign to distinguish charges from refunds.
type Credits int64

// Int64 returns the raw credit amount.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// UserID identifies a balance owner as assigned by the external identity provider.
type UserID struct {
	value string
}

// Feature names a priced operation kind (one chat turn, one image generation).
type Feature struct {
	value string
}

// PlanID names a subscription tier.
type PlanID struct {
	value string
}

// Quantity is the number of feature uses charged in one deduction.
type Quantity int

// maxQuantity bounds the per-deduction use count.
const maxQuantity = 1_000_000

// DetailsJSON stores the free-form structured payload attached to a usage row.
type DetailsJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewFeature validates and normalizes a feature key.
func NewFeature(raw string) (Feature, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Feature{}, fmt.Errorf("%w: empty value", ErrInvalidFeature)
	}
	return Feature{value: trimmed}, nil
}

// String returns the normalized feature key.
func (feature Feature) String() string {
	return feature.value
}

// NewPlanID validates and normalizes a plan identifier.
func NewPlanID(raw string) (PlanID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PlanID{}, fmt.Errorf("%w: empty value", ErrInvalidPlanID)
	}
	return PlanID{value: trimmed}, nil
}

// String returns the normalized plan identifier.
func (id PlanID) String() string {
	return id.value
}

// NewQuantity validates a per-deduction use count.
func NewQuantity(raw int) (Quantity, error) {
	if raw < 1 {
		return 0, fmt.Errorf("%w: must be at least one", ErrInvalidQuantity)
	}
	if raw > maxQuantity {
		return 0, fmt.Errorf("%w: exceeds %d", ErrInvalidQuantity, maxQuantity)
	}
	return Quantity(raw), nil
}

// Int returns the raw count.
func (quantity Quantity) Int() int {
	return int(quantity)
}

// NewDetailsJSON validates a details payload (defaulting to "{}" for empty inputs).
func NewDetailsJSON(raw string) (DetailsJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return DetailsJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidDetailsJSON)
	}
	return DetailsJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (details DetailsJSON) String() string {
	return details.value
}

// UsageKind classifies a usage row.
type UsageKind string

const (
	UsageKindCharge     UsageKind = "charge"
	UsageKindRefund     UsageKind = "refund"
	UsageKindAdjustment UsageKind = "adjustment"
)

// String returns the kind label.
func (kind UsageKind) String() string {
	return string(kind)
}

// ParseUsageKind validates a stored kind label.
func ParseUsageKind(raw string) (UsageKind, error) {
	switch UsageKind(raw) {
	case UsageKindCharge, UsageKindRefund, UsageKindAdjustment:
		return UsageKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUsageKind, raw)
}

// Balance is the persisted credit state for one user.
type Balance struct {
	BalanceID         string
	UserID            string
	CreditsTotal      Credits
	CreditsRemaining  Credits
	LastSyncedUnixUTC int64
}

// UsageRecord is one immutable line of the audit trail. CreditsUsed is
// positive for a charge and negative for a refund or downward adjustment.
type UsageRecord struct {
	RecordID       string
	UserID         string
	BalanceID      string
	Kind           UsageKind
	Feature        string
	CreditsUsed    Credits
	Reason         string
	RefundOfRecord string
	DetailsJSON    string
	CreatedUnixUTC int64
}

// UsageInput describes a usage row to append.
type UsageInput struct {
	UserID         UserID
	BalanceID      string
	Kind           UsageKind
	Feature        string
	CreditsUsed    Credits
	Reason         string
	RefundOfRecord string
	Details        DetailsJSON
	CreatedUnixUTC int64
}

// Validation is the advisory result of a pre-deduction check.
type Validation struct {
	AvailableCredits Credits
	RequiredCredits  Credits
}

// Receipt reports a committed deduction. RecordID correlates a later refund
// to this charge.
type Receipt struct {
	RemainingCredits Credits
	RecordID         string
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateBalance(ctx context.Context, userID UserID, seedCredits Credits, nowUnixUTC int64) (Balance, error)
	TryDecrement(ctx context.Context, balanceID string, amount Credits) (Credits, bool, error)
	Increment(ctx context.Context, balanceID string, amount Credits) (Credits, error)
	SetBalance(ctx context.Context, userID UserID, amount Credits, nowUnixUTC int64) (Balance, error)
	InsertUsage(ctx context.Context, input UsageInput) (UsageRecord, error)
	ListUsage(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]UsageRecord, error)
}
