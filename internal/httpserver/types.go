package httpserver

import "encoding/json"

// ValidateRequest asks whether a feature use would fit the current balance.
type ValidateRequest struct {
	Feature  string `json:"feature"`
	Quantity int    `json:"quantity"`
}

// DeductRequest charges the current balance for a feature use.
type DeductRequest struct {
	Feature  string         `json:"feature"`
	Quantity int            `json:"quantity"`
	Details  map[string]any `json:"details"`
}

// RefundRequest reverses a prior deduction after a provider failure.
type RefundRequest struct {
	Feature           string         `json:"feature"`
	Quantity          int            `json:"quantity"`
	Reason            string         `json:"reason"`
	DeductionRecordID string         `json:"deduction_record_id"`
	Details           map[string]any `json:"details"`
}

// SetBalanceRequest overwrites a balance to an absolute value.
type SetBalanceRequest struct {
	Credits int64 `json:"credits"`
}

// AdjustRequest applies a signed operator delta.
type AdjustRequest struct {
	Delta int64  `json:"delta"`
	Note  string `json:"note"`
}

// PlanSyncRequest reseeds a balance from a plan's allotment.
type PlanSyncRequest struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
}

// FeatureCostRequest sets one administrator price override.
type FeatureCostRequest struct {
	CostCredits int64 `json:"cost_credits"`
}

// PlanCreditRequest sets one administrator allotment override.
type PlanCreditRequest struct {
	MonthlyCredits int64 `json:"monthly_credits"`
}

// BalancePayload mirrors the balance row for API consumers.
type BalancePayload struct {
	BalanceID         string `json:"balance_id"`
	UserID            string `json:"user_id"`
	CreditsTotal      int64  `json:"credits_total"`
	CreditsRemaining  int64  `json:"credits_remaining"`
	LastSyncedUnixUTC int64  `json:"last_synced_unix_utc"`
}

// ValidationPayload reports the advisory pre-check amounts.
type ValidationPayload struct {
	Status           string `json:"status"`
	RequiredCredits  int64  `json:"required_credits"`
	AvailableCredits int64  `json:"available_credits"`
}

// ReceiptPayload reports a committed deduction.
type ReceiptPayload struct {
	RemainingCredits int64  `json:"remaining_credits"`
	RecordID         string `json:"record_id"`
}

// UsagePayload mirrors one audit row.
type UsagePayload struct {
	RecordID         string          `json:"record_id"`
	Kind             string          `json:"kind"`
	Feature          string          `json:"feature"`
	CreditsUsed      int64           `json:"credits_used"`
	Reason           string          `json:"reason,omitempty"`
	RefundOfRecordID string          `json:"refund_of_record_id,omitempty"`
	Details          json.RawMessage `json:"details"`
	CreatedUnixUTC   int64           `json:"created_unix_utc"`
}

// ErrorEnvelope encodes API errors.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload contains the code and message for user-visible errors. The
// insufficient-credits case additionally carries the shortfall amounts.
type ErrorPayload struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	RequiredCredits  int64  `json:"required_credits,omitempty"`
	AvailableCredits int64  `json:"available_credits,omitempty"`
}
