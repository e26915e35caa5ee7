package metering

import (
	"context"
	"fmt"
)

// AdminAdjust applies a signed operator delta to the balance and writes an
// adjustment usage row, distinguishing it from metered usage. Negative deltas
// go through the conditional decrement, so an adjustment can never drive the
// balance negative.
func (service *Service) AdminAdjust(ctx context.Context, userID UserID, delta Credits, note string) (Credits, error) {
	var remaining Credits
	var operationError error
	if delta == 0 {
		operationError = fmt.Errorf("%w: zero adjustment", ErrInvalidCredits)
	} else {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := service.currentBalance(ctx, transactionStore, userID)
			if err != nil {
				return err
			}
			if delta > 0 {
				remaining, err = transactionStore.Increment(ctx, balance.BalanceID, delta)
				if err != nil {
					return err
				}
			} else {
				newRemaining, decremented, decrementErr := transactionStore.TryDecrement(ctx, balance.BalanceID, -delta)
				if decrementErr != nil {
					return decrementErr
				}
				if !decremented {
					return InsufficientCreditsError{
						RequiredCredits:  -delta,
						AvailableCredits: newRemaining,
					}
				}
				remaining = newRemaining
			}
			_, err = transactionStore.InsertUsage(ctx, UsageInput{
				UserID:         userID,
				BalanceID:      balance.BalanceID,
				Kind:           UsageKindAdjustment,
				Feature:        adjustmentFeatureKey,
				CreditsUsed:    -delta,
				Reason:         note,
				Details:        DetailsJSON{value: "{}"},
				CreatedUnixUTC: service.nowFn(),
			})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAdminAdjust,
		UserID:    userID,
		Feature:   adjustmentFeatureKey,
		Credits:   delta,
		Reason:    note,
		Error:     operationError,
	})
	return remaining, operationError
}

// AdminSet overwrites the balance to an absolute value, upserting when no
// balance exists yet. This is the billing-sync and operator path; it bypasses
// the usage trail on purpose, which is why it is a separate operation from
// Deduct and Refund.
func (service *Service) AdminSet(ctx context.Context, userID UserID, amount Credits) (Balance, error) {
	var balance Balance
	var operationError error
	if amount < 0 {
		operationError = fmt.Errorf("%w: negative balance", ErrInvalidCredits)
	} else {
		balance, operationError = service.store.SetBalance(ctx, userID, amount, service.nowFn())
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationAdminSet,
		UserID:    userID,
		Credits:   amount,
		Error:     operationError,
	})
	return balance, operationError
}

// SyncPlan resolves the plan allotment and overwrites the balance with it.
// Called on account creation, plan change, renewal, and cancellation; unknown
// plans resolve to zero credits.
func (service *Service) SyncPlan(ctx context.Context, userID UserID, planID PlanID) (Balance, error) {
	var balance Balance
	allotment, operationError := service.plans.Credits(ctx, planID)
	if operationError == nil {
		balance, operationError = service.store.SetBalance(ctx, userID, allotment, service.nowFn())
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationPlanSync,
		UserID:    userID,
		Feature:   planID.String(),
		Credits:   allotment,
		Error:     operationError,
	})
	return balance, operationError
}

// BalanceFor returns the user's balance, creating it seeded from the free
// plan allotment on first sight.
func (service *Service) BalanceFor(ctx context.Context, userID UserID) (Balance, error) {
	return service.currentBalance(ctx, service.store, userID)
}

// ListUsage lists audit rows for a user before a cutoff time.
func (service *Service) ListUsage(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]UsageRecord, error) {
	return service.store.ListUsage(ctx, userID, beforeUnixUTC, limit)
}
