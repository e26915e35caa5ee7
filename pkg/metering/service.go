package metering

import (
	"context"
	"fmt"
)

// Service contains the metering logic over a Store: advisory validation,
// authoritative deduction, compensating refund, and the audit trail that
// pairs with every metered balance change.
type Service struct {
	store  Store
	costs  *CostResolver
	plans  *PlanResolver
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, costs *CostResolver, plans *PlanResolver, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if costs == nil {
		return nil, fmt.Errorf("%w: cost resolver dependency is nil", ErrInvalidServiceConfig)
	}
	if plans == nil {
		return nil, fmt.Errorf("%w: plan resolver dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, costs: costs, plans: plans, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Validate is the advisory pre-deduction check: it reads the balance without
// any lock or reservation, so a concurrent request can still drain the
// balance between Validate and Deduct. Callers must treat Deduct's own
// InsufficientCreditsError as authoritative over any earlier Validate result.
func (service *Service) Validate(ctx context.Context, userID UserID, feature Feature, quantity Quantity) (Validation, error) {
	validation, operationError := service.validate(ctx, userID, feature, quantity)
	service.logOperation(ctx, OperationLog{
		Operation: operationValidate,
		UserID:    userID,
		Feature:   feature.String(),
		Credits:   validation.RequiredCredits,
		Error:     operationError,
	})
	return validation, operationError
}

func (service *Service) validate(ctx context.Context, userID UserID, feature Feature, quantity Quantity) (Validation, error) {
	required, err := service.requiredCredits(ctx, feature, quantity)
	if err != nil {
		return Validation{}, err
	}
	balance, err := service.currentBalance(ctx, service.store, userID)
	if err != nil {
		return Validation{}, err
	}
	validation := Validation{
		AvailableCredits: balance.CreditsRemaining,
		RequiredCredits:  required,
	}
	if validation.AvailableCredits < required {
		return validation, InsufficientCreditsError{
			RequiredCredits:  required,
			AvailableCredits: validation.AvailableCredits,
		}
	}
	return validation, nil
}

// Deduct is the authoritative charge: one transaction that creates the
// balance on first sight, conditionally decrements it, and appends the
// matching usage row. The decrement is a single conditional update in the
// store, so concurrent deductions can never drive the balance negative.
func (service *Service) Deduct(ctx context.Context, userID UserID, feature Feature, quantity Quantity, details DetailsJSON) (Receipt, error) {
	var receipt Receipt
	required, operationError := service.requiredCredits(ctx, feature, quantity)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := service.currentBalance(ctx, transactionStore, userID)
			if err != nil {
				return err
			}
			remaining, decremented, err := transactionStore.TryDecrement(ctx, balance.BalanceID, required)
			if err != nil {
				return err
			}
			if !decremented {
				return InsufficientCreditsError{
					RequiredCredits:  required,
					AvailableCredits: remaining,
				}
			}
			record, err := transactionStore.InsertUsage(ctx, UsageInput{
				UserID:         userID,
				BalanceID:      balance.BalanceID,
				Kind:           UsageKindCharge,
				Feature:        feature.String(),
				CreditsUsed:    required,
				Details:        details,
				CreatedUnixUTC: service.nowFn(),
			})
			if err != nil {
				return err
			}
			receipt = Receipt{RemainingCredits: remaining, RecordID: record.RecordID}
			return nil
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		UserID:    userID,
		Feature:   feature.String(),
		Credits:   required,
		Error:     operationError,
	})
	return receipt, operationError
}

// Refund compensates a prior deduction after the paid-for operation failed:
// one transaction that unconditionally increments the balance and appends a
// negative usage row tagged with the reason. When deductionRecordID names the
// charge being reversed, a second refund for the same charge fails with
// ErrDuplicateRefund; with an empty id the caller owns at-most-once.
func (service *Service) Refund(ctx context.Context, userID UserID, feature Feature, quantity Quantity, reason string, deductionRecordID string, details DetailsJSON) (Credits, error) {
	var remaining Credits
	amount, operationError := service.requiredCredits(ctx, feature, quantity)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			balance, err := service.currentBalance(ctx, transactionStore, userID)
			if err != nil {
				return err
			}
			remaining, err = transactionStore.Increment(ctx, balance.BalanceID, amount)
			if err != nil {
				return err
			}
			_, err = transactionStore.InsertUsage(ctx, UsageInput{
				UserID:         userID,
				BalanceID:      balance.BalanceID,
				Kind:           UsageKindRefund,
				Feature:        feature.String(),
				CreditsUsed:    -amount,
				Reason:         reason,
				RefundOfRecord: deductionRecordID,
				Details:        details,
				CreatedUnixUTC: service.nowFn(),
			})
			return err
		})
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Feature:   feature.String(),
		Credits:   amount,
		Reason:    reason,
		Error:     operationError,
	})
	return remaining, operationError
}

func (service *Service) requiredCredits(ctx context.Context, feature Feature, quantity Quantity) (Credits, error) {
	cost, err := service.costs.Cost(ctx, feature)
	if err != nil {
		return 0, err
	}
	required := cost * Credits(quantity.Int())
	if cost != 0 && required/cost != Credits(quantity.Int()) {
		return 0, fmt.Errorf("%w: cost overflow for %q", ErrInvalidCredits, feature.String())
	}
	return required, nil
}

func (service *Service) currentBalance(ctx context.Context, store Store, userID UserID) (Balance, error) {
	seed, err := service.plans.Credits(ctx, PlanID{value: FreePlanID})
	if err != nil {
		return Balance{}, err
	}
	return store.GetOrCreateBalance(ctx, userID, seed, service.nowFn())
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
