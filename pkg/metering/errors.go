package metering

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the metering service.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrUnknownFeature       = errors.New("unknown feature")
	ErrDuplicateRefund      = errors.New("duplicate refund")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidFeature       = errors.New("invalid feature")
	ErrInvalidPlanID        = errors.New("invalid plan id")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidCredits       = errors.New("invalid credits")
	ErrInvalidUsageKind     = errors.New("invalid usage kind")
	ErrInvalidDetailsJSON   = errors.New("invalid details json")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidCostConfig    = errors.New("invalid cost config")
)

// InsufficientCreditsError reports a shortfall with the amounts the caller
// needs to surface as a payment-required condition. It unwraps to
// ErrInsufficientCredits so errors.Is keeps working.
type InsufficientCreditsError struct {
	RequiredCredits  Credits
	AvailableCredits Credits
}

// Error returns the formatted shortfall message.
func (shortfall InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", shortfall.RequiredCredits, shortfall.AvailableCredits)
}

// Unwrap returns the sentinel this error specializes.
func (shortfall InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
