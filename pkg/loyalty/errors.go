package loyalty

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger engine.
var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrMemberNotFound          = errors.New("member not found")
	ErrRewardNotFound          = errors.New("reward not found")
	ErrRewardInactive          = errors.New("reward inactive")
	ErrTierConfiguration       = errors.New("invalid tier configuration")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrInvalidAdjustment       = errors.New("invalid adjustment")
	ErrInvalidMemberID         = errors.New("invalid member id")
	ErrInvalidRewardID         = errors.New("invalid reward id")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidReasonCode       = errors.New("invalid reason code")
	ErrInvalidActorRef         = errors.New("invalid actor ref")
	ErrInvalidReward           = errors.New("invalid reward")
	ErrInvalidCursor           = errors.New("invalid cursor")
	ErrInvalidEngineConfig     = errors.New("invalid engine config")
)

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
