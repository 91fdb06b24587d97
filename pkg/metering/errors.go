package metering

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the metering service.
var (
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyProcessed       = errors.New("already processed")
	ErrInconsistentSettlement = errors.New("inconsistent settlement")
	ErrStorage                = errors.New("storage failure")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidAmount          = errors.New("invalid credit amount")
	ErrInvalidReferenceID     = errors.New("invalid reference id")
	ErrInvalidReferenceType   = errors.New("invalid reference type")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidBalance         = errors.New("invalid balance")
	ErrInvalidDuration        = errors.New("invalid duration")
)

// InsufficientCreditsError carries the recovery payload for a failed Block:
// how much was available, how much was needed, and which shorter durations
// still fit.
type InsufficientCreditsError struct {
	Available          Credits
	Needed             Credits
	SuggestedDurations []int
	MaxDurationMinutes int
}

// Error returns the formatted error message.
func (insufficient InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: available %.2f, needed %.2f", insufficient.Available, insufficient.Needed)
}

// Unwrap ties the struct to the ErrInsufficientCredits sentinel.
func (insufficient InsufficientCreditsError) Unwrap() error {
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

// WrapStorageError converts an unexpected store error into ErrStorage while
// keeping domain sentinels intact, so callers never see raw driver errors.
func WrapStorageError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return WrapError(operation, "store", "unavailable", fmt.Errorf("%w: %v", ErrStorage, err))
}

func isDomainError(err error) bool {
	for _, sentinel := range []error{
		ErrInsufficientCredits,
		ErrNotFound,
		ErrAlreadyProcessed,
		ErrInconsistentSettlement,
		ErrStorage,
		ErrInvalidUserID,
		ErrInvalidAmount,
		ErrInvalidReferenceID,
		ErrInvalidReferenceType,
		ErrInvalidTransactionType,
		ErrInvalidMetadataJSON,
		ErrInvalidBalance,
		ErrInvalidDuration,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
