package credits

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the credit service.
var (
	ErrInsufficientCredits      = errors.New("insufficient credits")
	ErrUnknownBooking           = errors.New("unknown booking")
	ErrConsistencyViolation     = errors.New("ledger consistency violation")
	ErrVersionConflict          = errors.New("wallet version conflict")
	ErrBatchTransition          = errors.New("batch not in expected status")
	ErrPaymentNotConfirmed      = errors.New("payment capture not confirmed")
	ErrInvalidUserID            = errors.New("invalid user id")
	ErrInvalidBookingID         = errors.New("invalid booking id")
	ErrInvalidWeekID            = errors.New("invalid week id")
	ErrInvalidAdminID           = errors.New("invalid admin id")
	ErrInvalidPaymentReference  = errors.New("invalid payment reference")
	ErrInvalidCredits           = errors.New("invalid credit amount")
	ErrInvalidMetadataJSON      = errors.New("invalid metadata json")
	ErrInvalidTransactionType   = errors.New("invalid transaction type")
	ErrInvalidTransactionStatus = errors.New("invalid transaction status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
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
