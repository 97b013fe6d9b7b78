package credits

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing wallet operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	BookingID string
	WeekID    string
	Amount    int64
	Duplicate bool
	Shared    bool
	Status    string
	Error     error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithExpirationHorizon overrides the default batch lifetime.
func WithExpirationHorizon(horizon time.Duration) ServiceOption {
	return func(service *Service) {
		service.expirationHorizon = horizon
	}
}

// WithPendingWindow overrides the pending_expiration lookahead window.
func WithPendingWindow(window time.Duration) ServiceOption {
	return func(service *Service) {
		service.pendingWindow = window
	}
}

// WithPaymentConfirmer wires the payment-processor contract used by TopUp.
func WithPaymentConfirmer(confirmer PaymentConfirmer) ServiceOption {
	return func(service *Service) {
		service.payments = confirmer
	}
}
