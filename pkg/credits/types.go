package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a strictly positive whole-credit amount supplied by callers.
// Ledger rows store signed int64 amounts directly.
type Credits int64

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// BookingID correlates spend and refund rows to a booking.
type BookingID struct {
	value string
}

// WeekID correlates a deposit to the timeshare week it converted.
type WeekID struct {
	value string
}

// AdminID identifies the operator behind a manual adjustment.
type AdminID struct {
	value string
}

// PaymentReference correlates a top-up to a confirmed payment capture.
type PaymentReference struct {
	value string
}

// MetadataJSON stores arbitrary per-row metadata (refund reason, admin note).
type MetadataJSON struct {
	value string
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
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

// NewBookingID validates and normalizes a booking id.
func NewBookingID(raw string) (BookingID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BookingID{}, fmt.Errorf("%w: empty value", ErrInvalidBookingID)
	}
	return BookingID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BookingID) String() string {
	return id.value
}

// NewWeekID validates and normalizes a week id.
func NewWeekID(raw string) (WeekID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return WeekID{}, fmt.Errorf("%w: empty value", ErrInvalidWeekID)
	}
	return WeekID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id WeekID) String() string {
	return id.value
}

// NewAdminID validates and normalizes an admin id.
func NewAdminID(raw string) (AdminID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AdminID{}, fmt.Errorf("%w: empty value", ErrInvalidAdminID)
	}
	return AdminID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AdminID) String() string {
	return id.value
}

// NewPaymentReference validates and normalizes a payment reference.
func NewPaymentReference(raw string) (PaymentReference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentReference{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentReference)
	}
	return PaymentReference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference PaymentReference) String() string {
	return reference.value
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionType enumerates ledger row kinds.
type TransactionType string

const (
	TypeDeposit    TransactionType = "DEPOSIT"
	TypeSpend      TransactionType = "SPEND"
	TypeRefund     TransactionType = "REFUND"
	TypeExpiration TransactionType = "EXPIRATION"
	TypeAdjustment TransactionType = "ADJUSTMENT"
	TypeTopUp      TransactionType = "TOPUP"
)

// ParseTransactionType validates a stored type value.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TypeDeposit, TypeSpend, TypeRefund, TypeExpiration, TypeAdjustment, TypeTopUp:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// TransactionStatus defines the batch lifecycle. Credit-bearing rows
// (DEPOSIT, TOPUP, REFUND, positive ADJUSTMENT) are born ACTIVE and end up
// SPENT or EXPIRED; SPEND rows carry SPENT as a closed marker and flip to
// REFUNDED when the booking is refunded; EXPIRATION rows carry EXPIRED.
type TransactionStatus string

const (
	StatusActive   TransactionStatus = "ACTIVE"
	StatusSpent    TransactionStatus = "SPENT"
	StatusExpired  TransactionStatus = "EXPIRED"
	StatusRefunded TransactionStatus = "REFUNDED"
)

// ParseTransactionStatus validates a stored status value.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case StatusActive, StatusSpent, StatusExpired, StatusRefunded:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// Transaction is a single ledger row. Rows are immutable once written
// except for the Status transition and the live Remaining counter on
// ACTIVE batches.
type Transaction struct {
	TransactionID string
	UserID        string
	Type          TransactionType
	Amount        int64 // signed: positive credit, negative debit
	Remaining     int64 // unconsumed credits on ACTIVE batches
	BalanceAfter  int64 // wallet balance snapshot after this row applied
	Status        TransactionStatus
	BookingID     string
	WeekID        string
	BatchID       string // SPEND/EXPIRATION rows: the consumed batch
	PaymentRef    string
	CreatedBy     string
	MetadataJSON  string

	DepositedAtUnixUTC int64
	ExpiresAtUnixUTC   int64 // 0 = never expires
	CreatedUnixUTC     int64
}

// Wallet is the denormalized per-user aggregate. Always derivable by
// replaying the ledger; maintained incrementally for O(1) reads.
type Wallet struct {
	UserID            string
	Balance           int64
	Earned            int64
	Spent             int64
	Expired           int64
	Refunded          int64
	PendingExpiration int64
	Version           int64
	LastTransactionAt int64
}

// SweepReport summarizes one user's expiration pass.
type SweepReport struct {
	BatchesExpired int
	CreditsExpired int64
}

// Store is the persistence contract used by Service. Implementations must
// make WithTx atomic: either every write inside fn lands or none do.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateWallet(ctx context.Context, userID UserID) (Wallet, error)
	// UpdateWallet persists the aggregate only when the stored row still
	// carries expectedVersion, bumping Version by one. A mismatch returns
	// ErrVersionConflict.
	UpdateWallet(ctx context.Context, wallet Wallet, expectedVersion int64) error
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	// ListActiveBatches returns ACTIVE credit-bearing rows ordered by
	// expires_at ascending with never-expiring rows last.
	ListActiveBatches(ctx context.Context, userID UserID) ([]Transaction, error)
	// TransitionBatch updates remaining/status conditioned on the current
	// status; zero rows affected returns ErrBatchTransition.
	TransitionBatch(ctx context.Context, transactionID string, remaining int64, from, to TransactionStatus) error
	ListByBooking(ctx context.Context, userID UserID, bookingID BookingID, transactionType TransactionType) ([]Transaction, error)
	FindByWeek(ctx context.Context, userID UserID, weekID WeekID) ([]Transaction, error)
	FindByPaymentRef(ctx context.Context, userID UserID, reference PaymentReference) ([]Transaction, error)
	SumExpiringBefore(ctx context.Context, userID UserID, cutoffUnixUTC int64) (int64, error)
	ListExpiredBatches(ctx context.Context, userID UserID, asOfUnixUTC int64) ([]Transaction, error)
	ListUsersWithExpired(ctx context.Context, asOfUnixUTC int64, limit int) ([]UserID, error)
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}

// PricingOracle supplies integer credit amounts; the ledger never computes
// season or tier multipliers itself.
type PricingOracle interface {
	PriceDeposit(ctx context.Context, weekID WeekID) (Credits, error)
	PriceBooking(ctx context.Context, propertyID string, roomType string, season string, nights int) (Credits, error)
}

// PaymentConfirmer reports whether a cash top-up capture succeeded. The
// payment processor itself is an external collaborator.
type PaymentConfirmer interface {
	CaptureConfirmed(ctx context.Context, reference PaymentReference) (bool, error)
}
