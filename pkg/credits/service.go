package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wanderstay/creditledger/pkg/distlock"
)

// Service contains the wallet domain logic over a Store. Every
// balance-mutating operation runs inside the per-user distributed lock and
// a single store transaction; the wallet row's optimistic version check is
// the last-resort guard when the lock degrades to local execution.
type Service struct {
	store             Store
	locker            distlock.Coordinator
	nowFn             func() int64
	expirationHorizon time.Duration
	pendingWindow     time.Duration
	logger            OperationLogger
	payments          PaymentConfirmer
}

// NewService wires a Service.
func NewService(store Store, coordinator distlock.Coordinator, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if coordinator == nil {
		return nil, fmt.Errorf("%w: lock coordinator dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:             store,
		locker:            coordinator,
		nowFn:             now,
		expirationHorizon: DefaultExpirationHorizon,
		pendingWindow:     DefaultPendingWindow,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the denormalized wallet aggregate.
func (service *Service) Balance(ctx context.Context, userID UserID) (Wallet, error) {
	return service.store.GetOrCreateWallet(ctx, userID)
}

// Deposit converts a timeshare week into an ACTIVE credit batch expiring
// one horizon from now. A week converts once: a repeat call for the same
// weekID returns the original row.
func (service *Service) Deposit(ctx context.Context, userID UserID, amount Credits, weekID WeekID) (Transaction, error) {
	var deposited Transaction
	shared, operationError := service.runLocked(ctx, userID, resultKey(operationDeposit, weekID.String()), &deposited, func(ctx context.Context) (interface{}, error) {
		var row Transaction
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			existing, err := txStore.FindByWeek(ctx, userID, weekID)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				row = existing[0]
				return nil
			}
			wallet, err := txStore.GetOrCreateWallet(ctx, userID)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			wallet.Balance += amount.Int64()
			wallet.Earned += amount.Int64()
			wallet.LastTransactionAt = nowUnixUTC
			row = Transaction{
				UserID:             userID.String(),
				Type:               TypeDeposit,
				Amount:             amount.Int64(),
				Remaining:          amount.Int64(),
				BalanceAfter:       wallet.Balance,
				Status:             StatusActive,
				WeekID:             weekID.String(),
				MetadataJSON:       "{}",
				DepositedAtUnixUTC: nowUnixUTC,
				ExpiresAtUnixUTC:   nowUnixUTC + int64(service.expirationHorizon/time.Second),
				CreatedUnixUTC:     nowUnixUTC,
			}
			row, err = txStore.InsertTransaction(ctx, row)
			if err != nil {
				return err
			}
			return service.finishWalletUpdate(ctx, txStore, userID, wallet, nowUnixUTC)
		})
		return row, err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeposit,
		UserID:    userID,
		WeekID:    weekID.String(),
		Amount:    amount.Int64(),
		Shared:    shared,
		Error:     operationError,
	})
	return deposited, operationError
}

// Spend consumes amount from the user's ACTIVE batches in FIFO-by-expiry
// order, splitting the last batch when it is larger than what is needed.
// Idempotent by bookingID: a retry returns the rows written the first time.
func (service *Service) Spend(ctx context.Context, userID UserID, amount Credits, bookingID BookingID) ([]Transaction, error) {
	var spendRows []Transaction
	var duplicate bool
	shared, operationError := service.runLocked(ctx, userID, resultKey(operationSpend, bookingID.String()), &spendRows, func(ctx context.Context) (interface{}, error) {
		var rows []Transaction
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			existing, err := txStore.ListByBooking(ctx, userID, bookingID, TypeSpend)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				rows = existing
				duplicate = true
				return nil
			}
			wallet, err := txStore.GetOrCreateWallet(ctx, userID)
			if err != nil {
				return err
			}
			if wallet.Balance < amount.Int64() {
				return ErrInsufficientCredits
			}
			nowUnixUTC := service.nowFn()
			rows, err = service.consumeBatches(ctx, txStore, &wallet, amount.Int64(), bookingID, nowUnixUTC)
			if err != nil {
				return err
			}
			wallet.Spent += amount.Int64()
			wallet.LastTransactionAt = nowUnixUTC
			return service.finishWalletUpdate(ctx, txStore, userID, wallet, nowUnixUTC)
		})
		return rows, err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSpend,
		UserID:    userID,
		BookingID: bookingID.String(),
		Amount:    amount.Int64(),
		Duplicate: duplicate,
		Shared:    shared,
		Error:     operationError,
	})
	return spendRows, operationError
}

// Refund reverses a completed spend for bookingID. The refunded credits
// come back as one brand-new ACTIVE batch with a fresh expiry window; the
// lifetime spent counter stays put and the refund is tracked as its own
// signed entry. Idempotent by bookingID.
func (service *Service) Refund(ctx context.Context, userID UserID, bookingID BookingID, reason string) (Transaction, error) {
	metadata, metadataError := refundMetadata(reason)
	if metadataError != nil {
		return Transaction{}, metadataError
	}
	var refunded Transaction
	var duplicate bool
	shared, operationError := service.runLocked(ctx, userID, resultKey(operationRefund, bookingID.String()), &refunded, func(ctx context.Context) (interface{}, error) {
		var row Transaction
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			priorRefunds, err := txStore.ListByBooking(ctx, userID, bookingID, TypeRefund)
			if err != nil {
				return err
			}
			if len(priorRefunds) > 0 {
				row = priorRefunds[0]
				duplicate = true
				return nil
			}
			spends, err := txStore.ListByBooking(ctx, userID, bookingID, TypeSpend)
			if err != nil {
				return err
			}
			if len(spends) == 0 {
				return ErrUnknownBooking
			}
			var total int64
			for _, spend := range spends {
				total += -spend.Amount
				if err := txStore.TransitionBatch(ctx, spend.TransactionID, 0, StatusSpent, StatusRefunded); err != nil {
					return err
				}
			}
			wallet, err := txStore.GetOrCreateWallet(ctx, userID)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			wallet.Balance += total
			wallet.Refunded += total
			wallet.LastTransactionAt = nowUnixUTC
			row = Transaction{
				UserID:             userID.String(),
				Type:               TypeRefund,
				Amount:             total,
				Remaining:          total,
				BalanceAfter:       wallet.Balance,
				Status:             StatusActive,
				BookingID:          bookingID.String(),
				MetadataJSON:       metadata.String(),
				DepositedAtUnixUTC: nowUnixUTC,
				ExpiresAtUnixUTC:   nowUnixUTC + int64(service.expirationHorizon/time.Second),
				CreatedUnixUTC:     nowUnixUTC,
			}
			row, err = txStore.InsertTransaction(ctx, row)
			if err != nil {
				return err
			}
			return service.finishWalletUpdate(ctx, txStore, userID, wallet, nowUnixUTC)
		})
		return row, err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		BookingID: bookingID.String(),
		Amount:    refunded.Amount,
		Duplicate: duplicate,
		Shared:    shared,
		Error:     operationError,
	})
	return refunded, operationError
}

// consumeBatches walks ACTIVE batches oldest-expiring first and writes one
// SPEND row per consumed batch. Running out of batches before needed
// reaches zero means the wallet balance and the batch set disagree, which
// is fatal: a retry could double-mutate state.
func (service *Service) consumeBatches(ctx context.Context, txStore Store, wallet *Wallet, needed int64, bookingID BookingID, nowUnixUTC int64) ([]Transaction, error) {
	batches, err := txStore.ListActiveBatches(ctx, UserID{value: wallet.UserID})
	if err != nil {
		return nil, err
	}
	rows := make([]Transaction, 0, 1)
	for _, batch := range batches {
		if needed == 0 {
			break
		}
		take := batch.Remaining
		if take > needed {
			take = needed
		}
		remaining := batch.Remaining - take
		targetStatus := StatusActive
		if remaining == 0 {
			targetStatus = StatusSpent
		}
		if err := txStore.TransitionBatch(ctx, batch.TransactionID, remaining, StatusActive, targetStatus); err != nil {
			return nil, err
		}
		wallet.Balance -= take
		spendRow := Transaction{
			UserID:         wallet.UserID,
			Type:           TypeSpend,
			Amount:         -take,
			BalanceAfter:   wallet.Balance,
			Status:         StatusSpent,
			BookingID:      bookingID.String(),
			BatchID:        batch.TransactionID,
			MetadataJSON:   "{}",
			CreatedUnixUTC: nowUnixUTC,
		}
		spendRow, err = txStore.InsertTransaction(ctx, spendRow)
		if err != nil {
			return nil, err
		}
		rows = append(rows, spendRow)
		needed -= take
	}
	if needed != 0 {
		return nil, WrapError(operationSpend, "batch", "exhausted", ErrConsistencyViolation)
	}
	return rows, nil
}

// finishWalletUpdate recomputes the advisory pending_expiration window and
// persists the aggregate under its optimistic version check.
func (service *Service) finishWalletUpdate(ctx context.Context, txStore Store, userID UserID, wallet Wallet, nowUnixUTC int64) error {
	pending, err := txStore.SumExpiringBefore(ctx, userID, nowUnixUTC+int64(service.pendingWindow/time.Second))
	if err != nil {
		return err
	}
	wallet.PendingExpiration = pending
	if err := txStore.UpdateWallet(ctx, wallet, wallet.Version); err != nil {
		return err
	}
	return nil
}

// runLocked executes fn inside the per-user lock, marshaling its result so
// retries of the same logical operation can adopt the in-flight outcome.
func (service *Service) runLocked(ctx context.Context, userID UserID, operationResultKey string, result interface{}, fn func(ctx context.Context) (interface{}, error)) (bool, error) {
	outcome, err := service.locker.WithLock(ctx, walletLockPrefix+userID.String(), operationResultKey, func(ctx context.Context) ([]byte, error) {
		value, fnErr := fn(ctx)
		if fnErr != nil {
			return nil, fnErr
		}
		return json.Marshal(value)
	})
	if err != nil {
		return false, err
	}
	if result != nil && len(outcome.Payload) > 0 {
		if err := json.Unmarshal(outcome.Payload, result); err != nil {
			return outcome.Shared, WrapError("service", "lock", "decode", err)
		}
	}
	return outcome.Shared, nil
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

func resultKey(operation string, token string) string {
	return operation + resultKeyDelimiter + token
}

func refundMetadata(reason string) (MetadataJSON, error) {
	encoded, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(encoded))
}
