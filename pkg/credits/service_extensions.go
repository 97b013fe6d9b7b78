package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Adjust applies an admin-initiated manual correction. Positive amounts
// become a never-expiring ACTIVE batch and count toward lifetime earned;
// negative amounts consume ACTIVE batches like a spend and count toward
// lifetime spent, keeping the balance invariant intact either way.
func (service *Service) Adjust(ctx context.Context, userID UserID, amount int64, adminID AdminID, note string) (Transaction, error) {
	if amount == 0 {
		return Transaction{}, fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidCredits)
	}
	metadata, metadataError := adjustmentMetadata(note)
	if metadataError != nil {
		return Transaction{}, metadataError
	}
	var adjusted Transaction
	// Adjustments carry no idempotency token; never share results.
	shared, operationError := service.runLocked(ctx, userID, "", &adjusted, func(ctx context.Context) (interface{}, error) {
		var row Transaction
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			wallet, err := txStore.GetOrCreateWallet(ctx, userID)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			if amount > 0 {
				wallet.Balance += amount
				wallet.Earned += amount
				row = Transaction{
					UserID:             userID.String(),
					Type:               TypeAdjustment,
					Amount:             amount,
					Remaining:          amount,
					BalanceAfter:       wallet.Balance,
					Status:             StatusActive,
					CreatedBy:          adminID.String(),
					MetadataJSON:       metadata.String(),
					DepositedAtUnixUTC: nowUnixUTC,
					CreatedUnixUTC:     nowUnixUTC,
				}
			} else {
				debit := -amount
				if wallet.Balance < debit {
					return ErrInsufficientCredits
				}
				if err := service.drainBatches(ctx, txStore, userID, debit); err != nil {
					return err
				}
				wallet.Balance -= debit
				wallet.Spent += debit
				row = Transaction{
					UserID:         userID.String(),
					Type:           TypeAdjustment,
					Amount:         amount,
					BalanceAfter:   wallet.Balance,
					Status:         StatusSpent,
					CreatedBy:      adminID.String(),
					MetadataJSON:   metadata.String(),
					CreatedUnixUTC: nowUnixUTC,
				}
			}
			wallet.LastTransactionAt = nowUnixUTC
			row, err = txStore.InsertTransaction(ctx, row)
			if err != nil {
				return err
			}
			return service.finishWalletUpdate(ctx, txStore, userID, wallet, nowUnixUTC)
		})
		return row, err
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Amount:    amount,
		Shared:    shared,
		Error:     operationError,
	})
	return adjusted, operationError
}

// TopUp credits a purchased batch once the payment processor has confirmed
// the capture. Idempotent by payment reference.
func (service *Service) TopUp(ctx context.Context, userID UserID, amount Credits, reference PaymentReference) (Transaction, error) {
	if service.payments != nil {
		confirmed, err := service.payments.CaptureConfirmed(ctx, reference)
		if err != nil {
			return Transaction{}, WrapError(operationTopUp, "payment", "confirm", err)
		}
		if !confirmed {
			return Transaction{}, ErrPaymentNotConfirmed
		}
	}
	var topped Transaction
	var duplicate bool
	shared, operationError := service.runLocked(ctx, userID, resultKey(operationTopUp, reference.String()), &topped, func(ctx context.Context) (interface{}, error) {
		var row Transaction
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			existing, err := txStore.FindByPaymentRef(ctx, userID, reference)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				row = existing[0]
				duplicate = true
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
				Type:               TypeTopUp,
				Amount:             amount.Int64(),
				Remaining:          amount.Int64(),
				BalanceAfter:       wallet.Balance,
				Status:             StatusActive,
				PaymentRef:         reference.String(),
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
		Operation: operationTopUp,
		UserID:    userID,
		Amount:    amount.Int64(),
		Duplicate: duplicate,
		Shared:    shared,
		Error:     operationError,
	})
	return topped, operationError
}

// ExpireDue transitions every ACTIVE batch past its expiry to EXPIRED,
// writing one EXPIRATION row per batch. It runs under the same per-user
// lock as request-path writers and is idempotent: each pass only sees rows
// still ACTIVE past due.
func (service *Service) ExpireDue(ctx context.Context, userID UserID, asOfUnixUTC int64) ([]Transaction, error) {
	var expirationRows []Transaction
	shared, operationError := service.runLocked(ctx, userID, "", &expirationRows, func(ctx context.Context) (interface{}, error) {
		rows := []Transaction{}
		err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			batches, err := txStore.ListExpiredBatches(ctx, userID, asOfUnixUTC)
			if err != nil {
				return err
			}
			if len(batches) == 0 {
				return nil
			}
			wallet, err := txStore.GetOrCreateWallet(ctx, userID)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			for _, batch := range batches {
				if err := txStore.TransitionBatch(ctx, batch.TransactionID, batch.Remaining, StatusActive, StatusExpired); err != nil {
					return err
				}
				wallet.Balance -= batch.Remaining
				wallet.Expired += batch.Remaining
				expirationRow := Transaction{
					UserID:         userID.String(),
					Type:           TypeExpiration,
					Amount:         -batch.Remaining,
					BalanceAfter:   wallet.Balance,
					Status:         StatusExpired,
					BatchID:        batch.TransactionID,
					WeekID:         batch.WeekID,
					MetadataJSON:   "{}",
					CreatedUnixUTC: nowUnixUTC,
				}
				expirationRow, err = txStore.InsertTransaction(ctx, expirationRow)
				if err != nil {
					return err
				}
				rows = append(rows, expirationRow)
			}
			wallet.LastTransactionAt = nowUnixUTC
			return service.finishWalletUpdate(ctx, txStore, userID, wallet, nowUnixUTC)
		})
		return rows, err
	})
	var total int64
	for _, row := range expirationRows {
		total += row.Amount
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationExpire,
		UserID:    userID,
		Amount:    total,
		Shared:    shared,
		Error:     operationError,
	})
	return expirationRows, operationError
}

// EstimateExpiringSoon sums ACTIVE credits expiring within the next days.
func (service *Service) EstimateExpiringSoon(ctx context.Context, userID UserID, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: lookahead days must be positive", ErrInvalidCredits)
	}
	cutoff := service.nowFn() + int64(days)*24*60*60
	return service.store.SumExpiringBefore(ctx, userID, cutoff)
}

// ListTransactions lists ledger rows for a user before a cutoff time.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
}

// drainBatches reduces ACTIVE batch remainders by debit without writing
// per-batch rows; the single ADJUSTMENT row carries the audit trail.
func (service *Service) drainBatches(ctx context.Context, txStore Store, userID UserID, debit int64) error {
	batches, err := txStore.ListActiveBatches(ctx, userID)
	if err != nil {
		return err
	}
	needed := debit
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
			return err
		}
		needed -= take
	}
	if needed != 0 {
		return WrapError(operationAdjust, "batch", "exhausted", ErrConsistencyViolation)
	}
	return nil
}

func adjustmentMetadata(note string) (MetadataJSON, error) {
	encoded, err := json.Marshal(map[string]string{"note": note})
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(encoded))
}
