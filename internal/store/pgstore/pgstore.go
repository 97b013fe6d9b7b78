// Package pgstore implements credits.Store directly on pgx for
// deployments that bypass GORM. The schema matches gormstore's models;
// request-path batch reads take row locks so the sweep and concurrent
// spenders serialize at the database even under a degraded lock
// coordinator.
package pgstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wanderstay/creditledger/pkg/credits"
)

const (
	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectBatch       = "batch"
	errorSubjectRow         = "transaction"
	errorSubjectTransaction = "tx"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSum            = "sum"
	errorCodeUpdate         = "update"
	errorCodeVersion        = "version"
	errorCodeTransition     = "transition"
	errorCodeScanUsers      = "scan_users"

	sqlGetOrCreateWallet = `
		insert into wallets(user_id) values($1)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning user_id, balance, earned, spent, expired, refunded,
			pending_expiration, version,
			coalesce(extract(epoch from last_transaction_at)::bigint, 0)
	`

	sqlUpdateWallet = `
		update wallets
		set balance = $2, earned = $3, spent = $4, expired = $5,
			refunded = $6, pending_expiration = $7,
			last_transaction_at = to_timestamp(nullif($8,0)),
			version = version + 1, updated_at = now()
		where user_id = $1 and version = $9
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, type, amount, remaining, balance_after,
			status, booking_id, week_id, batch_id, payment_ref, created_by,
			metadata, deposited_at, expires_at, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4, $5, $6,
			nullif($7,''), nullif($8,''), nullif($9,''), nullif($10,''), nullif($11,''),
			coalesce(nullif($12,''),'{}')::jsonb,
			to_timestamp(nullif($13,0)),
			to_timestamp(nullif($14,0)),
			to_timestamp($15)
		)
		returning transaction_id
	`

	sqlTransactionColumns = `
		transaction_id::text, user_id, type, amount, remaining, balance_after,
		status, coalesce(booking_id,''), coalesce(week_id,''),
		coalesce(batch_id::text,''), coalesce(payment_ref,''),
		coalesce(created_by,''), coalesce(metadata::text,'{}'),
		coalesce(extract(epoch from deposited_at)::bigint, 0),
		coalesce(extract(epoch from expires_at)::bigint, 0),
		extract(epoch from created_at)::bigint
	`

	sqlListActiveBatches = `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1 and status = 'ACTIVE'
		and type in ('DEPOSIT','TOPUP','REFUND','ADJUSTMENT')
		order by expires_at asc nulls last, created_at asc
		for update
	`

	sqlTransitionBatch = `
		update credit_transactions
		set remaining = $2, status = $3
		where transaction_id = $1 and status = $4
	`

	sqlListByBooking = `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1 and booking_id = $2 and type = $3
		order by created_at asc
	`

	sqlFindByWeek = `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1 and week_id = $2 and type = 'DEPOSIT'
		order by created_at asc
	`

	sqlFindByPaymentRef = `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1 and payment_ref = $2 and type = 'TOPUP'
		order by created_at asc
	`

	sqlSumExpiringBefore = `
		select coalesce(sum(remaining),0) from credit_transactions
		where user_id = $1 and status = 'ACTIVE'
		and expires_at is not null and expires_at < to_timestamp($2)
	`

	sqlListExpiredBatches = `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1 and status = 'ACTIVE'
		and expires_at is not null and expires_at < to_timestamp($2)
		order by expires_at asc, created_at asc
		for update
	`

	sqlListUsersWithExpired = `
		select distinct user_id from credit_transactions
		where status = 'ACTIVE'
		and expires_at is not null and expires_at < to_timestamp($1)
		limit $2
	`

	sqlListTransactionsBefore = `
		select ` + sqlTransactionColumns + `
		from credit_transactions
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool; inside
// WithTx the same methods run against the transaction.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction; pg has no nested tx here.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{q: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID credits.UserID) (credits.Wallet, error) {
	var wallet credits.Wallet
	err := store.q.QueryRow(ctx, sqlGetOrCreateWallet, userID.String()).Scan(
		&wallet.UserID,
		&wallet.Balance,
		&wallet.Earned,
		&wallet.Spent,
		&wallet.Expired,
		&wallet.Refunded,
		&wallet.PendingExpiration,
		&wallet.Version,
		&wallet.LastTransactionAt,
	)
	if err != nil {
		return credits.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return wallet, nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet credits.Wallet, expectedVersion int64) error {
	tag, err := store.q.Exec(ctx, sqlUpdateWallet,
		wallet.UserID,
		wallet.Balance,
		wallet.Earned,
		wallet.Spent,
		wallet.Expired,
		wallet.Refunded,
		wallet.PendingExpiration,
		wallet.LastTransactionAt,
		expectedVersion,
	)
	if err != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeVersion, credits.ErrVersionConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	err := store.q.QueryRow(ctx, sqlInsertTransaction,
		transaction.UserID,
		transaction.Type.String(),
		transaction.Amount,
		transaction.Remaining,
		transaction.BalanceAfter,
		transaction.Status.String(),
		transaction.BookingID,
		transaction.WeekID,
		transaction.BatchID,
		transaction.PaymentRef,
		transaction.CreatedBy,
		transaction.MetadataJSON,
		transaction.DepositedAtUnixUTC,
		transaction.ExpiresAtUnixUTC,
		transaction.CreatedUnixUTC,
	).Scan(&transaction.TransactionID)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectRow, errorCodeInsert, err)
	}
	return transaction, nil
}

func (store *Store) ListActiveBatches(ctx context.Context, userID credits.UserID) ([]credits.Transaction, error) {
	return store.queryTransactions(ctx, errorSubjectBatch, sqlListActiveBatches, userID.String())
}

func (store *Store) TransitionBatch(ctx context.Context, transactionID string, remaining int64, from, to credits.TransactionStatus) error {
	tag, err := store.q.Exec(ctx, sqlTransitionBatch, transactionID, remaining, to.String(), from.String())
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeTransition, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeTransition, credits.ErrBatchTransition)
	}
	return nil
}

func (store *Store) ListByBooking(ctx context.Context, userID credits.UserID, bookingID credits.BookingID, transactionType credits.TransactionType) ([]credits.Transaction, error) {
	return store.queryTransactions(ctx, errorSubjectRow, sqlListByBooking, userID.String(), bookingID.String(), transactionType.String())
}

func (store *Store) FindByWeek(ctx context.Context, userID credits.UserID, weekID credits.WeekID) ([]credits.Transaction, error) {
	return store.queryTransactions(ctx, errorSubjectRow, sqlFindByWeek, userID.String(), weekID.String())
}

func (store *Store) FindByPaymentRef(ctx context.Context, userID credits.UserID, reference credits.PaymentReference) ([]credits.Transaction, error) {
	return store.queryTransactions(ctx, errorSubjectRow, sqlFindByPaymentRef, userID.String(), reference.String())
}

func (store *Store) SumExpiringBefore(ctx context.Context, userID credits.UserID, cutoffUnixUTC int64) (int64, error) {
	var sum int64
	err := store.q.QueryRow(ctx, sqlSumExpiringBefore, userID.String(), cutoffUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBatch, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) ListExpiredBatches(ctx context.Context, userID credits.UserID, asOfUnixUTC int64) ([]credits.Transaction, error) {
	return store.queryTransactions(ctx, errorSubjectBatch, sqlListExpiredBatches, userID.String(), asOfUnixUTC)
}

func (store *Store) ListUsersWithExpired(ctx context.Context, asOfUnixUTC int64, limit int) ([]credits.UserID, error) {
	rows, err := store.q.Query(ctx, sqlListUsersWithExpired, asOfUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeScanUsers, err)
	}
	defer rows.Close()
	var userIDs []credits.UserID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeScanUsers, err)
		}
		userID, err := credits.NewUserID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeScanUsers, err)
	}
	return userIDs, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	return store.queryTransactions(ctx, errorSubjectRow, sqlListTransactionsBefore, userID.String(), beforeUnixUTC, limit)
}

func (store *Store) queryTransactions(ctx context.Context, subject string, sql string, args ...any) ([]credits.Transaction, error) {
	rows, err := store.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapStoreError(subject, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []credits.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(subject, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(subject, errorCodeList, err)
	}
	return transactions, nil
}

func scanTransaction(rows pgx.Rows) (credits.Transaction, error) {
	var (
		transaction credits.Transaction
		rawType     string
		rawStatus   string
	)
	err := rows.Scan(
		&transaction.TransactionID,
		&transaction.UserID,
		&rawType,
		&transaction.Amount,
		&transaction.Remaining,
		&transaction.BalanceAfter,
		&rawStatus,
		&transaction.BookingID,
		&transaction.WeekID,
		&transaction.BatchID,
		&transaction.PaymentRef,
		&transaction.CreatedBy,
		&transaction.MetadataJSON,
		&transaction.DepositedAtUnixUTC,
		&transaction.ExpiresAtUnixUTC,
		&transaction.CreatedUnixUTC,
	)
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction.Type, err = credits.ParseTransactionType(rawType)
	if err != nil {
		return credits.Transaction{}, err
	}
	transaction.Status, err = credits.ParseTransactionStatus(rawStatus)
	if err != nil {
		return credits.Transaction{}, err
	}
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
