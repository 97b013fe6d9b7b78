package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/wanderstay/creditledger/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore    = "store"
	errorSubjectWallet     = "wallet"
	errorSubjectBatch      = "batch"
	errorSubjectRow        = "transaction"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeSum           = "sum"
	errorCodeUpdate        = "update"
	errorCodeVersion       = "version"
	errorCodeTransition    = "transition"
	errorCodeScanUsers     = "scan_users"
	batchExpiryOrderClause = "CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, created_at ASC"
)

// batchTypes lists the credit-bearing row kinds that participate in
// FIFO-by-expiry consumption while ACTIVE.
var batchTypes = []string{
	credits.TypeDeposit.String(),
	credits.TypeTopUp.String(),
	credits.TypeRefund.String(),
	credits.TypeAdjustment.String(),
}

// Store implements credits.Store using GORM (postgres or sqlite).
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema; used for sqlite deployments and tests.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&WalletRow{}, &CreditTransaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID credits.UserID) (credits.Wallet, error) {
	var row WalletRow
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = WalletRow{UserID: userID.String()}
		createErr := store.db.WithContext(ctx).Create(&row).Error
		if isDuplicateKey(createErr) {
			// Lost a create race with another process; the row exists now.
			err = store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
		} else {
			err = createErr
		}
	}
	if err != nil {
		return credits.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(row), nil
}

func (store *Store) UpdateWallet(ctx context.Context, wallet credits.Wallet, expectedVersion int64) error {
	updates := map[string]interface{}{
		"balance":            wallet.Balance,
		"earned":             wallet.Earned,
		"spent":              wallet.Spent,
		"expired":            wallet.Expired,
		"refunded":           wallet.Refunded,
		"pending_expiration": wallet.PendingExpiration,
		"version":            expectedVersion + 1,
		"updated_at":         time.Now().UTC(),
	}
	if wallet.LastTransactionAt != 0 {
		updates["last_transaction_at"] = time.Unix(wallet.LastTransactionAt, 0).UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&WalletRow{}).
		Where("user_id = ? AND version = ?", wallet.UserID, expectedVersion).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectWallet, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectWallet, errorCodeVersion, credits.ErrVersionConflict)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) (credits.Transaction, error) {
	row := CreditTransaction{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID,
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount,
		Remaining:     transaction.Remaining,
		BalanceAfter:  transaction.BalanceAfter,
		Status:        transaction.Status.String(),
		BookingID:     optionalString(transaction.BookingID),
		WeekID:        optionalString(transaction.WeekID),
		BatchID:       optionalString(transaction.BatchID),
		PaymentRef:    optionalString(transaction.PaymentRef),
		CreatedBy:     optionalString(transaction.CreatedBy),
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		DepositedAt:   optionalTime(transaction.DepositedAtUnixUTC),
		ExpiresAt:     optionalTime(transaction.ExpiresAtUnixUTC),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectRow, errorCodeInsert, err)
	}
	mapped, err := mapTransaction(row)
	if err != nil {
		return credits.Transaction{}, wrapStoreError(errorSubjectRow, errorCodeInvalid, err)
	}
	return mapped, nil
}

func (store *Store) ListActiveBatches(ctx context.Context, userID credits.UserID) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND type IN ?", userID.String(), credits.StatusActive.String(), batchTypes).
		Order(batchExpiryOrderClause).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) TransitionBatch(ctx context.Context, transactionID string, remaining int64, from, to credits.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, from.String()).
		Updates(map[string]interface{}{
			"remaining": remaining,
			"status":    to.String(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeTransition, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeTransition, credits.ErrBatchTransition)
	}
	return nil
}

func (store *Store) ListByBooking(ctx context.Context, userID credits.UserID, bookingID credits.BookingID, transactionType credits.TransactionType) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND booking_id = ? AND type = ?", userID.String(), bookingID.String(), transactionType.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRow, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) FindByWeek(ctx context.Context, userID credits.UserID, weekID credits.WeekID) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND week_id = ? AND type = ?", userID.String(), weekID.String(), credits.TypeDeposit.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRow, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) FindByPaymentRef(ctx context.Context, userID credits.UserID, reference credits.PaymentReference) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND payment_ref = ? AND type = ?", userID.String(), reference.String(), credits.TypeTopUp.String()).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRow, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) SumExpiringBefore(ctx context.Context, userID credits.UserID, cutoffUnixUTC int64) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(remaining),0) as total").
		Where("user_id = ? AND status = ?", userID.String(), credits.StatusActive.String()).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Unix(cutoffUnixUTC, 0).UTC()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBatch, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListExpiredBatches(ctx context.Context, userID credits.UserID, asOfUnixUTC int64) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID.String(), credits.StatusActive.String()).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Unix(asOfUnixUTC, 0).UTC()).
		Order(batchExpiryOrderClause).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListUsersWithExpired(ctx context.Context, asOfUnixUTC int64, limit int) ([]credits.UserID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Distinct("user_id").
		Where("status = ?", credits.StatusActive.String()).
		Where("expires_at IS NOT NULL AND expires_at < ?", time.Unix(asOfUnixUTC, 0).UTC()).
		Limit(limit).
		Pluck("user_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeScanUsers, err)
	}
	userIDs := make([]credits.UserID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		userID, err := credits.NewUserID(raw)
		if err != nil {
			return nil, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, beforeUnixUTC int64, limit int) ([]credits.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectRow, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapWallet(row WalletRow) credits.Wallet {
	return credits.Wallet{
		UserID:            row.UserID,
		Balance:           row.Balance,
		Earned:            row.Earned,
		Spent:             row.Spent,
		Expired:           row.Expired,
		Refunded:          row.Refunded,
		PendingExpiration: row.PendingExpiration,
		Version:           row.Version,
		LastTransactionAt: timeOrZero(row.LastTransactionAt),
	}
}

func mapTransactions(rows []CreditTransaction) ([]credits.Transaction, error) {
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRow, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	status, err := credits.ParseTransactionStatus(row.Status)
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		TransactionID:      row.TransactionID,
		UserID:             row.UserID,
		Type:               transactionType,
		Amount:             row.Amount,
		Remaining:          row.Remaining,
		BalanceAfter:       row.BalanceAfter,
		Status:             status,
		BookingID:          stringOrEmpty(row.BookingID),
		WeekID:             stringOrEmpty(row.WeekID),
		BatchID:            stringOrEmpty(row.BatchID),
		PaymentRef:         stringOrEmpty(row.PaymentRef),
		CreatedBy:          stringOrEmpty(row.CreatedBy),
		MetadataJSON:       string(row.Metadata),
		DepositedAtUnixUTC: timeOrZero(row.DepositedAt),
		ExpiresAtUnixUTC:   timeOrZero(row.ExpiresAt),
		CreatedUnixUTC:     row.CreatedAt.Unix(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func optionalTime(unixUTC int64) *time.Time {
	if unixUTC == 0 {
		return nil
	}
	value := time.Unix(unixUTC, 0).UTC()
	return &value
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
