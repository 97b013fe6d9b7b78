package gormstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wanderstay/creditledger/pkg/credits"
)

const (
	testUserValue    = "user-1"
	testWeekValue    = "week-2026-07-a"
	testBookingValue = "booking-1"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("raw db: %v", err)
	}
	// Every pooled connection gets its own :memory: database.
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustStoreUserID(test *testing.T, raw string) credits.UserID {
	test.Helper()
	userID, err := credits.NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func insertBatch(test *testing.T, store *Store, userID string, amount int64, expiresAtUnixUTC int64, createdUnixUTC int64) credits.Transaction {
	test.Helper()
	inserted, err := store.InsertTransaction(context.Background(), credits.Transaction{
		UserID:             userID,
		Type:               credits.TypeDeposit,
		Amount:             amount,
		Remaining:          amount,
		BalanceAfter:       amount,
		Status:             credits.StatusActive,
		WeekID:             fmt.Sprintf("week-%d", createdUnixUTC),
		DepositedAtUnixUTC: createdUnixUTC,
		ExpiresAtUnixUTC:   expiresAtUnixUTC,
		CreatedUnixUTC:     createdUnixUTC,
	})
	if err != nil {
		test.Fatalf("insert batch: %v", err)
	}
	return inserted
}

func TestGetOrCreateWalletCreatesOnFirstUse(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustStoreUserID(test, testUserValue)

	wallet, err := store.GetOrCreateWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if wallet.UserID != testUserValue || wallet.Balance != 0 || wallet.Version != 0 {
		test.Fatalf("unexpected fresh wallet: %+v", wallet)
	}

	again, err := store.GetOrCreateWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("second get: %v", err)
	}
	if again != wallet {
		test.Fatalf("expected same wallet, got %+v", again)
	}
}

func TestUpdateWalletBumpsVersion(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustStoreUserID(test, testUserValue)

	wallet, err := store.GetOrCreateWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	wallet.Balance = 100
	wallet.Earned = 100
	wallet.LastTransactionAt = 1_000
	if err := store.UpdateWallet(context.Background(), wallet, wallet.Version); err != nil {
		test.Fatalf("update: %v", err)
	}

	updated, err := store.GetOrCreateWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("reload: %v", err)
	}
	if updated.Balance != 100 || updated.Version != 1 || updated.LastTransactionAt != 1_000 {
		test.Fatalf("unexpected wallet after update: %+v", updated)
	}
}

func TestUpdateWalletRejectsStaleVersion(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	userID := mustStoreUserID(test, testUserValue)

	wallet, err := store.GetOrCreateWallet(context.Background(), userID)
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if err := store.UpdateWallet(context.Background(), wallet, wallet.Version); err != nil {
		test.Fatalf("first update: %v", err)
	}
	// Second writer still carries version 0.
	err = store.UpdateWallet(context.Background(), wallet, wallet.Version)
	if !errors.Is(err, credits.ErrVersionConflict) {
		test.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestInsertTransactionAssignsID(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	inserted := insertBatch(test, store, testUserValue, 100, 5_000, 1_000)
	if inserted.TransactionID == "" {
		test.Fatalf("expected assigned transaction id")
	}
	if inserted.Type != credits.TypeDeposit || inserted.Status != credits.StatusActive {
		test.Fatalf("unexpected row: %+v", inserted)
	}
	if inserted.ExpiresAtUnixUTC != 5_000 || inserted.CreatedUnixUTC != 1_000 {
		test.Fatalf("unexpected timestamps: %+v", inserted)
	}
}

func TestListActiveBatchesOrdersByExpiryWithNeverExpiringLast(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustStoreUserID(test, testUserValue)

	late := insertBatch(test, store, testUserValue, 10, 9_000, 1_000)
	never, err := store.InsertTransaction(ctx, credits.Transaction{
		UserID:         testUserValue,
		Type:           credits.TypeAdjustment,
		Amount:         10,
		Remaining:      10,
		Status:         credits.StatusActive,
		CreatedBy:      "admin-1",
		CreatedUnixUTC: 2_000,
	})
	if err != nil {
		test.Fatalf("insert adjustment: %v", err)
	}
	early := insertBatch(test, store, testUserValue, 10, 4_000, 3_000)

	batches, err := store.ListActiveBatches(ctx, userID)
	if err != nil {
		test.Fatalf("list active: %v", err)
	}
	if len(batches) != 3 {
		test.Fatalf("expected 3 batches, got %d", len(batches))
	}
	if batches[0].TransactionID != early.TransactionID {
		test.Fatalf("expected earliest expiry first, got %+v", batches[0])
	}
	if batches[1].TransactionID != late.TransactionID {
		test.Fatalf("expected later expiry second, got %+v", batches[1])
	}
	if batches[2].TransactionID != never.TransactionID {
		test.Fatalf("expected never-expiring last, got %+v", batches[2])
	}
}

func TestListActiveBatchesSkipsSpendRows(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustStoreUserID(test, testUserValue)

	insertBatch(test, store, testUserValue, 100, 5_000, 1_000)
	if _, err := store.InsertTransaction(ctx, credits.Transaction{
		UserID:         testUserValue,
		Type:           credits.TypeSpend,
		Amount:         -40,
		Status:         credits.StatusSpent,
		BookingID:      testBookingValue,
		CreatedUnixUTC: 2_000,
	}); err != nil {
		test.Fatalf("insert spend: %v", err)
	}

	batches, err := store.ListActiveBatches(ctx, userID)
	if err != nil {
		test.Fatalf("list active: %v", err)
	}
	if len(batches) != 1 || batches[0].Type != credits.TypeDeposit {
		test.Fatalf("expected only the deposit batch, got %+v", batches)
	}
}

func TestTransitionBatchGuardsCurrentStatus(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	batch := insertBatch(test, store, testUserValue, 100, 5_000, 1_000)
	if err := store.TransitionBatch(ctx, batch.TransactionID, 60, credits.StatusActive, credits.StatusActive); err != nil {
		test.Fatalf("split transition: %v", err)
	}
	if err := store.TransitionBatch(ctx, batch.TransactionID, 0, credits.StatusActive, credits.StatusSpent); err != nil {
		test.Fatalf("close transition: %v", err)
	}

	// The batch is no longer ACTIVE; a stale transition must fail.
	err := store.TransitionBatch(ctx, batch.TransactionID, 0, credits.StatusActive, credits.StatusExpired)
	if !errors.Is(err, credits.ErrBatchTransition) {
		test.Fatalf("expected ErrBatchTransition, got %v", err)
	}
}

func TestListByBookingFiltersType(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustStoreUserID(test, testUserValue)
	bookingID, err := credits.NewBookingID(testBookingValue)
	if err != nil {
		test.Fatalf("booking id: %v", err)
	}

	if _, err := store.InsertTransaction(ctx, credits.Transaction{
		UserID:         testUserValue,
		Type:           credits.TypeSpend,
		Amount:         -40,
		Status:         credits.StatusSpent,
		BookingID:      testBookingValue,
		CreatedUnixUTC: 1_000,
	}); err != nil {
		test.Fatalf("insert spend: %v", err)
	}
	if _, err := store.InsertTransaction(ctx, credits.Transaction{
		UserID:         testUserValue,
		Type:           credits.TypeRefund,
		Amount:         40,
		Remaining:      40,
		Status:         credits.StatusActive,
		BookingID:      testBookingValue,
		CreatedUnixUTC: 2_000,
	}); err != nil {
		test.Fatalf("insert refund: %v", err)
	}

	spends, err := store.ListByBooking(ctx, userID, bookingID, credits.TypeSpend)
	if err != nil {
		test.Fatalf("list spends: %v", err)
	}
	if len(spends) != 1 || spends[0].Type != credits.TypeSpend {
		test.Fatalf("expected single spend row, got %+v", spends)
	}
	refunds, err := store.ListByBooking(ctx, userID, bookingID, credits.TypeRefund)
	if err != nil {
		test.Fatalf("list refunds: %v", err)
	}
	if len(refunds) != 1 || refunds[0].Type != credits.TypeRefund {
		test.Fatalf("expected single refund row, got %+v", refunds)
	}
}

func TestFindByWeekMatchesDepositsOnly(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustStoreUserID(test, testUserValue)
	weekID, err := credits.NewWeekID(testWeekValue)
	if err != nil {
		test.Fatalf("week id: %v", err)
	}

	if _, err := store.InsertTransaction(ctx, credits.Transaction{
		UserID:           testUserValue,
		Type:             credits.TypeDeposit,
		Amount:           100,
		Remaining:        100,
		Status:           credits.StatusActive,
		WeekID:           testWeekValue,
		ExpiresAtUnixUTC: 5_000,
		CreatedUnixUTC:   1_000,
	}); err != nil {
		test.Fatalf("insert deposit: %v", err)
	}

	matches, err := store.FindByWeek(ctx, userID, weekID)
	if err != nil {
		test.Fatalf("find by week: %v", err)
	}
	if len(matches) != 1 || matches[0].WeekID != testWeekValue {
		test.Fatalf("expected the deposit back, got %+v", matches)
	}

	otherWeek, err := credits.NewWeekID("week-2026-09-z")
	if err != nil {
		test.Fatalf("week id: %v", err)
	}
	empty, err := store.FindByWeek(ctx, userID, otherWeek)
	if err != nil {
		test.Fatalf("find by other week: %v", err)
	}
	if len(empty) != 0 {
		test.Fatalf("expected no matches, got %+v", empty)
	}
}

func TestSumExpiringBefore(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustStoreUserID(test, testUserValue)

	insertBatch(test, store, testUserValue, 30, 4_000, 1_000)
	insertBatch(test, store, testUserValue, 50, 9_000, 2_000)

	sum, err := store.SumExpiringBefore(ctx, userID, 5_000)
	if err != nil {
		test.Fatalf("sum expiring: %v", err)
	}
	if sum != 30 {
		test.Fatalf("expected 30 expiring before cutoff, got %d", sum)
	}
	all, err := store.SumExpiringBefore(ctx, userID, 10_000)
	if err != nil {
		test.Fatalf("sum all: %v", err)
	}
	if all != 80 {
		test.Fatalf("expected 80 expiring before far cutoff, got %d", all)
	}
}

func TestListExpiredBatchesAndUsers(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustStoreUserID(test, testUserValue)

	overdue := insertBatch(test, store, testUserValue, 30, 4_000, 1_000)
	insertBatch(test, store, testUserValue, 50, 9_000, 2_000)
	insertBatch(test, store, "user-2", 20, 3_000, 1_500)

	expired, err := store.ListExpiredBatches(ctx, userID, 5_000)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].TransactionID != overdue.TransactionID {
		test.Fatalf("expected single overdue batch, got %+v", expired)
	}

	users, err := store.ListUsersWithExpired(ctx, 5_000, 10)
	if err != nil {
		test.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		test.Fatalf("expected 2 users with expired batches, got %+v", users)
	}
}

func TestListTransactionsPaginatesNewestFirst(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustStoreUserID(test, testUserValue)

	for index := int64(1); index <= 5; index++ {
		insertBatch(test, store, testUserValue, 10, 100_000+index, 1_000*index)
	}

	page, err := store.ListTransactions(ctx, userID, 4_500, 2)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(page) != 2 {
		test.Fatalf("expected 2 rows, got %d", len(page))
	}
	if page[0].CreatedUnixUTC != 4_000 || page[1].CreatedUnixUTC != 3_000 {
		test.Fatalf("expected newest-first page, got %+v", page)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustStoreUserID(test, testUserValue)
	rollbackError := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore credits.Store) error {
		if _, err := txStore.InsertTransaction(ctx, credits.Transaction{
			UserID:           testUserValue,
			Type:             credits.TypeDeposit,
			Amount:           100,
			Remaining:        100,
			Status:           credits.StatusActive,
			WeekID:           testWeekValue,
			ExpiresAtUnixUTC: 5_000,
			CreatedUnixUTC:   1_000,
		}); err != nil {
			return err
		}
		return rollbackError
	})
	if !errors.Is(err, rollbackError) {
		test.Fatalf("expected rollback error, got %v", err)
	}

	rows, err := store.ListTransactions(ctx, userID, 0, 10)
	if err != nil {
		test.Fatalf("list transactions: %v", err)
	}
	if len(rows) != 0 {
		test.Fatalf("expected rollback to discard the row, got %+v", rows)
	}
}
