package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// WalletRow represents the wallets table: one denormalized aggregate per
// user, guarded by an optimistic version column.
type WalletRow struct {
	UserID            string     `gorm:"primaryKey"`
	Balance           int64      `gorm:"not null;default:0"`
	Earned            int64      `gorm:"not null;default:0"`
	Spent             int64      `gorm:"not null;default:0"`
	Expired           int64      `gorm:"not null;default:0"`
	Refunded          int64      `gorm:"not null;default:0"`
	PendingExpiration int64      `gorm:"not null;default:0"`
	Version           int64      `gorm:"not null;default:0"`
	LastTransactionAt *time.Time `gorm:""`
	CreatedAt         time.Time  `gorm:"not null"`
	UpdatedAt         time.Time  `gorm:"not null"`
}

func (WalletRow) TableName() string { return "wallets" }

// CreditTransaction mirrors the credit_transactions table. Rows are
// append-only except for status transitions and the remaining counter on
// ACTIVE batches.
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_tx_user_created,priority:1;index:idx_tx_user_status_expires,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	Remaining     int64          `gorm:"not null;default:0"`
	BalanceAfter  int64          `gorm:"not null"`
	Status        string         `gorm:"not null;index:idx_tx_user_status_expires,priority:2;index:idx_tx_expires_status,priority:2"`
	BookingID     *string        `gorm:"index"`
	WeekID        *string        `gorm:"index"`
	BatchID       *string        `gorm:""`
	PaymentRef    *string        `gorm:"index"`
	CreatedBy     *string        `gorm:""`
	Metadata      datatypes.JSON `gorm:"not null"`
	DepositedAt   *time.Time     `gorm:""`
	ExpiresAt     *time.Time     `gorm:"index:idx_tx_user_status_expires,priority:3;index:idx_tx_expires_status,priority:1"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_tx_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
