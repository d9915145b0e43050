package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Wallet mirrors the wallets table.
type Wallet struct {
	WalletID  string          `gorm:"type:uuid;primaryKey"`
	UserID    string          `gorm:"not null;uniqueIndex:uniq_wallets_user"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Currency  string          `gorm:"not null"`
	IsActive  bool            `gorm:"not null;default:true"`
	Version   int64           `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (walletRow *Wallet) BeforeCreate(tx *gorm.DB) error {
	if walletRow.WalletID == "" {
		walletRow.WalletID = uuid.NewString()
	}
	return nil
}

// Transaction mirrors the transactions table. Reference is nullable; the
// composite unique index allows at most one row per (wallet_id, reference).
type Transaction struct {
	TransactionID string          `gorm:"type:uuid;primaryKey"`
	WalletID      string          `gorm:"type:uuid;not null;index:idx_transactions_wallet_created,priority:1;index:uniq_wallet_reference,unique,priority:1"`
	Type          string          `gorm:"not null"`
	Status        string          `gorm:"not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Reference     *string         `gorm:"index:uniq_wallet_reference,unique,priority:2"`
	Description   string          `gorm:"not null"`
	Metadata      datatypes.JSON  `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_transactions_wallet_created,priority:2"`
}

func (Transaction) TableName() string { return "transactions" }

func (transactionRow *Transaction) BeforeCreate(tx *gorm.DB) error {
	if transactionRow.TransactionID == "" {
		transactionRow.TransactionID = uuid.NewString()
	}
	return nil
}

// User carries the phone directory entry and the subscription entitlement.
// The row is owned by the upstream identity system; this store only reads
// the phone and reads/writes the entitlement expiry.
type User struct {
	UserID                string     `gorm:"primaryKey"`
	Phone                 *string    `gorm:"uniqueIndex:uniq_users_phone"`
	SubscriptionExpiresAt *time.Time `gorm:""`
	CreatedAt             time.Time  `gorm:"not null"`
	UpdatedAt             time.Time  `gorm:"not null"`
}

func (User) TableName() string { return "users" }
