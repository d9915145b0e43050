package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintWalletReference = "uniq_wallet_reference"
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	sqliteConstraintCode      = 19
	errorOperationStore       = "store"
	errorSubjectWallet        = "wallet"
	errorSubjectTransaction   = "transaction"
	errorSubjectSubscription  = "subscription"
	errorSubjectUser          = "user"
	errorCodeConflict         = "conflict"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeUpdateBalance    = "update_balance"
	errorCodeUpdateExpiry     = "update_expiry"
)

// Store implements wallet.Store and wallet.Directory using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	var row Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		Where(Wallet{UserID: userID.String()}).
		Attrs(Wallet{Balance: decimal.Zero, Currency: wallet.DefaultCurrency, IsActive: true}).
		FirstOrCreate(&row).Error
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return mapWallet(row)
}

func (store *Store) GetWallet(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	var row Wallet
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, wallet.ErrWalletNotFound)
		}
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(row)
}

// UpdateWalletBalance writes the balance only if the stored version still
// matches the one the caller read. Zero rows affected means another unit of
// work committed first.
func (store *Store) UpdateWalletBalance(ctx context.Context, walletID string, expectedVersion int64, balance decimal.Decimal) (wallet.Wallet, error) {
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND version = ?", walletID, expectedVersion).
		Updates(map[string]interface{}{
			"balance":    balance,
			"version":    expectedVersion + 1,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeConflict, wallet.ErrStorageConflict)
	}
	var row Wallet
	if err := store.db.WithContext(ctx).Where("wallet_id = ?", walletID).Take(&row).Error; err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return mapWallet(row)
}

func (store *Store) InsertTransaction(ctx context.Context, input wallet.TransactionInput) (wallet.Transaction, error) {
	var reference *string
	if input.Reference != "" {
		value := input.Reference
		reference = &value
	}
	row := Transaction{
		WalletID:    input.WalletID,
		Type:        input.Type.String(),
		Status:      input.Status.String(),
		Amount:      input.Amount,
		Reference:   reference,
		Description: input.Description,
		Metadata:    datatypesJSON(input.MetadataJSON),
		CreatedAt:   input.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isReferenceConflict(err) {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, wallet.ErrDuplicateReference)
	}
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transactionRecord, err := mapTransaction(row)
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactionRecord, nil
}

func (store *Store) FindTransactionByReference(ctx context.Context, walletID string, reference wallet.Reference) (wallet.Transaction, bool, error) {
	var row Transaction
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND reference = ?", walletID, reference.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wallet.Transaction{}, false, nil
	}
	if err != nil {
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	transactionRecord, err := mapTransaction(row)
	if err != nil {
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactionRecord, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, walletID string, limit int) ([]wallet.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]wallet.Transaction, 0, len(rows))
	for _, row := range rows {
		transactionRecord, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transactionRecord)
	}
	return transactions, nil
}

func (store *Store) GetSubscriptionExpiry(ctx context.Context, userID wallet.UserID) (*time.Time, error) {
	var row User
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wrapStoreError(errorSubjectSubscription, errorCodeGet, wallet.ErrUserNotFound)
		}
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return row.SubscriptionExpiresAt, nil
}

func (store *Store) UpdateSubscriptionExpiry(ctx context.Context, userID wallet.UserID, expiresAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"subscription_expires_at": expiresAt.UTC(),
			"updated_at":              time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdateExpiry, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdateExpiry, wallet.ErrUserNotFound)
	}
	return nil
}

// ResolveUserID implements wallet.Directory over the users table.
func (store *Store) ResolveUserID(ctx context.Context, phone wallet.PhoneNumber) (wallet.UserID, error) {
	var row User
	err := store.db.WithContext(ctx).
		Where("phone = ?", phone.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wallet.UserID{}, wrapStoreError(errorSubjectUser, errorCodeLookup, wallet.ErrUserNotFound)
		}
		return wallet.UserID{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	userID, err := wallet.NewUserID(row.UserID)
	if err != nil {
		return wallet.UserID{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return userID, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func mapWallet(row Wallet) (wallet.Wallet, error) {
	if row.WalletID == "" {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, wallet.ErrWalletNotFound)
	}
	return wallet.Wallet{
		WalletID:  row.WalletID,
		UserID:    row.UserID,
		Balance:   row.Balance,
		Currency:  row.Currency,
		IsActive:  row.IsActive,
		Version:   row.Version,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func mapTransaction(row Transaction) (wallet.Transaction, error) {
	transactionType, err := wallet.ParseTransactionType(row.Type)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionStatus, err := wallet.ParseTransactionStatus(row.Status)
	if err != nil {
		return wallet.Transaction{}, err
	}
	reference := ""
	if row.Reference != nil {
		reference = *row.Reference
	}
	return wallet.Transaction{
		TransactionID: row.TransactionID,
		WalletID:      row.WalletID,
		Type:          transactionType,
		Status:        transactionStatus,
		Amount:        row.Amount,
		Reference:     reference,
		Description:   row.Description,
		MetadataJSON:  string(row.Metadata),
		CreatedAt:     row.CreatedAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isReferenceConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintWalletReference
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
