package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintWalletReference = "uniq_wallet_reference"
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectWallet        = "wallet"
	errorSubjectTransaction   = "transaction"
	errorSubjectSubscription  = "subscription"
	errorSubjectUser          = "user"
	errorSubjectUnit          = "unit_of_work"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeConflict         = "conflict"
	errorCodeDuplicate        = "duplicate"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeInvalid          = "invalid"
	errorCodeList             = "list"
	errorCodeLookup           = "lookup"
	errorCodeUpdateBalance    = "update_balance"
	errorCodeUpdateExpiry     = "update_expiry"

	sqlInsertOrGetWallet = `
		insert into wallets(wallet_id, user_id, balance, currency, is_active, version, created_at, updated_at)
		values (gen_random_uuid(), $1, 0, $2, true, 0, now(), now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning wallet_id::text, user_id, balance::text, currency, is_active, version, created_at, updated_at
	`

	sqlSelectWalletByUser = `
		select wallet_id::text, user_id, balance::text, currency, is_active, version, created_at, updated_at
		from wallets
		where user_id = $1
		for update
	`

	sqlSelectWalletByID = `
		select wallet_id::text, user_id, balance::text, currency, is_active, version, created_at, updated_at
		from wallets
		where wallet_id = $1
	`

	sqlUpdateWalletBalance = `
		update wallets
		set balance = $3::numeric, version = version + 1, updated_at = now()
		where wallet_id = $1 and version = $2
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, wallet_id, type, status, amount, reference, description, metadata, created_at
		)
		values (
			gen_random_uuid(), $1, $2, $3, $4::numeric,
			nullif($5,''), $6,
			coalesce(nullif($7,''),'{}')::jsonb,
			$8
		)
		returning transaction_id::text
	`

	sqlSelectTransactionByReference = `
		select transaction_id::text, wallet_id::text, type, status, amount::text,
			coalesce(reference,''), description, coalesce(metadata::text,'{}'), created_at
		from transactions
		where wallet_id = $1 and reference = $2
	`

	sqlListTransactions = `
		select transaction_id::text, wallet_id::text, type, status, amount::text,
			coalesce(reference,''), description, coalesce(metadata::text,'{}'), created_at
		from transactions
		where wallet_id = $1
		order by created_at desc
		limit $2
	`

	sqlSelectSubscriptionExpiry = `
		select subscription_expires_at from users where user_id = $1
	`

	sqlUpdateSubscriptionExpiry = `
		update users set subscription_expires_at = $2, updated_at = now() where user_id = $1
	`

	sqlSelectUserIDByPhone = `
		select user_id from users where phone = $1
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements wallet.Store and wallet.Directory using a pgx pool. A
// Store created by WithTx runs against the active transaction instead.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore wallet.Store) error) error {
	if store.pool == nil {
		// Already inside a unit of work.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectUnit, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectUnit, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	row := store.db.QueryRow(ctx, sqlInsertOrGetWallet, userID.String(), wallet.DefaultCurrency)
	walletRecord, err := scanWallet(row)
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	return walletRecord, nil
}

func (store *Store) GetWallet(ctx context.Context, userID wallet.UserID) (wallet.Wallet, error) {
	row := store.db.QueryRow(ctx, sqlSelectWalletByUser, userID.String())
	walletRecord, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, wallet.ErrWalletNotFound)
	}
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return walletRecord, nil
}

func (store *Store) UpdateWalletBalance(ctx context.Context, walletID string, expectedVersion int64, balance decimal.Decimal) (wallet.Wallet, error) {
	commandTag, err := store.db.Exec(ctx, sqlUpdateWalletBalance, walletID, expectedVersion, balance.String())
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeUpdateBalance, err)
	}
	if commandTag.RowsAffected() == 0 {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeConflict, wallet.ErrStorageConflict)
	}
	row := store.db.QueryRow(ctx, sqlSelectWalletByID, walletID)
	walletRecord, err := scanWallet(row)
	if err != nil {
		return wallet.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	return walletRecord, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input wallet.TransactionInput) (wallet.Transaction, error) {
	createdAt := input.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var transactionID string
	err := store.db.QueryRow(ctx, sqlInsertTransaction,
		input.WalletID,
		input.Type.String(),
		input.Status.String(),
		input.Amount.String(),
		input.Reference,
		input.Description,
		input.MetadataJSON,
		createdAt,
	).Scan(&transactionID)
	if isReferenceConflict(err) {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, wallet.ErrDuplicateReference)
	}
	if err != nil {
		return wallet.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	metadata := input.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return wallet.Transaction{
		TransactionID: transactionID,
		WalletID:      input.WalletID,
		Type:          input.Type,
		Status:        input.Status,
		Amount:        input.Amount,
		Reference:     input.Reference,
		Description:   input.Description,
		MetadataJSON:  metadata,
		CreatedAt:     createdAt,
	}, nil
}

func (store *Store) FindTransactionByReference(ctx context.Context, walletID string, reference wallet.Reference) (wallet.Transaction, bool, error) {
	row := store.db.QueryRow(ctx, sqlSelectTransactionByReference, walletID, reference.String())
	transactionRecord, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.Transaction{}, false, nil
	}
	if err != nil {
		return wallet.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeGet, err)
	}
	return transactionRecord, true, nil
}

func (store *Store) ListTransactions(ctx context.Context, walletID string, limit int) ([]wallet.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, walletID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []wallet.Transaction
	for rows.Next() {
		transactionRecord, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transactionRecord)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) GetSubscriptionExpiry(ctx context.Context, userID wallet.UserID) (*time.Time, error) {
	var expiresAt *time.Time
	err := store.db.QueryRow(ctx, sqlSelectSubscriptionExpiry, userID.String()).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeGet, wallet.ErrUserNotFound)
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectSubscription, errorCodeGet, err)
	}
	return expiresAt, nil
}

func (store *Store) UpdateSubscriptionExpiry(ctx context.Context, userID wallet.UserID, expiresAt time.Time) error {
	commandTag, err := store.db.Exec(ctx, sqlUpdateSubscriptionExpiry, userID.String(), expiresAt.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdateExpiry, err)
	}
	if commandTag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectSubscription, errorCodeUpdateExpiry, wallet.ErrUserNotFound)
	}
	return nil
}

// ResolveUserID implements wallet.Directory over the users table.
func (store *Store) ResolveUserID(ctx context.Context, phone wallet.PhoneNumber) (wallet.UserID, error) {
	var userIDValue string
	err := store.db.QueryRow(ctx, sqlSelectUserIDByPhone, phone.String()).Scan(&userIDValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return wallet.UserID{}, wrapStoreError(errorSubjectUser, errorCodeLookup, wallet.ErrUserNotFound)
	}
	if err != nil {
		return wallet.UserID{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	userID, err := wallet.NewUserID(userIDValue)
	if err != nil {
		return wallet.UserID{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return userID, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return wallet.WrapError(errorOperationStore, subject, code, err)
}

func scanWallet(row pgx.Row) (wallet.Wallet, error) {
	var (
		record     wallet.Wallet
		balanceRaw string
	)
	err := row.Scan(
		&record.WalletID,
		&record.UserID,
		&balanceRaw,
		&record.Currency,
		&record.IsActive,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return wallet.Wallet{}, err
	}
	balance, err := decimal.NewFromString(balanceRaw)
	if err != nil {
		return wallet.Wallet{}, err
	}
	record.Balance = balance
	return record, nil
}

func scanTransaction(row pgx.Row) (wallet.Transaction, error) {
	var (
		record    wallet.Transaction
		typeRaw   string
		statusRaw string
		amountRaw string
	)
	err := row.Scan(
		&record.TransactionID,
		&record.WalletID,
		&typeRaw,
		&statusRaw,
		&amountRaw,
		&record.Reference,
		&record.Description,
		&record.MetadataJSON,
		&record.CreatedAt,
	)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionType, err := wallet.ParseTransactionType(typeRaw)
	if err != nil {
		return wallet.Transaction{}, err
	}
	transactionStatus, err := wallet.ParseTransactionStatus(statusRaw)
	if err != nil {
		return wallet.Transaction{}, err
	}
	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return wallet.Transaction{}, err
	}
	record.Type = transactionType
	record.Status = transactionStatus
	record.Amount = amount
	return record, nil
}

func isReferenceConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintWalletReference
	}
	return false
}
