package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies a wallet owner.
type UserID struct {
	value string
}

// PhoneNumber identifies a user through the directory lookup.
type PhoneNumber struct {
	value string
}

// Reference is an external payment provider identifier used to deduplicate
// retried notifications.
type Reference struct {
	value string
}

// Amount is a strictly positive fixed-point monetary amount.
type Amount struct {
	value decimal.Decimal
}

// MetadataJSON stores arbitrary provider payload metadata.
type MetadataJSON struct {
	value string
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

// NewPhoneNumber validates and normalizes a phone number.
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PhoneNumber{}, fmt.Errorf("%w: empty value", ErrInvalidPhoneNumber)
	}
	return PhoneNumber{value: trimmed}, nil
}

// String returns the normalized phone number.
func (phone PhoneNumber) String() string {
	return phone.value
}

// NewReference validates and normalizes an external reference.
func NewReference(raw string) (Reference, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReference)
	}
	return Reference{value: trimmed}, nil
}

// String returns the normalized reference.
func (reference Reference) String() string {
	return reference.value
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw decimal.Decimal) (Amount, error) {
	if raw.Sign() <= 0 {
		return Amount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount{value: raw}, nil
}

// ParseAmount parses a decimal string into a validated Amount.
func ParseAmount(raw string) (Amount, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("%w: empty value", ErrInvalidAmount)
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, trimmed)
	}
	return NewAmount(parsed)
}

// Decimal returns the underlying decimal value.
func (amount Amount) Decimal() decimal.Decimal {
	return amount.value
}

// String returns the canonical decimal representation.
func (amount Amount) String() string {
	return amount.value.String()
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
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

// TransactionType enumerates ledger movement kinds. The stored amount is a
// magnitude; the type alone decides the sign of its balance effect.
type TransactionType string

const (
	TransactionDeposit             TransactionType = "DEPOSIT"
	TransactionWithdrawal          TransactionType = "WITHDRAWAL"
	TransactionSubscriptionPayment TransactionType = "SUBSCRIPTION_PAYMENT"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionDeposit, TransactionWithdrawal, TransactionSubscriptionPayment:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// Sign returns +1 for balance credits and -1 for balance debits.
func (transactionType TransactionType) Sign() int {
	if transactionType == TransactionDeposit {
		return 1
	}
	return -1
}

// TransactionStatus enumerates the transaction lifecycle. All synchronous
// paths write COMPLETED; PENDING and FAILED are reserved for async rails.
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionPending   TransactionStatus = "PENDING"
	TransactionFailed    TransactionStatus = "FAILED"
)

// ParseTransactionStatus validates a stored transaction status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(raw) {
	case TransactionCompleted, TransactionPending, TransactionFailed:
		return TransactionStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// Wallet is the per-user balance record. It is mutated only through Service
// operations; Version is the optimistic concurrency token guarding the
// balance field.
type Wallet struct {
	WalletID  string
	UserID    string
	Balance   decimal.Decimal
	Currency  string
	IsActive  bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is a single immutable line in the wallet ledger.
type Transaction struct {
	TransactionID string
	WalletID      string
	Type          TransactionType
	Status        TransactionStatus
	Amount        decimal.Decimal
	Reference     string
	Description   string
	MetadataJSON  string
	CreatedAt     time.Time
}

// SignedAmount is the transaction's effect on the wallet balance.
func (transaction Transaction) SignedAmount() decimal.Decimal {
	if transaction.Type.Sign() < 0 {
		return transaction.Amount.Neg()
	}
	return transaction.Amount
}

// TransactionInput describes a transaction to append. The store assigns the
// id and defaults CreatedAt when zero.
type TransactionInput struct {
	WalletID     string
	Type         TransactionType
	Status       TransactionStatus
	Amount       decimal.Decimal
	Reference    string
	Description  string
	MetadataJSON string
	CreatedAt    time.Time
}

// OperationResult is returned by balance-mutating operations.
type OperationResult struct {
	Wallet      Wallet
	Transaction Transaction
}

// PaymentResult extends OperationResult with the entitlement expiry written
// by a subscription payment.
type PaymentResult struct {
	Wallet                Wallet
	Transaction           Transaction
	SubscriptionExpiresAt time.Time
}

// Statement is a wallet together with its most recent transactions.
type Statement struct {
	Wallet       Wallet
	Transactions []Transaction
}

// Store is the persistence contract used by Service. Implementations must
// provide atomic multi-write units of work through WithTx, a compare-and-set
// balance write, and a uniqueness constraint on (wallet_id, reference).
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateWallet(ctx context.Context, userID UserID) (Wallet, error)
	GetWallet(ctx context.Context, userID UserID) (Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID string, expectedVersion int64, balance decimal.Decimal) (Wallet, error)
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	FindTransactionByReference(ctx context.Context, walletID string, reference Reference) (Transaction, bool, error)
	ListTransactions(ctx context.Context, walletID string, limit int) ([]Transaction, error)
	GetSubscriptionExpiry(ctx context.Context, userID UserID) (*time.Time, error)
	UpdateSubscriptionExpiry(ctx context.Context, userID UserID, expiresAt time.Time) error
}

// Directory resolves phone numbers to user ids. It is an upstream
// collaborator of the ledger, consulted only by ExternalDeposit.
type Directory interface {
	ResolveUserID(ctx context.Context, phone PhoneNumber) (UserID, error)
}
