package wallet

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultWalletIDValue = "wallet-1"
	defaultUserIDValue   = "user-1"
	defaultPhoneValue    = "+221770000001"
)

var fixedNow = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// stubState holds the in-memory store data and behaves like a store that is
// already inside a unit of work: no locking, no rollback.
type stubState struct {
	hasWallet    bool
	wallet       Wallet
	transactions []Transaction
	expiries     map[string]*time.Time
	phones       map[string]string
	sequence     int

	getOrCreateError       error
	getWalletError         error
	insertTransactionError error
	updateBalanceError     error
	updateBalanceConflicts int
	findReferenceError     error
	findReferenceMiss      bool
	listError              error
	getExpiryError         error
	updateExpiryError      error
	resolveError           error
}

// stubStore wraps stubState with a mutex so units of work serialize the way
// database transactions on the same wallet row do, and with
// snapshot-and-restore rollback so a failed unit leaves no trace.
type stubStore struct {
	mu    sync.Mutex
	state stubState
}

func newStubStore(test *testing.T, initialBalance string) *stubStore {
	test.Helper()
	balance := mustDecimal(test, initialBalance)
	return &stubStore{
		state: stubState{
			hasWallet: true,
			wallet: Wallet{
				WalletID:  defaultWalletIDValue,
				UserID:    defaultUserIDValue,
				Balance:   balance,
				Currency:  DefaultCurrency,
				IsActive:  true,
				CreatedAt: fixedNow,
				UpdatedAt: fixedNow,
			},
			expiries: map[string]*time.Time{defaultUserIDValue: nil},
			phones:   map[string]string{defaultPhoneValue: defaultUserIDValue},
		},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.state.clone()
	if err := fn(ctx, &store.state); err != nil {
		// The conflict counter models other writers, not wallet state, so it
		// survives the rollback.
		remainingConflicts := store.state.updateBalanceConflicts
		store.state = snapshot
		store.state.updateBalanceConflicts = remainingConflicts
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateWallet(ctx context.Context, userID UserID) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.GetOrCreateWallet(ctx, userID)
}

func (store *stubStore) GetWallet(ctx context.Context, userID UserID) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.GetWallet(ctx, userID)
}

func (store *stubStore) UpdateWalletBalance(ctx context.Context, walletID string, expectedVersion int64, balance decimal.Decimal) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.UpdateWalletBalance(ctx, walletID, expectedVersion, balance)
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.InsertTransaction(ctx, input)
}

func (store *stubStore) FindTransactionByReference(ctx context.Context, walletID string, reference Reference) (Transaction, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.FindTransactionByReference(ctx, walletID, reference)
}

func (store *stubStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.ListTransactions(ctx, walletID, limit)
}

func (store *stubStore) GetSubscriptionExpiry(ctx context.Context, userID UserID) (*time.Time, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.GetSubscriptionExpiry(ctx, userID)
}

func (store *stubStore) UpdateSubscriptionExpiry(ctx context.Context, userID UserID, expiresAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.UpdateSubscriptionExpiry(ctx, userID, expiresAt)
}

func (store *stubStore) ResolveUserID(ctx context.Context, phone PhoneNumber) (UserID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.state.ResolveUserID(ctx, phone)
}

func (state *stubState) clone() stubState {
	snapshot := *state
	snapshot.transactions = append([]Transaction(nil), state.transactions...)
	snapshot.expiries = make(map[string]*time.Time, len(state.expiries))
	for key, value := range state.expiries {
		snapshot.expiries[key] = value
	}
	snapshot.phones = make(map[string]string, len(state.phones))
	for key, value := range state.phones {
		snapshot.phones[key] = value
	}
	return snapshot
}

func (state *stubState) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, state)
}

func (state *stubState) GetOrCreateWallet(ctx context.Context, userID UserID) (Wallet, error) {
	if state.getOrCreateError != nil {
		return Wallet{}, state.getOrCreateError
	}
	if !state.hasWallet {
		state.hasWallet = true
		state.wallet = Wallet{
			WalletID:  defaultWalletIDValue,
			UserID:    userID.String(),
			Balance:   decimal.Zero,
			Currency:  DefaultCurrency,
			IsActive:  true,
			CreatedAt: fixedNow,
			UpdatedAt: fixedNow,
		}
	}
	return state.wallet, nil
}

func (state *stubState) GetWallet(ctx context.Context, userID UserID) (Wallet, error) {
	if state.getWalletError != nil {
		return Wallet{}, state.getWalletError
	}
	if !state.hasWallet || state.wallet.UserID != userID.String() {
		return Wallet{}, ErrWalletNotFound
	}
	return state.wallet, nil
}

func (state *stubState) UpdateWalletBalance(ctx context.Context, walletID string, expectedVersion int64, balance decimal.Decimal) (Wallet, error) {
	if state.updateBalanceError != nil {
		return Wallet{}, state.updateBalanceError
	}
	if state.updateBalanceConflicts > 0 {
		state.updateBalanceConflicts--
		return Wallet{}, ErrStorageConflict
	}
	if !state.hasWallet || state.wallet.WalletID != walletID || state.wallet.Version != expectedVersion {
		return Wallet{}, ErrStorageConflict
	}
	state.wallet.Balance = balance
	state.wallet.Version++
	state.wallet.UpdatedAt = fixedNow
	return state.wallet, nil
}

func (state *stubState) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	if state.insertTransactionError != nil {
		return Transaction{}, state.insertTransactionError
	}
	if input.Reference != "" {
		for _, transaction := range state.transactions {
			if transaction.WalletID == input.WalletID && transaction.Reference == input.Reference {
				return Transaction{}, ErrDuplicateReference
			}
		}
	}
	state.sequence++
	metadata := input.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	record := Transaction{
		TransactionID: fmt.Sprintf("txn-%d", state.sequence),
		WalletID:      input.WalletID,
		Type:          input.Type,
		Status:        input.Status,
		Amount:        input.Amount,
		Reference:     input.Reference,
		Description:   input.Description,
		MetadataJSON:  metadata,
		CreatedAt:     input.CreatedAt,
	}
	state.transactions = append(state.transactions, record)
	return record, nil
}

func (state *stubState) FindTransactionByReference(ctx context.Context, walletID string, reference Reference) (Transaction, bool, error) {
	if state.findReferenceError != nil {
		return Transaction{}, false, state.findReferenceError
	}
	if state.findReferenceMiss {
		return Transaction{}, false, nil
	}
	for _, transaction := range state.transactions {
		if transaction.WalletID == walletID && transaction.Reference == reference.String() {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (state *stubState) ListTransactions(ctx context.Context, walletID string, limit int) ([]Transaction, error) {
	if state.listError != nil {
		return nil, state.listError
	}
	listed := make([]Transaction, 0, limit)
	for index := len(state.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		if state.transactions[index].WalletID == walletID {
			listed = append(listed, state.transactions[index])
		}
	}
	return listed, nil
}

func (state *stubState) GetSubscriptionExpiry(ctx context.Context, userID UserID) (*time.Time, error) {
	if state.getExpiryError != nil {
		return nil, state.getExpiryError
	}
	expiry, exists := state.expiries[userID.String()]
	if !exists {
		return nil, ErrUserNotFound
	}
	return expiry, nil
}

func (state *stubState) UpdateSubscriptionExpiry(ctx context.Context, userID UserID, expiresAt time.Time) error {
	if state.updateExpiryError != nil {
		return state.updateExpiryError
	}
	if _, exists := state.expiries[userID.String()]; !exists {
		return ErrUserNotFound
	}
	value := expiresAt
	state.expiries[userID.String()] = &value
	return nil
}

func (state *stubState) ResolveUserID(ctx context.Context, phone PhoneNumber) (UserID, error) {
	if state.resolveError != nil {
		return UserID{}, state.resolveError
	}
	userIDValue, exists := state.phones[phone.String()]
	if !exists {
		return UserID{}, ErrUserNotFound
	}
	return NewUserID(userIDValue)
}

func mustNewService(test *testing.T, store *stubStore, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustPhone(test *testing.T, raw string) PhoneNumber {
	test.Helper()
	value, err := NewPhoneNumber(raw)
	if err != nil {
		test.Fatalf("phone number: %v", err)
	}
	return value
}

func mustReference(test *testing.T, raw string) Reference {
	test.Helper()
	value, err := NewReference(raw)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return value
}

func mustAmount(test *testing.T, raw string) Amount {
	test.Helper()
	value, err := ParseAmount(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	value, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return value
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal: %v", err)
	}
	return value
}
