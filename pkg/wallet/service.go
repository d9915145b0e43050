package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the ledger domain logic over a Store and a Directory.
// Every mutating operation runs as a single unit of work: balance update,
// transaction insert, and (for subscriptions) expiry update commit together
// or not at all. Balance writes are optimistic compare-and-set on the wallet
// version; a unit of work that loses the race is retried a bounded number of
// times before surfacing ErrStorageConflict.
type Service struct {
	store     Store
	directory Directory
	nowFn     func() time.Time
	logger    OperationLogger
}

// NewService wires a Service.
func NewService(store Store, directory Directory, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if directory == nil {
		return nil, fmt.Errorf("%w: directory dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, directory: directory, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetWallet returns the caller's wallet with its most recent transactions,
// creating the wallet lazily on first access.
func (service *Service) GetWallet(ctx context.Context, userID UserID) (Statement, error) {
	walletRecord, err := service.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return Statement{}, err
	}
	transactions, err := service.store.ListTransactions(ctx, walletRecord.WalletID, RecentTransactionLimit)
	if err != nil {
		return Statement{}, err
	}
	return Statement{Wallet: walletRecord, Transactions: transactions}, nil
}

// Deposit credits the wallet and appends a DEPOSIT transaction. A non-nil
// reference is recorded on the transaction and is subject to the
// (wallet, reference) uniqueness constraint.
func (service *Service) Deposit(ctx context.Context, userID UserID, amount Amount, reference *Reference) (OperationResult, error) {
	referenceValue := Reference{}
	if reference != nil {
		referenceValue = *reference
	}
	var result OperationResult
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		walletRecord, err := transactionStore.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		transactionRecord, err := transactionStore.InsertTransaction(ctx, TransactionInput{
			WalletID:    walletRecord.WalletID,
			Type:        TransactionDeposit,
			Status:      TransactionCompleted,
			Amount:      amount.Decimal(),
			Reference:   referenceValue.String(),
			Description: descriptionDeposit,
			CreatedAt:   service.nowFn(),
		})
		if err != nil {
			return err
		}
		updatedWallet, err := transactionStore.UpdateWalletBalance(ctx, walletRecord.WalletID, walletRecord.Version, walletRecord.Balance.Add(amount.Decimal()))
		if err != nil {
			return err
		}
		result = OperationResult{Wallet: updatedWallet, Transaction: transactionRecord}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeposit,
		UserID:    userID,
		Amount:    amount,
		Reference: referenceValue,
		Error:     operationError,
	})
	if operationError != nil {
		return OperationResult{}, operationError
	}
	return result, nil
}

// Withdraw debits the wallet and appends a WITHDRAWAL transaction. The
// balance check runs inside the unit of work against the version-guarded
// read, so two concurrent withdrawals serialize instead of both passing the
// check against a stale balance.
func (service *Service) Withdraw(ctx context.Context, userID UserID, amount Amount) (OperationResult, error) {
	var result OperationResult
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		walletRecord, err := transactionStore.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if walletRecord.Balance.LessThan(amount.Decimal()) {
			return ErrInsufficientFunds
		}
		transactionRecord, err := transactionStore.InsertTransaction(ctx, TransactionInput{
			WalletID:    walletRecord.WalletID,
			Type:        TransactionWithdrawal,
			Status:      TransactionCompleted,
			Amount:      amount.Decimal(),
			Description: descriptionWithdrawal,
			CreatedAt:   service.nowFn(),
		})
		if err != nil {
			return err
		}
		updatedWallet, err := transactionStore.UpdateWalletBalance(ctx, walletRecord.WalletID, walletRecord.Version, walletRecord.Balance.Sub(amount.Decimal()))
		if err != nil {
			return err
		}
		result = OperationResult{Wallet: updatedWallet, Transaction: transactionRecord}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationWithdraw,
		UserID:    userID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return OperationResult{}, operationError
	}
	return result, nil
}

// PaySubscription debits the wallet, extends the user's entitlement expiry,
// and appends a SUBSCRIPTION_PAYMENT transaction recording the new expiry.
func (service *Service) PaySubscription(ctx context.Context, userID UserID, amount Amount) (PaymentResult, error) {
	var result PaymentResult
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		walletRecord, err := transactionStore.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if walletRecord.Balance.LessThan(amount.Decimal()) {
			return ErrInsufficientFunds
		}
		currentExpiry, err := transactionStore.GetSubscriptionExpiry(ctx, userID)
		if err != nil {
			return err
		}
		now := service.nowFn()
		newExpiry := NextSubscriptionExpiry(currentExpiry, now)
		if err := transactionStore.UpdateSubscriptionExpiry(ctx, userID, newExpiry); err != nil {
			return err
		}
		transactionRecord, err := transactionStore.InsertTransaction(ctx, TransactionInput{
			WalletID:    walletRecord.WalletID,
			Type:        TransactionSubscriptionPayment,
			Status:      TransactionCompleted,
			Amount:      amount.Decimal(),
			Description: fmt.Sprintf(descriptionSubscriptionFormat, newExpiry.Format(expiryDateLayout)),
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		updatedWallet, err := transactionStore.UpdateWalletBalance(ctx, walletRecord.WalletID, walletRecord.Version, walletRecord.Balance.Sub(amount.Decimal()))
		if err != nil {
			return err
		}
		result = PaymentResult{Wallet: updatedWallet, Transaction: transactionRecord, SubscriptionExpiresAt: newExpiry}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationPaySubscription,
		UserID:    userID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return PaymentResult{}, operationError
	}
	return result, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// withConflictRetry executes the unit of work, retrying when the optimistic
// balance write lost the race. Any other error aborts immediately.
func (service *Service) withConflictRetry(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	var lastError error
	for attempt := 0; attempt < conflictRetryLimit; attempt++ {
		lastError = service.store.WithTx(ctx, fn)
		if !errors.Is(lastError, ErrStorageConflict) {
			return lastError
		}
	}
	return lastError
}
