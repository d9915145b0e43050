package wallet

import (
	"context"
	"errors"
	"fmt"
)

// ExternalDeposit credits a wallet from an at-least-once payment provider
// notification. The phone number is resolved through the directory; the
// provider reference deduplicates retried deliveries: a reference already
// recorded for the wallet answers with the previously stored result instead
// of a second credit. The race between concurrent duplicate deliveries is
// closed by the storage uniqueness constraint on (wallet, reference), whose
// violation is reinterpreted here as "already processed".
func (service *Service) ExternalDeposit(ctx context.Context, phone PhoneNumber, amount Amount, reference Reference, metadata MetadataJSON) (Statement, error) {
	userID, resolveError := service.directory.ResolveUserID(ctx, phone)
	if resolveError != nil {
		service.logOperation(ctx, OperationLog{
			Operation: operationExternalDeposit,
			Phone:     phone,
			Amount:    amount,
			Reference: reference,
			Error:     resolveError,
		})
		return Statement{}, resolveError
	}

	var statement Statement
	var duplicate bool
	operationError := service.withConflictRetry(ctx, func(ctx context.Context, transactionStore Store) error {
		walletRecord, err := transactionStore.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if !walletRecord.IsActive {
			return ErrWalletInactive
		}
		_, found, err := transactionStore.FindTransactionByReference(ctx, walletRecord.WalletID, reference)
		if err != nil {
			return err
		}
		if found {
			duplicate = true
			recent, listErr := transactionStore.ListTransactions(ctx, walletRecord.WalletID, RecentTransactionLimit)
			if listErr != nil {
				return listErr
			}
			statement = Statement{Wallet: walletRecord, Transactions: recent}
			return nil
		}
		_, err = transactionStore.InsertTransaction(ctx, TransactionInput{
			WalletID:     walletRecord.WalletID,
			Type:         TransactionDeposit,
			Status:       TransactionCompleted,
			Amount:       amount.Decimal(),
			Reference:    reference.String(),
			Description:  fmt.Sprintf(descriptionExternalFormat, reference.String()),
			MetadataJSON: metadata.String(),
			CreatedAt:    service.nowFn(),
		})
		if err != nil {
			return err
		}
		updatedWallet, err := transactionStore.UpdateWalletBalance(ctx, walletRecord.WalletID, walletRecord.Version, walletRecord.Balance.Add(amount.Decimal()))
		if err != nil {
			return err
		}
		recent, err := transactionStore.ListTransactions(ctx, updatedWallet.WalletID, RecentTransactionLimit)
		if err != nil {
			return err
		}
		statement = Statement{Wallet: updatedWallet, Transactions: recent}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateReference) {
		// A concurrent delivery of the same notification won the insert race
		// after our pre-check; answer with the recorded result.
		duplicate = true
		statement, operationError = service.replayStatement(ctx, userID)
	}
	logEntry := OperationLog{
		Operation: operationExternalDeposit,
		UserID:    userID,
		Phone:     phone,
		Amount:    amount,
		Reference: reference,
		Error:     operationError,
	}
	if duplicate && operationError == nil {
		logEntry.Status = operationStatusDuplicate
	}
	service.logOperation(ctx, logEntry)
	if operationError != nil {
		return Statement{}, operationError
	}
	return statement, nil
}

// ListTransactions lists the most recent transactions for a user's wallet.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > RecentTransactionLimit {
		limit = RecentTransactionLimit
	}
	walletRecord, err := service.store.GetOrCreateWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, walletRecord.WalletID, limit)
}

func (service *Service) replayStatement(ctx context.Context, userID UserID) (Statement, error) {
	walletRecord, err := service.store.GetWallet(ctx, userID)
	if err != nil {
		return Statement{}, err
	}
	recent, err := service.store.ListTransactions(ctx, walletRecord.WalletID, RecentTransactionLimit)
	if err != nil {
		return Statement{}, err
	}
	return Statement{Wallet: walletRecord, Transactions: recent}, nil
}
