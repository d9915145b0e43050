package wallet

const (
	operationGetWallet        = "get_wallet"
	operationDeposit          = "deposit"
	operationWithdraw         = "withdraw"
	operationPaySubscription  = "pay_subscription"
	operationExternalDeposit  = "external_deposit"
	operationListTransactions = "list_transactions"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	descriptionDeposit            = "Funds deposit"
	descriptionWithdrawal         = "Funds withdrawal"
	descriptionSubscriptionFormat = "Subscription payment (expires %s)"
	descriptionExternalFormat     = "Mobile money deposit (%s)"

	expiryDateLayout = "2006-01-02"

	subscriptionExtensionDays = 30
	conflictRetryLimit        = 3
)

// DefaultCurrency tags wallets created lazily on first access.
const DefaultCurrency = "XOF"

// RecentTransactionLimit bounds the history page returned with a wallet.
const RecentTransactionLimit = 10
