package metering

import "context"

// BalanceView is the read-side projection of an account balance.
type BalanceView struct {
	Credits          Credits
	BlockedCredits   Credits
	AvailableCredits Credits
}

// GetBalance returns the user's balance, creating an empty account on first
// contact.
func (service *Service) GetBalance(ctx context.Context, userID UserID) (BalanceView, error) {
	balance, err := service.store.GetOrCreateBalance(ctx, userID)
	if err != nil {
		return BalanceView{}, WrapStorageError("balance", err)
	}
	return BalanceView{
		Credits:          balance.Credits,
		BlockedCredits:   balance.BlockedCredits,
		AvailableCredits: balance.Available(),
	}, nil
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// ListTransactions returns one page of the user's transaction log, newest
// first, optionally narrowed by type and date range. Purely a projection;
// nothing here mutates the log.
func (service *Service) ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) (TransactionPage, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultHistoryLimit
	}
	if filter.Limit > maxHistoryLimit {
		filter.Limit = maxHistoryLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	transactions, total, err := service.store.ListTransactions(ctx, userID, filter)
	if err != nil {
		return TransactionPage{}, WrapStorageError("history", err)
	}
	return TransactionPage{
		Transactions: transactions,
		Total:        total,
		HasMore:      int64(filter.Offset+len(transactions)) < total,
	}, nil
}
