package metering

import (
	"context"
	"testing"
	"time"
)

func seedHistory(test *testing.T, service *Service, user UserID) {
	test.Helper()
	ctx := context.Background()
	metadata := mustMetadata(test, "{}")
	if _, err := service.AddCredits(ctx, user, 200, mustPaymentRef(test, "payment-h1"), metadata); err != nil {
		test.Fatalf("add credits: %v", err)
	}
	for _, session := range []string{"session-h1", "session-h2", "session-h3"} {
		sessionRef := mustSessionRef(test, session)
		if _, err := service.Block(ctx, user, 30, sessionRef, metadata); err != nil {
			test.Fatalf("block %s: %v", session, err)
		}
		if _, err := service.DeductAndSettle(ctx, user, 30, 25, sessionRef, metadata); err != nil {
			test.Fatalf("settle %s: %v", session, err)
		}
	}
}

func TestGetBalanceCreatesEmptyAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	user := mustUserID(test, "user-fresh")

	view, err := service.GetBalance(context.Background(), user)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if view.Credits != 0 || view.BlockedCredits != 0 || view.AvailableCredits != 0 {
		test.Fatalf("expected empty balance, got %+v", view)
	}
}

func TestListTransactionsPaginates(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	user := mustUserID(test, "user-history")
	seedHistory(test, service, user)

	// 1 purchase + 3×(block, deduct, refund) = 10 entries.
	page, err := service.ListTransactions(context.Background(), user, TransactionFilter{Limit: 4})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if page.Total != 10 {
		test.Fatalf("expected total 10, got %d", page.Total)
	}
	if len(page.Transactions) != 4 || !page.HasMore {
		test.Fatalf("unexpected first page: %d entries, hasMore=%v", len(page.Transactions), page.HasMore)
	}

	lastPage, err := service.ListTransactions(context.Background(), user, TransactionFilter{Limit: 4, Offset: 8})
	if err != nil {
		test.Fatalf("list last page: %v", err)
	}
	if len(lastPage.Transactions) != 2 || lastPage.HasMore {
		test.Fatalf("unexpected last page: %d entries, hasMore=%v", len(lastPage.Transactions), lastPage.HasMore)
	}
}

func TestListTransactionsFiltersByType(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	user := mustUserID(test, "user-filter")
	seedHistory(test, service, user)

	page, err := service.ListTransactions(context.Background(), user, TransactionFilter{Type: TransactionDeduct})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if page.Total != 3 {
		test.Fatalf("expected 3 deduct entries, got %d", page.Total)
	}
	for _, transaction := range page.Transactions {
		if transaction.Type != TransactionDeduct {
			test.Fatalf("unexpected type in filtered page: %s", transaction.Type)
		}
	}
}

func TestListTransactionsFiltersByDateRange(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	user := mustUserID(test, "user-dates")
	seedHistory(test, service, user)

	// The test clock ticks one second per entry starting at unix 1.
	page, err := service.ListTransactions(context.Background(), user, TransactionFilter{
		StartDate: time.Unix(2, 0).UTC(),
		EndDate:   time.Unix(4, 0).UTC(),
	})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if page.Total != 3 {
		test.Fatalf("expected 3 entries in range, got %d", page.Total)
	}
}

func TestListTransactionsOrdersNewestFirst(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	user := mustUserID(test, "user-order")
	seedHistory(test, service, user)

	page, err := service.ListTransactions(context.Background(), user, TransactionFilter{})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	for index := 1; index < len(page.Transactions); index++ {
		if page.Transactions[index-1].CreatedUnixUTC < page.Transactions[index].CreatedUnixUTC {
			test.Fatalf("history not newest-first at index %d", index)
		}
	}
}
