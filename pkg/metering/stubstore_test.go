package metering

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store for service tests. WithTx holds one mutex
// for the whole closure, which models the per-user serialization the real
// stores get from row locking.
type stubStore struct {
	mu           sync.Mutex
	balances     map[string]Balance
	transactions []Transaction
	failWith     error
}

func newStubStore() *stubStore {
	return &stubStore{balances: map[string]Balance{}}
}

func (store *stubStore) seedBalance(userID UserID, credits Credits, blocked Credits) {
	store.balances[userID.String()] = Balance{Credits: credits, BlockedCredits: blocked}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, (*lockedStubStore)(store))
}

func (store *stubStore) GetOrCreateBalance(ctx context.Context, userID UserID) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).GetOrCreateBalance(ctx, userID)
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, userID UserID) (Balance, error) {
	return Balance{}, fmt.Errorf("GetBalanceForUpdate outside WithTx")
}

func (store *stubStore) SaveBalance(ctx context.Context, userID UserID, balance Balance) error {
	return fmt.Errorf("SaveBalance outside WithTx")
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	return fmt.Errorf("InsertTransaction outside WithTx")
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (*lockedStubStore)(store).ListTransactions(ctx, userID, filter)
}

// lockedStubStore is the view handed to WithTx closures; the mutex is already
// held.
type lockedStubStore stubStore

func (store *lockedStubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *lockedStubStore) GetOrCreateBalance(ctx context.Context, userID UserID) (Balance, error) {
	if store.failWith != nil {
		return Balance{}, store.failWith
	}
	balance, ok := store.balances[userID.String()]
	if !ok {
		store.balances[userID.String()] = Balance{}
	}
	return balance, nil
}

func (store *lockedStubStore) GetBalanceForUpdate(ctx context.Context, userID UserID) (Balance, error) {
	return store.GetOrCreateBalance(ctx, userID)
}

func (store *lockedStubStore) SaveBalance(ctx context.Context, userID UserID, balance Balance) error {
	if store.failWith != nil {
		return store.failWith
	}
	store.balances[userID.String()] = balance
	return nil
}

func (store *lockedStubStore) InsertTransaction(ctx context.Context, transaction Transaction) error {
	if store.failWith != nil {
		return store.failWith
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *lockedStubStore) ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, int64, error) {
	if store.failWith != nil {
		return nil, 0, store.failWith
	}
	matched := make([]Transaction, 0, len(store.transactions))
	for _, transaction := range store.transactions {
		if transaction.UserID != userID.String() {
			continue
		}
		if filter.Type != "" && transaction.Type != filter.Type {
			continue
		}
		createdAt := time.Unix(transaction.CreatedUnixUTC, 0).UTC()
		if !filter.StartDate.IsZero() && createdAt.Before(filter.StartDate) {
			continue
		}
		if !filter.EndDate.IsZero() && createdAt.After(filter.EndDate) {
			continue
		}
		matched = append(matched, transaction)
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	var sequence int64
	clock := func() int64 {
		sequence++
		return sequence
	}
	service, err := NewService(store, clock, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id %q: %v", raw, err)
	}
	return userID
}

func mustSessionRef(test *testing.T, raw string) Reference {
	test.Helper()
	reference, err := SessionReference(raw)
	if err != nil {
		test.Fatalf("session ref %q: %v", raw, err)
	}
	return reference
}

func mustPaymentRef(test *testing.T, raw string) Reference {
	test.Helper()
	reference, err := PaymentReference(raw)
	if err != nil {
		test.Fatalf("payment ref %q: %v", raw, err)
	}
	return reference
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata %q: %v", raw, err)
	}
	return metadata
}

func creditsPtr(amount Credits) *Credits {
	return &amount
}
