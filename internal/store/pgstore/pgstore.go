package pgstore

import (
	"context"
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectEntry       = "transaction"
	errorSubjectTransaction = "tx"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeSave           = "save"

	sqlInsertOrGetAccount = `
		insert into accounts(user_id) values($1)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning credits, blocked_credits
	`

	sqlSelectAccountForUpdate = `
		select credits, blocked_credits
		from accounts
		where user_id = $1
		for update
	`

	sqlSaveBalance = `
		update accounts
		set credits = $2, blocked_credits = $3, updated_at = now()
		where user_id = $1
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, type, amount, balance_after,
			reference_id, reference_type, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
	`

	sqlSchema = `
		create table if not exists accounts (
			user_id text primary key,
			credits double precision not null default 0,
			blocked_credits double precision not null default 0,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists credit_transactions (
			transaction_id uuid primary key,
			user_id text not null,
			type text not null,
			amount double precision not null,
			balance_after double precision not null,
			reference_id text not null,
			reference_type text not null,
			metadata jsonb not null default '{}',
			created_at timestamptz not null default now()
		);
		create index if not exists idx_transactions_user_created
			on credit_transactions (user_id, created_at desc);
	`
)

// Store implements metering.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements metering.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the accounts and credit_transactions tables.
func (store *Store) Migrate(ctx context.Context) error {
	_, err := store.pool.Exec(ctx, sqlSchema)
	return err
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore metering.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateBalance(ctx context.Context, userID metering.UserID) (metering.Balance, error) {
	return getOrCreateBalance(ctx, store.pool, userID)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, userID metering.UserID) (metering.Balance, error) {
	// FOR UPDATE without a surrounding transaction locks nothing useful.
	return metering.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, errors.New("GetBalanceForUpdate requires WithTx"))
}

func (store *Store) SaveBalance(ctx context.Context, userID metering.UserID, balance metering.Balance) error {
	return saveBalance(ctx, store.pool, userID, balance)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction metering.Transaction) error {
	return insertTransaction(ctx, store.pool, transaction)
}

func (store *Store) ListTransactions(ctx context.Context, userID metering.UserID, filter metering.TransactionFilter) ([]metering.Transaction, int64, error) {
	return listTransactions(ctx, store.pool, userID, filter)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore metering.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetOrCreateBalance(ctx context.Context, userID metering.UserID) (metering.Balance, error) {
	return getOrCreateBalance(ctx, store.tx, userID)
}

func (store *TxStore) GetBalanceForUpdate(ctx context.Context, userID metering.UserID) (metering.Balance, error) {
	if _, err := getOrCreateBalance(ctx, store.tx, userID); err != nil {
		return metering.Balance{}, err
	}
	var credits, blocked float64
	err := store.tx.QueryRow(ctx, sqlSelectAccountForUpdate, userID.String()).Scan(&credits, &blocked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return metering.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, metering.ErrNotFound)
		}
		return metering.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return metering.Balance{
		Credits:        metering.Credits(credits),
		BlockedCredits: metering.Credits(blocked),
	}, nil
}

func (store *TxStore) SaveBalance(ctx context.Context, userID metering.UserID, balance metering.Balance) error {
	return saveBalance(ctx, store.tx, userID, balance)
}

func (store *TxStore) InsertTransaction(ctx context.Context, transaction metering.Transaction) error {
	return insertTransaction(ctx, store.tx, transaction)
}

func (store *TxStore) ListTransactions(ctx context.Context, userID metering.UserID, filter metering.TransactionFilter) ([]metering.Transaction, int64, error) {
	return listTransactions(ctx, store.tx, userID, filter)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getOrCreateBalance(ctx context.Context, db querier, userID metering.UserID) (metering.Balance, error) {
	var credits, blocked float64
	err := db.QueryRow(ctx, sqlInsertOrGetAccount, userID.String()).Scan(&credits, &blocked)
	if err != nil {
		return metering.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return metering.Balance{
		Credits:        metering.Credits(credits),
		BlockedCredits: metering.Credits(blocked),
	}, nil
}

func saveBalance(ctx context.Context, db querier, userID metering.UserID, balance metering.Balance) error {
	tag, err := db.Exec(ctx, sqlSaveBalance, userID.String(), balance.Credits.Float64(), balance.BlockedCredits.Float64())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, metering.ErrNotFound)
	}
	return nil
}

func insertTransaction(ctx context.Context, db querier, transaction metering.Transaction) error {
	_, err := db.Exec(ctx, sqlInsertTransaction,
		transaction.TransactionID,
		transaction.UserID,
		transaction.Type.String(),
		transaction.Amount.Float64(),
		transaction.BalanceAfter.Float64(),
		transaction.ReferenceID,
		transaction.ReferenceType.String(),
		transaction.MetadataJSON,
		transaction.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, metering.ErrAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func listTransactions(ctx context.Context, db querier, userID metering.UserID, filter metering.TransactionFilter) ([]metering.Transaction, int64, error) {
	conditions := "user_id = $1"
	args := []any{userID.String()}
	if filter.Type != "" {
		args = append(args, filter.Type.String())
		conditions += " and type = $2"
	}
	argIndex := len(args)
	if !filter.StartDate.IsZero() {
		args = append(args, filter.StartDate.UTC())
		argIndex++
		conditions += " and created_at >= $" + strconv.Itoa(argIndex)
	}
	if !filter.EndDate.IsZero() {
		args = append(args, filter.EndDate.UTC())
		argIndex++
		conditions += " and created_at <= $" + strconv.Itoa(argIndex)
	}

	var total int64
	countSQL := "select count(*) from credit_transactions where " + conditions
	if err := db.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	pageSQL := `
		select transaction_id::text, user_id, type, amount, balance_after,
			reference_id, reference_type, coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where ` + conditions + `
		order by created_at desc
		limit $` + strconv.Itoa(argIndex+1) + ` offset $` + strconv.Itoa(argIndex+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := db.Query(ctx, pageSQL, args...)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	transactions := make([]metering.Transaction, 0)
	for rows.Next() {
		var (
			row           metering.Transaction
			rawType       string
			rawReference  string
			amount        float64
			balanceAfter  float64
			createdAtUnix int64
		)
		if err := rows.Scan(&row.TransactionID, &row.UserID, &rawType, &amount, &balanceAfter, &row.ReferenceID, &rawReference, &row.MetadataJSON, &createdAtUnix); err != nil {
			return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		transactionType, err := metering.ParseTransactionType(rawType)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		referenceType, err := metering.ParseReferenceType(rawReference)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		row.Type = transactionType
		row.ReferenceType = referenceType
		row.Amount = metering.Credits(amount)
		row.BalanceAfter = metering.Credits(balanceAfter)
		row.CreatedUnixUTC = createdAtUnix
		transactions = append(transactions, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return transactions, total, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return metering.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
