package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectEntry     = "transaction"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeSave         = "save"
)

// Store implements metering.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the accounts and credit_transactions tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &CreditTransaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore metering.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateBalance(ctx context.Context, userID metering.UserID) (metering.Balance, error) {
	var account Account
	err := store.db.WithContext(ctx).
		FirstOrCreate(&account, Account{UserID: userID.String()}).Error
	if err != nil {
		return metering.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return metering.Balance{
		Credits:        metering.Credits(account.Credits),
		BlockedCredits: metering.Credits(account.BlockedCredits),
	}, nil
}

// GetBalanceForUpdate locks the balance row for the rest of the enclosing
// transaction. A missing row is created first so first-contact users can
// purchase and reserve without a separate bootstrap step.
func (store *Store) GetBalanceForUpdate(ctx context.Context, userID metering.UserID) (metering.Balance, error) {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&Account{UserID: userID.String()}).Error
	if err != nil && !isUniqueViolation(err) {
		return metering.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	var account Account
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return metering.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, metering.ErrNotFound)
		}
		return metering.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return metering.Balance{
		Credits:        metering.Credits(account.Credits),
		BlockedCredits: metering.Credits(account.BlockedCredits),
	}, nil
}

func (store *Store) SaveBalance(ctx context.Context, userID metering.UserID, balance metering.Balance) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", userID.String()).
		Updates(map[string]interface{}{
			"credits":         balance.Credits.Float64(),
			"blocked_credits": balance.BlockedCredits.Float64(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, metering.ErrNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction metering.Transaction) error {
	row := CreditTransaction{
		TransactionID: transaction.TransactionID,
		UserID:        transaction.UserID,
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount.Float64(),
		BalanceAfter:  transaction.BalanceAfter.Float64(),
		ReferenceID:   transaction.ReferenceID,
		ReferenceType: transaction.ReferenceType.String(),
		Metadata:      datatypesJSON(transaction.MetadataJSON),
		CreatedAt:     time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, metering.ErrAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID metering.UserID, filter metering.TransactionFilter) ([]metering.Transaction, int64, error) {
	query := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ?", userID.String())
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type.String())
	}
	if !filter.StartDate.IsZero() {
		query = query.Where("created_at >= ?", filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query = query.Where("created_at <= ?", filter.EndDate.UTC())
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	var rows []CreditTransaction
	err := query.
		Order("created_at DESC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	transactions := make([]metering.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, total, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return metering.WrapError(errorOperationStore, subject, code, err)
}

func mapTransaction(row CreditTransaction) (metering.Transaction, error) {
	transactionType, err := metering.ParseTransactionType(row.Type)
	if err != nil {
		return metering.Transaction{}, err
	}
	referenceType, err := metering.ParseReferenceType(row.ReferenceType)
	if err != nil {
		return metering.Transaction{}, err
	}
	metadata, err := metering.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return metering.Transaction{}, err
	}
	return metering.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         row.UserID,
		Type:           transactionType,
		Amount:         metering.Credits(row.Amount),
		BalanceAfter:   metering.Credits(row.BalanceAfter),
		ReferenceID:    row.ReferenceID,
		ReferenceType:  referenceType,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
