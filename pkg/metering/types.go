package metering

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Credits is a fractional credit amount. Billing rounds elapsed time up to
// 15-second increments, so amounts such as 22.5 are normal; comparisons go
// through CreditTolerance instead of exact equality.
type Credits float64

// CreditTolerance bounds floating-point drift when checking conservation.
const CreditTolerance = 0.01

// Float64 returns the raw amount.
func (amount Credits) Float64() float64 {
	return float64(amount)
}

// ApproxEqual reports whether two amounts agree within CreditTolerance.
func (amount Credits) ApproxEqual(other Credits) bool {
	return math.Abs(float64(amount)-float64(other)) < CreditTolerance
}

// NewCredits validates a strictly positive credit amount.
func NewCredits(raw float64) (Credits, error) {
	if raw <= 0 || math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// UserID identifies an account owner.
type UserID struct {
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

// ReferenceType names the collaborator a transaction points back at.
type ReferenceType string

const (
	ReferenceInterview ReferenceType = "interview"
	ReferencePayment   ReferenceType = "payment"
	ReferenceManual    ReferenceType = "manual"
)

// String returns the enum value.
func (referenceType ReferenceType) String() string {
	return string(referenceType)
}

// ParseReferenceType validates a stored reference type.
func ParseReferenceType(raw string) (ReferenceType, error) {
	switch ReferenceType(raw) {
	case ReferenceInterview, ReferencePayment, ReferenceManual:
		return ReferenceType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReferenceType, raw)
}

// Reference links a balance-changing event to the session or payment that
// caused it.
type Reference struct {
	id            string
	referenceType ReferenceType
}

// NewReference validates a reference id and type pair.
func NewReference(rawID string, referenceType ReferenceType) (Reference, error) {
	trimmed := strings.TrimSpace(rawID)
	if trimmed == "" {
		return Reference{}, fmt.Errorf("%w: empty value", ErrInvalidReferenceID)
	}
	if _, err := ParseReferenceType(referenceType.String()); err != nil {
		return Reference{}, err
	}
	return Reference{id: trimmed, referenceType: referenceType}, nil
}

// ID returns the referenced entity identifier.
func (reference Reference) ID() string {
	return reference.id
}

// Type returns the referenced collaborator kind.
func (reference Reference) Type() ReferenceType {
	return reference.referenceType
}

// SessionReference builds an interview-session reference.
func SessionReference(sessionID string) (Reference, error) {
	return NewReference(sessionID, ReferenceInterview)
}

// PaymentReference builds a payment reference.
func PaymentReference(paymentID string) (Reference, error) {
	return NewReference(paymentID, ReferencePayment)
}

// MetadataJSON stores advisory audit metadata on a transaction.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
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
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// TransactionType enumerates ledger log entry kinds.
type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionBlock      TransactionType = "block"
	TransactionDeduct     TransactionType = "deduct"
	TransactionRefund     TransactionType = "refund"
	TransactionAdjustment TransactionType = "adjustment"
)

// String returns the enum value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionBlock, TransactionDeduct,
		TransactionRefund, TransactionAdjustment:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// Transaction is a single immutable line in the ledger log.
//
// Amount is the signed credit delta: positive for purchase and refund
// (availability restored), negative for block and deduct (availability
// reserved or consumed). BalanceAfter snapshots available credits immediately
// after the entry so an audit can replay the log.
type Transaction struct {
	TransactionID  string
	UserID         string
	Type           TransactionType
	Amount         Credits
	BalanceAfter   Credits
	ReferenceID    string
	ReferenceType  ReferenceType
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Balance is the per-user account balance row.
type Balance struct {
	Credits        Credits
	BlockedCredits Credits
}

// Available returns credits minus blocked credits.
func (balance Balance) Available() Credits {
	return balance.Credits - balance.BlockedCredits
}

// Valid reports whether the balance satisfies 0 <= blocked <= credits.
func (balance Balance) Valid() bool {
	return balance.BlockedCredits >= -CreditTolerance &&
		balance.Credits-balance.BlockedCredits >= -CreditTolerance
}

// SettlementState tracks a session reservation's lifecycle explicitly,
// alongside the nullable deducted/refunded fields.
type SettlementState string

const (
	SettlementReserved SettlementState = "reserved"
	SettlementSettled  SettlementState = "settled"
	SettlementRefunded SettlementState = "refunded"
)

// String returns the enum value.
func (state SettlementState) String() string {
	return string(state)
}

// SessionCredits is the ledger-owned slice of an interview session record.
// CreditsBlocked is set once at reservation time; exactly one settlement sets
// both CreditsDeducted and CreditsRefunded.
type SessionCredits struct {
	CreditsBlocked  Credits
	CreditsDeducted *Credits
	CreditsRefunded *Credits
	State           SettlementState
}

// Settled reports whether both settlement fields have been written.
func (session SessionCredits) Settled() bool {
	if session.State == SettlementSettled || session.State == SettlementRefunded {
		return true
	}
	return session.CreditsDeducted != nil && session.CreditsRefunded != nil
}

// Conserved reports whether deducted + refunded matches the blocked amount.
// Only meaningful once settled.
func (session SessionCredits) Conserved() bool {
	if session.CreditsDeducted == nil || session.CreditsRefunded == nil {
		return false
	}
	return (*session.CreditsDeducted + *session.CreditsRefunded).ApproxEqual(session.CreditsBlocked)
}

// TransactionFilter narrows a transaction history listing.
type TransactionFilter struct {
	Limit     int
	Offset    int
	Type      TransactionType
	StartDate time.Time
	EndDate   time.Time
}

// TransactionPage is one page of transaction history.
type TransactionPage struct {
	Transactions []Transaction
	Total        int64
	HasMore      bool
}

// Store is the persistence contract used by Service.
//
// GetBalanceForUpdate must lock the balance row for the rest of the enclosing
// transaction (SELECT ... FOR UPDATE semantics) so concurrent operations on
// one user serialize.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateBalance(ctx context.Context, userID UserID) (Balance, error)
	GetBalanceForUpdate(ctx context.Context, userID UserID) (Balance, error)
	SaveBalance(ctx context.Context, userID UserID, balance Balance) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, userID UserID, filter TransactionFilter) ([]Transaction, int64, error)
}
