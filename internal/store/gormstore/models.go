package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account is the per-user balance row.
type Account struct {
	UserID         string    `gorm:"primaryKey"`
	Credits        float64   `gorm:"not null;default:0"`
	BlockedCredits float64   `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
// Rows are only ever inserted; history reads order by (user_id, created_at desc).
type CreditTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_transactions_user_created,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        float64        `gorm:"not null"`
	BalanceAfter  float64        `gorm:"not null"`
	ReferenceID   string         `gorm:"not null;index"`
	ReferenceType string         `gorm:"not null"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_transactions_user_created,priority:2,sort:desc"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}
