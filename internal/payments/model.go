// Package payments records completed purchases and credits them to the ledger
// exactly once per provider payment.
package payments

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Payment is one provider-side purchase. ProviderRef is the external payment
// identifier and must be unique; CreditedAt marks that the ledger credit for
// this payment has been applied.
type Payment struct {
	ID          string `gorm:"primaryKey;type:uuid"`
	UserID      string `gorm:"not null;index:idx_payments_user"`
	ProviderRef string `gorm:"not null;uniqueIndex:uq_payments_provider_ref"`
	Credits     float64
	Metadata    datatypes.JSON
	CreditedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TableName pins the table name.
func (Payment) TableName() string {
	return "payments"
}

// BeforeCreate assigns an id when none was provided.
func (payment *Payment) BeforeCreate(_ *gorm.DB) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return nil
}
