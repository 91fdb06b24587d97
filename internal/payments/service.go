package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

// Repository persists payment rows.
type Repository struct {
	db *gorm.DB
}

// NewRepository wraps a gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the payments table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Payment{})
}

// GetByProviderRef fetches a payment by its external identifier.
func (repository *Repository) GetByProviderRef(ctx context.Context, providerRef string) (*Payment, error) {
	var payment Payment
	err := repository.db.WithContext(ctx).Take(&payment, "provider_ref = ?", providerRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, metering.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// Create inserts a payment row.
func (repository *Repository) Create(ctx context.Context, payment *Payment) error {
	return repository.db.WithContext(ctx).Create(payment).Error
}

// Save persists the full payment row.
func (repository *Repository) Save(ctx context.Context, payment *Payment) error {
	return repository.db.WithContext(ctx).Save(payment).Error
}

// CompletedPayment is the provider's completion notification after signature
// verification and parsing.
type CompletedPayment struct {
	UserID      metering.UserID
	ProviderRef string
	Credits     float64
	Metadata    string
}

// Service applies completed payments to the ledger.
type Service struct {
	payments *Repository
	ledger   *metering.Service
	logger   *zap.Logger
	now      func() time.Time
}

// NewService wires the payment collaborator.
func NewService(payments *Repository, ledger *metering.Service, logger *zap.Logger) (*Service, error) {
	if payments == nil || ledger == nil {
		return nil, fmt.Errorf("%w: payment service dependency is nil", metering.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{payments: payments, ledger: ledger, logger: logger.Named("payments"), now: time.Now}, nil
}

// CreditCompletedPayment credits a completed purchase exactly once. The
// credited_at marker is the idempotency guard: a payment that already carries
// it is reported as already processed and the ledger is not touched again.
func (service *Service) CreditCompletedPayment(ctx context.Context, completed CompletedPayment) (*Payment, error) {
	if completed.Credits <= 0 {
		return nil, fmt.Errorf("%w: payment credits must be positive", metering.ErrInvalidAmount)
	}
	metadata, err := metering.NewMetadataJSON(completed.Metadata)
	if err != nil {
		return nil, err
	}
	paymentRef, err := metering.PaymentReference(completed.ProviderRef)
	if err != nil {
		return nil, err
	}

	payment, err := service.payments.GetByProviderRef(ctx, completed.ProviderRef)
	switch {
	case errors.Is(err, metering.ErrNotFound):
		payment = &Payment{
			UserID:      completed.UserID.String(),
			ProviderRef: completed.ProviderRef,
			Credits:     completed.Credits,
			Metadata:    datatypes.JSON([]byte(metadata.String())),
		}
		if createErr := service.payments.Create(ctx, payment); createErr != nil {
			return nil, createErr
		}
	case err != nil:
		return nil, err
	case payment.CreditedAt != nil:
		return payment, metering.ErrAlreadyProcessed
	}

	if _, err := service.ledger.AddCredits(ctx, completed.UserID, metering.Credits(completed.Credits), paymentRef, metadata); err != nil {
		if errors.Is(err, metering.ErrAlreadyProcessed) {
			// The ledger saw this payment reference before the marker landed.
			service.markCredited(ctx, payment)
			return payment, metering.ErrAlreadyProcessed
		}
		return nil, err
	}

	if err := service.markCredited(ctx, payment); err != nil {
		// Credits were applied but the marker write failed. Surface loudly:
		// without the marker a replayed webhook would credit twice.
		service.logger.Error("payment credited but marker not persisted, needs manual intervention",
			zap.String("provider_ref", completed.ProviderRef),
			zap.String("user_id", completed.UserID.String()),
			zap.Float64("credits", completed.Credits),
			zap.Error(err))
		return payment, err
	}
	return payment, nil
}

func (service *Service) markCredited(ctx context.Context, payment *Payment) error {
	creditedAt := service.now().UTC()
	payment.CreditedAt = &creditedAt
	return service.payments.Save(ctx, payment)
}

// VerifySignature checks a webhook body against its hex HMAC-SHA256 signature.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
