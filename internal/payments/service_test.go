package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/store/gormstore"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

func newFixture(test *testing.T) (*Service, *metering.Service, metering.UserID) {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate ledger: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate payments: %v", err)
	}

	var tick int64
	ledger, err := metering.NewService(gormstore.New(db), func() int64 {
		tick++
		return tick
	})
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	service, err := NewService(NewRepository(db), ledger, nil)
	if err != nil {
		test.Fatalf("payment service: %v", err)
	}
	userID, err := metering.NewUserID("buyer-1")
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return service, ledger, userID
}

func TestCreditCompletedPaymentAddsCreditsOnce(test *testing.T) {
	service, ledger, user := newFixture(test)
	ctx := context.Background()
	completed := CompletedPayment{
		UserID:      user,
		ProviderRef: "pay-2024-001",
		Credits:     100,
		Metadata:    `{"plan":"starter"}`,
	}

	payment, err := service.CreditCompletedPayment(ctx, completed)
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if payment.CreditedAt == nil {
		test.Fatalf("expected credited_at marker, got %+v", payment)
	}

	view, err := ledger.GetBalance(ctx, user)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if view.Credits != 100 {
		test.Fatalf("expected 100 credits, got %v", view.Credits)
	}

	// Webhook replay.
	_, err = service.CreditCompletedPayment(ctx, completed)
	if !errors.Is(err, metering.ErrAlreadyProcessed) {
		test.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}
	view, err = ledger.GetBalance(ctx, user)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if view.Credits != 100 {
		test.Fatalf("replay double-credited: %v", view.Credits)
	}

	page, err := ledger.ListTransactions(ctx, user, metering.TransactionFilter{Type: metering.TransactionPurchase})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if page.Total != 1 {
		test.Fatalf("expected one purchase entry, got %d", page.Total)
	}
}

func TestCreditCompletedPaymentRejectsNonPositiveAmount(test *testing.T) {
	service, _, user := newFixture(test)
	_, err := service.CreditCompletedPayment(context.Background(), CompletedPayment{
		UserID:      user,
		ProviderRef: "pay-zero",
		Credits:     0,
	})
	if !errors.Is(err, metering.ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestVerifySignature(test *testing.T) {
	secret := "webhook-secret"
	body := []byte(`{"reference":"pay-1","status":"completed"}`)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	valid := hex.EncodeToString(mac.Sum(nil))

	if !VerifySignature(secret, body, valid) {
		test.Fatalf("expected valid signature to verify")
	}
	if VerifySignature(secret, body, "deadbeef") {
		test.Fatalf("expected bogus signature to fail")
	}
	if VerifySignature("other-secret", body, valid) {
		test.Fatalf("expected wrong secret to fail")
	}
}
