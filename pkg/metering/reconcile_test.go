package metering

import (
	"context"
	"testing"
)

func TestReconcileFallbackSettlesUnsettledSession(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	user := mustUserID(test, "user-webhookless")
	store.seedBalance(user, 100, 50)
	service := mustNewService(test, store)

	result, err := service.ReconcileSessionEnd(context.Background(), SessionEndReport{
		UserID:         user,
		SessionRef:     mustSessionRef(test, "session-fallback"),
		Credits:        SessionCredits{CreditsBlocked: 50, State: SettlementReserved},
		ElapsedSeconds: 125,
		Metadata:       mustMetadata(test, "{}"),
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != OutcomeSettled {
		test.Fatalf("expected settled outcome, got %s", result.Outcome)
	}
	if result.Settlement == nil {
		test.Fatalf("settled outcome must carry a settlement")
	}
	if !result.Settlement.Deducted.ApproxEqual(22.5) || !result.Settlement.Refunded.ApproxEqual(27.5) {
		test.Fatalf("unexpected settlement: %+v", result.Settlement)
	}
	balance := store.balances[user.String()]
	if !balance.Credits.ApproxEqual(77.5) || balance.BlockedCredits != 0 {
		test.Fatalf("unexpected balance after fallback settle: %+v", balance)
	}
}

func TestReconcileSecondTriggerIsNoOp(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	user := mustUserID(test, "user-duplicate")
	store.seedBalance(user, 100, 50)
	service := mustNewService(test, store)
	sessionRef := mustSessionRef(test, "session-duplicate")
	metadata := mustMetadata(test, "{}")

	first, err := service.ReconcileSessionEnd(context.Background(), SessionEndReport{
		UserID:         user,
		SessionRef:     sessionRef,
		Credits:        SessionCredits{CreditsBlocked: 50, State: SettlementReserved},
		ElapsedSeconds: 150,
		Metadata:       metadata,
	})
	if err != nil {
		test.Fatalf("first reconcile: %v", err)
	}
	if first.Outcome != OutcomeSettled {
		test.Fatalf("expected first trigger to settle, got %s", first.Outcome)
	}
	balanceAfterFirst := store.balances[user.String()]
	entriesAfterFirst := len(store.transactions)

	// The collaborator persisted the settlement; the racing trigger now sees it.
	second, err := service.ReconcileSessionEnd(context.Background(), SessionEndReport{
		UserID:     user,
		SessionRef: sessionRef,
		Completed:  true,
		Credits: SessionCredits{
			CreditsBlocked:  50,
			CreditsDeducted: creditsPtr(first.Settlement.Deducted),
			CreditsRefunded: creditsPtr(first.Settlement.Refunded),
			State:           SettlementSettled,
		},
		ElapsedSeconds: 180, // provider reports a different duration; must not re-bill
		Metadata:       metadata,
	})
	if err != nil {
		test.Fatalf("second reconcile: %v", err)
	}
	if second.Outcome != OutcomeAlreadyProcessed {
		test.Fatalf("expected already_processed, got %s", second.Outcome)
	}
	if store.balances[user.String()] != balanceAfterFirst {
		test.Fatalf("duplicate trigger changed the balance")
	}
	if len(store.transactions) != entriesAfterFirst {
		test.Fatalf("duplicate trigger wrote transactions")
	}
}

func TestReconcileVerifiesConservedSettlement(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	user := mustUserID(test, "user-verified")
	store.seedBalance(user, 70, 0)
	service := mustNewService(test, store)

	result, err := service.ReconcileSessionEnd(context.Background(), SessionEndReport{
		UserID:     user,
		SessionRef: mustSessionRef(test, "session-verified"),
		Credits: SessionCredits{
			CreditsBlocked:  50,
			CreditsDeducted: creditsPtr(30),
			CreditsRefunded: creditsPtr(20),
			State:           SettlementSettled,
		},
		ElapsedSeconds: 180,
		Metadata:       mustMetadata(test, "{}"),
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != OutcomeVerified {
		test.Fatalf("expected verified, got %s", result.Outcome)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("verification must not write transactions")
	}
}

func TestReconcileCorrectsMismatchedSettlement(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	user := mustUserID(test, "user-mismatch")
	// First settlement charged 40 of a 50-credit block; 180s of usage is
	// actually worth 30, so 10 credits must come back.
	store.seedBalance(user, 60, 0)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	result, err := service.ReconcileSessionEnd(context.Background(), SessionEndReport{
		UserID:     user,
		SessionRef: mustSessionRef(test, "session-mismatch"),
		Credits: SessionCredits{
			CreditsBlocked:  50,
			CreditsDeducted: creditsPtr(40),
			CreditsRefunded: creditsPtr(5),
			State:           SettlementSettled,
		},
		ElapsedSeconds: 180,
		Metadata:       mustMetadata(test, "{}"),
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != OutcomeCorrected {
		test.Fatalf("expected corrected, got %s", result.Outcome)
	}
	if !result.Settlement.Deducted.ApproxEqual(30) || !result.Settlement.Refunded.ApproxEqual(20) {
		test.Fatalf("unexpected corrected settlement: %+v", result.Settlement)
	}
	balance := store.balances[user.String()]
	if !balance.Credits.ApproxEqual(70) {
		test.Fatalf("expected 10 credits returned, got %+v", balance)
	}
	if len(store.transactions) != 1 || store.transactions[0].Type != TransactionAdjustment {
		test.Fatalf("expected a single adjustment entry, got %+v", store.transactions)
	}
	if !store.transactions[0].Amount.ApproxEqual(10) {
		test.Fatalf("expected +10 adjustment, got %v", store.transactions[0].Amount)
	}

	sawInconsistency := false
	for _, entry := range logger.entries {
		if entry.Inconsistency {
			sawInconsistency = true
		}
	}
	if !sawInconsistency {
		test.Fatalf("mismatch must be logged as an integrity signal")
	}
}

func TestReconcileMismatchWithoutDurationGoesToManualReview(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	user := mustUserID(test, "user-mismatch-blind")
	store.seedBalance(user, 60, 0)
	service := mustNewService(test, store)

	result, err := service.ReconcileSessionEnd(context.Background(), SessionEndReport{
		UserID:     user,
		SessionRef: mustSessionRef(test, "session-mismatch-blind"),
		Credits: SessionCredits{
			CreditsBlocked:  50,
			CreditsDeducted: creditsPtr(40),
			CreditsRefunded: creditsPtr(5),
			State:           SettlementSettled,
		},
		Metadata: mustMetadata(test, "{}"),
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != OutcomeManualReview {
		test.Fatalf("expected manual review, got %s", result.Outcome)
	}
	if len(store.transactions) != 0 {
		test.Fatalf("blind mismatch must not rewrite the ledger")
	}
}

func TestReconcileWithoutDurationFlagsManualReview(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	user := mustUserID(test, "user-silent")
	store.seedBalance(user, 100, 50)
	service := mustNewService(test, store)

	result, err := service.ReconcileSessionEnd(context.Background(), SessionEndReport{
		UserID:     user,
		SessionRef: mustSessionRef(test, "session-silent"),
		Credits:    SessionCredits{CreditsBlocked: 50, State: SettlementReserved},
		Metadata:   mustMetadata(test, "{}"),
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != OutcomeManualReview {
		test.Fatalf("expected manual review, got %s", result.Outcome)
	}
	balance := store.balances[user.String()]
	if balance.BlockedCredits != 50 {
		test.Fatalf("reservation must stay held, got %+v", balance)
	}
}

func TestReconcilePartialSettlementIsFlagged(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	user := mustUserID(test, "user-partial")
	store.seedBalance(user, 60, 0)
	logger := &recorderLogger{}
	service := mustNewService(test, store, WithOperationLogger(logger))

	result, err := service.ReconcileSessionEnd(context.Background(), SessionEndReport{
		UserID:     user,
		SessionRef: mustSessionRef(test, "session-partial"),
		Credits: SessionCredits{
			CreditsBlocked:  50,
			CreditsDeducted: creditsPtr(40),
		},
		ElapsedSeconds: 180,
		Metadata:       mustMetadata(test, "{}"),
	})
	if err != nil {
		test.Fatalf("reconcile: %v", err)
	}
	if result.Outcome != OutcomeManualReview {
		test.Fatalf("expected manual review for half-written settlement, got %s", result.Outcome)
	}
	if len(logger.entries) != 1 || !logger.entries[0].Inconsistency {
		test.Fatalf("expected inconsistency log, got %+v", logger.entries)
	}
}
