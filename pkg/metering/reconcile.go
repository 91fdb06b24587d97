package metering

import "context"

// ReconcileOutcome classifies what session-end reconciliation decided.
type ReconcileOutcome string

const (
	// OutcomeAlreadyProcessed: the other trigger settled first; nothing to do.
	OutcomeAlreadyProcessed ReconcileOutcome = "already_processed"
	// OutcomeVerified: settlement fields were present and conserve the reservation.
	OutcomeVerified ReconcileOutcome = "verified"
	// OutcomeCorrected: settlement fields were present but mismatched and were recalculated.
	OutcomeCorrected ReconcileOutcome = "corrected"
	// OutcomeSettled: this trigger performed the settlement.
	OutcomeSettled ReconcileOutcome = "settled"
	// OutcomeManualReview: no usage data to bill from; flagged instead of guessed.
	OutcomeManualReview ReconcileOutcome = "manual_review"
)

// String returns the outcome value.
func (outcome ReconcileOutcome) String() string {
	return string(outcome)
}

// SessionEndReport carries everything reconciliation needs about a session
// whose end was just observed, whether via the provider webhook or the
// client-driven fallback.
type SessionEndReport struct {
	UserID         UserID
	SessionRef     Reference
	Completed      bool
	Credits        SessionCredits
	ElapsedSeconds int64 // zero or negative means unknown
	Metadata       MetadataJSON
}

// ReconcileResult is the decision plus any balance change it caused. When
// Settlement is non-nil the caller must persist its Deducted/Refunded values
// onto the session record; the ledger does not own that row.
type ReconcileResult struct {
	Outcome    ReconcileOutcome
	Settlement *SettlementResult
}

// ReconcileSessionEnd applies the session-end decision table. The two
// possible triggers may race: whichever arrives first settles, the second
// observes settled fields and no-ops. Mismatched settlements are recalculated
// rather than silently accepted, and sessions without usage data are flagged
// for manual follow-up rather than billed on a guess.
func (service *Service) ReconcileSessionEnd(ctx context.Context, report SessionEndReport) (ReconcileResult, error) {
	session := report.Credits

	if report.Completed && session.CreditsDeducted != nil {
		service.logReconcile(ctx, report, OutcomeAlreadyProcessed, nil)
		return ReconcileResult{Outcome: OutcomeAlreadyProcessed}, nil
	}

	if session.CreditsDeducted != nil && session.CreditsRefunded != nil {
		if session.Conserved() {
			service.logReconcile(ctx, report, OutcomeVerified, nil)
			return ReconcileResult{Outcome: OutcomeVerified}, nil
		}
		return service.correctSettlement(ctx, report)
	}

	if session.CreditsDeducted != nil || session.CreditsRefunded != nil {
		// Half-written settlement; never observed through the service
		// methods, so treat it as an integrity signal, not a billing input.
		err := WrapError(operationReconcile, "session", "partial_settlement", ErrInconsistentSettlement)
		service.logReconcile(ctx, report, OutcomeManualReview, err)
		return ReconcileResult{Outcome: OutcomeManualReview}, nil
	}

	if report.ElapsedSeconds > 0 {
		settlement, err := service.DeductAndSettle(
			ctx,
			report.UserID,
			session.CreditsBlocked,
			CreditsFromElapsedSeconds(report.ElapsedSeconds),
			report.SessionRef,
			report.Metadata,
		)
		if err != nil {
			return ReconcileResult{}, err
		}
		service.logReconcile(ctx, report, OutcomeSettled, nil)
		return ReconcileResult{Outcome: OutcomeSettled, Settlement: &settlement}, nil
	}

	service.logReconcile(ctx, report, OutcomeManualReview, nil)
	return ReconcileResult{Outcome: OutcomeManualReview}, nil
}

// correctSettlement recalculates a mismatched settlement. The reservation was
// already released by the first settlement, so only total credits need a
// correction delta, recorded as an adjustment entry.
func (service *Service) correctSettlement(ctx context.Context, report SessionEndReport) (ReconcileResult, error) {
	session := report.Credits
	if report.ElapsedSeconds <= 0 {
		// Cannot recompute the true charge without usage data.
		err := WrapError(operationReconcile, "session", "mismatch_no_duration", ErrInconsistentSettlement)
		service.logReconcile(ctx, report, OutcomeManualReview, err)
		return ReconcileResult{Outcome: OutcomeManualReview}, nil
	}

	actual := CreditsFromElapsedSeconds(report.ElapsedSeconds)
	deducted := actual
	if deducted > session.CreditsBlocked {
		deducted = session.CreditsBlocked
	}
	refunded := session.CreditsBlocked - deducted

	settlement := SettlementResult{Deducted: deducted, Refunded: refunded}
	delta := *session.CreditsDeducted - deducted
	if delta.ApproxEqual(0) {
		// Deducted was right; only the recorded refund side was off. The
		// balance is already correct, the session fields need rewriting.
		balance, err := service.store.GetOrCreateBalance(ctx, report.UserID)
		if err != nil {
			return ReconcileResult{}, WrapStorageError(operationReconcile, err)
		}
		settlement.NewBalance = balance
	} else {
		balance, err := service.adjustCredits(ctx, report.UserID, delta, report.SessionRef, report.Metadata)
		if err != nil {
			return ReconcileResult{}, err
		}
		settlement.NewBalance = balance
	}

	service.logReconcile(ctx, report, OutcomeCorrected, WrapError(operationReconcile, "session", "mismatch", ErrInconsistentSettlement))
	return ReconcileResult{Outcome: OutcomeCorrected, Settlement: &settlement}, nil
}

func (service *Service) logReconcile(ctx context.Context, report SessionEndReport, outcome ReconcileOutcome, integrityErr error) {
	if service.logger == nil {
		return
	}
	reference := report.SessionRef
	service.logger.LogOperation(ctx, OperationLog{
		Operation:     operationReconcile,
		UserID:        report.UserID,
		Reference:     &reference,
		Amount:        report.Credits.CreditsBlocked,
		Status:        outcome.String(),
		Error:         integrityErr,
		Inconsistency: integrityErr != nil,
	})
}
