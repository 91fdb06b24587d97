package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

// CallProvider is the telephony backend that actually runs the interview.
// Implementations are external; the service treats it as a black box that
// either yields a call identifier or fails.
type CallProvider interface {
	Dial(ctx context.Context, request DialRequest) (DialResult, error)
}

// DialRequest asks the provider to start an interview call.
type DialRequest struct {
	SessionID      string
	UserID         string
	PlannedMinutes int
}

// DialResult is the provider's acknowledgement.
type DialResult struct {
	CallID string
}

// EndEvent describes an observed session end, from either trigger.
type EndEvent struct {
	Completed      bool
	ElapsedSeconds int64
}

// Service orchestrates the session lifecycle: reserve credits, dial, and on
// session end hand the row to ledger reconciliation and persist its verdict.
type Service struct {
	sessions *Repository
	ledger   *metering.Service
	provider CallProvider
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// NewService wires the session collaborator.
func NewService(sessions *Repository, ledger *metering.Service, provider CallProvider, logger *zap.Logger) (*Service, error) {
	if sessions == nil || ledger == nil || provider == nil {
		return nil, fmt.Errorf("%w: session service dependency is nil", metering.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessions: sessions,
		ledger:   ledger,
		provider: provider,
		logger:   logger.Named("session"),
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Start reserves credits for the requested duration, creates the session row,
// then dials the provider. Any failure after a successful reservation refunds
// it before returning so no credits stay blocked for a session that never ran.
func (service *Service) Start(ctx context.Context, userID metering.UserID, plannedMinutes int) (*InterviewSession, error) {
	if plannedMinutes <= 0 {
		return nil, fmt.Errorf("%w: planned minutes must be positive", metering.ErrInvalidDuration)
	}
	needed := metering.CreditsForDuration(plannedMinutes)

	sessionID := service.newID()
	sessionRef, err := metering.SessionReference(sessionID)
	if err != nil {
		return nil, err
	}
	metadata, err := metering.NewMetadataJSON(fmt.Sprintf(`{"planned_minutes":%d}`, plannedMinutes))
	if err != nil {
		return nil, err
	}

	blockResult, err := service.ledger.Block(ctx, userID, needed, sessionRef, metadata)
	if err != nil {
		return nil, err
	}

	session := &InterviewSession{
		ID:              sessionID,
		UserID:          userID.String(),
		PlannedMinutes:  plannedMinutes,
		Status:          string(StatusPending),
		CreditsBlocked:  blockResult.Blocked.Float64(),
		SettlementState: string(metering.SettlementReserved),
		Metadata:        datatypes.JSON([]byte(metadata.String())),
		CreatedAt:       service.now().UTC(),
	}
	if err := service.sessions.Create(ctx, session); err != nil {
		service.rollbackReservation(ctx, userID, blockResult.Blocked, sessionRef, "persist_failed")
		return nil, err
	}

	dial, err := service.provider.Dial(ctx, DialRequest{
		SessionID:      sessionID,
		UserID:         userID.String(),
		PlannedMinutes: plannedMinutes,
	})
	if err != nil {
		service.rollbackReservation(ctx, userID, blockResult.Blocked, sessionRef, "dial_failed")
		session.Status = string(StatusFailed)
		zero := 0.0
		refunded := blockResult.Blocked.Float64()
		session.CreditsDeducted = &zero
		session.CreditsRefunded = &refunded
		session.SettlementState = string(metering.SettlementRefunded)
		if saveErr := service.sessions.Save(ctx, session); saveErr != nil {
			service.logger.Error("failed session not persisted", zap.String("session_id", sessionID), zap.Error(saveErr))
		}
		return nil, fmt.Errorf("dial provider: %w", err)
	}

	session.CallID = dial.CallID
	session.Status = string(StatusActive)
	if err := service.sessions.Save(ctx, session); err != nil {
		// The call is live; keep it billable and let reconciliation settle it
		// by call id later.
		service.logger.Error("active session not persisted", zap.String("session_id", sessionID), zap.Error(err))
		return nil, err
	}
	return session, nil
}

// rollbackReservation releases a reservation after a post-block failure. A
// failed refund here leaves the reservation to the stale-session sweeper.
func (service *Service) rollbackReservation(ctx context.Context, userID metering.UserID, amount metering.Credits, sessionRef metering.Reference, reason string) {
	metadata, err := metering.NewMetadataJSON(fmt.Sprintf(`{"reason":%q}`, reason))
	if err != nil {
		metadata, _ = metering.NewMetadataJSON("{}")
	}
	if _, err := service.ledger.RefundBlockedCredits(ctx, userID, amount, sessionRef, metadata); err != nil {
		service.logger.Error("reservation rollback failed, sweeper will release it",
			zap.String("session_id", sessionRef.ID()),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// EndByCallID handles the provider's call-ended webhook.
func (service *Service) EndByCallID(ctx context.Context, callID string, event EndEvent) (*InterviewSession, metering.ReconcileOutcome, error) {
	session, err := service.sessions.GetByCallID(ctx, callID)
	if err != nil {
		return nil, "", err
	}
	return service.finish(ctx, session, event)
}

// EndByID handles the client-driven fallback trigger. Ownership is enforced;
// another user's session id reads as not found.
func (service *Service) EndByID(ctx context.Context, sessionID string, userID metering.UserID, event EndEvent) (*InterviewSession, metering.ReconcileOutcome, error) {
	session, err := service.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if session.UserID != userID.String() {
		return nil, "", metering.ErrNotFound
	}
	return service.finish(ctx, session, event)
}

// finish runs ledger reconciliation for an observed session end and persists
// whatever the decision wrote back.
func (service *Service) finish(ctx context.Context, session *InterviewSession, event EndEvent) (*InterviewSession, metering.ReconcileOutcome, error) {
	userID, err := metering.NewUserID(session.UserID)
	if err != nil {
		return nil, "", err
	}
	sessionRef, err := metering.SessionReference(session.ID)
	if err != nil {
		return nil, "", err
	}

	elapsed := event.ElapsedSeconds
	if elapsed <= 0 {
		elapsed = session.ElapsedSeconds
	}
	metadata, err := endMetadata(session, elapsed)
	if err != nil {
		return nil, "", err
	}

	report := metering.SessionEndReport{
		UserID:         userID,
		SessionRef:     sessionRef,
		Completed:      session.Status == string(StatusCompleted),
		Credits:        sessionCredits(session),
		ElapsedSeconds: elapsed,
		Metadata:       metadata,
	}
	result, err := service.ledger.ReconcileSessionEnd(ctx, report)
	if err != nil {
		return nil, "", err
	}

	if elapsed > 0 {
		session.ElapsedSeconds = elapsed
	}
	if result.Settlement != nil {
		deducted := result.Settlement.Deducted.Float64()
		refunded := result.Settlement.Refunded.Float64()
		session.CreditsDeducted = &deducted
		session.CreditsRefunded = &refunded
		if result.Settlement.Deducted.ApproxEqual(0) {
			session.SettlementState = string(metering.SettlementRefunded)
		} else {
			session.SettlementState = string(metering.SettlementSettled)
		}
	}
	switch result.Outcome {
	case metering.OutcomeSettled, metering.OutcomeVerified, metering.OutcomeCorrected, metering.OutcomeAlreadyProcessed:
		session.Status = string(StatusCompleted)
	case metering.OutcomeManualReview:
		if event.Completed {
			session.Status = string(StatusCompleted)
		} else {
			session.Status = string(StatusFailed)
		}
	}
	if err := service.sessions.Save(ctx, session); err != nil {
		return nil, "", err
	}
	return session, result.Outcome, nil
}

// ExpireStale releases reservations of sessions stuck pending since before the
// cutoff and marks them expired. Returns how many sessions it released.
func (service *Service) ExpireStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	stale, err := service.sessions.ListStalePending(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for index := range stale {
		session := &stale[index]
		if err := service.expireOne(ctx, session); err != nil {
			service.logger.Error("stale session not released",
				zap.String("session_id", session.ID),
				zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}

func (service *Service) expireOne(ctx context.Context, session *InterviewSession) error {
	userID, err := metering.NewUserID(session.UserID)
	if err != nil {
		return err
	}
	sessionRef, err := metering.SessionReference(session.ID)
	if err != nil {
		return err
	}
	metadata, err := metering.NewMetadataJSON(`{"reason":"stale_reservation"}`)
	if err != nil {
		return err
	}
	refund, err := service.ledger.RefundBlockedCredits(ctx, userID, metering.Credits(session.CreditsBlocked), sessionRef, metadata)
	if err != nil {
		return err
	}
	zero := 0.0
	refunded := refund.Refunded.Float64()
	session.Status = string(StatusExpired)
	session.CreditsDeducted = &zero
	session.CreditsRefunded = &refunded
	session.SettlementState = string(metering.SettlementRefunded)
	return service.sessions.Save(ctx, session)
}

func sessionCredits(session *InterviewSession) metering.SessionCredits {
	credits := metering.SessionCredits{
		CreditsBlocked: metering.Credits(session.CreditsBlocked),
		State:          metering.SettlementState(session.SettlementState),
	}
	if session.CreditsDeducted != nil {
		deducted := metering.Credits(*session.CreditsDeducted)
		credits.CreditsDeducted = &deducted
	}
	if session.CreditsRefunded != nil {
		refunded := metering.Credits(*session.CreditsRefunded)
		credits.CreditsRefunded = &refunded
	}
	return credits
}

func endMetadata(session *InterviewSession, elapsed int64) (metering.MetadataJSON, error) {
	payload, err := json.Marshal(map[string]any{
		"session_id":      session.ID,
		"call_id":         session.CallID,
		"elapsed_seconds": elapsed,
	})
	if err != nil {
		return metering.MetadataJSON{}, err
	}
	return metering.NewMetadataJSON(string(payload))
}
