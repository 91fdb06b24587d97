package metering

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the credit accounting logic over a Store. Every operation
// runs inside a single storage transaction with the user's balance row
// locked, so concurrent callers for the same user serialize and available
// credits never go negative.
type Service struct {
	store  Store
	nowFn  func() int64
	newID  func() string
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// BlockResult reports a successful reservation.
type BlockResult struct {
	Blocked    Credits
	NewBalance Balance
}

// SettlementResult reports how a reservation was converted into a charge.
type SettlementResult struct {
	Deducted   Credits
	Refunded   Credits
	NewBalance Balance
}

// RefundResult reports a full reservation refund.
type RefundResult struct {
	Refunded   Credits
	NewBalance Balance
}

// AddResult reports a purchase credit.
type AddResult struct {
	Added      Credits
	NewBalance Balance
}

// Block reserves amount against the user's available credits before a metered
// session may start. On shortfall it fails with an InsufficientCreditsError
// carrying available/needed and shorter durations that still fit.
func (service *Service) Block(ctx context.Context, userID UserID, amount Credits, sessionRef Reference, metadata MetadataJSON) (BlockResult, error) {
	var result BlockResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := NewCredits(amount.Float64()); err != nil {
			return err
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return WrapStorageError(operationBlock, err)
		}
		available := balance.Available()
		if available < amount {
			return InsufficientCreditsError{
				Available:          available,
				Needed:             amount,
				SuggestedDurations: SuggestDurations(available),
				MaxDurationMinutes: MaxDurationMinutes(available),
			}
		}
		balance.BlockedCredits += amount
		if err := transactionStore.SaveBalance(ctx, userID, balance); err != nil {
			return WrapStorageError(operationBlock, err)
		}
		if err := service.appendTransaction(ctx, transactionStore, userID, TransactionBlock, -amount, balance, sessionRef, metadata); err != nil {
			return err
		}
		result = BlockResult{Blocked: amount, NewBalance: balance}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBlock,
		UserID:    userID,
		Reference: &sessionRef,
		Amount:    amount,
		Error:     operationError,
	})
	return result, operationError
}

// DeductAndSettle converts a reservation into a final charge once actual
// usage is known. The charge is clamped to the blocked amount so a session
// never costs more than what was reserved; the remainder returns to the
// available balance.
func (service *Service) DeductAndSettle(ctx context.Context, userID UserID, blockedAmount Credits, actualAmount Credits, sessionRef Reference, metadata MetadataJSON) (SettlementResult, error) {
	var result SettlementResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := NewCredits(blockedAmount.Float64()); err != nil {
			return err
		}
		if actualAmount < 0 {
			return fmt.Errorf("%w: negative actual amount", ErrInvalidAmount)
		}
		deducted := actualAmount
		if deducted > blockedAmount {
			deducted = blockedAmount
		}
		refunded := blockedAmount - deducted

		balance, err := transactionStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return WrapStorageError(operationSettle, err)
		}
		if balance.BlockedCredits+CreditTolerance < blockedAmount {
			return WrapError(operationSettle, "balance", "blocked_underflow", ErrInvalidBalance)
		}

		// Deduct first: the charged part leaves both credits and the
		// reservation, so available is unchanged by this step.
		balance.Credits -= deducted
		balance.BlockedCredits -= deducted
		if deducted > 0 {
			if err := service.appendTransaction(ctx, transactionStore, userID, TransactionDeduct, -deducted, balance, sessionRef, metadata); err != nil {
				return err
			}
		}
		// Then release the unused remainder back to available.
		balance.BlockedCredits -= refunded
		if refunded > 0 {
			if err := service.appendTransaction(ctx, transactionStore, userID, TransactionRefund, refunded, balance, sessionRef, metadata); err != nil {
				return err
			}
		}
		if err := transactionStore.SaveBalance(ctx, userID, balance); err != nil {
			return WrapStorageError(operationSettle, err)
		}
		result = SettlementResult{Deducted: deducted, Refunded: refunded, NewBalance: balance}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSettle,
		UserID:    userID,
		Reference: &sessionRef,
		Amount:    result.Deducted,
		Error:     operationError,
	})
	return result, operationError
}

// RefundBlockedCredits releases a reservation in full. It is the cleanup path
// for sessions that never produced usable output, e.g. when pre-call setup
// fails right after a successful Block.
func (service *Service) RefundBlockedCredits(ctx context.Context, userID UserID, amount Credits, sessionRef Reference, metadata MetadataJSON) (RefundResult, error) {
	var result RefundResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := NewCredits(amount.Float64()); err != nil {
			return err
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return WrapStorageError(operationRefund, err)
		}
		if balance.BlockedCredits+CreditTolerance < amount {
			return WrapError(operationRefund, "balance", "blocked_underflow", ErrInvalidBalance)
		}
		balance.BlockedCredits -= amount
		if err := transactionStore.SaveBalance(ctx, userID, balance); err != nil {
			return WrapStorageError(operationRefund, err)
		}
		if err := service.appendTransaction(ctx, transactionStore, userID, TransactionRefund, amount, balance, sessionRef, metadata); err != nil {
			return err
		}
		result = RefundResult{Refunded: amount, NewBalance: balance}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Reference: &sessionRef,
		Amount:    amount,
		Error:     operationError,
	})
	return result, operationError
}

// AddCredits credits a completed purchase. Idempotency with respect to the
// payment is the payment collaborator's duty: it must check the payment has
// not been credited before calling in.
func (service *Service) AddCredits(ctx context.Context, userID UserID, amount Credits, paymentRef Reference, metadata MetadataJSON) (AddResult, error) {
	var result AddResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := NewCredits(amount.Float64()); err != nil {
			return err
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return WrapStorageError(operationAdd, err)
		}
		balance.Credits += amount
		if err := transactionStore.SaveBalance(ctx, userID, balance); err != nil {
			return WrapStorageError(operationAdd, err)
		}
		if err := service.appendTransaction(ctx, transactionStore, userID, TransactionPurchase, amount, balance, paymentRef, metadata); err != nil {
			return err
		}
		result = AddResult{Added: amount, NewBalance: balance}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdd,
		UserID:    userID,
		Reference: &paymentRef,
		Amount:    amount,
		Error:     operationError,
	})
	return result, operationError
}

// adjustCredits applies a signed correction to total credits and records an
// adjustment entry. Used by reconciliation when a settled session's numbers
// disagree with its reservation.
func (service *Service) adjustCredits(ctx context.Context, userID UserID, delta Credits, reference Reference, metadata MetadataJSON) (Balance, error) {
	var adjusted Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if delta == 0 {
			return fmt.Errorf("%w: zero adjustment", ErrInvalidAmount)
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, userID)
		if err != nil {
			return WrapStorageError(operationAdjust, err)
		}
		balance.Credits += delta
		if !balance.Valid() {
			return WrapError(operationAdjust, "balance", "negative_available", ErrInvalidBalance)
		}
		if err := transactionStore.SaveBalance(ctx, userID, balance); err != nil {
			return WrapStorageError(operationAdjust, err)
		}
		if err := service.appendTransaction(ctx, transactionStore, userID, TransactionAdjustment, delta, balance, reference, metadata); err != nil {
			return err
		}
		adjusted = balance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Reference: &reference,
		Amount:    delta,
		Error:     operationError,
	})
	return adjusted, operationError
}

func (service *Service) appendTransaction(ctx context.Context, store Store, userID UserID, transactionType TransactionType, amount Credits, balance Balance, reference Reference, metadata MetadataJSON) error {
	transaction := Transaction{
		TransactionID:  service.newID(),
		UserID:         userID.String(),
		Type:           transactionType,
		Amount:         amount,
		BalanceAfter:   balance.Available(),
		ReferenceID:    reference.ID(),
		ReferenceType:  reference.Type(),
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: service.nowFn(),
	}
	if err := store.InsertTransaction(ctx, transaction); err != nil {
		return WrapStorageError(transactionType.String(), err)
	}
	return nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
