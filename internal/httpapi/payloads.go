package httpapi

import (
	"bytes"
	"encoding/json"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/internal/session"
	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

type balancePayload struct {
	Credits          float64 `json:"credits"`
	BlockedCredits   float64 `json:"blocked_credits"`
	AvailableCredits float64 `json:"available_credits"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Type           string          `json:"type"`
	Amount         float64         `json:"amount"`
	BalanceAfter   float64         `json:"balance_after"`
	ReferenceID    string          `json:"reference_id"`
	ReferenceType  string          `json:"reference_type"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type sessionPayload struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	CallID          string   `json:"call_id,omitempty"`
	PlannedMinutes  int      `json:"planned_minutes"`
	ElapsedSeconds  int64    `json:"elapsed_seconds,omitempty"`
	CreditsBlocked  float64  `json:"credits_blocked"`
	CreditsDeducted *float64 `json:"credits_deducted,omitempty"`
	CreditsRefunded *float64 `json:"credits_refunded,omitempty"`
	SettlementState string   `json:"settlement_state"`
}

func balancePayloadFrom(view metering.BalanceView) balancePayload {
	return balancePayload{
		Credits:          view.Credits.Float64(),
		BlockedCredits:   view.BlockedCredits.Float64(),
		AvailableCredits: view.AvailableCredits.Float64(),
	}
}

func transactionPayloadsFrom(transactions []metering.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount.Float64(),
			BalanceAfter:   transaction.BalanceAfter.Float64(),
			ReferenceID:    transaction.ReferenceID,
			ReferenceType:  transaction.ReferenceType.String(),
			Metadata:       json.RawMessage(transaction.MetadataJSON),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return payloads
}

func sessionPayloadFrom(record *session.InterviewSession) sessionPayload {
	return sessionPayload{
		ID:              record.ID,
		Status:          record.Status,
		CallID:          record.CallID,
		PlannedMinutes:  record.PlannedMinutes,
		ElapsedSeconds:  record.ElapsedSeconds,
		CreditsBlocked:  record.CreditsBlocked,
		CreditsDeducted: record.CreditsDeducted,
		CreditsRefunded: record.CreditsRefunded,
		SettlementState: record.SettlementState,
	}
}

func bindJSONBody(body []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	return decoder.Decode(target)
}
