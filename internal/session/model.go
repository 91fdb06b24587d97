// Package session owns interview-session records and orchestrates their
// lifecycle against the credit ledger and the call provider.
package session

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the session lifecycle state.
type Status string

const (
	// StatusPending: credits reserved, call not yet established.
	StatusPending Status = "pending"
	// StatusActive: provider accepted the dial and returned a call id.
	StatusActive Status = "active"
	// StatusCompleted: the interview ended and its end was observed.
	StatusCompleted Status = "completed"
	// StatusFailed: setup or the call itself failed.
	StatusFailed Status = "failed"
	// StatusExpired: reservation released by the stale-session sweeper.
	StatusExpired Status = "expired"
)

// InterviewSession is a single interview attempt. The three credit columns and
// settlement_state are written only through the ledger service results so the
// row stays consistent with the transaction log.
type InterviewSession struct {
	ID              string `gorm:"primaryKey;type:uuid"`
	UserID          string `gorm:"not null;index:idx_sessions_user"`
	PlannedMinutes  int    `gorm:"not null"`
	Status          string `gorm:"not null;index:idx_sessions_status"`
	CallID          string `gorm:"index:idx_sessions_call"`
	ElapsedSeconds  int64
	CreditsBlocked  float64 `gorm:"not null"`
	CreditsDeducted *float64
	CreditsRefunded *float64
	SettlementState string `gorm:"not null"`
	Metadata        datatypes.JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName pins the table name.
func (InterviewSession) TableName() string {
	return "interview_sessions"
}
