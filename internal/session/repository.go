package session

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/nirmallyakoner/interviewscreener-nursing-sub000/pkg/metering"
)

// Repository persists interview sessions through gorm.
type Repository struct {
	db *gorm.DB
}

// NewRepository wraps a gorm handle.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the interview_sessions table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&InterviewSession{})
}

// Create inserts a new session row.
func (repository *Repository) Create(ctx context.Context, session *InterviewSession) error {
	return repository.db.WithContext(ctx).Create(session).Error
}

// GetByID fetches a session by primary key.
func (repository *Repository) GetByID(ctx context.Context, sessionID string) (*InterviewSession, error) {
	var session InterviewSession
	err := repository.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, metering.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetByCallID fetches a session by the provider's call identifier.
func (repository *Repository) GetByCallID(ctx context.Context, callID string) (*InterviewSession, error) {
	var session InterviewSession
	err := repository.db.WithContext(ctx).Take(&session, "call_id = ?", callID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, metering.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Save persists the full session row.
func (repository *Repository) Save(ctx context.Context, session *InterviewSession) error {
	return repository.db.WithContext(ctx).Save(session).Error
}

// ListStalePending returns sessions still pending whose reservation is older
// than the cutoff. The sweeper releases these.
func (repository *Repository) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]InterviewSession, error) {
	var sessions []InterviewSession
	query := repository.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(StatusPending), cutoff).
		Order("created_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}
