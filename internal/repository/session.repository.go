package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/sikaswift/payment-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrSessionNotFound is returned when no session exists for a user.
	ErrSessionNotFound = errors.New("session not found")
)

type SessionRepository struct {
	*pg.DB
}

func NewSessionRepository(db *pg.DB) *SessionRepository {
	return &SessionRepository{
		db,
	}
}

func (r *SessionRepository) Create(ctx context.Context, s *model.Session) (*model.Session, error) {
	entity, err := toSessionEntity(s)
	if err != nil {
		return nil, err
	}

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toSessionModel(entity)
}

func (r *SessionRepository) Get(ctx context.Context, userHandle string) (*model.Session, error) {
	var entity SessionEntity
	err := r.Read(ctx).WithContext(ctx).Where("user_handle = ?", userHandle).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return toSessionModel(&entity)
}

// GetForUpdate loads a session under SELECT ... FOR UPDATE. Must be called
// inside WithinTransaction; serializes concurrent commands for one user.
func (r *SessionRepository) GetForUpdate(ctx context.Context, userHandle string) (*model.Session, error) {
	var entity SessionEntity
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_handle = ?", userHandle).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return toSessionModel(&entity)
}

// Update persists the session record, including clearing of the pending
// payload (written as NULL when the model carries none).
func (r *SessionRepository) Update(ctx context.Context, s *model.Session) (*model.Session, error) {
	entity, err := toSessionEntity(s)
	if err != nil {
		return nil, err
	}
	result := r.Write(ctx).WithContext(ctx).
		Model(&SessionEntity{}).
		Where("user_handle = ?", entity.UserHandle).
		Updates(map[string]interface{}{
			"registered_account": entity.RegisteredAccount,
			"pin_hash":           entity.PinHash,
			"conversation_state": entity.ConversationState,
			"pending":            entity.Pending,
			"updated_at":         time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrSessionNotFound
	}
	return s, nil
}
