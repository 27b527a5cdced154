package repository

import (
	"encoding/json"
	"time"

	"github.com/sikaswift/payment-gateway/internal/model"
)

type SessionEntity struct {
	UserHandle        string    `db:"user_handle"        gorm:"primaryKey;column:user_handle"`
	RegisteredAccount *string   `db:"registered_account" gorm:"column:registered_account"`
	PinHash           *string   `db:"pin_hash"           gorm:"column:pin_hash"`
	ConversationState string    `db:"conversation_state" gorm:"column:conversation_state;not null"`
	Pending           *string   `db:"pending"            gorm:"column:pending"` // JSON payload, nullable
	CreatedAt         time.Time `db:"created_at"         gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `db:"updated_at"         gorm:"column:updated_at;autoUpdateTime"`
}

func (SessionEntity) TableName() string {
	return "sessions"
}

func toSessionEntity(m *model.Session) (*SessionEntity, error) {
	if m == nil {
		return nil, nil
	}
	e := &SessionEntity{
		UserHandle:        m.UserHandle,
		RegisteredAccount: m.RegisteredAccount,
		PinHash:           m.PinHash,
		ConversationState: string(m.ConversationState),
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if m.Pending != nil {
		raw, err := json.Marshal(m.Pending)
		if err != nil {
			return nil, err
		}
		s := string(raw)
		e.Pending = &s
	}
	return e, nil
}

func toSessionModel(e *SessionEntity) (*model.Session, error) {
	if e == nil {
		return nil, nil
	}
	m := &model.Session{
		UserHandle:        e.UserHandle,
		RegisteredAccount: e.RegisteredAccount,
		PinHash:           e.PinHash,
		ConversationState: model.ConversationState(e.ConversationState),
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
	if e.Pending != nil && *e.Pending != "" {
		var p model.PendingPayload
		if err := json.Unmarshal([]byte(*e.Pending), &p); err != nil {
			return nil, err
		}
		m.Pending = &p
	}
	return m, nil
}
