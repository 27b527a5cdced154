package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sikaswift/payment-gateway/internal/model"
)

type TransactionEntity struct {
	ID                 uuid.UUID       `db:"id"                  gorm:"primaryKey;type:uuid;column:id"`
	SenderHandle       string          `db:"sender_handle"       gorm:"column:sender_handle;not null;index"`
	RecipientHandle    string          `db:"recipient_handle"    gorm:"column:recipient_handle;not null"`
	Amount             decimal.Decimal `db:"amount"              gorm:"column:amount;type:numeric(20,4);not null"`
	Currency           string          `db:"currency"            gorm:"column:currency;not null"`
	State              string          `db:"state"               gorm:"column:state;not null;index"`
	ChargeReference    *string         `db:"charge_reference"    gorm:"column:charge_reference;uniqueIndex"`
	PayoutReference    *string         `db:"payout_reference"    gorm:"column:payout_reference"`
	OtpAttempts        int             `db:"otp_attempts"        gorm:"column:otp_attempts;not null;default:0"`
	FailureReason      *string         `db:"failure_reason"      gorm:"column:failure_reason"`
	OriginatingSession *string         `db:"originating_session" gorm:"column:originating_session"`
	CreatedAt          time.Time       `db:"created_at"          gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time       `db:"updated_at"          gorm:"column:updated_at;autoUpdateTime"`
}

func (TransactionEntity) TableName() string {
	return "transactions"
}

func toTransactionEntity(m *model.Transaction) *TransactionEntity {
	if m == nil {
		return nil
	}
	return &TransactionEntity{
		ID:                 m.ID,
		SenderHandle:       m.SenderHandle,
		RecipientHandle:    m.RecipientHandle,
		Amount:             m.Amount,
		Currency:           m.Currency,
		State:              string(m.State),
		ChargeReference:    m.ChargeReference,
		PayoutReference:    m.PayoutReference,
		OtpAttempts:        m.OtpAttempts,
		FailureReason:      m.FailureReason,
		OriginatingSession: m.OriginatingSession,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func toTransactionModel(e *TransactionEntity) *model.Transaction {
	if e == nil {
		return nil
	}
	return &model.Transaction{
		ID:                 e.ID,
		SenderHandle:       e.SenderHandle,
		RecipientHandle:    e.RecipientHandle,
		Amount:             e.Amount,
		Currency:           e.Currency,
		State:              model.TransactionState(e.State),
		ChargeReference:    e.ChargeReference,
		PayoutReference:    e.PayoutReference,
		OtpAttempts:        e.OtpAttempts,
		FailureReason:      e.FailureReason,
		OriginatingSession: e.OriginatingSession,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

func toTransactionModels(entities []*TransactionEntity) []*model.Transaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.Transaction, len(entities))
	for i, e := range entities {
		models[i] = toTransactionModel(e)
	}
	return models
}
