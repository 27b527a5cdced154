package fixtures

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sikaswift/payment-gateway/internal/model"
)

var (
	TestSessionWithPin = model.Session{
		UserHandle:        "fixture-user-1",
		RegisteredAccount: strPtr("0241112222"),
		PinHash:           strPtr("$2a$10$fixturefixturefixturefix.fixturefixturefixturefixturefi"),
		ConversationState: model.SessionIdle,
	}

	TestSessionNoPin = model.Session{
		UserHandle:        "fixture-user-2",
		RegisteredAccount: strPtr("0209998888"),
		ConversationState: model.SessionIdle,
	}

	TestSessionUnregistered = model.Session{
		UserHandle:        "fixture-user-3",
		ConversationState: model.SessionIdle,
	}
)

func strPtr(s string) *string { return &s }

func NewTestTransaction(sender, recipient, amount string, state model.TransactionState) *model.Transaction {
	ref := "txn_" + uuid.NewString()
	return &model.Transaction{
		ID:              uuid.New(),
		SenderHandle:    sender,
		RecipientHandle: recipient,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "GHS",
		State:           state,
		ChargeReference: &ref,
		CreatedAt:       time.Now(),
	}
}

func NewTestInitiateRequest(sender, recipient, amount string) model.InitiateRequest {
	return model.InitiateRequest{
		SenderHandle:    sender,
		RecipientHandle: recipient,
		Amount:          decimal.RequireFromString(amount),
		Currency:        "GHS",
	}
}
