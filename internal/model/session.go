package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConversationState is the per-user security/conversation state that gates
// debit-initiating actions.
type ConversationState string

const (
	SessionIdle            ConversationState = "IDLE"
	SessionAwaitingPhone   ConversationState = "AWAITING_PHONE"
	SessionAwaitingNewPin  ConversationState = "AWAITING_NEW_PIN"
	SessionAwaitingPinAuth ConversationState = "AWAITING_PIN_AUTH"
	SessionAwaitingReset   ConversationState = "AWAITING_RESET_AUTH"
	SessionAwaitingAmount  ConversationState = "AWAITING_EDIT_AMOUNT"
	SessionAwaitingQr      ConversationState = "AWAITING_QR_AMOUNT"
)

// PendingKind tags the in-flight payload parked on a session while it waits
// for the next user input. A typed payload instead of a delimited scratch
// string: no parsing, no parse failures.
type PendingKind string

const (
	PendingPinAuth    PendingKind = "pin_auth"
	PendingEditAmount PendingKind = "edit_amount"
	PendingQrAmount   PendingKind = "qr_amount"
)

// PendingPayload holds the in-flight transfer details while the session is
// in a waiting state. It must be cleared on every transition back to IDLE.
type PendingPayload struct {
	Kind      PendingKind     `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
}

// Session is one long-lived record per user. Created on first contact,
// never deleted.
type Session struct {
	UserHandle        string            `json:"user_handle"`
	RegisteredAccount *string           `json:"registered_account"`
	PinHash           *string           `json:"-"`
	ConversationState ConversationState `json:"conversation_state"`
	Pending           *PendingPayload   `json:"pending,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasPin reports whether the user has completed PIN setup.
func (s *Session) HasPin() bool {
	return s.PinHash != nil && *s.PinHash != ""
}

// Reset returns the session to IDLE and drops any parked payload. Stale
// scratch data must never leak into the next command.
func (s *Session) Reset() {
	s.ConversationState = SessionIdle
	s.Pending = nil
}

// Park moves the session into a waiting state with a typed payload.
func (s *Session) Park(state ConversationState, p *PendingPayload) {
	s.ConversationState = state
	s.Pending = p
}

// CommandResult is the structured outcome of a session command. Rendering
// it as chat text is the transport collaborator's concern.
type CommandResult struct {
	Outcome       string            `json:"outcome"`
	State         ConversationState `json:"state"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Detail        string            `json:"detail,omitempty"`
}

// Command outcomes.
const (
	OutcomeOk              = "OK"
	OutcomeRejected        = "REJECTED"
	OutcomePinRequired     = "PIN_REQUIRED"
	OutcomePinNotSet       = "PIN_NOT_SET"
	OutcomeWrongPin        = "WRONG_PIN"
	OutcomeAmountRequired  = "AMOUNT_REQUIRED"
	OutcomePaymentStarted  = "PAYMENT_STARTED"
	OutcomeAwaitingContact = "AWAITING_CONTACT"
)
