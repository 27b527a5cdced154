package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionState is the lifecycle state of a transfer.
type TransactionState string

const (
	TxnInit          TransactionState = "INIT"
	TxnPendingDebit  TransactionState = "PENDING_DEBIT"
	TxnWaitingForOtp TransactionState = "WAITING_FOR_OTP"
	TxnDebitSuccess  TransactionState = "DEBIT_SUCCESS"
	TxnDisbursing    TransactionState = "DISBURSING"
	TxnComplete      TransactionState = "COMPLETE"
	TxnFailed        TransactionState = "FAILED"
	TxnRecipientFail TransactionState = "RECIPIENT_FAIL"
	TxnTransferFail  TransactionState = "TRANSFER_FAILED"
	TxnRefunded      TransactionState = "REFUNDED"
	TxnRefundFailed  TransactionState = "REFUND_FAILED"
)

// transitions is the whole lifecycle DAG. Anything not listed here is an
// illegal write and must be refused by the caller holding the row lock.
var transitions = map[TransactionState][]TransactionState{
	TxnInit:          {TxnPendingDebit, TxnWaitingForOtp, TxnFailed},
	TxnPendingDebit:  {TxnWaitingForOtp, TxnDebitSuccess, TxnFailed},
	TxnWaitingForOtp: {TxnDebitSuccess, TxnFailed},
	TxnDebitSuccess:  {TxnDisbursing, TxnRecipientFail, TxnTransferFail},
	TxnDisbursing:    {TxnComplete, TxnTransferFail},
	TxnRecipientFail: {TxnRefunded, TxnRefundFailed},
	TxnTransferFail:  {TxnRefunded, TxnRefundFailed},
}

// CanTransition reports whether to is a direct successor of s.
func (s TransactionState) CanTransition(to TransactionState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Reachable reports whether to is forward-reachable from s, in any number
// of steps. Used to distinguish stale/duplicate events from corrupt ones.
func (s TransactionState) Reachable(to TransactionState) bool {
	if s == to {
		return true
	}
	for _, next := range transitions[s] {
		if next.Reachable(to) {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition exists from s.
func (s TransactionState) Terminal() bool {
	return len(transitions[s]) == 0
}

// DebitConfirmed reports whether the collection phase already succeeded,
// i.e. s is at or past DEBIT_SUCCESS. Webhook redelivery for such a
// transaction is a no-op.
func (s TransactionState) DebitConfirmed() bool {
	switch s {
	case TxnDebitSuccess, TxnDisbursing, TxnComplete,
		TxnRecipientFail, TxnTransferFail, TxnRefunded, TxnRefundFailed:
		return true
	}
	return false
}

// Transaction is one record per attempted transfer. It is created on debit
// initiation and only ever moves forward along the DAG; it is never deleted.
type Transaction struct {
	ID              uuid.UUID        `json:"id"`
	SenderHandle    string           `json:"sender_handle"`
	RecipientHandle string           `json:"recipient_handle"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency"`
	State           TransactionState `json:"state"`

	// ChargeReference is the gateway id of the collection phase; set once,
	// before any transition past PENDING_DEBIT.
	ChargeReference *string `json:"charge_reference"`
	// PayoutReference is the gateway recipient code for the payout phase;
	// set only after DEBIT_SUCCESS.
	PayoutReference *string `json:"payout_reference"`

	OtpAttempts        int     `json:"otp_attempts"`
	FailureReason      *string `json:"failure_reason"`
	OriginatingSession *string `json:"originating_session"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InitiateRequest is the input for starting a transfer.
type InitiateRequest struct {
	SenderHandle       string
	RecipientHandle    string
	Amount             decimal.Decimal
	Currency           string
	OriginatingSession string
}

func (p InitiateRequest) Validate() error {
	if p.SenderHandle == "" {
		return errors.New("sender handle is required")
	}
	if p.RecipientHandle == "" {
		return errors.New("recipient handle is required")
	}
	if p.SenderHandle == p.RecipientHandle {
		return errors.New("sender and recipient must be distinct")
	}
	if !p.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	return nil
}

// TransactionFilter controls history queries.
type TransactionFilter struct {
	SenderHandle *string
	States       []TransactionState
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
	Desc         bool
}
