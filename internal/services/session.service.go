package services

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/sikaswift/payment-gateway/internal/repository"
	"github.com/sikaswift/payment-gateway/internal/security"
	"github.com/sikaswift/payment-gateway/pkg/logger"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository is the persistence surface for per-user sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *model.Session) (*model.Session, error)
	Get(ctx context.Context, userHandle string) (*model.Session, error)
	GetForUpdate(ctx context.Context, userHandle string) (*model.Session, error)
	Update(ctx context.Context, s *model.Session) (*model.Session, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentInitiator is the slice of the saga the session layer drives.
type PaymentInitiator interface {
	Initiate(ctx context.Context, req model.InitiateRequest) (*model.Transaction, error)
	History(ctx context.Context, senderHandle string, limit int) ([]*model.Transaction, error)
}

// SessionService owns the per-user conversation/security state machine.
// It gates every debit: no PIN, no payment; wrong PIN fails closed. All
// mutations of one user's session are serialized under a row lock.
type SessionService struct {
	sessionRepo SessionRepository
	payments    PaymentInitiator
}

func NewSessionService(sessionRepo SessionRepository, payments PaymentInitiator) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		payments:    payments,
	}
}

// Register records the user's own account handle (contact share).
// Creates the session on first contact.
func (s *SessionService) Register(ctx context.Context, userHandle, account string) (*model.CommandResult, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return &model.CommandResult{Outcome: model.OutcomeRejected, State: model.SessionIdle, Detail: "account handle is required"}, nil
	}

	var result *model.CommandResult
	err := s.sessionRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		session, err := s.sessionRepo.GetForUpdate(ctx, userHandle)
		if err != nil {
			if !errors.Is(err, repository.ErrSessionNotFound) {
				return err
			}
			session = &model.Session{
				UserHandle:        userHandle,
				RegisteredAccount: &account,
				ConversationState: model.SessionIdle,
			}
			if _, err := s.sessionRepo.Create(ctx, session); err != nil {
				return err
			}
			result = &model.CommandResult{Outcome: model.OutcomeOk, State: session.ConversationState}
			return nil
		}

		session.RegisteredAccount = &account
		session.Reset()
		if _, err := s.sessionRepo.Update(ctx, session); err != nil {
			return err
		}
		result = &model.CommandResult{Outcome: model.OutcomeOk, State: session.ConversationState}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Account registered", "user", userHandle)
	return result, nil
}

// SetPinStart begins PIN setup. Users without a registered account are
// asked for their contact first.
func (s *SessionService) SetPinStart(ctx context.Context, userHandle string) (*model.CommandResult, error) {
	var result *model.CommandResult
	err := s.sessionRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		session, err := s.getOrCreate(ctx, userHandle)
		if err != nil {
			return err
		}

		if session.RegisteredAccount == nil || *session.RegisteredAccount == "" {
			session.Park(model.SessionAwaitingPhone, nil)
			if _, err := s.sessionRepo.Update(ctx, session); err != nil {
				return err
			}
			result = &model.CommandResult{Outcome: model.OutcomeAwaitingContact, State: session.ConversationState}
			return nil
		}

		session.Park(model.SessionAwaitingNewPin, nil)
		if _, err := s.sessionRepo.Update(ctx, session); err != nil {
			return err
		}
		result = &model.CommandResult{Outcome: model.OutcomeOk, State: session.ConversationState}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResetPinStart begins PIN reset. Requires re-authentication: the user
// must resupply an account handle matching the registered one before
// the old PIN is dropped.
func (s *SessionService) ResetPinStart(ctx context.Context, userHandle string) (*model.CommandResult, error) {
	var result *model.CommandResult
	err := s.sessionRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		session, err := s.sessionRepo.GetForUpdate(ctx, userHandle)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				result = &model.CommandResult{Outcome: model.OutcomePinNotSet, State: model.SessionIdle}
				return nil
			}
			return err
		}
		if !session.HasPin() {
			result = &model.CommandResult{Outcome: model.OutcomePinNotSet, State: session.ConversationState}
			return nil
		}

		session.Park(model.SessionAwaitingReset, nil)
		if _, err := s.sessionRepo.Update(ctx, session); err != nil {
			return err
		}
		result = &model.CommandResult{Outcome: model.OutcomeOk, State: session.ConversationState}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SendMoney parks a transfer pending PIN entry. It never calls the saga
// directly: only a correct PIN in AWAITING_PIN_AUTH does.
func (s *SessionService) SendMoney(ctx context.Context, userHandle string, amount decimal.Decimal, recipient string) (*model.CommandResult, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return &model.CommandResult{Outcome: model.OutcomeRejected, State: model.SessionIdle, Detail: "recipient is required"}, nil
	}

	var result *model.CommandResult
	err := s.sessionRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		session, err := s.sessionRepo.GetForUpdate(ctx, userHandle)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				result = &model.CommandResult{Outcome: model.OutcomePinNotSet, State: model.SessionIdle}
				return nil
			}
			return err
		}
		if !session.HasPin() {
			// no state change: the rejection must not disturb whatever
			// the user was doing
			result = &model.CommandResult{Outcome: model.OutcomePinNotSet, State: session.ConversationState}
			return nil
		}

		if !amount.IsPositive() {
			session.Park(model.SessionAwaitingAmount, &model.PendingPayload{
				Kind:      model.PendingEditAmount,
				Recipient: recipient,
			})
			if _, err := s.sessionRepo.Update(ctx, session); err != nil {
				return err
			}
			result = &model.CommandResult{Outcome: model.OutcomeAmountRequired, State: session.ConversationState}
			return nil
		}

		session.Park(model.SessionAwaitingPinAuth, &model.PendingPayload{
			Kind:      model.PendingPinAuth,
			Amount:    amount,
			Recipient: recipient,
		})
		if _, err := s.sessionRepo.Update(ctx, session); err != nil {
			return err
		}
		result = &model.CommandResult{Outcome: model.OutcomePinRequired, State: session.ConversationState}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RequestQrPayment parks a scanned-recipient payment pending an amount.
func (s *SessionService) RequestQrPayment(ctx context.Context, userHandle, recipient string) (*model.CommandResult, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return &model.CommandResult{Outcome: model.OutcomeRejected, State: model.SessionIdle, Detail: "recipient is required"}, nil
	}

	var result *model.CommandResult
	err := s.sessionRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		session, err := s.sessionRepo.GetForUpdate(ctx, userHandle)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				result = &model.CommandResult{Outcome: model.OutcomePinNotSet, State: model.SessionIdle}
				return nil
			}
			return err
		}
		if !session.HasPin() {
			result = &model.CommandResult{Outcome: model.OutcomePinNotSet, State: session.ConversationState}
			return nil
		}

		session.Park(model.SessionAwaitingQr, &model.PendingPayload{
			Kind:      model.PendingQrAmount,
			Recipient: recipient,
		})
		if _, err := s.sessionRepo.Update(ctx, session); err != nil {
			return err
		}
		result = &model.CommandResult{Outcome: model.OutcomeAmountRequired, State: session.ConversationState}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PinDigits consumes a PIN entry, routed by the session's state. The
// plaintext digits are used for hashing or verification only and are
// never persisted or logged.
func (s *SessionService) PinDigits(ctx context.Context, userHandle, digits string) (*model.CommandResult, error) {
	var (
		result  *model.CommandResult
		payment *model.PendingPayload
		sender  string
	)
	err := s.sessionRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		session, err := s.sessionRepo.GetForUpdate(ctx, userHandle)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				result = &model.CommandResult{Outcome: model.OutcomeRejected, State: model.SessionIdle}
				return nil
			}
			return err
		}

		switch session.ConversationState {
		case model.SessionAwaitingNewPin:
			hash, err := security.HashPin(digits)
			if err != nil {
				result = &model.CommandResult{Outcome: model.OutcomeRejected, State: session.ConversationState, Detail: err.Error()}
				return nil
			}
			session.PinHash = &hash
			session.Reset()
			if _, err := s.sessionRepo.Update(ctx, session); err != nil {
				return err
			}
			result = &model.CommandResult{Outcome: model.OutcomeOk, State: session.ConversationState}
			return nil

		case model.SessionAwaitingPinAuth:
			pending := session.Pending
			// fail closed either way: one attempt, then back to IDLE
			ok := session.HasPin() && security.VerifyPin(digits, *session.PinHash)
			session.Reset()
			if _, err := s.sessionRepo.Update(ctx, session); err != nil {
				return err
			}
			if !ok {
				logger.Warn("PIN verification failed, payment aborted", "user", userHandle)
				result = &model.CommandResult{Outcome: model.OutcomeWrongPin, State: session.ConversationState}
				return nil
			}
			if pending == nil || pending.Kind != model.PendingPinAuth {
				result = &model.CommandResult{Outcome: model.OutcomeRejected, State: session.ConversationState, Detail: "no pending payment"}
				return nil
			}
			payment = pending
			if session.RegisteredAccount != nil {
				sender = *session.RegisteredAccount
			}
			return nil

		default:
			result = &model.CommandResult{Outcome: model.OutcomeRejected, State: session.ConversationState}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	// session state is durable (IDLE, payload cleared) before the saga
	// sees the payment
	txn, err := s.payments.Initiate(ctx, model.InitiateRequest{
		SenderHandle:       sender,
		RecipientHandle:    payment.Recipient,
		Amount:             payment.Amount,
		OriginatingSession: userHandle,
	})
	if err != nil {
		detail := err.Error()
		out := &model.CommandResult{Outcome: model.OutcomeRejected, State: model.SessionIdle, Detail: detail}
		if txn != nil {
			out.TransactionID = txn.ID.String()
		}
		return out, nil
	}

	return &model.CommandResult{
		Outcome:       model.OutcomePaymentStarted,
		State:         model.SessionIdle,
		TransactionID: txn.ID.String(),
	}, nil
}

// Text consumes free-form input for the waiting states: amount entry
// and reset re-authentication.
func (s *SessionService) Text(ctx context.Context, userHandle, input string) (*model.CommandResult, error) {
	input = strings.TrimSpace(input)

	var result *model.CommandResult
	err := s.sessionRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		session, err := s.sessionRepo.GetForUpdate(ctx, userHandle)
		if err != nil {
			if errors.Is(err, repository.ErrSessionNotFound) {
				result = &model.CommandResult{Outcome: model.OutcomeRejected, State: model.SessionIdle}
				return nil
			}
			return err
		}

		switch session.ConversationState {
		case model.SessionAwaitingPhone:
			session.RegisteredAccount = &input
			session.Reset()
			if _, err := s.sessionRepo.Update(ctx, session); err != nil {
				return err
			}
			result = &model.CommandResult{Outcome: model.OutcomeOk, State: session.ConversationState}
			return nil

		case model.SessionAwaitingAmount, model.SessionAwaitingQr:
			pending := session.Pending
			if pending == nil {
				session.Reset()
				if _, err := s.sessionRepo.Update(ctx, session); err != nil {
					return err
				}
				result = &model.CommandResult{Outcome: model.OutcomeRejected, State: session.ConversationState, Detail: "no pending payment"}
				return nil
			}

			amount, parseErr := decimal.NewFromString(input)
			if parseErr != nil || !amount.IsPositive() {
				result = &model.CommandResult{Outcome: model.OutcomeAmountRequired, State: session.ConversationState, Detail: "enter a positive amount"}
				return nil
			}

			session.Park(model.SessionAwaitingPinAuth, &model.PendingPayload{
				Kind:      model.PendingPinAuth,
				Amount:    amount,
				Recipient: pending.Recipient,
			})
			if _, err := s.sessionRepo.Update(ctx, session); err != nil {
				return err
			}
			result = &model.CommandResult{Outcome: model.OutcomePinRequired, State: session.ConversationState}
			return nil

		case model.SessionAwaitingReset:
			match := session.RegisteredAccount != nil && *session.RegisteredAccount == input
			if !match {
				// mismatch: back to IDLE, PIN stays
				session.Reset()
				if _, err := s.sessionRepo.Update(ctx, session); err != nil {
					return err
				}
				logger.Warn("PIN reset re-authentication failed", "user", userHandle)
				result = &model.CommandResult{Outcome: model.OutcomeRejected, State: session.ConversationState}
				return nil
			}

			session.PinHash = nil
			session.Park(model.SessionAwaitingNewPin, nil)
			if _, err := s.sessionRepo.Update(ctx, session); err != nil {
				return err
			}
			result = &model.CommandResult{Outcome: model.OutcomeOk, State: session.ConversationState}
			return nil

		default:
			result = &model.CommandResult{Outcome: model.OutcomeRejected, State: session.ConversationState}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListHistory returns the user's recent transfers.
func (s *SessionService) ListHistory(ctx context.Context, userHandle string, limit int) ([]*model.Transaction, error) {
	session, err := s.sessionRepo.Get(ctx, userHandle)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if session.RegisteredAccount == nil {
		return nil, nil
	}
	return s.payments.History(ctx, *session.RegisteredAccount, limit)
}

func (s *SessionService) getOrCreate(ctx context.Context, userHandle string) (*model.Session, error) {
	session, err := s.sessionRepo.GetForUpdate(ctx, userHandle)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, repository.ErrSessionNotFound) {
		return nil, err
	}
	session = &model.Session{
		UserHandle:        userHandle,
		ConversationState: model.SessionIdle,
	}
	return s.sessionRepo.Create(ctx, session)
}
