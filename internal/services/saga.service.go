package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	gateway "github.com/sikaswift/payment-gateway/internal/gateways"
	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/sikaswift/payment-gateway/internal/repository"
	"github.com/sikaswift/payment-gateway/pkg/logger"
	"github.com/sikaswift/payment-gateway/pkg/prom"
)

var (
	ErrNotFound       = errors.New("transaction not found")
	ErrNotAwaitingOtp = errors.New("transaction is not awaiting an OTP")
	ErrWrongOtp       = errors.New("OTP rejected by gateway")
	ErrChargeRejected = errors.New("charge rejected by gateway")
)

// TransactionRepository is the persistence surface the saga needs. The row
// lock variants must be called inside WithinTransaction.
type TransactionRepository interface {
	Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	GetByChargeReferenceForUpdate(ctx context.Context, reference string) (*model.Transaction, error)
	Update(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error)
	ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentGateway is the external money-movement capability set.
type PaymentGateway interface {
	ResolveAccount(ctx context.Context, phone string) (string, error)
	InitiateCharge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResult, error)
	SubmitOTP(ctx context.Context, reference, otp string) (*gateway.ChargeResult, error)
	CreateTransferRecipient(ctx context.Context, name, phone, currency string) (string, error)
	InitiateTransfer(ctx context.Context, amount decimal.Decimal, recipientCode, reason string) (string, error)
	Refund(ctx context.Context, chargeReference string) error
}

// UserNotifier delivers progress messages. One-way; the saga never waits
// on it and never fails a transition because of it.
type UserNotifier interface {
	Notify(ctx context.Context, chatHandle, text string)
}

// PayoutPublisher enqueues payout jobs for the worker.
type PayoutPublisher interface {
	PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error)
}

// PayoutJob is the queue payload produced on every transition into
// DEBIT_SUCCESS.
type PayoutJob struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

type SagaConfig struct {
	DefaultCurrency       string
	OtpMaxAttempts        int
	SettlementInitialWait time.Duration
	SettlementMaxWait     time.Duration
}

// SagaService drives the transfer lifecycle: collect from the sender,
// pay out to the recipient, refund when the payout phase fails. All
// read-modify-writes on a transaction happen under a row lock; state
// writes consult the transition DAG so nothing ever moves backward.
type SagaService struct {
	txnRepo  TransactionRepository
	gateway  PaymentGateway
	notifier UserNotifier
	payouts  PayoutPublisher
	config   SagaConfig
}

func NewSagaService(txnRepo TransactionRepository, gw PaymentGateway, notifier UserNotifier, payouts PayoutPublisher, config SagaConfig) *SagaService {
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "GHS"
	}
	if config.OtpMaxAttempts == 0 {
		config.OtpMaxAttempts = 3
	}
	if config.SettlementInitialWait == 0 {
		config.SettlementInitialWait = 500 * time.Millisecond
	}
	if config.SettlementMaxWait == 0 {
		config.SettlementMaxWait = 30 * time.Second
	}
	return &SagaService{
		txnRepo:  txnRepo,
		gateway:  gw,
		notifier: notifier,
		payouts:  payouts,
		config:   config,
	}
}

// Initiate starts the collection phase. The caller (session layer) has
// already authenticated the sender. A synchronous gateway rejection
// finalizes the record as FAILED; acceptance parks it in PENDING_DEBIT
// or WAITING_FOR_OTP until the webhook confirms the debit.
func (s *SagaService) Initiate(ctx context.Context, req model.InitiateRequest) (*model.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = s.config.DefaultCurrency
	}

	reference := "txn_" + uuid.NewString()
	txn := &model.Transaction{
		ID:              uuid.New(),
		SenderHandle:    req.SenderHandle,
		RecipientHandle: req.RecipientHandle,
		Amount:          req.Amount,
		Currency:        currency,
		State:           model.TxnInit,
		ChargeReference: &reference,
	}
	if req.OriginatingSession != "" {
		origin := req.OriginatingSession
		txn.OriginatingSession = &origin
	}

	txn, err := s.txnRepo.Create(ctx, txn)
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	result, err := s.gateway.InitiateCharge(ctx, &gateway.ChargeRequest{
		Phone:     req.SenderHandle,
		Amount:    req.Amount,
		Currency:  currency,
		Reference: reference,
	})
	if err != nil {
		reason := err.Error()
		s.finalize(ctx, txn, model.TxnFailed, &reason)
		s.notify(ctx, txn, "Payment could not be started: "+reason)
		prom.IncPaymentInitiated("rejected")
		return txn, fmt.Errorf("%w: %s", ErrChargeRejected, reason)
	}

	next := model.TxnPendingDebit
	if result.RequiresOTP {
		next = model.TxnWaitingForOtp
	}
	if err := s.transition(ctx, txn, next); err != nil {
		return nil, err
	}

	prom.IncPaymentInitiated("accepted")

	if result.RequiresOTP {
		s.notify(ctx, txn, "Enter the one-time code sent to your phone to approve the payment.")
	} else {
		s.notify(ctx, txn, fmt.Sprintf("Approve the %s %s charge on your phone to continue.", txn.Currency, txn.Amount.StringFixed(2)))
	}

	logger.Info("Transaction initiated",
		"transaction_id", txn.ID, "state", string(txn.State), "amount", txn.Amount.String())

	return txn, nil
}

// SubmitOTP forwards a one-time code for a transaction parked in
// WAITING_FOR_OTP. A rejected code keeps the transaction retryable until
// the attempt cap; exhausting the cap finalizes it as FAILED.
func (s *SagaService) SubmitOTP(ctx context.Context, transactionID uuid.UUID, code string) (*model.Transaction, error) {
	var out *model.Transaction
	err := s.txnRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		txn, err := s.txnRepo.GetByIDForUpdate(ctx, transactionID)
		if err != nil {
			if errors.Is(err, repository.ErrTransactionNotFound) {
				return ErrNotFound
			}
			return err
		}
		out = txn

		if txn.State != model.TxnWaitingForOtp {
			return ErrNotAwaitingOtp
		}

		result, gwErr := s.gateway.SubmitOTP(ctx, *txn.ChargeReference, code)
		if gwErr != nil || result.Status == gateway.ChargeStatusFailed {
			txn.OtpAttempts++
			if txn.OtpAttempts >= s.config.OtpMaxAttempts {
				reason := "otp attempts exhausted"
				txn.State = model.TxnFailed
				txn.FailureReason = &reason
				if _, err := s.txnRepo.Update(ctx, txn); err != nil {
					return err
				}
				return nil
			}
			if _, err := s.txnRepo.Update(ctx, txn); err != nil {
				return err
			}
			return ErrWrongOtp
		}

		txn.State = model.TxnDebitSuccess
		if _, err := s.txnRepo.Update(ctx, txn); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrWrongOtp) {
			s.notify(ctx, out, "That code was not accepted. Try again.")
		}
		return out, err
	}

	if out.State == model.TxnFailed {
		s.notify(ctx, out, "Payment cancelled: too many wrong codes.")
		return out, nil
	}

	s.onDebitSuccess(ctx, out)
	return out, nil
}

// OnDebitConfirmed is invoked by the webhook guard for a verified debit
// confirmation. Idempotent: a transaction already at or past
// DEBIT_SUCCESS is left untouched, so redelivery never double-pays.
func (s *SagaService) OnDebitConfirmed(ctx context.Context, chargeReference string) error {
	var confirmed *model.Transaction
	err := s.txnRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		txn, err := s.txnRepo.GetByChargeReferenceForUpdate(ctx, chargeReference)
		if err != nil {
			if errors.Is(err, repository.ErrTransactionNotFound) {
				return ErrNotFound
			}
			return err
		}

		if txn.State.DebitConfirmed() {
			logger.Debug("Duplicate debit confirmation ignored",
				"transaction_id", txn.ID, "state", string(txn.State))
			return nil
		}
		if !txn.State.CanTransition(model.TxnDebitSuccess) {
			if txn.State.Terminal() {
				logger.Warn("Debit confirmation for terminal transaction dropped",
					"transaction_id", txn.ID, "state", string(txn.State))
				return nil
			}
			// confirmation raced the initiation commit; fail the
			// delivery so the gateway retries against the settled row
			logger.Warn("Debit confirmation arrived before initiation settled",
				"transaction_id", txn.ID, "state", string(txn.State))
			return fmt.Errorf("transaction %s not confirmable yet in state %s", txn.ID, txn.State)
		}

		txn.State = model.TxnDebitSuccess
		if _, err := s.txnRepo.Update(ctx, txn); err != nil {
			return err
		}
		confirmed = txn
		return nil
	})
	if err != nil {
		return err
	}

	if confirmed != nil {
		s.onDebitSuccess(ctx, confirmed)
	}
	return nil
}

// onDebitSuccess runs once per transition into DEBIT_SUCCESS: tell the
// sender and hand the payout to the worker queue.
func (s *SagaService) onDebitSuccess(ctx context.Context, txn *model.Transaction) {
	s.notify(ctx, txn, fmt.Sprintf("Payment of %s %s received. Sending to %s...",
		txn.Currency, txn.Amount.StringFixed(2), txn.RecipientHandle))

	if _, err := s.payouts.PublishJSON(ctx, PayoutJob{TransactionID: txn.ID}, nil); err != nil {
		// the expiry sweep will not touch DEBIT_SUCCESS; the queue's
		// pending-claim plus the processor idempotency lock make a
		// republish safe, so surface loudly and rely on redelivery
		logger.Error("Failed to enqueue payout job", "transaction_id", txn.ID, "error", err)
	}
}

// ProcessPayout drives the payout sub-flow for a debit-confirmed
// transaction. Gateway failures here are never fatal to the sender's
// money: they always route through compensation.
func (s *SagaService) ProcessPayout(ctx context.Context, transactionID uuid.UUID) error {
	txn, err := s.txnRepo.GetByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return ErrNotFound
		}
		return err
	}
	if txn.State != model.TxnDebitSuccess {
		logger.Debug("Payout job skipped, transaction not in DEBIT_SUCCESS",
			"transaction_id", txn.ID, "state", string(txn.State))
		return nil
	}

	started := txn.CreatedAt

	recipientCode, err := s.createRecipientWithBackoff(ctx, txn)
	if err != nil {
		reason := err.Error()
		logger.Warn("Recipient creation failed, compensating",
			"transaction_id", txn.ID, "reason", reason)
		return s.compensate(ctx, txn.ID, model.TxnRecipientFail, reason)
	}

	if err := s.setPayoutReference(ctx, txn, recipientCode); err != nil {
		return err
	}

	if _, err := s.gateway.InitiateTransfer(ctx, txn.Amount, recipientCode, "Wallet transfer"); err != nil {
		reason := err.Error()
		logger.Warn("Transfer initiation failed, compensating",
			"transaction_id", txn.ID, "reason", reason)
		return s.compensate(ctx, txn.ID, model.TxnTransferFail, reason)
	}

	if err := s.transition(ctx, txn, model.TxnDisbursing); err != nil {
		return err
	}
	if err := s.transition(ctx, txn, model.TxnComplete); err != nil {
		return err
	}

	prom.ObservePaymentCompletionDuration(time.Since(started).Seconds(), txn.Currency)

	s.notify(ctx, txn, fmt.Sprintf("Done! %s %s delivered to %s.",
		txn.Currency, txn.Amount.StringFixed(2), txn.RecipientHandle))

	logger.Info("Transaction complete", "transaction_id", txn.ID)
	return nil
}

// createRecipientWithBackoff polls recipient creation until the debited
// funds settle into the merchant balance. Bounded exponential backoff;
// runs outside any row lock so other transactions are not held up.
func (s *SagaService) createRecipientWithBackoff(ctx context.Context, txn *model.Transaction) (string, error) {
	name, err := s.gateway.ResolveAccount(ctx, txn.RecipientHandle)
	if err != nil || name == "" {
		// resolution is best effort; the handle is an acceptable name
		logger.Debug("Recipient name resolution failed, using handle",
			"transaction_id", txn.ID, "error", err)
		name = txn.RecipientHandle
	}

	wait := s.config.SettlementInitialWait
	deadline := time.Now().Add(s.config.SettlementMaxWait)

	var lastErr error
	for {
		code, err := s.gateway.CreateTransferRecipient(ctx, name, txn.RecipientHandle, txn.Currency)
		if err == nil {
			return code, nil
		}
		lastErr = err

		if time.Now().Add(wait).After(deadline) {
			return "", lastErr
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (s *SagaService) setPayoutReference(ctx context.Context, txn *model.Transaction, recipientCode string) error {
	return s.txnRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		locked, err := s.txnRepo.GetByIDForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		locked.PayoutReference = &recipientCode
		if _, err := s.txnRepo.Update(ctx, locked); err != nil {
			return err
		}
		txn.PayoutReference = &recipientCode
		return nil
	})
}

// compensate refunds the sender after a payout-phase failure. It runs
// under the same transition that records the failure state and is never
// re-evaluated once the transaction is terminal.
func (s *SagaService) compensate(ctx context.Context, transactionID uuid.UUID, failState model.TransactionState, reason string) error {
	var out *model.Transaction
	err := s.txnRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		txn, err := s.txnRepo.GetByIDForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if txn.State.Terminal() {
			logger.Debug("Compensation skipped, transaction already terminal",
				"transaction_id", txn.ID, "state", string(txn.State))
			return nil
		}
		if !txn.State.CanTransition(failState) {
			logger.Warn("Illegal failure transition refused",
				"transaction_id", txn.ID, "from", string(txn.State), "to", string(failState))
			return nil
		}

		txn.State = failState
		txn.FailureReason = &reason
		if _, err := s.txnRepo.Update(ctx, txn); err != nil {
			return err
		}

		if refundErr := s.gateway.Refund(ctx, *txn.ChargeReference); refundErr != nil {
			txn.State = model.TxnRefundFailed
			combined := fmt.Sprintf("%s; refund failed: %s", reason, refundErr.Error())
			txn.FailureReason = &combined
		} else {
			txn.State = model.TxnRefunded
		}
		if _, err := s.txnRepo.Update(ctx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}

	switch out.State {
	case model.TxnRefunded:
		prom.IncRefund("refunded")
		s.notify(ctx, out, fmt.Sprintf("The transfer to %s could not be completed. Your %s %s has been refunded.",
			out.RecipientHandle, out.Currency, out.Amount.StringFixed(2)))
	case model.TxnRefundFailed:
		prom.IncRefund("refund_failed")
		s.notify(ctx, out, "The transfer failed and the automatic refund also failed. Our support team has been alerted and will resolve this manually.")
		logger.Error("Refund failed, manual intervention required",
			"transaction_id", out.ID, "reason", *out.FailureReason)
	}
	return nil
}

// ExpireStale finalizes transactions parked pre-debit longer than ttl.
// Run periodically by the processor; safe against races because each
// candidate is re-checked under its row lock.
func (s *SagaService) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	stale, err := s.txnRepo.ListStuck(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		err := s.txnRepo.WithinTransaction(ctx, func(ctx context.Context) error {
			txn, err := s.txnRepo.GetByIDForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if txn.State != model.TxnPendingDebit && txn.State != model.TxnWaitingForOtp {
				return nil
			}
			reason := "expired"
			txn.State = model.TxnFailed
			txn.FailureReason = &reason
			if _, err := s.txnRepo.Update(ctx, txn); err != nil {
				return err
			}
			expired++
			s.notify(ctx, txn, "Your payment request expired without confirmation and was cancelled.")
			return nil
		})
		if err != nil {
			logger.Warn("Failed to expire transaction", "transaction_id", candidate.ID, "error", err)
		}
	}

	if expired > 0 {
		logger.Info("Expired stale transactions", "count", expired)
	}
	return expired, nil
}

// History lists a sender's transfers, newest first.
func (s *SagaService) History(ctx context.Context, senderHandle string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 10
	}
	items, _, err := s.txnRepo.List(ctx, model.TransactionFilter{
		SenderHandle: &senderHandle,
		Limit:        limit,
		Desc:         true,
	})
	return items, err
}

func (s *SagaService) Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	txn, err := s.txnRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return txn, nil
}

// transition moves txn forward one edge under a row lock, refusing any
// write the DAG does not allow.
func (s *SagaService) transition(ctx context.Context, txn *model.Transaction, to model.TransactionState) error {
	return s.txnRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		locked, err := s.txnRepo.GetByIDForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		if !locked.State.CanTransition(to) {
			logger.Warn("Illegal transition refused",
				"transaction_id", locked.ID, "from", string(locked.State), "to", string(to))
			return nil
		}
		locked.State = to
		if _, err := s.txnRepo.Update(ctx, locked); err != nil {
			return err
		}
		txn.State = locked.State
		return nil
	})
}

// finalize records a terminal failure with its reason. Best effort on
// top of an already-failed path, so errors are only logged.
func (s *SagaService) finalize(ctx context.Context, txn *model.Transaction, state model.TransactionState, reason *string) {
	err := s.txnRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		locked, err := s.txnRepo.GetByIDForUpdate(ctx, txn.ID)
		if err != nil {
			return err
		}
		if !locked.State.CanTransition(state) {
			return nil
		}
		locked.State = state
		locked.FailureReason = reason
		if _, err := s.txnRepo.Update(ctx, locked); err != nil {
			return err
		}
		txn.State = locked.State
		txn.FailureReason = reason
		return nil
	})
	if err != nil {
		logger.Error("Failed to finalize transaction", "transaction_id", txn.ID, "error", err)
	}
}

// notify sends at most one message per user-relevant transition. Fire
// and forget: failures are the notifier's to log.
func (s *SagaService) notify(ctx context.Context, txn *model.Transaction, text string) {
	if txn == nil || txn.OriginatingSession == nil {
		return
	}
	s.notifier.Notify(ctx, *txn.OriginatingSession, text)
}
