package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/sikaswift/payment-gateway/internal/queue"
	"github.com/sikaswift/payment-gateway/internal/services"
	"github.com/sikaswift/payment-gateway/pkg/logger"
)

// PayoutExecutor runs the payout sub-flow for one transaction. Gateway
// failures are absorbed inside (compensation); an error here means the
// attempt itself could not run and should be retried.
type PayoutExecutor interface {
	ProcessPayout(ctx context.Context, transactionID uuid.UUID) error
}

// PayoutProcessor executes queued payout jobs under the Redis
// idempotency guard.
type PayoutProcessor struct {
	executor    PayoutExecutor
	idempotency *IdempotencyService
}

func NewPayoutProcessor(executor PayoutExecutor, idempotency *IdempotencyService) *PayoutProcessor {
	return &PayoutProcessor{
		executor:    executor,
		idempotency: idempotency,
	}
}

func (p *PayoutProcessor) GetType() string {
	return "payout"
}

// Process handles one payout job. Returning nil acks the job; returning
// an error leaves it pending for redelivery.
func (p *PayoutProcessor) Process(ctx context.Context, queueMessage *queue.Message) error {
	var job services.PayoutJob
	if err := json.Unmarshal(queueMessage.Data, &job); err != nil {
		logger.Error("Failed to unmarshal payout job", "error", err)
		return err // malformed, let the queue move it to the DLQ
	}
	if job.TransactionID == uuid.Nil {
		logger.Error("Payout job without transaction id dropped")
		return nil
	}

	transactionID := job.TransactionID.String()

	procCtx, err := p.idempotency.AcquireProcessingLock(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return nil
		}
		if errors.Is(err, ErrMaxRetriesExceeded) {
			// ack: the transaction stays in DEBIT_SUCCESS and is
			// surfaced by the metrics reporter / DLQ for operators
			logger.Error("Payout retries exhausted, giving up", "transaction_id", transactionID)
			return nil
		}
		if errors.Is(err, ErrLockAcquireFailed) {
			return errors.New("lock held by another consumer")
		}
		return err
	}

	defer func() {
		if procCtx.lockAcquired {
			_ = p.idempotency.ReleaseLock(ctx, procCtx)
		}
	}()

	logger.Info("Processing payout",
		"transaction_id", transactionID,
		"retry_count", procCtx.RetryCount,
		"is_retry", procCtx.IsRetry)

	if err := p.executor.ProcessPayout(ctx, job.TransactionID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			logger.Error("Payout job references unknown transaction", "transaction_id", transactionID)
			_ = p.idempotency.MarkSuccess(ctx, procCtx)
			return nil
		}
		if markErr := p.idempotency.MarkFailure(ctx, procCtx, err); markErr != nil {
			logger.Error("Failed to mark failure", "transaction_id", transactionID, "error", markErr)
		}
		return err
	}

	if err := p.idempotency.MarkSuccess(ctx, procCtx); err != nil {
		logger.Error("Failed to mark success", "transaction_id", transactionID, "error", err)
	}
	return nil
}
