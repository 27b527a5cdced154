package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sikaswift/payment-gateway/pkg/logger"
	"github.com/sikaswift/payment-gateway/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("payout already processed")
	ErrLockAcquireFailed  = errors.New("failed to acquire processing lock")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// IdempotencyConfig tunes the Redis guard around payout execution. The
// processed marker is the long-term dedup record; the lock serializes
// concurrent consumers on the same transaction.
type IdempotencyConfig struct {
	LockTTL            time.Duration
	ProcessedTTL       time.Duration
	MaxRetries         int
	RetryKeyPrefix     string
	LockKeyPrefix      string
	ProcessedKeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:            90 * time.Second,
		ProcessedTTL:       24 * time.Hour,
		MaxRetries:         3,
		RetryKeyPrefix:     "payout:retry:",
		LockKeyPrefix:      "payout:lock:",
		ProcessedKeyPrefix: "payout:done:",
	}
}

type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

// ProcessingContext is a held lock for one payout job.
type ProcessingContext struct {
	TransactionID string
	RetryCount    int
	IsRetry       bool
	lockAcquired  bool
	service       *IdempotencyService
}

// AcquireProcessingLock checks the processed marker and retry count,
// then takes the SetNX lock. Exactly one consumer at a time may hold it
// for a given transaction.
func (s *IdempotencyService) AcquireProcessingLock(ctx context.Context, transactionID string) (*ProcessingContext, error) {
	processedKey := s.config.ProcessedKeyPrefix + transactionID
	exists, err := s.redis.Exist(processedKey)
	if err != nil {
		// better to risk a duplicate attempt than to block payouts: the
		// saga's state checks make a re-run harmless
		logger.Warn("Failed to check processed status", "transaction_id", transactionID, "error", err)
	} else if exists > 0 {
		return nil, ErrAlreadyProcessed
	}

	retryKey := s.config.RetryKeyPrefix + transactionID
	retryCountBytes, err := s.redis.Get(retryKey)
	retryCount := 0
	if err == nil && len(retryCountBytes) > 0 {
		fmt.Sscanf(string(retryCountBytes), "%d", &retryCount)
	}

	if retryCount >= s.config.MaxRetries {
		logger.Error("Max retries exceeded for payout", "transaction_id", transactionID, "retry_count", retryCount)
		return nil, fmt.Errorf("%w: transaction_id=%s, retries=%d", ErrMaxRetriesExceeded, transactionID, retryCount)
	}

	lockKey := s.config.LockKeyPrefix + transactionID
	lockValue := []byte(fmt.Sprintf("%d", time.Now().UnixNano()))

	acquired, err := s.redis.SetNX(lockKey, lockValue, s.config.LockTTL)
	if err != nil {
		logger.Error("Failed to acquire lock", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		logger.Info("Lock already held by another consumer", "transaction_id", transactionID)
		return nil, ErrLockAcquireFailed
	}

	logger.Debug("Payout lock acquired",
		"transaction_id", transactionID,
		"retry_count", retryCount,
		"lock_ttl", s.config.LockTTL)

	return &ProcessingContext{
		TransactionID: transactionID,
		RetryCount:    retryCount,
		IsRetry:       retryCount > 0,
		lockAcquired:  true,
		service:       s,
	}, nil
}

// MarkSuccess writes the long-term processed marker and drops the lock
// and retry counter.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	processedKey := s.config.ProcessedKeyPrefix + pc.TransactionID
	if err := s.redis.Set(processedKey, []byte("1"), s.config.ProcessedTTL); err != nil {
		logger.Error("Failed to mark payout as processed", "transaction_id", pc.TransactionID, "error", err)
		return fmt.Errorf("failed to mark as processed: %w", err)
	}

	s.cleanup(ctx, pc)

	logger.Info("Payout marked as processed",
		"transaction_id", pc.TransactionID,
		"retry_count", pc.RetryCount)

	return nil
}

// MarkFailure bumps the retry counter and releases the lock so another
// attempt can run.
func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	retryKey := s.config.RetryKeyPrefix + pc.TransactionID
	newRetryCount := pc.RetryCount + 1

	if err := s.redis.Set(retryKey, []byte(fmt.Sprintf("%d", newRetryCount)), s.config.ProcessedTTL); err != nil {
		logger.Error("Failed to increment retry counter", "transaction_id", pc.TransactionID, "error", err)
	}

	lockKey := s.config.LockKeyPrefix + pc.TransactionID
	if err := s.redis.Del(lockKey); err != nil {
		logger.Warn("Failed to remove lock", "transaction_id", pc.TransactionID, "error", err)
	}

	logger.Warn("Payout processing failed, will retry",
		"transaction_id", pc.TransactionID,
		"retry_count", newRetryCount,
		"max_retries", s.config.MaxRetries,
		"reason", reason)

	return nil
}

func (s *IdempotencyService) ReleaseLock(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}

	lockKey := s.config.LockKeyPrefix + pc.TransactionID
	if err := s.redis.Del(lockKey); err != nil {
		logger.Warn("Failed to release lock", "transaction_id", pc.TransactionID, "error", err)
		return err
	}

	pc.lockAcquired = false
	logger.Debug("Payout lock released", "transaction_id", pc.TransactionID)
	return nil
}

func (s *IdempotencyService) cleanup(ctx context.Context, pc *ProcessingContext) {
	lockKey := s.config.LockKeyPrefix + pc.TransactionID
	if err := s.redis.Del(lockKey); err != nil {
		logger.Warn("Failed to cleanup lock", "transaction_id", pc.TransactionID, "error", err)
	}

	retryKey := s.config.RetryKeyPrefix + pc.TransactionID
	if err := s.redis.Del(retryKey); err != nil {
		logger.Warn("Failed to cleanup retry counter", "transaction_id", pc.TransactionID, "error", err)
	}

	pc.lockAcquired = false
}

func (s *IdempotencyService) GetRetryCount(ctx context.Context, transactionID string) (int, error) {
	retryCountBytes, err := s.redis.Get(s.config.RetryKeyPrefix + transactionID)
	if err != nil {
		if err == redis.NilError {
			return 0, nil
		}
		return 0, err
	}

	retryCount := 0
	fmt.Sscanf(string(retryCountBytes), "%d", &retryCount)
	return retryCount, nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, transactionID string) (bool, error) {
	exists, err := s.redis.Exist(s.config.ProcessedKeyPrefix + transactionID)
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
