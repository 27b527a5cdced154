package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/sikaswift/payment-gateway/internal/queue"
	"github.com/sikaswift/payment-gateway/internal/services"
)

type fakeExecutor struct {
	calls int
	err   error
}

func (f *fakeExecutor) ProcessPayout(ctx context.Context, transactionID uuid.UUID) error {
	f.calls++
	return f.err
}

func payoutMessage(t *testing.T, id uuid.UUID) *queue.Message {
	t.Helper()
	raw, err := json.Marshal(services.PayoutJob{TransactionID: id})
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return &queue.Message{ID: "1-0", Data: raw}
}

func TestPayoutProcessor_Process_Success(t *testing.T) {
	idem := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())
	exec := &fakeExecutor{}
	p := NewPayoutProcessor(exec, idem)
	ctx := context.Background()
	txnID := uuid.New()

	if err := p.Process(ctx, payoutMessage(t, txnID)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if exec.calls != 1 {
		t.Errorf("Expected 1 executor call, got %d", exec.calls)
	}

	done, err := idem.IsProcessed(ctx, txnID.String())
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if !done {
		t.Error("Expected transaction to be marked processed")
	}
}

func TestPayoutProcessor_Process_DuplicateDelivery(t *testing.T) {
	idem := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())
	exec := &fakeExecutor{}
	p := NewPayoutProcessor(exec, idem)
	ctx := context.Background()
	msg := payoutMessage(t, uuid.New())

	if err := p.Process(ctx, msg); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}
	if err := p.Process(ctx, msg); err != nil {
		t.Fatalf("Redelivery should ack silently, got: %v", err)
	}
	if exec.calls != 1 {
		t.Errorf("Expected exactly 1 executor call across deliveries, got %d", exec.calls)
	}
}

func TestPayoutProcessor_Process_MalformedPayload(t *testing.T) {
	idem := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())
	exec := &fakeExecutor{}
	p := NewPayoutProcessor(exec, idem)

	err := p.Process(context.Background(), &queue.Message{ID: "1-0", Data: []byte("not json")})
	if err == nil {
		t.Fatal("Expected error for malformed payload")
	}
	if exec.calls != 0 {
		t.Errorf("Executor should not run for malformed payload, got %d calls", exec.calls)
	}
}

func TestPayoutProcessor_Process_MissingTransactionID(t *testing.T) {
	idem := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())
	exec := &fakeExecutor{}
	p := NewPayoutProcessor(exec, idem)

	if err := p.Process(context.Background(), payoutMessage(t, uuid.Nil)); err != nil {
		t.Fatalf("Expected nil-id job to be dropped, got: %v", err)
	}
	if exec.calls != 0 {
		t.Errorf("Executor should not run for nil id, got %d calls", exec.calls)
	}
}

func TestPayoutProcessor_Process_UnknownTransaction(t *testing.T) {
	idem := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())
	exec := &fakeExecutor{err: services.ErrNotFound}
	p := NewPayoutProcessor(exec, idem)
	ctx := context.Background()
	txnID := uuid.New()

	if err := p.Process(ctx, payoutMessage(t, txnID)); err != nil {
		t.Fatalf("Unknown transaction should ack, got: %v", err)
	}

	done, err := idem.IsProcessed(ctx, txnID.String())
	if err != nil {
		t.Fatalf("IsProcessed failed: %v", err)
	}
	if !done {
		t.Error("Unknown transaction should be marked processed so the queue stops redelivering")
	}
}

func TestPayoutProcessor_Process_TransientFailureRetries(t *testing.T) {
	idem := NewIdempotencyService(newMockRedisAdapter(), DefaultIdempotencyConfig())
	exec := &fakeExecutor{err: errors.New("gateway timeout")}
	p := NewPayoutProcessor(exec, idem)
	ctx := context.Background()
	txnID := uuid.New()
	msg := payoutMessage(t, txnID)

	if err := p.Process(ctx, msg); err == nil {
		t.Fatal("Expected error so the queue redelivers")
	}

	count, err := idem.GetRetryCount(ctx, txnID.String())
	if err != nil {
		t.Fatalf("GetRetryCount failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected retry count 1, got %d", count)
	}

	// subsequent attempt succeeds and settles the record
	exec.err = nil
	if err := p.Process(ctx, msg); err != nil {
		t.Fatalf("Retry should succeed: %v", err)
	}
	if exec.calls != 2 {
		t.Errorf("Expected 2 executor calls, got %d", exec.calls)
	}
}

func TestPayoutProcessor_Process_GivesUpAfterMaxRetries(t *testing.T) {
	cfg := DefaultIdempotencyConfig()
	cfg.MaxRetries = 2
	idem := NewIdempotencyService(newMockRedisAdapter(), cfg)
	exec := &fakeExecutor{err: errors.New("gateway down")}
	p := NewPayoutProcessor(exec, idem)
	ctx := context.Background()
	msg := payoutMessage(t, uuid.New())

	for i := 0; i < cfg.MaxRetries; i++ {
		if err := p.Process(ctx, msg); err == nil {
			t.Fatalf("Attempt %d should fail", i+1)
		}
	}

	// retries exhausted: the job is acked without running the executor
	before := exec.calls
	if err := p.Process(ctx, msg); err != nil {
		t.Fatalf("Exhausted job should ack, got: %v", err)
	}
	if exec.calls != before {
		t.Error("Executor must not run once retries are exhausted")
	}
}

func TestPayoutProcessor_GetType(t *testing.T) {
	p := NewPayoutProcessor(&fakeExecutor{}, nil)
	if p.GetType() != "payout" {
		t.Errorf("Unexpected processor type %q", p.GetType())
	}
}
