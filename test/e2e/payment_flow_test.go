package e2e

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	gateway "github.com/sikaswift/payment-gateway/internal/gateways"
	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/sikaswift/payment-gateway/internal/processor"
	"github.com/sikaswift/payment-gateway/internal/queue"
	"github.com/sikaswift/payment-gateway/internal/repository"
	"github.com/sikaswift/payment-gateway/internal/services"
	"github.com/sikaswift/payment-gateway/pkg/pg"
	"github.com/sikaswift/payment-gateway/pkg/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// scriptedGateway is a deterministic in-process stand-in for the payment
// gateway. Each knob scripts one failure mode a scenario needs.
type scriptedGateway struct {
	mu sync.Mutex

	chargeErr     error
	requireOTP    bool
	acceptedOTP   string
	recipientFail int // first N recipient creations report settling
	transferErr   error
	refundErr     error

	recipientCalls int
	transferCalls  int
	refundCalls    int
}

func (g *scriptedGateway) ResolveAccount(ctx context.Context, phone string) (string, error) {
	return "TEST USER", nil
}

func (g *scriptedGateway) InitiateCharge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	status := gateway.ChargeStatusPending
	if g.requireOTP {
		status = gateway.ChargeStatusSendOTP
	}
	return &gateway.ChargeResult{
		Reference:   req.Reference,
		Status:      status,
		RequiresOTP: g.requireOTP,
	}, nil
}

func (g *scriptedGateway) SubmitOTP(ctx context.Context, reference, otp string) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if otp != g.acceptedOTP {
		return &gateway.ChargeResult{Reference: reference, Status: gateway.ChargeStatusFailed}, nil
	}
	return &gateway.ChargeResult{Reference: reference, Status: gateway.ChargeStatusSuccess}, nil
}

func (g *scriptedGateway) CreateTransferRecipient(ctx context.Context, name, phone, currency string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recipientCalls++
	if g.recipientCalls <= g.recipientFail {
		return "", errors.New("gateway rejected request: Transaction is still settling")
	}
	return "RCP_" + uuid.NewString()[:12], nil
}

func (g *scriptedGateway) InitiateTransfer(ctx context.Context, amount decimal.Decimal, recipientCode, reason string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transferCalls++
	if g.transferErr != nil {
		return "", g.transferErr
	}
	return "TRF_" + uuid.NewString()[:12], nil
}

func (g *scriptedGateway) Refund(ctx context.Context, chargeReference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	return g.refundErr
}

func (g *scriptedGateway) transfers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transferCalls
}

func (g *scriptedGateway) refunds() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refundCalls
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, chatHandle, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type TestEnvironment struct {
	DB              *pg.DB
	Redis           *miniredis.Miniredis
	RedisAdapter    redis.RedisAdapter
	Queue           *queue.Queue
	TransactionRepo *repository.TransactionRepository
	SessionRepo     *repository.SessionRepository
	Gateway         *scriptedGateway
	Notifier        *recordingNotifier
	Saga            *services.SagaService
	Sessions        *services.SessionService
	PayoutProcessor *processor.PayoutProcessor
}

func setupE2EEnvironment(t *testing.T) *TestEnvironment {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&repository.TransactionEntity{},
		&repository.SessionEntity{},
	)
	require.NoError(t, err)

	pgDB := &pg.DB{}
	pgDBValue := reflect.ValueOf(pgDB).Elem()

	readField := pgDBValue.FieldByName("read")
	writeField := pgDBValue.FieldByName("write")

	readField = reflect.NewAt(readField.Type(), readField.Addr().UnsafePointer()).Elem()
	writeField = reflect.NewAt(writeField.Type(), writeField.Addr().UnsafePointer()).Elem()

	readField.Set(reflect.ValueOf(db))
	writeField.Set(reflect.ValueOf(db))

	mr, err := miniredis.Run()
	require.NoError(t, err)

	// Use unique connection name per test to avoid global adapter caching issues
	connName := fmt.Sprintf("test-%d", time.Now().UnixNano())
	redisAdapter, err := redis.NewRedisAdapter(connName, "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)

	q, err := queue.NewQueue(redisAdapter, queue.QueueConfig{
		Name:              "test:payouts",
		ConsumerGroup:     "test-group",
		ConsumerName:      "test-consumer",
		MaxRetries:        3,
		VisibilityTimeout: 5 * time.Second,
		PollInterval:      50 * time.Millisecond,
		BatchSize:         10,
		MaxLen:            1000,
		EnableDLQ:         true,
	})
	require.NoError(t, err)

	gw := &scriptedGateway{acceptedOTP: "123456"}
	notifier := &recordingNotifier{}

	transactionRepo := repository.NewTransactionRepository(pgDB)
	sessionRepo := repository.NewSessionRepository(pgDB)

	saga := services.NewSagaService(transactionRepo, gw, notifier, q, services.SagaConfig{
		SettlementInitialWait: time.Millisecond,
		SettlementMaxWait:     100 * time.Millisecond,
	})
	sessions := services.NewSessionService(sessionRepo, saga)

	idempotency := processor.NewIdempotencyService(redisAdapter, processor.DefaultIdempotencyConfig())
	payoutProcessor := processor.NewPayoutProcessor(saga, idempotency)

	return &TestEnvironment{
		DB:              pgDB,
		Redis:           mr,
		RedisAdapter:    redisAdapter,
		Queue:           q,
		TransactionRepo: transactionRepo,
		SessionRepo:     sessionRepo,
		Gateway:         gw,
		Notifier:        notifier,
		Saga:            saga,
		Sessions:        sessions,
		PayoutProcessor: payoutProcessor,
	}
}

func (env *TestEnvironment) Cleanup() {
	// Stop queue first (gracefully drain messages)
	if env.Queue != nil {
		_ = env.Queue.Stop(5 * time.Second)
	}
	// Give time for any in-flight operations to complete
	time.Sleep(100 * time.Millisecond)
	// Then close Redis
	if env.Redis != nil {
		env.Redis.Close()
	}
}

func (env *TestEnvironment) startPayoutConsumer(t *testing.T) {
	t.Helper()
	err := env.Queue.Consume(func(ctx context.Context, msg *queue.Message) error {
		return env.PayoutProcessor.Process(ctx, msg)
	})
	require.NoError(t, err)
}

func (env *TestEnvironment) waitForState(t *testing.T, id uuid.UUID, want model.TransactionState) *model.Transaction {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		txn, err := env.TransactionRepo.GetByID(context.Background(), id)
		require.NoError(t, err)
		if txn.State == want {
			return txn
		}
		if txn.State.Terminal() && txn.State != want {
			t.Fatalf("transaction reached terminal state %s, wanted %s", txn.State, want)
		}
		time.Sleep(25 * time.Millisecond)
	}
	txn, _ := env.TransactionRepo.GetByID(context.Background(), id)
	t.Fatalf("timed out waiting for state %s, still %s", want, txn.State)
	return nil
}

func TestE2E_HappyPath(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.startPayoutConsumer(t)

	txn, err := env.Saga.Initiate(ctx, model.InitiateRequest{
		SenderHandle:       "0241112222",
		RecipientHandle:    "0269998888",
		Amount:             decimal.RequireFromString("25.00"),
		OriginatingSession: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TxnPendingDebit, txn.State)
	assert.Equal(t, "GHS", txn.Currency)

	err = env.Saga.OnDebitConfirmed(ctx, *txn.ChargeReference)
	require.NoError(t, err)

	final := env.waitForState(t, txn.ID, model.TxnComplete)
	assert.NotNil(t, final.PayoutReference)
	assert.Equal(t, 1, env.Gateway.transfers())
	assert.Equal(t, 0, env.Gateway.refunds())

	// initiation prompt, debit confirmation, receipt
	assert.Equal(t, 3, env.Notifier.count())
}

func TestE2E_OtpFlow(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.Gateway.requireOTP = true
	env.startPayoutConsumer(t)

	txn, err := env.Saga.Initiate(ctx, model.InitiateRequest{
		SenderHandle:       "0201112222",
		RecipientHandle:    "0269998888",
		Amount:             decimal.RequireFromString("5.00"),
		OriginatingSession: "user-2",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TxnWaitingForOtp, txn.State)

	// wrong code keeps the transaction retryable
	rejected, err := env.Saga.SubmitOTP(ctx, txn.ID, "000000")
	require.ErrorIs(t, err, services.ErrWrongOtp)
	assert.Equal(t, model.TxnWaitingForOtp, rejected.State)
	assert.Equal(t, 1, rejected.OtpAttempts)

	confirmed, err := env.Saga.SubmitOTP(ctx, txn.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, model.TxnDebitSuccess, confirmed.State)

	final := env.waitForState(t, txn.ID, model.TxnComplete)
	assert.NotNil(t, final.PayoutReference)
	assert.Equal(t, 1, env.Gateway.transfers())
}

func TestE2E_ChargeRejected(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.Gateway.chargeErr = errors.New("gateway rejected request: insufficient funds")

	txn, err := env.Saga.Initiate(ctx, model.InitiateRequest{
		SenderHandle:    "0241112222",
		RecipientHandle: "0269998888",
		Amount:          decimal.RequireFromString("25.00"),
	})
	require.ErrorIs(t, err, services.ErrChargeRejected)
	assert.Equal(t, model.TxnFailed, txn.State)
	require.NotNil(t, txn.FailureReason)
	assert.Contains(t, *txn.FailureReason, "insufficient funds")

	stored, err := env.TransactionRepo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxnFailed, stored.State)
}

func TestE2E_TransferFailureRefunds(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.Gateway.transferErr = errors.New("gateway rejected request: insufficient balance")
	env.startPayoutConsumer(t)

	txn, err := env.Saga.Initiate(ctx, model.InitiateRequest{
		SenderHandle:       "0241112222",
		RecipientHandle:    "0269998888",
		Amount:             decimal.RequireFromString("40.00"),
		OriginatingSession: "user-3",
	})
	require.NoError(t, err)

	err = env.Saga.OnDebitConfirmed(ctx, *txn.ChargeReference)
	require.NoError(t, err)

	final := env.waitForState(t, txn.ID, model.TxnRefunded)
	require.NotNil(t, final.FailureReason)
	assert.Equal(t, 1, env.Gateway.refunds())
}

func TestE2E_RefundFailureEscalates(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.Gateway.transferErr = errors.New("gateway rejected request: insufficient balance")
	env.Gateway.refundErr = errors.New("gateway rejected request: refund window closed")
	env.startPayoutConsumer(t)

	txn, err := env.Saga.Initiate(ctx, model.InitiateRequest{
		SenderHandle:       "0241112222",
		RecipientHandle:    "0269998888",
		Amount:             decimal.RequireFromString("40.00"),
		OriginatingSession: "user-4",
	})
	require.NoError(t, err)

	err = env.Saga.OnDebitConfirmed(ctx, *txn.ChargeReference)
	require.NoError(t, err)

	final := env.waitForState(t, txn.ID, model.TxnRefundFailed)
	require.NotNil(t, final.FailureReason)
	assert.Contains(t, *final.FailureReason, "refund failed")
}

func TestE2E_SettlementRetry(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.Gateway.recipientFail = 2
	env.startPayoutConsumer(t)

	txn, err := env.Saga.Initiate(ctx, model.InitiateRequest{
		SenderHandle:    "0241112222",
		RecipientHandle: "0269998888",
		Amount:          decimal.RequireFromString("15.00"),
	})
	require.NoError(t, err)

	err = env.Saga.OnDebitConfirmed(ctx, *txn.ChargeReference)
	require.NoError(t, err)

	env.waitForState(t, txn.ID, model.TxnComplete)
	assert.Equal(t, 3, env.Gateway.recipientCalls)
}

func TestE2E_DuplicateWebhookPaysOnce(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.startPayoutConsumer(t)

	txn, err := env.Saga.Initiate(ctx, model.InitiateRequest{
		SenderHandle:    "0241112222",
		RecipientHandle: "0269998888",
		Amount:          decimal.RequireFromString("30.00"),
	})
	require.NoError(t, err)

	require.NoError(t, env.Saga.OnDebitConfirmed(ctx, *txn.ChargeReference))
	require.NoError(t, env.Saga.OnDebitConfirmed(ctx, *txn.ChargeReference))
	require.NoError(t, env.Saga.OnDebitConfirmed(ctx, *txn.ChargeReference))

	env.waitForState(t, txn.ID, model.TxnComplete)

	// Give redelivered jobs a chance to reach the processor before judging.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, env.Gateway.transfers())
}

func TestE2E_SessionPaymentFlow(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()
	env.startPayoutConsumer(t)

	// register and set a PIN over the chat surface
	res, err := env.Sessions.Register(ctx, "chat-user", "0241112222")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOk, res.Outcome)

	res, err = env.Sessions.SetPinStart(ctx, "chat-user")
	require.NoError(t, err)
	assert.Equal(t, model.SessionAwaitingNewPin, res.State)

	res, err = env.Sessions.PinDigits(ctx, "chat-user", "4321")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOk, res.Outcome)

	// send money: parked until the PIN confirms
	res, err = env.Sessions.SendMoney(ctx, "chat-user", decimal.RequireFromString("12.00"), "0269998888")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePinRequired, res.Outcome)

	res, err = env.Sessions.PinDigits(ctx, "chat-user", "4321")
	require.NoError(t, err)
	require.Equal(t, model.OutcomePaymentStarted, res.Outcome)
	require.NotEmpty(t, res.TransactionID)

	txnID, err := uuid.Parse(res.TransactionID)
	require.NoError(t, err)

	txn, err := env.TransactionRepo.GetByID(ctx, txnID)
	require.NoError(t, err)
	assert.Equal(t, "0241112222", txn.SenderHandle)

	require.NoError(t, env.Saga.OnDebitConfirmed(ctx, *txn.ChargeReference))
	env.waitForState(t, txnID, model.TxnComplete)

	// session is idle again and the pin challenge is gone
	session, err := env.SessionRepo.Get(ctx, "chat-user")
	require.NoError(t, err)
	assert.Equal(t, model.SessionIdle, session.ConversationState)
	assert.Nil(t, session.Pending)
}

func TestE2E_WrongPinNeverInitiates(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	_, err := env.Sessions.Register(ctx, "chat-user", "0241112222")
	require.NoError(t, err)
	_, err = env.Sessions.SetPinStart(ctx, "chat-user")
	require.NoError(t, err)
	_, err = env.Sessions.PinDigits(ctx, "chat-user", "4321")
	require.NoError(t, err)

	_, err = env.Sessions.SendMoney(ctx, "chat-user", decimal.RequireFromString("12.00"), "0269998888")
	require.NoError(t, err)

	res, err := env.Sessions.PinDigits(ctx, "chat-user", "9999")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeWrongPin, res.Outcome)

	// challenge fails closed: nothing parked, no transaction created
	session, err := env.SessionRepo.Get(ctx, "chat-user")
	require.NoError(t, err)
	assert.Equal(t, model.SessionIdle, session.ConversationState)
	assert.Nil(t, session.Pending)

	txns, _, err := env.TransactionRepo.List(ctx, model.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns)
}

func TestE2E_ExpirySweep(t *testing.T) {
	env := setupE2EEnvironment(t)
	defer env.Cleanup()

	ctx := context.Background()

	txn, err := env.Saga.Initiate(ctx, model.InitiateRequest{
		SenderHandle:       "0241112222",
		RecipientHandle:    "0269998888",
		Amount:             decimal.RequireFromString("8.00"),
		OriginatingSession: "user-5",
	})
	require.NoError(t, err)

	// age the record past the TTL
	err = env.DB.Write(ctx).Model(&repository.TransactionEntity{}).
		Where("id = ?", txn.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error
	require.NoError(t, err)

	n, err := env.Saga.ExpireStale(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := env.TransactionRepo.GetByID(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TxnFailed, stored.State)
	require.NotNil(t, stored.FailureReason)
}
