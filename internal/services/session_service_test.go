package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/sikaswift/payment-gateway/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.Session)}
}

func (r *fakeSessionRepo) Create(ctx context.Context, s *model.Session) (*model.Session, error) {
	r.sessions[s.UserHandle] = s
	return s, nil
}

func (r *fakeSessionRepo) Get(ctx context.Context, userHandle string) (*model.Session, error) {
	s, ok := r.sessions[userHandle]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	return s, nil
}

func (r *fakeSessionRepo) GetForUpdate(ctx context.Context, userHandle string) (*model.Session, error) {
	return r.Get(ctx, userHandle)
}

func (r *fakeSessionRepo) Update(ctx context.Context, s *model.Session) (*model.Session, error) {
	if _, ok := r.sessions[s.UserHandle]; !ok {
		return nil, repository.ErrSessionNotFound
	}
	r.sessions[s.UserHandle] = s
	return s, nil
}

func (r *fakeSessionRepo) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx)
}

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Initiate(ctx context.Context, req model.InitiateRequest) (*model.Transaction, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Transaction), args.Error(1)
}

func (m *mockPayments) History(ctx context.Context, senderHandle string, limit int) ([]*model.Transaction, error) {
	args := m.Called(ctx, senderHandle, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Transaction), args.Error(1)
}

// registeredUser seeds a session with an account and a PIN already set.
func registeredUser(t *testing.T, repo *fakeSessionRepo, svc *SessionService, userHandle, account, pin string) {
	t.Helper()
	ctx := context.Background()

	_, err := svc.Register(ctx, userHandle, account)
	require.NoError(t, err)

	result, err := svc.SetPinStart(ctx, userHandle)
	require.NoError(t, err)
	require.Equal(t, model.SessionAwaitingNewPin, result.State)

	result, err = svc.PinDigits(ctx, userHandle, pin)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeOk, result.Outcome)
	require.Equal(t, model.SessionIdle, result.State)
}

func TestSessionService_RegisterAndPinSetup(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	svc := NewSessionService(repo, new(mockPayments))

	t.Run("first contact creates the session", func(t *testing.T) {
		result, err := svc.Register(ctx, "user-1", "0551112222")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeOk, result.Outcome)

		session, err := repo.Get(ctx, "user-1")
		require.NoError(t, err)
		require.NotNil(t, session.RegisteredAccount)
		assert.Equal(t, "0551112222", *session.RegisteredAccount)
		assert.False(t, session.HasPin())
	})

	t.Run("pin setup requires a registered account", func(t *testing.T) {
		result, err := svc.SetPinStart(ctx, "user-2")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeAwaitingContact, result.Outcome)
		assert.Equal(t, model.SessionAwaitingPhone, result.State)

		// contact arrives as text while awaiting
		result, err = svc.Text(ctx, "user-2", "0552223333")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeOk, result.Outcome)
		assert.Equal(t, model.SessionIdle, result.State)
	})

	t.Run("pin setup stores a hash, never plaintext", func(t *testing.T) {
		result, err := svc.SetPinStart(ctx, "user-1")
		require.NoError(t, err)
		require.Equal(t, model.SessionAwaitingNewPin, result.State)

		result, err = svc.PinDigits(ctx, "user-1", "4321")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeOk, result.Outcome)

		session, err := repo.Get(ctx, "user-1")
		require.NoError(t, err)
		require.True(t, session.HasPin())
		assert.NotContains(t, *session.PinHash, "4321")
	})

	t.Run("invalid pin digits are rejected in setup", func(t *testing.T) {
		_, err := svc.SetPinStart(ctx, "user-1")
		require.NoError(t, err)

		result, err := svc.PinDigits(ctx, "user-1", "12ab")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRejected, result.Outcome)
		assert.Equal(t, model.SessionAwaitingNewPin, result.State)

		// valid retry still works
		result, err = svc.PinDigits(ctx, "user-1", "4321")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeOk, result.Outcome)
	})
}

func TestSessionService_SendMoney(t *testing.T) {
	ctx := context.Background()

	t.Run("no pin means no payment, no state change", func(t *testing.T) {
		repo := newFakeSessionRepo()
		payments := new(mockPayments)
		svc := NewSessionService(repo, payments)

		_, err := svc.Register(ctx, "user-1", "0551112222")
		require.NoError(t, err)

		result, err := svc.SendMoney(ctx, "user-1", decimal.NewFromInt(50), "0249990000")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomePinNotSet, result.Outcome)
		assert.Equal(t, model.SessionIdle, result.State)
		payments.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
	})

	t.Run("unknown user is treated as having no pin", func(t *testing.T) {
		repo := newFakeSessionRepo()
		payments := new(mockPayments)
		svc := NewSessionService(repo, payments)

		result, err := svc.SendMoney(ctx, "stranger", decimal.NewFromInt(50), "0249990000")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomePinNotSet, result.Outcome)
		payments.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
	})

	t.Run("parks the payment awaiting pin", func(t *testing.T) {
		repo := newFakeSessionRepo()
		payments := new(mockPayments)
		svc := NewSessionService(repo, payments)
		registeredUser(t, repo, svc, "user-1", "0551112222", "1234")

		result, err := svc.SendMoney(ctx, "user-1", decimal.NewFromInt(50), "0249990000")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomePinRequired, result.Outcome)
		assert.Equal(t, model.SessionAwaitingPinAuth, result.State)

		session, _ := repo.Get(ctx, "user-1")
		require.NotNil(t, session.Pending)
		assert.Equal(t, model.PendingPinAuth, session.Pending.Kind)
		assert.True(t, session.Pending.Amount.Equal(decimal.NewFromInt(50)))
		assert.Equal(t, "0249990000", session.Pending.Recipient)
		payments.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
	})

	t.Run("missing amount asks for it first", func(t *testing.T) {
		repo := newFakeSessionRepo()
		payments := new(mockPayments)
		svc := NewSessionService(repo, payments)
		registeredUser(t, repo, svc, "user-1", "0551112222", "1234")

		result, err := svc.SendMoney(ctx, "user-1", decimal.Zero, "0249990000")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeAmountRequired, result.Outcome)
		assert.Equal(t, model.SessionAwaitingAmount, result.State)
	})
}

func TestSessionService_PinAuth(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fakeSessionRepo, *mockPayments, *SessionService) {
		repo := newFakeSessionRepo()
		payments := new(mockPayments)
		svc := NewSessionService(repo, payments)
		registeredUser(t, repo, svc, "user-1", "0551112222", "1234")

		_, err := svc.SendMoney(ctx, "user-1", decimal.NewFromInt(50), "0249990000")
		require.NoError(t, err)
		return repo, payments, svc
	}

	t.Run("correct pin initiates the payment", func(t *testing.T) {
		repo, payments, svc := setup(t)

		txn := &model.Transaction{ID: uuid.New(), State: model.TxnPendingDebit}
		payments.On("Initiate", ctx, mock.MatchedBy(func(req model.InitiateRequest) bool {
			return req.SenderHandle == "0551112222" &&
				req.RecipientHandle == "0249990000" &&
				req.Amount.Equal(decimal.NewFromInt(50)) &&
				req.OriginatingSession == "user-1"
		})).Return(txn, nil).Once()

		result, err := svc.PinDigits(ctx, "user-1", "1234")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomePaymentStarted, result.Outcome)
		assert.Equal(t, txn.ID.String(), result.TransactionID)

		session, _ := repo.Get(ctx, "user-1")
		assert.Equal(t, model.SessionIdle, session.ConversationState)
		assert.Nil(t, session.Pending)
		payments.AssertExpectations(t)
	})

	t.Run("wrong pin fails closed", func(t *testing.T) {
		repo, payments, svc := setup(t)

		result, err := svc.PinDigits(ctx, "user-1", "9999")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeWrongPin, result.Outcome)
		assert.Equal(t, model.SessionIdle, result.State)

		session, _ := repo.Get(ctx, "user-1")
		assert.Equal(t, model.SessionIdle, session.ConversationState)
		assert.Nil(t, session.Pending)
		payments.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
	})

	t.Run("saga rejection surfaces as rejected result", func(t *testing.T) {
		_, payments, svc := setup(t)

		payments.On("Initiate", ctx, mock.Anything).Return(nil, ErrChargeRejected).Once()

		result, err := svc.PinDigits(ctx, "user-1", "1234")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRejected, result.Outcome)
	})

	t.Run("pin entry in IDLE is rejected", func(t *testing.T) {
		repo := newFakeSessionRepo()
		svc := NewSessionService(repo, new(mockPayments))
		registeredUser(t, repo, svc, "user-1", "0551112222", "1234")

		result, err := svc.PinDigits(ctx, "user-1", "1234")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRejected, result.Outcome)
	})
}

func TestSessionService_AmountEntry(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	payments := new(mockPayments)
	svc := NewSessionService(repo, payments)
	registeredUser(t, repo, svc, "user-1", "0551112222", "1234")

	_, err := svc.SendMoney(ctx, "user-1", decimal.Zero, "0249990000")
	require.NoError(t, err)

	t.Run("garbage amount keeps waiting", func(t *testing.T) {
		result, err := svc.Text(ctx, "user-1", "a lot")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeAmountRequired, result.Outcome)
		assert.Equal(t, model.SessionAwaitingAmount, result.State)
	})

	t.Run("negative amount keeps waiting", func(t *testing.T) {
		result, err := svc.Text(ctx, "user-1", "-5")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeAmountRequired, result.Outcome)
	})

	t.Run("valid amount moves to pin auth with the payload", func(t *testing.T) {
		result, err := svc.Text(ctx, "user-1", "25.50")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomePinRequired, result.Outcome)
		assert.Equal(t, model.SessionAwaitingPinAuth, result.State)

		session, _ := repo.Get(ctx, "user-1")
		require.NotNil(t, session.Pending)
		assert.Equal(t, model.PendingPinAuth, session.Pending.Kind)
		assert.True(t, session.Pending.Amount.Equal(decimal.NewFromFloat(25.5)))
		assert.Equal(t, "0249990000", session.Pending.Recipient)
	})
}

func TestSessionService_QrPayment(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	payments := new(mockPayments)
	svc := NewSessionService(repo, payments)
	registeredUser(t, repo, svc, "user-1", "0551112222", "1234")

	result, err := svc.RequestQrPayment(ctx, "user-1", "0249990000")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAmountRequired, result.Outcome)
	assert.Equal(t, model.SessionAwaitingQr, result.State)

	result, err = svc.Text(ctx, "user-1", "12")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePinRequired, result.Outcome)
	assert.Equal(t, model.SessionAwaitingPinAuth, result.State)
}

func TestSessionService_PinReset(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fakeSessionRepo, *SessionService) {
		repo := newFakeSessionRepo()
		svc := NewSessionService(repo, new(mockPayments))
		registeredUser(t, repo, svc, "user-1", "0551112222", "1234")
		return repo, svc
	}

	t.Run("reset without a pin", func(t *testing.T) {
		repo := newFakeSessionRepo()
		svc := NewSessionService(repo, new(mockPayments))
		_, err := svc.Register(ctx, "user-1", "0551112222")
		require.NoError(t, err)

		result, err := svc.ResetPinStart(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomePinNotSet, result.Outcome)
	})

	t.Run("matching account clears the pin", func(t *testing.T) {
		repo, svc := setup(t)

		result, err := svc.ResetPinStart(ctx, "user-1")
		require.NoError(t, err)
		require.Equal(t, model.SessionAwaitingReset, result.State)

		result, err = svc.Text(ctx, "user-1", "0551112222")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeOk, result.Outcome)
		assert.Equal(t, model.SessionAwaitingNewPin, result.State)

		session, _ := repo.Get(ctx, "user-1")
		assert.False(t, session.HasPin())
	})

	t.Run("mismatched account keeps the pin", func(t *testing.T) {
		repo, svc := setup(t)

		_, err := svc.ResetPinStart(ctx, "user-1")
		require.NoError(t, err)

		result, err := svc.Text(ctx, "user-1", "0209998888")
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeRejected, result.Outcome)
		assert.Equal(t, model.SessionIdle, result.State)

		session, _ := repo.Get(ctx, "user-1")
		assert.True(t, session.HasPin())
	})
}

func TestSessionService_ListHistory(t *testing.T) {
	ctx := context.Background()
	repo := newFakeSessionRepo()
	payments := new(mockPayments)
	svc := NewSessionService(repo, payments)
	registeredUser(t, repo, svc, "user-1", "0551112222", "1234")

	txns := []*model.Transaction{{ID: uuid.New(), State: model.TxnComplete}}
	payments.On("History", ctx, "0551112222", 10).Return(txns, nil).Once()

	got, err := svc.ListHistory(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = svc.ListHistory(ctx, "nobody", 10)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
