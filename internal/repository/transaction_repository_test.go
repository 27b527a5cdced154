package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransaction(sender string) *model.Transaction {
	ref := "txn_" + uuid.NewString()
	return &model.Transaction{
		ID:              uuid.New(),
		SenderHandle:    sender,
		RecipientHandle: "0249990000",
		Amount:          decimal.NewFromInt(50),
		Currency:        "GHS",
		State:           model.TxnPendingDebit,
		ChargeReference: &ref,
	}
}

func TestTransactionRepository_Create(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	t.Run("create and fetch by id", func(t *testing.T) {
		txn := newTestTransaction("0551112222")

		created, err := repo.Create(ctx, txn)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, created.ID)

		got, err := repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxnPendingDebit, got.State)
		assert.True(t, got.Amount.Equal(decimal.NewFromInt(50)))
		assert.Equal(t, "GHS", got.Currency)
	})

	t.Run("fetch by charge reference", func(t *testing.T) {
		txn := newTestTransaction("0551113333")
		_, err := repo.Create(ctx, txn)
		require.NoError(t, err)

		got, err := repo.GetByChargeReference(ctx, *txn.ChargeReference)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, got.ID)
	})

	t.Run("unknown id returns not found", func(t *testing.T) {
		_, err := repo.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})

	t.Run("unknown charge reference returns not found", func(t *testing.T) {
		_, err := repo.GetByChargeReference(ctx, "txn_missing")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}

func TestTransactionRepository_Update(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	t.Run("persists state and references", func(t *testing.T) {
		txn := newTestTransaction("0551114444")
		_, err := repo.Create(ctx, txn)
		require.NoError(t, err)

		txn.State = model.TxnDebitSuccess
		code := "RCP_abc123"
		txn.PayoutReference = &code
		txn.OtpAttempts = 2

		_, err = repo.Update(ctx, txn)
		require.NoError(t, err)

		got, err := repo.GetByID(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TxnDebitSuccess, got.State)
		require.NotNil(t, got.PayoutReference)
		assert.Equal(t, "RCP_abc123", *got.PayoutReference)
		assert.Equal(t, 2, got.OtpAttempts)
	})

	t.Run("updating missing record returns not found", func(t *testing.T) {
		txn := newTestTransaction("0551115555")
		_, err := repo.Update(ctx, txn)
		assert.ErrorIs(t, err, ErrTransactionNotFound)
	})
}

func TestTransactionRepository_GetForUpdate(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	txn := newTestTransaction("0551116666")
	_, err := repo.Create(ctx, txn)
	require.NoError(t, err)

	err = db.WithinTransaction(ctx, func(ctx context.Context) error {
		locked, err := repo.GetByIDForUpdate(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, locked.ID)

		byRef, err := repo.GetByChargeReferenceForUpdate(ctx, *txn.ChargeReference)
		require.NoError(t, err)
		assert.Equal(t, txn.ID, byRef.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestTransactionRepository_List(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	sender := "0551117777"
	for i := 0; i < 5; i++ {
		txn := newTestTransaction(sender)
		txn.Amount = decimal.NewFromInt(int64(10 * (i + 1)))
		_, err := repo.Create(ctx, txn)
		require.NoError(t, err)
	}
	other := newTestTransaction("0200000000")
	_, err := repo.Create(ctx, other)
	require.NoError(t, err)

	t.Run("filter by sender", func(t *testing.T) {
		items, total, err := repo.List(ctx, model.TransactionFilter{SenderHandle: &sender})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Len(t, items, 5)
	})

	t.Run("filter by state", func(t *testing.T) {
		items, total, err := repo.List(ctx, model.TransactionFilter{
			States: []model.TransactionState{model.TxnComplete},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
		assert.Empty(t, items)
	})

	t.Run("pagination", func(t *testing.T) {
		items, total, err := repo.List(ctx, model.TransactionFilter{
			SenderHandle: &sender,
			Limit:        2,
			Offset:       4,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Len(t, items, 1)
	})
}

func TestTransactionRepository_ListStuck(t *testing.T) {
	db := setupTestDB(t).DB
	repo := NewTransactionRepository(db)
	ctx := context.Background()

	old := newTestTransaction("0551118888")
	_, err := repo.Create(ctx, old)
	require.NoError(t, err)

	// age the record past the cutoff
	err = db.Write(ctx).Model(&TransactionEntity{}).
		Where("id = ?", old.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error
	require.NoError(t, err)

	fresh := newTestTransaction("0551119999")
	_, err = repo.Create(ctx, fresh)
	require.NoError(t, err)

	done := newTestTransaction("0551110000")
	done.State = model.TxnComplete
	_, err = repo.Create(ctx, done)
	require.NoError(t, err)

	stuck, err := repo.ListStuck(ctx, time.Now().Add(-15*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, old.ID, stuck[0].ID)
}
