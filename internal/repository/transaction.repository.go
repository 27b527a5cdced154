package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sikaswift/payment-gateway/internal/model"
	"github.com/sikaswift/payment-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrTransactionNotFound is returned when a transfer does not exist.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrStaleTransition is returned when a write would move a transaction
	// backwards along its lifecycle.
	ErrStaleTransition = errors.New("transition not forward-reachable")
)

type TransactionRepository struct {
	*pg.DB
}

func NewTransactionRepository(db *pg.DB) *TransactionRepository {
	return &TransactionRepository{
		db,
	}
}

func (r *TransactionRepository) Create(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(txn)

	if err := r.Write(ctx).WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}

	return toTransactionModel(entity), nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

func (r *TransactionRepository) GetByChargeReference(ctx context.Context, reference string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Read(ctx).WithContext(ctx).Where("charge_reference = ?", reference).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// GetByIDForUpdate loads a transaction under SELECT ... FOR UPDATE. Must be
// called inside WithinTransaction; the row lock serializes all mutating
// handlers touching the same id.
func (r *TransactionRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// GetByChargeReferenceForUpdate is GetByIDForUpdate keyed by the gateway
// charge reference, for webhook-driven transitions.
func (r *TransactionRepository) GetByChargeReferenceForUpdate(ctx context.Context, reference string) (*model.Transaction, error) {
	var entity TransactionEntity
	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("charge_reference = ?", reference).
		First(&entity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return toTransactionModel(&entity), nil
}

// Update persists the full transaction record. Callers are expected to have
// loaded the row with a ForUpdate variant first and to have validated the
// state transition against the lifecycle DAG.
func (r *TransactionRepository) Update(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	entity := toTransactionEntity(txn)
	result := r.Write(ctx).WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("id = ?", entity.ID).
		Updates(map[string]interface{}{
			"state":            entity.State,
			"charge_reference": entity.ChargeReference,
			"payout_reference": entity.PayoutReference,
			"otp_attempts":     entity.OtpAttempts,
			"failure_reason":   entity.FailureReason,
			"updated_at":       time.Now().UTC(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrTransactionNotFound
	}
	return txn, nil
}

func (r *TransactionRepository) List(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	q := r.Read(ctx).WithContext(ctx).Model(&TransactionEntity{})

	if f.SenderHandle != nil && *f.SenderHandle != "" {
		q = q.Where("sender_handle = ?", *f.SenderHandle)
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		q = q.Where("state IN ?", states)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at < ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	order := "created_at"
	if f.Desc {
		order += " DESC"
	} else {
		order += " ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*TransactionEntity
	if err := q.Order(order).Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}

	return toTransactionModels(entities), total, nil
}

// ListStuck returns non-terminal collection-phase transactions older than
// the cutoff. Used by the expiry sweep.
func (r *TransactionRepository) ListStuck(ctx context.Context, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var entities []*TransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("state IN ?", []string{string(model.TxnPendingDebit), string(model.TxnWaitingForOtp)}).
		Where("created_at < ?", olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}
	return toTransactionModels(entities), nil
}
