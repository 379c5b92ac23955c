package repository

import (
	"context"

	"ledgersystem/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// CreateBatch 单条 INSERT 写入全部流水
func (r *TransactionRepository) CreateBatch(ctx context.Context, tx *gorm.DB, entries []*model.Transaction) error {
	if len(entries) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	return wrapErr("记录流水", tx.WithContext(ctx).Create(&entries).Error)
}

// GetByIdempotencyKey 返回该幂等键下最早的一条流水
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.Transaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.Transaction
	err := tx.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Order("seq ASC").
		First(&trans).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, nil
		}
		return nil, wrapErr("按幂等键查询流水", err)
	}
	return &trans, nil
}

func (r *TransactionRepository) ListByAccountID(ctx context.Context, tx *gorm.DB, accountID string) ([]*model.Transaction, error) {
	if tx == nil {
		tx = r.db
	}
	var transactions []*model.Transaction
	err := tx.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("seq DESC").
		Find(&transactions).Error
	if err != nil {
		return nil, wrapErr("查询流水", err)
	}
	return transactions, nil
}
