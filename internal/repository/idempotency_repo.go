package repository

import (
	"context"
	"time"

	"ledgersystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Claim 占用幂等键
//
// 并发的同键请求在 MySQL 上会阻塞在唯一索引上，直到先到者提交或回滚：
// 先到者提交 -> 后到者影响行数为 0，返回 ErrDuplicateIdempotencyKey
// 先到者回滚 -> 后到者插入成功
func (r *IdempotencyRepository) Claim(ctx context.Context, tx *gorm.DB, key, operation string, now time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.IdempotencyKey{Key: key, Operation: operation, CreatedAt: now})
	if result.Error != nil {
		return wrapErr("占用幂等键", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}
