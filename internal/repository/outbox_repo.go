package repository

import (
	"context"

	"ledgersystem/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	return wrapErr("写入消息", tx.WithContext(ctx).Create(msg).Error)
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, wrapErr("查询待发送消息", err)
}

func (r *OutboxRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	return wrapErr("更新消息状态", r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", status).Error)
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return wrapErr("增加重试次数", r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error)
}

func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return wrapErr("标记消息失败", r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Update("status", model.OutboxStatusFailed).Error)
}
