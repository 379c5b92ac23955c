package model

import (
	"time"
)

const (
	OperationDeposit  = "DEPOSIT"
	OperationTransfer = "TRANSFER"
)

// IdempotencyKey 幂等键表
// Key 上有唯一索引，与余额变动在同一事务内占用，保证同一个键最多提交一次
type IdempotencyKey struct {
	Key       string    `gorm:"column:idem_key;type:varchar(128);primaryKey" json:"key"`
	Operation string    `gorm:"type:varchar(20);not null" json:"operation"`
	CreatedAt time.Time `json:"created_at"`
}

func (IdempotencyKey) TableName() string {
	return "idempotency_key"
}
