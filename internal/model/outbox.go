package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const (
	EventDepositCommitted  = "ledger.deposit"
	EventTransferCommitted = "ledger.transfer"
)

// OutboxMessage 本地消息表
// 与余额变动在同一事务内写入，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"` // Kafka 分区键，取账户ID
	EventType  string    `gorm:"type:varchar(32);not null" json:"event_type"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// LedgerEvent 投递到 Kafka 的流水事件，每个账户一条，只含该账户的流水
type LedgerEvent struct {
	EventType      string         `json:"event_type"`
	AccountID      string         `json:"account_id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Reference      string         `json:"reference,omitempty"`
	Entries        []*Transaction `json:"entries"`
	CommittedAt    time.Time      `json:"committed_at"`
}
