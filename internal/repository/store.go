package repository

import (
	"context"

	"ledgersystem/internal/model"
)

// ============================================================================
// 账本存储契约
// ============================================================================
//
// LedgerStore 是余额引擎唯一依赖的持久化边界。
// 所有余额变动必须在 Atomically 内完成：余额、流水、幂等键、本地消息
// 要么一起提交，要么一起回滚。
//
// 实现：
//   - GormLedgerStore：MySQL（生产）/ SQLite（测试）
//   - MemoryLedgerStore：进程内实现，用于本地开发与单元测试

// LedgerStore 账本存储
type LedgerStore interface {
	LedgerReader
	OutboxStore

	// CreateAccountIfAbsent 账户不存在时创建，已存在返回 ErrAccountExists
	CreateAccountIfAbsent(ctx context.Context, account *model.Account) (*model.Account, error)

	// Atomically 在单个原子单元内执行 fn，fn 返回错误则整体回滚
	Atomically(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerReader 只读查询，只会看到已提交的数据
type LedgerReader interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	// FindTransactionByIdempotencyKey 未找到时返回 nil, nil
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error)
	// ListTransactions 按提交顺序倒序（最新在前）
	ListTransactions(ctx context.Context, accountID string) ([]*model.Transaction, error)
	// GetAccountHistory 同一时点的账户与流水（最新在前），账户不存在返回 ErrAccountNotFound
	GetAccountHistory(ctx context.Context, id string) (*model.Account, []*model.Transaction, error)
	// ListAccounts 按 ID 升序分页，afterID 为空表示从头开始
	ListAccounts(ctx context.Context, afterID string, limit int) ([]*model.Account, error)
}

// LedgerTx 原子单元内可用的操作
type LedgerTx interface {
	// LockAccounts 按 ID 升序对账户加排他锁并返回当前值，不存在的账户不出现在结果中
	LockAccounts(ctx context.Context, ids ...string) (map[string]*model.Account, error)
	// PutAccount 写回余额，account.Version 必须恰好比读取时大 1，否则返回 ErrStoreConflict
	PutAccount(ctx context.Context, account *model.Account) error
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, accountID string) ([]*model.Transaction, error)
	// ClaimIdempotencyKey 占用幂等键，已被占用返回 ErrDuplicateIdempotencyKey
	ClaimIdempotencyKey(ctx context.Context, key, operation string) error
	// AppendTransactions 批量追加流水，全部成功或全部失败
	AppendTransactions(ctx context.Context, entries []*model.Transaction) error
	EnqueueOutbox(ctx context.Context, msg *model.OutboxMessage) error
}

// OutboxStore 本地消息表的维护操作，供 OutboxSender 使用
type OutboxStore interface {
	PendingOutbox(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, id int64) error
	IncrementOutboxRetry(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64) error
}
