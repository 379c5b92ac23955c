package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"ledgersystem/internal/model"

	"gorm.io/gorm"
)

// GormLedgerStore 基于 gorm 的账本存储
//
// 原子单元直接映射为数据库事务；账户行锁使用 SELECT ... FOR UPDATE，
// 因此即使多个服务实例共享同一个库，余额读改写也是串行的。
type GormLedgerStore struct {
	db              *gorm.DB
	accountRepo     *AccountRepository
	transactionRepo *TransactionRepository
	idempotencyRepo *IdempotencyRepository
	outboxRepo      *OutboxRepository
}

func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{
		db:              db,
		accountRepo:     NewAccountRepository(db),
		transactionRepo: NewTransactionRepository(db),
		idempotencyRepo: NewIdempotencyRepository(db),
		outboxRepo:      NewOutboxRepository(db),
	}
}

func (s *GormLedgerStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.accountRepo.GetByID(ctx, nil, id)
}

func (s *GormLedgerStore) CreateAccountIfAbsent(ctx context.Context, account *model.Account) (*model.Account, error) {
	if err := s.accountRepo.CreateIfAbsent(ctx, nil, account); err != nil {
		return nil, err
	}
	return account.Clone(), nil
}

func (s *GormLedgerStore) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	return s.transactionRepo.GetByIdempotencyKey(ctx, nil, key)
}

func (s *GormLedgerStore) ListTransactions(ctx context.Context, accountID string) ([]*model.Transaction, error) {
	return s.transactionRepo.ListByAccountID(ctx, nil, accountID)
}

// GetAccountHistory 两次读取放在同一个事务里；
// InnoDB 默认 REPEATABLE READ，事务内的普通 SELECT 读的是同一个快照
func (s *GormLedgerStore) GetAccountHistory(ctx context.Context, id string) (*model.Account, []*model.Transaction, error) {
	var (
		account      *model.Account
		transactions []*model.Transaction
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if account, err = s.accountRepo.GetByID(ctx, tx, id); err != nil {
			return err
		}
		transactions, err = s.transactionRepo.ListByAccountID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, nil, wrapErr("查询账户流水", err)
	}
	return account, transactions, nil
}

func (s *GormLedgerStore) ListAccounts(ctx context.Context, afterID string, limit int) ([]*model.Account, error) {
	return s.accountRepo.ListAfter(ctx, afterID, limit)
}

func (s *GormLedgerStore) Atomically(ctx context.Context, fn func(tx LedgerTx) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&gormTx{store: s, tx: tx})
		return fnErr
	})
	if err == nil {
		return nil
	}
	// fn 自身的错误原样返回，其余视为提交失败
	if fnErr != nil && errors.Is(err, fnErr) {
		return fnErr
	}
	return wrapErr("提交事务", err)
}

func (s *GormLedgerStore) PendingOutbox(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	return s.outboxRepo.GetPendingMessages(ctx, limit)
}

func (s *GormLedgerStore) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.outboxRepo.UpdateStatus(ctx, id, model.OutboxStatusSent)
}

func (s *GormLedgerStore) IncrementOutboxRetry(ctx context.Context, id int64) error {
	return s.outboxRepo.IncrementRetryCount(ctx, id)
}

func (s *GormLedgerStore) MarkOutboxFailed(ctx context.Context, id int64) error {
	return s.outboxRepo.MarkAsFailed(ctx, id)
}

// gormTx 事务内视图，所有操作都绑定在同一个 *gorm.DB 事务上
type gormTx struct {
	store *GormLedgerStore
	tx    *gorm.DB
}

func (t *gormTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*model.Account, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	accounts, err := t.store.accountRepo.LockByIDs(ctx, t.tx, sorted)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*model.Account, len(accounts))
	for _, a := range accounts {
		result[a.ID] = a
	}
	return result, nil
}

func (t *gormTx) PutAccount(ctx context.Context, account *model.Account) error {
	return t.store.accountRepo.UpdateBalance(ctx, t.tx, account)
}

func (t *gormTx) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	return t.store.transactionRepo.GetByIdempotencyKey(ctx, t.tx, key)
}

func (t *gormTx) ListTransactions(ctx context.Context, accountID string) ([]*model.Transaction, error) {
	return t.store.transactionRepo.ListByAccountID(ctx, t.tx, accountID)
}

func (t *gormTx) ClaimIdempotencyKey(ctx context.Context, key, operation string) error {
	return t.store.idempotencyRepo.Claim(ctx, t.tx, key, operation, time.Now())
}

func (t *gormTx) AppendTransactions(ctx context.Context, entries []*model.Transaction) error {
	return t.store.transactionRepo.CreateBatch(ctx, t.tx, entries)
}

func (t *gormTx) EnqueueOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	return t.store.outboxRepo.Create(ctx, t.tx, msg)
}
