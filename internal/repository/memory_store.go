package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgersystem/internal/model"
)

// MemoryLedgerStore 进程内账本存储
//
// Atomically 持有写锁执行整个原子单元，写操作先暂存在 memTx 中，
// fn 成功后才一次性合并，失败则直接丢弃，不会留下部分写入。
// 读操作持有读锁，只能看到已合并的数据。
type MemoryLedgerStore struct {
	mu         sync.RWMutex
	accounts   map[string]*model.Account
	entries    []*model.Transaction // 按提交顺序
	byKey      map[string][]*model.Transaction
	byAccount  map[string][]*model.Transaction
	claimed    map[string]*model.IdempotencyKey
	outbox     []*model.OutboxMessage
	nextSeq    int64
	nextOutbox int64
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		accounts:  make(map[string]*model.Account),
		byKey:     make(map[string][]*model.Transaction),
		byAccount: make(map[string][]*model.Transaction),
		claimed:   make(map[string]*model.IdempotencyKey),
	}
}

func (s *MemoryLedgerStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryLedgerStore) CreateAccountIfAbsent(ctx context.Context, account *model.Account) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[account.ID]; ok {
		return nil, ErrAccountExists
	}
	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = account.CreatedAt
	}
	s.accounts[account.ID] = account.Clone()
	return account.Clone(), nil
}

func (s *MemoryLedgerStore) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByKey(key), nil
}

func (s *MemoryLedgerStore) findByKey(key string) *model.Transaction {
	entries := s.byKey[key]
	if len(entries) == 0 {
		return nil
	}
	return entries[0].Clone()
}

func (s *MemoryLedgerStore) ListTransactions(ctx context.Context, accountID string) ([]*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listByAccount(accountID), nil
}

func (s *MemoryLedgerStore) GetAccountHistory(ctx context.Context, id string) (*model.Account, []*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, nil, ErrAccountNotFound
	}
	return a.Clone(), s.listByAccount(id), nil
}

func (s *MemoryLedgerStore) listByAccount(accountID string) []*model.Transaction {
	entries := s.byAccount[accountID]
	out := make([]*model.Transaction, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Clone())
	}
	return out
}

func (s *MemoryLedgerStore) ListAccounts(ctx context.Context, afterID string, limit int) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]*model.Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.accounts[id].Clone())
	}
	return out, nil
}

func (s *MemoryLedgerStore) Atomically(ctx context.Context, fn func(tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("开启事务", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:    s,
		accounts: make(map[string]*model.Account),
		claimed:  make(map[string]*model.IdempotencyKey),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

// commit 调用方持有写锁
func (s *MemoryLedgerStore) commit(tx *memTx) {
	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for _, e := range tx.entries {
		s.nextSeq++
		e.Seq = s.nextSeq
		s.entries = append(s.entries, e)
		s.byAccount[e.AccountID] = append(s.byAccount[e.AccountID], e)
		if e.IdempotencyKey != "" {
			s.byKey[e.IdempotencyKey] = append(s.byKey[e.IdempotencyKey], e)
		}
	}
	for k, v := range tx.claimed {
		s.claimed[k] = v
	}
	for _, m := range tx.outbox {
		s.nextOutbox++
		m.ID = s.nextOutbox
		s.outbox = append(s.outbox, m)
	}
}

func (s *MemoryLedgerStore) PendingOutbox(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.OutboxMessage
	for _, m := range s.outbox {
		if m.Status != model.OutboxStatusPending {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryLedgerStore) MarkOutboxSent(ctx context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.Status = model.OutboxStatusSent })
}

func (s *MemoryLedgerStore) IncrementOutboxRetry(ctx context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.RetryCount++ })
}

func (s *MemoryLedgerStore) MarkOutboxFailed(ctx context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.Status = model.OutboxStatusFailed })
}

func (s *MemoryLedgerStore) updateOutbox(id int64, fn func(m *model.OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.outbox {
		if m.ID == id {
			fn(m)
			m.UpdatedAt = time.Now()
			return nil
		}
	}
	return wrapErr("更新消息", fmt.Errorf("消息 %d 不存在", id))
}

// memTx 暂存一个原子单元内的全部写入
type memTx struct {
	store    *MemoryLedgerStore
	accounts map[string]*model.Account
	entries  []*model.Transaction
	claimed  map[string]*model.IdempotencyKey
	outbox   []*model.OutboxMessage
}

func (t *memTx) current(id string) (*model.Account, bool) {
	if a, ok := t.accounts[id]; ok {
		return a, true
	}
	a, ok := t.store.accounts[id]
	return a, ok
}

func (t *memTx) LockAccounts(ctx context.Context, ids ...string) (map[string]*model.Account, error) {
	result := make(map[string]*model.Account, len(ids))
	for _, id := range ids {
		if a, ok := t.current(id); ok {
			result[id] = a.Clone()
		}
	}
	return result, nil
}

func (t *memTx) PutAccount(ctx context.Context, account *model.Account) error {
	current, ok := t.current(account.ID)
	if !ok {
		return ErrAccountNotFound
	}
	if current.Version != account.Version-1 || account.Balance < 0 {
		return &StoreError{Op: "写回账户", Kind: ErrStoreConflict,
			Err: fmt.Errorf("账户 %s 版本号 %d -> %d, 余额 %d", account.ID, current.Version, account.Version, account.Balance)}
	}
	t.accounts[account.ID] = account.Clone()
	return nil
}

func (t *memTx) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*model.Transaction, error) {
	if e := t.store.findByKey(key); e != nil {
		return e, nil
	}
	for _, e := range t.entries {
		if e.IdempotencyKey == key {
			return e.Clone(), nil
		}
	}
	return nil, nil
}

func (t *memTx) ListTransactions(ctx context.Context, accountID string) ([]*model.Transaction, error) {
	out := t.store.listByAccount(accountID)
	for _, e := range t.entries {
		if e.AccountID == accountID {
			out = append([]*model.Transaction{e.Clone()}, out...)
		}
	}
	return out, nil
}

func (t *memTx) ClaimIdempotencyKey(ctx context.Context, key, operation string) error {
	if _, ok := t.store.claimed[key]; ok {
		return ErrDuplicateIdempotencyKey
	}
	if _, ok := t.claimed[key]; ok {
		return ErrDuplicateIdempotencyKey
	}
	t.claimed[key] = &model.IdempotencyKey{Key: key, Operation: operation, CreatedAt: time.Now()}
	return nil
}

func (t *memTx) AppendTransactions(ctx context.Context, entries []*model.Transaction) error {
	for _, e := range entries {
		if !e.Kind.Valid() {
			return wrapErr("记录流水", fmt.Errorf("流水 %s 类型非法", e.TransactionNo))
		}
	}
	for _, e := range entries {
		t.entries = append(t.entries, e.Clone())
	}
	return nil
}

func (t *memTx) EnqueueOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	cp := *msg
	if cp.Status == "" {
		cp.Status = model.OutboxStatusPending
	}
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	t.outbox = append(t.outbox, &cp)
	return nil
}
