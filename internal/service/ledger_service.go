package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"ledgersystem/internal/config"
	"ledgersystem/internal/infrastructure/lock"
	"ledgersystem/internal/model"
	"ledgersystem/internal/repository"
	"ledgersystem/pkg/idgen"

	"github.com/sirupsen/logrus"
)

// LedgerService 余额引擎
//
// 【关键点】每一笔余额变动都需要保证：
// 1. 幂等性：相同的幂等键最多提交一次，重复请求返回账户当前状态
// 2. 原子性：余额、流水、幂等键、本地消息在同一个原子单元内提交
// 3. 并发安全：按账户ID升序加锁，限时等待，超时返回 ErrConflict
type LedgerService struct {
	store  repository.LedgerStore
	locker lock.Locker
	cfg    *config.Config
	log    *logrus.Logger
	now    func() time.Time
}

func NewLedgerService(store repository.LedgerStore, locker lock.Locker, cfg *config.Config, log *logrus.Logger) *LedgerService {
	return &LedgerService{
		store:  store,
		locker: locker,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

type DepositRequest struct {
	AccountID      string
	Amount         int64 // 最小货币单位
	IdempotencyKey string
	Reference      string
}

type TransferRequest struct {
	FromAccountID  string
	ToAccountID    string
	Amount         int64
	IdempotencyKey string
	Reference      string
}

type TransferResult struct {
	Sender   *model.Account `json:"sender"`
	Receiver *model.Account `json:"receiver"`
}

// Deposit 充值
func (s *LedgerService) Deposit(ctx context.Context, req *DepositRequest) (*model.Account, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("%w: 账户ID不能为空", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: 充值金额必须大于0, 实际为 %d", ErrInvalidAmount, req.Amount)
	}

	logger := s.log.WithFields(logrus.Fields{
		"account_id":      req.AccountID,
		"amount":          req.Amount,
		"idempotency_key": req.IdempotencyKey,
	})

	// 幂等快速路径，只是优化；权威判断在原子单元内
	replayed, err := s.seen(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, s.translate("充值", err)
	}
	if replayed {
		logger.Info("重复充值请求，返回账户当前状态")
		return s.GetAccount(ctx, req.AccountID)
	}

	release, err := lock.AcquireAll(ctx, s.locker, req.AccountID)
	if err != nil {
		return nil, s.translate("充值", err)
	}
	defer release()

	var (
		updated *model.Account
		entry   *model.Transaction
	)
	err = s.store.Atomically(ctx, func(tx repository.LedgerTx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.FindTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				replayed = true
				return nil
			}
		}

		accounts, err := tx.LockAccounts(ctx, req.AccountID)
		if err != nil {
			return err
		}
		account, ok := accounts[req.AccountID]
		if !ok {
			return accountNotFound("", req.AccountID)
		}
		if account.Balance > math.MaxInt64-req.Amount {
			return fmt.Errorf("%w: 账户 %s 余额溢出", ErrInvalidAmount, account.ID)
		}

		now := s.commitTime(account)
		account.Balance += req.Amount
		account.Version++
		account.UpdatedAt = now

		entry = &model.Transaction{
			TransactionNo:  idgen.GenerateTransactionNo(),
			AccountID:      account.ID,
			Kind:           model.KindDeposit,
			Amount:         req.Amount,
			IdempotencyKey: req.IdempotencyKey,
			Reference:      req.Reference,
			BalanceAfter:   account.Balance,
			CreatedAt:      now,
		}

		err = s.commit(ctx, tx, pendingCommit{
			operation:      model.OperationDeposit,
			eventType:      model.EventDepositCommitted,
			idempotencyKey: req.IdempotencyKey,
			reference:      req.Reference,
			accounts:       []*model.Account{account},
			entries:        []*model.Transaction{entry},
			committedAt:    now,
		})
		if err != nil {
			return err
		}

		updated = account
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		replayed, err = true, nil
	}
	if err != nil {
		return nil, s.translate("充值", err)
	}
	if replayed {
		logger.Info("并发的重复充值请求，返回账户当前状态")
		return s.GetAccount(ctx, req.AccountID)
	}

	logger.WithFields(logrus.Fields{
		"transaction_no": entry.TransactionNo,
		"balance_after":  entry.BalanceAfter,
	}).Info("充值成功")

	return updated, nil
}

// Transfer 转账
//
// 两个账户按ID升序加锁；校验顺序固定：先转出账户、再转入账户、最后余额
func (s *LedgerService) Transfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if req.FromAccountID == "" || req.ToAccountID == "" {
		return nil, fmt.Errorf("%w: 转出、转入账户ID不能为空", ErrInvalidRequest)
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, fmt.Errorf("%w: 不能向同一账户转账", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: 转账金额必须大于0, 实际为 %d", ErrInvalidAmount, req.Amount)
	}

	logger := s.log.WithFields(logrus.Fields{
		"from_account_id": req.FromAccountID,
		"to_account_id":   req.ToAccountID,
		"amount":          req.Amount,
		"idempotency_key": req.IdempotencyKey,
	})

	replayed, err := s.seen(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, s.translate("转账", err)
	}
	if replayed {
		logger.Info("重复转账请求，返回账户当前状态")
		return s.currentPair(ctx, req.FromAccountID, req.ToAccountID)
	}

	release, err := lock.AcquireAll(ctx, s.locker, req.FromAccountID, req.ToAccountID)
	if err != nil {
		return nil, s.translate("转账", err)
	}
	defer release()

	var (
		result  *TransferResult
		entries []*model.Transaction
	)
	err = s.store.Atomically(ctx, func(tx repository.LedgerTx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.FindTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				replayed = true
				return nil
			}
		}

		accounts, err := tx.LockAccounts(ctx, req.FromAccountID, req.ToAccountID)
		if err != nil {
			return err
		}
		sender, ok := accounts[req.FromAccountID]
		if !ok {
			return accountNotFound("转出", req.FromAccountID)
		}
		receiver, ok := accounts[req.ToAccountID]
		if !ok {
			return accountNotFound("转入", req.ToAccountID)
		}

		if sender.Currency != receiver.Currency {
			return fmt.Errorf("%w: 币种不一致 %s -> %s", ErrInvalidRequest, sender.Currency, receiver.Currency)
		}
		if sender.Balance < req.Amount {
			return insufficientFunds(sender.ID, sender.Balance, req.Amount)
		}
		if receiver.Balance > math.MaxInt64-req.Amount {
			return fmt.Errorf("%w: 账户 %s 余额溢出", ErrInvalidAmount, receiver.ID)
		}

		now := s.commitTime(sender, receiver)
		sender.Balance -= req.Amount
		sender.Version++
		sender.UpdatedAt = now
		receiver.Balance += req.Amount
		receiver.Version++
		receiver.UpdatedAt = now

		entries = []*model.Transaction{
			{
				TransactionNo:  idgen.GenerateTransactionNo(),
				AccountID:      sender.ID,
				Kind:           model.KindTransferOut,
				Amount:         -req.Amount,
				CounterpartyID: receiver.ID,
				IdempotencyKey: req.IdempotencyKey,
				Reference:      req.Reference,
				BalanceAfter:   sender.Balance,
				CreatedAt:      now,
			},
			{
				TransactionNo:  idgen.GenerateTransactionNo(),
				AccountID:      receiver.ID,
				Kind:           model.KindTransferIn,
				Amount:         req.Amount,
				CounterpartyID: sender.ID,
				IdempotencyKey: req.IdempotencyKey,
				Reference:      req.Reference,
				BalanceAfter:   receiver.Balance,
				CreatedAt:      now,
			},
		}

		err = s.commit(ctx, tx, pendingCommit{
			operation:      model.OperationTransfer,
			eventType:      model.EventTransferCommitted,
			idempotencyKey: req.IdempotencyKey,
			reference:      req.Reference,
			accounts:       []*model.Account{sender, receiver},
			entries:        entries,
			committedAt:    now,
		})
		if err != nil {
			return err
		}

		result = &TransferResult{Sender: sender, Receiver: receiver}
		return nil
	})
	if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
		replayed, err = true, nil
	}
	if err != nil {
		return nil, s.translate("转账", err)
	}
	if replayed {
		logger.Info("并发的重复转账请求，返回账户当前状态")
		return s.currentPair(ctx, req.FromAccountID, req.ToAccountID)
	}

	logger.WithFields(logrus.Fields{
		"out_transaction_no": entries[0].TransactionNo,
		"in_transaction_no":  entries[1].TransactionNo,
	}).Info("转账成功")

	return result, nil
}

// pendingCommit 一次提交需要写入的全部内容
type pendingCommit struct {
	operation      string
	eventType      string
	idempotencyKey string
	reference      string
	accounts       []*model.Account
	entries        []*model.Transaction
	committedAt    time.Time
}

// commit 在原子单元内写入幂等键、流水、本地消息与账户余额
func (s *LedgerService) commit(ctx context.Context, tx repository.LedgerTx, pc pendingCommit) error {
	if pc.idempotencyKey != "" {
		if err := tx.ClaimIdempotencyKey(ctx, pc.idempotencyKey, pc.operation); err != nil {
			return err
		}
	}

	if err := tx.AppendTransactions(ctx, pc.entries); err != nil {
		return err
	}

	// 每个涉及的账户各一条事件，以账户ID为分区键，
	// 转入方的事件与它自己的充值事件落在同一分区
	for _, account := range pc.accounts {
		if err := s.enqueueEvent(ctx, tx, pc, account.ID); err != nil {
			return err
		}
	}

	for _, account := range pc.accounts {
		if err := tx.PutAccount(ctx, account); err != nil {
			return err
		}
	}
	return nil
}

func (s *LedgerService) enqueueEvent(ctx context.Context, tx repository.LedgerTx, pc pendingCommit, accountID string) error {
	entries := make([]*model.Transaction, 0, 1)
	for _, e := range pc.entries {
		if e.AccountID == accountID {
			entries = append(entries, e)
		}
	}

	payload, err := json.Marshal(&model.LedgerEvent{
		EventType:      pc.eventType,
		AccountID:      accountID,
		IdempotencyKey: pc.idempotencyKey,
		Reference:      pc.reference,
		Entries:        entries,
		CommittedAt:    pc.committedAt,
	})
	if err != nil {
		return fmt.Errorf("序列化流水事件失败: %w", err)
	}

	return tx.EnqueueOutbox(ctx, &model.OutboxMessage{
		MessageKey: accountID,
		EventType:  pc.eventType,
		Topic:      s.cfg.Kafka.Topic.LedgerEvents,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

// seen 幂等键是否已有已提交的流水
func (s *LedgerService) seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	existing, err := s.store.FindTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		return false, err
	}
	return existing != nil, nil
}

func (s *LedgerService) currentPair(ctx context.Context, fromID, toID string) (*TransferResult, error) {
	sender, err := s.getAccount(ctx, "转出", fromID)
	if err != nil {
		return nil, err
	}
	receiver, err := s.getAccount(ctx, "转入", toID)
	if err != nil {
		return nil, err
	}
	return &TransferResult{Sender: sender, Receiver: receiver}, nil
}

// commitTime 保证同一账户的流水时间单调不减，即使本机时钟回拨
func (s *LedgerService) commitTime(accounts ...*model.Account) time.Time {
	now := s.now()
	for _, a := range accounts {
		if a.UpdatedAt.After(now) {
			now = a.UpdatedAt
		}
	}
	return now
}

// translate 把锁与存储层错误归入对外的错误分类，底层细节只写日志
func (s *LedgerService) translate(op string, err error) error {
	if isDomainErr(err) {
		return err
	}

	logger := s.log.WithError(err).WithField("op", op)
	switch {
	case errors.Is(err, lock.ErrLockTimeout),
		errors.Is(err, repository.ErrStoreConflict),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		logger.Warn("并发冲突")
		return fmt.Errorf("%s: %w", op, ErrConflict)
	default:
		logger.Error("存储异常")
		return fmt.Errorf("%s: %w", op, ErrStoreUnavailable)
	}
}
