package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ledgersystem/internal/model"
	"ledgersystem/internal/repository"
)

const maxAccountIDLength = 64

type CreateAccountRequest struct {
	ID             string
	Currency       string // 为空时使用默认币种
	InitialBalance int64  // 最小货币单位，默认 0
}

// History 账户与其流水（最新在前）
type History struct {
	Account      *model.Account       `json:"account"`
	Transactions []*model.Transaction `json:"transactions"`
}

// CreateAccount 开户
//
// 开户不写流水，初始余额记录在 OpeningBalance 上，对账时作为起点
func (s *LedgerService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*model.Account, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" || len(id) > maxAccountIDLength {
		return nil, fmt.Errorf("%w: 账户ID长度必须在 1-%d 之间", ErrInvalidRequest, maxAccountIDLength)
	}
	if req.InitialBalance < 0 {
		return nil, fmt.Errorf("%w: 初始余额不能为负, 实际为 %d", ErrInvalidAmount, req.InitialBalance)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.cfg.Ledger.DefaultCurrency
	}
	if !model.ValidCurrency(currency) {
		return nil, fmt.Errorf("%w: 币种格式错误 %q", ErrInvalidRequest, req.Currency)
	}

	now := s.now()
	account, err := s.store.CreateAccountIfAbsent(ctx, &model.Account{
		ID:             id,
		Currency:       currency,
		Balance:        req.InitialBalance,
		OpeningBalance: req.InitialBalance,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAccountExists) {
			return nil, fmt.Errorf("账户 %s %w", id, ErrAlreadyExists)
		}
		return nil, s.translate("开户", err)
	}

	s.log.WithField("account_id", id).
		WithField("currency", currency).
		WithField("balance", req.InitialBalance).
		Info("开户成功")

	return account, nil
}

// GetAccount 查询账户当前状态
func (s *LedgerService) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.getAccount(ctx, "", id)
}

func (s *LedgerService) getAccount(ctx context.Context, role, id string) (*model.Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, accountNotFound(role, id)
		}
		return nil, s.translate("查询账户", err)
	}
	return account, nil
}

// GetHistory 查询账户及其流水，两者对应同一个时点
func (s *LedgerService) GetHistory(ctx context.Context, id string) (*History, error) {
	account, transactions, err := s.store.GetAccountHistory(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			return nil, accountNotFound("", id)
		}
		return nil, s.translate("查询流水", err)
	}
	return &History{Account: account, Transactions: transactions}, nil
}

// VerifyAccount 对账
//
// 在原子单元内锁住账户，按提交顺序重放流水，校验：
// OpeningBalance + Σ amount == Balance、每条流水的 BalanceAfter、余额非负、
// 金额符号与流水类型一致、流水时间不倒退、流水条数与版本号一致
func (s *LedgerService) VerifyAccount(ctx context.Context, id string) error {
	var mismatch error
	err := s.store.Atomically(ctx, func(tx repository.LedgerTx) error {
		accounts, err := tx.LockAccounts(ctx, id)
		if err != nil {
			return err
		}
		account, ok := accounts[id]
		if !ok {
			return accountNotFound("", id)
		}

		entries, err := tx.ListTransactions(ctx, id)
		if err != nil {
			return err
		}

		mismatch = checkLedger(account, entries)
		return nil
	})
	if err != nil {
		return s.translate("对账", err)
	}
	return mismatch
}

// checkLedger entries 为最新在前
func checkLedger(account *model.Account, entries []*model.Transaction) error {
	if int64(len(entries)) != account.Version {
		return fmt.Errorf("账户 %s %w: 流水 %d 条, 版本号 %d", account.ID, ErrLedgerMismatch, len(entries), account.Version)
	}

	running := account.OpeningBalance
	if running < 0 {
		return fmt.Errorf("账户 %s %w: 初始余额为负 %d", account.ID, ErrLedgerMismatch, running)
	}

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if !e.Kind.Valid() {
			return fmt.Errorf("流水 %s %w: 类型非法", e.TransactionNo, ErrLedgerMismatch)
		}
		if e.Amount == 0 || (e.Amount > 0) != (e.Kind.Sign() > 0) {
			return fmt.Errorf("流水 %s %w: 类型 %s 金额 %d", e.TransactionNo, ErrLedgerMismatch, e.Kind, e.Amount)
		}
		if i < len(entries)-1 && e.CreatedAt.Before(entries[i+1].CreatedAt) {
			return fmt.Errorf("流水 %s %w: 时间倒退", e.TransactionNo, ErrLedgerMismatch)
		}

		running += e.Amount
		if running < 0 {
			return fmt.Errorf("流水 %s %w: 余额为负 %d", e.TransactionNo, ErrLedgerMismatch, running)
		}
		if e.BalanceAfter != running {
			return fmt.Errorf("流水 %s %w: 记录余额 %d, 重放余额 %d", e.TransactionNo, ErrLedgerMismatch, e.BalanceAfter, running)
		}
	}

	if running != account.Balance {
		return fmt.Errorf("账户 %s %w: 账户余额 %d, 重放余额 %d", account.ID, ErrLedgerMismatch, account.Balance, running)
	}
	return nil
}
