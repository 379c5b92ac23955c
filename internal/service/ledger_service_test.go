package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"ledgersystem/internal/config"
	"ledgersystem/internal/infrastructure/lock"
	"ledgersystem/internal/model"
	"ledgersystem/internal/repository"
	"ledgersystem/internal/repository/storetest"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestService(t *testing.T, store repository.LedgerStore, locker lock.Locker) *LedgerService {
	t.Helper()

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	if store == nil {
		store = repository.NewMemoryLedgerStore()
	}
	if locker == nil {
		// SQLite 上事务串行执行，等待时间放宽
		locker = lock.NewLocalLocker(lock.Options{Timeout: 10 * time.Second})
	}
	return NewLedgerService(store, locker, cfg, logger)
}

// forEachStore 在内存存储与 gorm(SQLite) 存储上各跑一遍
func forEachStore(t *testing.T, fn func(t *testing.T, svc *LedgerService, store repository.LedgerStore)) {
	storetest.ForEach(t, func(t *testing.T, store repository.LedgerStore) {
		fn(t, newTestService(t, store, nil), store)
	})
}

func mustCreate(t *testing.T, svc *LedgerService, id string, balance int64) *model.Account {
	t.Helper()
	a, err := svc.CreateAccount(context.Background(), &CreateAccountRequest{ID: id, InitialBalance: balance})
	require.NoError(t, err)
	return a
}

func mustDeposit(t *testing.T, svc *LedgerService, id string, amount int64) {
	t.Helper()
	_, err := svc.Deposit(context.Background(), &DepositRequest{AccountID: id, Amount: amount})
	require.NoError(t, err)
}

func verifyAll(t *testing.T, svc *LedgerService, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, svc.VerifyAccount(context.Background(), id), id)
	}
}

func TestCreateAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()

		a, err := svc.CreateAccount(ctx, &CreateAccountRequest{ID: "w1"})
		require.NoError(t, err)
		assert.Equal(t, "USD", a.Currency)
		assert.Equal(t, int64(0), a.Balance)
		assert.Equal(t, int64(0), a.Version)

		b, err := svc.CreateAccount(ctx, &CreateAccountRequest{ID: "w2", Currency: "eur", InitialBalance: 500})
		require.NoError(t, err)
		assert.Equal(t, "EUR", b.Currency)
		assert.Equal(t, int64(500), b.Balance)
		assert.Equal(t, int64(500), b.OpeningBalance)

		h, err := svc.GetHistory(ctx, "w2")
		require.NoError(t, err)
		assert.Empty(t, h.Transactions)
		assert.Equal(t, int64(500), h.Account.Balance)

		_, err = svc.CreateAccount(ctx, &CreateAccountRequest{ID: "w1", InitialBalance: 10})
		assert.ErrorIs(t, err, ErrAlreadyExists)
		got, err := svc.GetAccount(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Balance)

		cases := []struct {
			name string
			req  CreateAccountRequest
			want error
		}{
			{"空ID", CreateAccountRequest{ID: "  "}, ErrInvalidRequest},
			{"负初始余额", CreateAccountRequest{ID: "w3", InitialBalance: -1}, ErrInvalidAmount},
			{"币种格式错误", CreateAccountRequest{ID: "w4", Currency: "US-D"}, ErrInvalidRequest},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := svc.CreateAccount(ctx, &tc.req)
				assert.ErrorIs(t, err, tc.want)
			})
		}
	})
}

func TestDeposit(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 0)

		a, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 5000, IdempotencyKey: "k1", Reference: "top-up"})
		require.NoError(t, err)
		assert.Equal(t, int64(5000), a.Balance)
		assert.Equal(t, int64(1), a.Version)

		h, err := svc.GetHistory(ctx, "w1")
		require.NoError(t, err)
		require.Len(t, h.Transactions, 1)
		e := h.Transactions[0]
		assert.Equal(t, model.KindDeposit, e.Kind)
		assert.Equal(t, int64(5000), e.Amount)
		assert.Equal(t, int64(5000), e.BalanceAfter)
		assert.Equal(t, "k1", e.IdempotencyKey)
		assert.Equal(t, "top-up", e.Reference)
		assert.NotEmpty(t, e.TransactionNo)
		verifyAll(t, svc, "w1")
	})
}

func TestDepositValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 0)

		for _, amount := range []int64{0, -1, math.MinInt64} {
			_, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: amount})
			assert.ErrorIs(t, err, ErrInvalidAmount)
		}

		_, err := svc.Deposit(ctx, &DepositRequest{AccountID: "missing", Amount: 1})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Contains(t, err.Error(), "missing")

		// 金额校验先于账户存在性
		_, err = svc.Deposit(ctx, &DepositRequest{AccountID: "missing", Amount: 0})
		assert.ErrorIs(t, err, ErrInvalidAmount)

		mustCreate(t, svc, "big", math.MaxInt64-10)
		_, err = svc.Deposit(ctx, &DepositRequest{AccountID: "big", Amount: 11})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		big, err := svc.GetAccount(ctx, "big")
		require.NoError(t, err)
		assert.Equal(t, int64(math.MaxInt64-10), big.Balance)
	})
}

func TestDepositIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 0)

		for i := 0; i < 3; i++ {
			a, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 100, IdempotencyKey: "dup"})
			require.NoError(t, err)
			assert.Equal(t, int64(100), a.Balance)
		}

		h, err := svc.GetHistory(ctx, "w1")
		require.NoError(t, err)
		assert.Len(t, h.Transactions, 1)

		// 不带幂等键的请求每次都生效
		for i := 0; i < 2; i++ {
			mustDeposit(t, svc, "w1", 1)
		}
		a, err := svc.GetAccount(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, int64(102), a.Balance)
	})
}

// 同一幂等键的并发请求最多提交一次
func TestDepositIdempotentConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 0)

		var g errgroup.Group
		for i := 0; i < 20; i++ {
			g.Go(func() error {
				a, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 700, IdempotencyKey: "race"})
				if err != nil {
					return err
				}
				if a.Balance != 700 {
					return fmt.Errorf("余额 %d", a.Balance)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		h, err := svc.GetHistory(ctx, "w1")
		require.NoError(t, err)
		assert.Len(t, h.Transactions, 1)
		verifyAll(t, svc, "w1")
	})
}

// keyBlindStore 查不到任何幂等键对应的流水，
// 重复请求只能靠原子单元内占用幂等键失败来识别
type keyBlindStore struct {
	repository.LedgerStore
}

func (s *keyBlindStore) FindTransactionByIdempotencyKey(context.Context, string) (*model.Transaction, error) {
	return nil, nil
}

func (s *keyBlindStore) Atomically(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	return s.LedgerStore.Atomically(ctx, func(tx repository.LedgerTx) error {
		return fn(&keyBlindTx{LedgerTx: tx})
	})
}

type keyBlindTx struct {
	repository.LedgerTx
}

func (t *keyBlindTx) FindTransactionByIdempotencyKey(context.Context, string) (*model.Transaction, error) {
	return nil, nil
}

func TestDuplicateClaimReplays(t *testing.T) {
	storetest.ForEach(t, func(t *testing.T, store repository.LedgerStore) {
		ctx := context.Background()
		svc := newTestService(t, &keyBlindStore{LedgerStore: store}, nil)
		mustCreate(t, svc, "w1", 0)
		mustCreate(t, svc, "w2", 0)

		var g errgroup.Group
		for i := 0; i < 10; i++ {
			g.Go(func() error {
				_, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 300, IdempotencyKey: "d"})
				return err
			})
		}
		require.NoError(t, g.Wait())

		res, err := svc.Transfer(ctx, &TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: 100, IdempotencyKey: "t"})
		require.NoError(t, err)
		assert.Equal(t, int64(200), res.Sender.Balance)

		// 重复转账：占用幂等键失败，整体回滚，返回当前状态
		res, err = svc.Transfer(ctx, &TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: 100, IdempotencyKey: "t"})
		require.NoError(t, err)
		assert.Equal(t, int64(200), res.Sender.Balance)
		assert.Equal(t, int64(100), res.Receiver.Balance)

		h, err := svc.GetHistory(ctx, "w1")
		require.NoError(t, err)
		assert.Len(t, h.Transactions, 2)

		pending, err := store.PendingOutbox(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
		verifyAll(t, svc, "w1", "w2")
	})
}

func TestConcurrentDeposits(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 0)

		const n = 100
		var g errgroup.Group
		for i := 0; i < n; i++ {
			g.Go(func() error {
				_, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 1})
				return err
			})
		}
		require.NoError(t, g.Wait())

		h, err := svc.GetHistory(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, int64(n), h.Account.Balance)
		assert.Len(t, h.Transactions, n)
		verifyAll(t, svc, "w1")
	})
}

// noopLocker 不做任何互斥，只剩存储自身的原子单元保证正确性
type noopLocker struct{}

func (noopLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }

func TestStoreAtomicityWithoutEngineLock(t *testing.T) {
	storetest.ForEach(t, func(t *testing.T, store repository.LedgerStore) {
		ctx := context.Background()
		svc := newTestService(t, store, noopLocker{})
		mustCreate(t, svc, "a", 1000)
		mustCreate(t, svc, "b", 1000)

		var g errgroup.Group
		for i := 0; i < 40; i++ {
			i := i
			g.Go(func() error {
				switch i % 4 {
				case 0:
					_, err := svc.Deposit(ctx, &DepositRequest{AccountID: "a", Amount: 5})
					return err
				case 1:
					_, err := svc.Deposit(ctx, &DepositRequest{AccountID: "b", Amount: 5, IdempotencyKey: "same"})
					return err
				case 2:
					_, err := svc.Transfer(ctx, &TransferRequest{FromAccountID: "a", ToAccountID: "b", Amount: 7})
					return err
				default:
					_, err := svc.Transfer(ctx, &TransferRequest{FromAccountID: "b", ToAccountID: "a", Amount: 3})
					return err
				}
			})
		}
		require.NoError(t, g.Wait())

		a, err := svc.GetAccount(ctx, "a")
		require.NoError(t, err)
		b, err := svc.GetAccount(ctx, "b")
		require.NoError(t, err)
		// 10 笔无键充值 + 同键充值只生效一次
		assert.Equal(t, int64(2000+10*5+5), a.Balance+b.Balance)
		verifyAll(t, svc, "a", "b")
	})
}

func TestTransfer(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 0)
		mustCreate(t, svc, "w2", 0)
		mustDeposit(t, svc, "w1", 10000)

		res, err := svc.Transfer(ctx, &TransferRequest{
			FromAccountID: "w1", ToAccountID: "w2", Amount: 3000,
			IdempotencyKey: "t1", Reference: "rent",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(7000), res.Sender.Balance)
		assert.Equal(t, int64(3000), res.Receiver.Balance)

		h1, err := svc.GetHistory(ctx, "w1")
		require.NoError(t, err)
		require.Len(t, h1.Transactions, 2)
		out := h1.Transactions[0]
		assert.Equal(t, model.KindTransferOut, out.Kind)
		assert.Equal(t, int64(-3000), out.Amount)
		assert.Equal(t, "w2", out.CounterpartyID)
		assert.Equal(t, int64(7000), out.BalanceAfter)
		assert.Equal(t, model.KindDeposit, h1.Transactions[1].Kind)

		h2, err := svc.GetHistory(ctx, "w2")
		require.NoError(t, err)
		require.Len(t, h2.Transactions, 1)
		in := h2.Transactions[0]
		assert.Equal(t, model.KindTransferIn, in.Kind)
		assert.Equal(t, int64(3000), in.Amount)
		assert.Equal(t, "w1", in.CounterpartyID)
		assert.Equal(t, "t1", in.IdempotencyKey)
		assert.Equal(t, "rent", in.Reference)
		assert.Zero(t, out.Amount+in.Amount)

		// 重放返回当前状态
		res, err = svc.Transfer(ctx, &TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: 3000, IdempotencyKey: "t1"})
		require.NoError(t, err)
		assert.Equal(t, int64(7000), res.Sender.Balance)
		assert.Equal(t, int64(3000), res.Receiver.Balance)

		verifyAll(t, svc, "w1", "w2")
	})
}

func TestTransferInsufficientFunds(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 1000)
		mustCreate(t, svc, "w2", 0)

		_, err := svc.Transfer(ctx, &TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: 1001, IdempotencyKey: "t-x"})
		require.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Contains(t, err.Error(), "1000")
		assert.Contains(t, err.Error(), "1001")

		for _, id := range []string{"w1", "w2"} {
			h, err := svc.GetHistory(ctx, id)
			require.NoError(t, err)
			assert.Empty(t, h.Transactions)
			assert.Equal(t, int64(0), h.Account.Version)
		}

		// 失败的请求没有占用幂等键
		mustDeposit(t, svc, "w1", 1)
		res, err := svc.Transfer(ctx, &TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: 1001, IdempotencyKey: "t-x"})
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.Sender.Balance)
		assert.Equal(t, int64(1001), res.Receiver.Balance)
	})
}

func TestTransferValidationOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 100)
		mustCreate(t, svc, "w2", 0)
		mustCreate(t, svc, "e1", 100)
		_, err := svc.CreateAccount(ctx, &CreateAccountRequest{ID: "e2", Currency: "EUR"})
		require.NoError(t, err)

		cases := []struct {
			name     string
			req      TransferRequest
			want     error
			contains string
		}{
			{"同一账户", TransferRequest{FromAccountID: "w1", ToAccountID: "w1", Amount: 1}, ErrInvalidRequest, ""},
			{"同一账户优先于金额", TransferRequest{FromAccountID: "w1", ToAccountID: "w1", Amount: 0}, ErrInvalidRequest, ""},
			{"金额为0", TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: 0}, ErrInvalidAmount, ""},
			{"金额为负", TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: -5}, ErrInvalidAmount, ""},
			{"金额优先于账户存在性", TransferRequest{FromAccountID: "x", ToAccountID: "y", Amount: 0}, ErrInvalidAmount, ""},
			{"转出账户不存在", TransferRequest{FromAccountID: "x", ToAccountID: "w2", Amount: 1}, ErrNotFound, "转出账户 x"},
			{"两个账户都不存在时报转出账户", TransferRequest{FromAccountID: "x", ToAccountID: "y", Amount: 1}, ErrNotFound, "转出账户 x"},
			{"转入账户不存在", TransferRequest{FromAccountID: "w1", ToAccountID: "y", Amount: 1}, ErrNotFound, "转入账户 y"},
			{"币种不一致", TransferRequest{FromAccountID: "e1", ToAccountID: "e2", Amount: 1}, ErrInvalidRequest, ""},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := svc.Transfer(ctx, &tc.req)
				require.ErrorIs(t, err, tc.want)
				if tc.contains != "" {
					assert.Contains(t, err.Error(), tc.contains)
				}
			})
		}

		w1, err := svc.GetAccount(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), w1.Balance)
	})
}

// A->B 与 B->A 同时进行不会死锁，总额守恒
func TestTransferNoDeadlock(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		mustCreate(t, svc, "a", 10000)
		mustCreate(t, svc, "b", 10000)

		var g errgroup.Group
		for i := 0; i < 50; i++ {
			i := i
			g.Go(func() error {
				from, to := "a", "b"
				if i%2 == 1 {
					from, to = to, from
				}
				_, err := svc.Transfer(ctx, &TransferRequest{
					FromAccountID:  from,
					ToAccountID:    to,
					Amount:         int64(i + 1),
					IdempotencyKey: fmt.Sprintf("tx-%d", i),
				})
				return err
			})
		}
		require.NoError(t, g.Wait())

		a, err := svc.GetAccount(ctx, "a")
		require.NoError(t, err)
		b, err := svc.GetAccount(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(20000), a.Balance+b.Balance)
		assert.GreaterOrEqual(t, a.Balance, int64(0))
		assert.GreaterOrEqual(t, b.Balance, int64(0))
		assert.Equal(t, int64(50), a.Version)
		assert.Equal(t, int64(50), b.Version)

		verifyAll(t, svc, "a", "b")
	})
}

// 并发透支：余额只够一部分转账成功，其余返回余额不足，余额永不为负
func TestConcurrentOverdraft(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "src", 1000)
		mustCreate(t, svc, "dst", 0)

		var ok, insufficient atomic.Int64
		var g errgroup.Group
		for i := 0; i < 30; i++ {
			g.Go(func() error {
				_, err := svc.Transfer(ctx, &TransferRequest{FromAccountID: "src", ToAccountID: "dst", Amount: 100})
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrInsufficientFunds):
					insufficient.Add(1)
				default:
					return err
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int64(10), ok.Load())
		assert.Equal(t, int64(20), insufficient.Load())

		src, err := svc.GetAccount(ctx, "src")
		require.NoError(t, err)
		assert.Equal(t, int64(0), src.Balance)
		verifyAll(t, svc, "src", "dst")
	})
}

// 写入过程中读到的账户与流水始终对应同一时点
func TestGetHistoryConsistentUnderWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 50)

		var g errgroup.Group
		for i := 0; i < 30; i++ {
			g.Go(func() error {
				_, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 1})
				return err
			})
		}
		for i := 0; i < 30; i++ {
			g.Go(func() error {
				h, err := svc.GetHistory(ctx, "w1")
				if err != nil {
					return err
				}
				if int64(len(h.Transactions)) != h.Account.Version {
					return fmt.Errorf("流水 %d 条, 版本号 %d", len(h.Transactions), h.Account.Version)
				}
				want := h.Account.OpeningBalance
				if len(h.Transactions) > 0 {
					want = h.Transactions[0].BalanceAfter
				}
				if want != h.Account.Balance {
					return fmt.Errorf("最新流水余额 %d, 账户余额 %d", want, h.Account.Balance)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
	})
}

func TestLockTimeoutIsConflict(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewLocalLocker(lock.Options{Timeout: 30 * time.Millisecond})
	svc := newTestService(t, nil, locker)
	mustCreate(t, svc, "w1", 0)

	release, err := locker.Acquire(ctx, "w1")
	require.NoError(t, err)

	_, err = svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 1, IdempotencyKey: "k"})
	require.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsRetryable(err))
	release()

	// 超时的请求没有提交，重试成功
	a, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 1, IdempotencyKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Balance)
}

// failingStore 在指定账户写回时失败，用于验证原子性
type failingStore struct {
	repository.LedgerStore
	failOn string
}

func (s *failingStore) Atomically(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	return s.LedgerStore.Atomically(ctx, func(tx repository.LedgerTx) error {
		return fn(&failingTx{LedgerTx: tx, failOn: s.failOn})
	})
}

type failingTx struct {
	repository.LedgerTx
	failOn string
}

func (t *failingTx) PutAccount(ctx context.Context, a *model.Account) error {
	if a.ID == t.failOn {
		return &repository.StoreError{Op: "写回账户", Kind: repository.ErrStoreUnavailable, Err: errors.New("connection reset")}
	}
	return t.LedgerTx.PutAccount(ctx, a)
}

func TestTransferAtomicOnStoreFailure(t *testing.T) {
	storetest.ForEach(t, func(t *testing.T, store repository.LedgerStore) {
		ctx := context.Background()
		svc := newTestService(t, &failingStore{LedgerStore: store, failOn: "w2"}, nil)
		mustCreate(t, svc, "w1", 500)
		mustCreate(t, svc, "w2", 0)

		_, err := svc.Transfer(ctx, &TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: 200, IdempotencyKey: "k"})
		require.ErrorIs(t, err, ErrStoreUnavailable)
		assert.NotContains(t, err.Error(), "connection reset")

		for id, want := range map[string]int64{"w1": 500, "w2": 0} {
			h, err := svc.GetHistory(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, h.Account.Balance)
			assert.Empty(t, h.Transactions)
		}
		pending, err := store.PendingOutbox(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		found, err := store.FindTransactionByIdempotencyKey(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestCommitEnqueuesEventPerAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, store repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 0)
		mustCreate(t, svc, "w2", 0)

		_, err := svc.Deposit(ctx, &DepositRequest{AccountID: "w1", Amount: 300, IdempotencyKey: "d1"})
		require.NoError(t, err)
		_, err = svc.Transfer(ctx, &TransferRequest{FromAccountID: "w1", ToAccountID: "w2", Amount: 100, IdempotencyKey: "t1"})
		require.NoError(t, err)

		msgs, err := store.PendingOutbox(ctx, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 3)

		assert.Equal(t, model.EventDepositCommitted, msgs[0].EventType)
		assert.Equal(t, "w1", msgs[0].MessageKey)
		assert.Equal(t, svc.cfg.Kafka.Topic.LedgerEvents, msgs[0].Topic)

		// 转账的两条事件各以所属账户为分区键，只含该账户的流水
		want := map[string]model.TransactionKind{"w1": model.KindTransferOut, "w2": model.KindTransferIn}
		for _, msg := range msgs[1:] {
			assert.Equal(t, model.EventTransferCommitted, msg.EventType)

			var event model.LedgerEvent
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
			assert.Equal(t, msg.MessageKey, event.AccountID)
			assert.Equal(t, "t1", event.IdempotencyKey)
			require.Len(t, event.Entries, 1)
			assert.Equal(t, msg.MessageKey, event.Entries[0].AccountID)
			assert.Equal(t, want[msg.MessageKey], event.Entries[0].Kind)
			delete(want, msg.MessageKey)
		}
		assert.Empty(t, want)
	})
}

// 本机时钟回拨时流水时间仍然单调不减
func TestEntryTimeMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()
		mustCreate(t, svc, "w1", 0)

		base := time.Now().Add(time.Hour)
		clock := []time.Time{base, base.Add(-time.Minute), base.Add(-2 * time.Minute)}
		var i int
		svc.now = func() time.Time {
			now := clock[i%len(clock)]
			i++
			return now
		}

		for j := 0; j < 3; j++ {
			mustDeposit(t, svc, "w1", 1)
		}

		h, err := svc.GetHistory(ctx, "w1")
		require.NoError(t, err)
		require.Len(t, h.Transactions, 3)
		for j := 0; j < len(h.Transactions)-1; j++ {
			assert.False(t, h.Transactions[j].CreatedAt.Before(h.Transactions[j+1].CreatedAt))
		}
		verifyAll(t, svc, "w1")
	})
}

func TestGetNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, svc *LedgerService, _ repository.LedgerStore) {
		ctx := context.Background()

		_, err := svc.GetAccount(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = svc.GetHistory(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, svc.VerifyAccount(ctx, "nope"), ErrNotFound)
	})
}

func TestCheckLedger(t *testing.T) {
	now := time.Now()
	account := &model.Account{ID: "w1", OpeningBalance: 100, Balance: 150, Version: 2}
	entries := []*model.Transaction{
		{TransactionNo: "2", Kind: model.KindTransferOut, Amount: -50, BalanceAfter: 150, CreatedAt: now},
		{TransactionNo: "1", Kind: model.KindDeposit, Amount: 100, BalanceAfter: 200, CreatedAt: now},
	}
	require.NoError(t, checkLedger(account, entries))

	broken := *entries[0]
	broken.BalanceAfter = 149
	assert.ErrorIs(t, checkLedger(account, []*model.Transaction{&broken, entries[1]}), ErrLedgerMismatch)

	wrongSign := *entries[1]
	wrongSign.Kind = model.KindTransferOut
	assert.ErrorIs(t, checkLedger(account, []*model.Transaction{entries[0], &wrongSign}), ErrLedgerMismatch)

	assert.ErrorIs(t, checkLedger(account, entries[:1]), ErrLedgerMismatch)

	drift := *account
	drift.Balance = 151
	assert.ErrorIs(t, checkLedger(&drift, entries), ErrLedgerMismatch)
}
