package handler

import (
	"errors"
	"net/http"
	"time"

	"ledgersystem/internal/model"
	"ledgersystem/internal/service"
	"ledgersystem/pkg/money"
	"ledgersystem/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// IdempotencyKeyHeader 请求体未携带 idempotency_key 时从该请求头读取
const IdempotencyKeyHeader = "Idempotency-Key"

// Handler 账本 HTTP 接口
//
// 对外金额为主币单位的十进制数（最多两位小数），内部统一换算为最小货币单位
type Handler struct {
	ledger *service.LedgerService
	log    *logrus.Logger
}

func NewHandler(ledger *service.LedgerService, log *logrus.Logger) *Handler {
	return &Handler{ledger: ledger, log: log}
}

// AccountView 账户对外视图
type AccountView struct {
	ID        string    `json:"id"`
	Currency  string    `json:"currency"`
	Balance   string    `json:"balance"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newAccountView(a *model.Account) *AccountView {
	return &AccountView{
		ID:        a.ID,
		Currency:  a.Currency,
		Balance:   money.Format(a.Balance),
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// TransactionView 流水对外视图
type TransactionView struct {
	TransactionNo  string    `json:"transaction_no"`
	AccountID      string    `json:"account_id"`
	Kind           string    `json:"kind"`
	Amount         string    `json:"amount"`
	CounterpartyID string    `json:"counterparty_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	BalanceAfter   string    `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

func newTransactionView(t *model.Transaction) *TransactionView {
	return &TransactionView{
		TransactionNo:  t.TransactionNo,
		AccountID:      t.AccountID,
		Kind:           t.Kind.String(),
		Amount:         money.Format(t.Amount),
		CounterpartyID: t.CounterpartyID,
		IdempotencyKey: t.IdempotencyKey,
		Reference:      t.Reference,
		BalanceAfter:   money.Format(t.BalanceAfter),
		CreatedAt:      t.CreatedAt,
	}
}

// ============================================================
// 账户相关接口
// ============================================================

type CreateAccountRequest struct {
	ID       string           `json:"id" binding:"required"`
	Currency string           `json:"currency"`
	Balance  *decimal.Decimal `json:"balance"`
}

// CreateAccount 开户
// POST /api/v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	var balance int64
	if req.Balance != nil {
		var ok bool
		if balance, ok = h.toMinor(c, *req.Balance); !ok {
			return
		}
	}

	account, err := h.ledger.CreateAccount(c.Request.Context(), &service.CreateAccountRequest{
		ID:             req.ID,
		Currency:       req.Currency,
		InitialBalance: balance,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, newAccountView(account))
}

// GetAccount 查询账户
// GET /api/v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, newAccountView(account))
}

// GetHistory 查询账户及流水，最新在前
// GET /api/v1/accounts/:id/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	history, err := h.ledger.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	transactions := make([]*TransactionView, 0, len(history.Transactions))
	for _, t := range history.Transactions {
		transactions = append(transactions, newTransactionView(t))
	}

	response.Success(c, gin.H{
		"account":      newAccountView(history.Account),
		"transactions": transactions,
	})
}

// ============================================================
// 余额变动接口
// ============================================================

type DepositRequest struct {
	Amount         *decimal.Decimal `json:"amount"`
	IdempotencyKey string           `json:"idempotency_key"`
	Reference      string           `json:"reference"`
}

// Deposit 充值
// POST /api/v1/accounts/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.Amount == nil {
		response.ParamError(c, "amount 不能为空")
		return
	}
	amount, ok := h.toMinor(c, *req.Amount)
	if !ok {
		return
	}

	account, err := h.ledger.Deposit(c.Request.Context(), &service.DepositRequest{
		AccountID:      c.Param("id"),
		Amount:         amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Reference:      req.Reference,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, newAccountView(account))
}

type TransferRequest struct {
	FromAccountID  string           `json:"from_account_id" binding:"required"`
	ToAccountID    string           `json:"to_account_id" binding:"required"`
	Amount         *decimal.Decimal `json:"amount"`
	IdempotencyKey string           `json:"idempotency_key"`
	Reference      string           `json:"reference"`
}

// Transfer 转账
// POST /api/v1/transfers
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.Amount == nil {
		response.ParamError(c, "amount 不能为空")
		return
	}
	amount, ok := h.toMinor(c, *req.Amount)
	if !ok {
		return
	}

	result, err := h.ledger.Transfer(c.Request.Context(), &service.TransferRequest{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		Reference:      req.Reference,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"sender":   newAccountView(result.Sender),
		"receiver": newAccountView(result.Receiver),
	})
}

func idempotencyKey(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader(IdempotencyKeyHeader)
}

func (h *Handler) toMinor(c *gin.Context, amount decimal.Decimal) (int64, bool) {
	minor, err := money.ToMinor(amount)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeInvalidAmount, err.Error())
		return 0, false
	}
	return minor, true
}

// fail 错误分类映射为 HTTP 状态码与业务码
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		response.Error(c, http.StatusNotFound, response.CodeAccountNotFound, err.Error())
	case errors.Is(err, service.ErrAlreadyExists):
		response.Error(c, http.StatusConflict, response.CodeAccountExists, err.Error())
	case errors.Is(err, service.ErrInvalidAmount):
		response.Error(c, http.StatusBadRequest, response.CodeInvalidAmount, err.Error())
	case errors.Is(err, service.ErrInvalidRequest):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		response.Error(c, http.StatusUnprocessableEntity, response.CodeBalanceNotEnough, err.Error())
	case errors.Is(err, service.ErrConflict):
		response.Error(c, http.StatusConflict, response.CodeConcurrentConflict, err.Error())
	case errors.Is(err, service.ErrStoreUnavailable):
		response.Error(c, http.StatusServiceUnavailable, response.CodeStoreUnavailable, err.Error())
	default:
		h.log.WithError(err).WithField("path", c.FullPath()).Error("未分类的错误")
		response.ServerError(c, "服务器内部错误")
	}
}
