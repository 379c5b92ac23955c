package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// ============================================================================
// 流水类型
// ============================================================================

// TransactionKind 流水类型，封闭枚举
//
// 只能通过下面三个包级变量取值，外部无法构造新的类型；
// 处理流水类型的 switch 统一以 default 分支兜底报错，新增类型时编译/测试会暴露遗漏。
type TransactionKind struct {
	name string
}

var (
	KindDeposit     = TransactionKind{"DEPOSIT"}      // 充值入账
	KindTransferOut = TransactionKind{"TRANSFER_OUT"} // 转出
	KindTransferIn  = TransactionKind{"TRANSFER_IN"}  // 转入
)

var transactionKinds = map[string]TransactionKind{
	KindDeposit.name:     KindDeposit,
	KindTransferOut.name: KindTransferOut,
	KindTransferIn.name:  KindTransferIn,
}

// ParseTransactionKind 解析数据库或消息中的流水类型
func ParseTransactionKind(s string) (TransactionKind, error) {
	k, ok := transactionKinds[s]
	if !ok {
		return TransactionKind{}, fmt.Errorf("未知流水类型: %q", s)
	}
	return k, nil
}

func (k TransactionKind) String() string {
	return k.name
}

// Valid 零值不是合法类型
func (k TransactionKind) Valid() bool {
	_, ok := transactionKinds[k.name]
	return ok
}

// Sign 该类型流水金额的符号：入账 +1，出账 -1
func (k TransactionKind) Sign() int64 {
	switch k {
	case KindDeposit, KindTransferIn:
		return 1
	case KindTransferOut:
		return -1
	default:
		panic(fmt.Sprintf("未处理的流水类型: %q", k.name))
	}
}

func (k TransactionKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("非法流水类型: %q", k.name)
	}
	return []byte(k.name), nil
}

func (k *TransactionKind) UnmarshalText(b []byte) error {
	parsed, err := ParseTransactionKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Value 实现 driver.Valuer，落库为字符串
func (k TransactionKind) Value() (driver.Value, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("非法流水类型: %q", k.name)
	}
	return k.name, nil
}

// Scan 实现 sql.Scanner
func (k *TransactionKind) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return k.UnmarshalText([]byte(v))
	case []byte:
		return k.UnmarshalText(v)
	default:
		return fmt.Errorf("无法把 %T 解析为流水类型", src)
	}
}

// ============================================================================
// 账户流水实体
// ============================================================================

// Transaction 账户流水表
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除
// 2. 记录交易后余额，把每条流水钉在账户历史上的某个时点
// 3. 转账产生两条流水，互为对手方，共享幂等键与备注
type Transaction struct {
	Seq            int64           `gorm:"primaryKey;autoIncrement" json:"-"`                           // 提交顺序
	TransactionNo  string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	AccountID      string          `gorm:"type:varchar(64);index:idx_account_created;not null" json:"account_id"`
	Kind           TransactionKind `gorm:"type:varchar(20);not null" json:"kind"`
	Amount         int64           `gorm:"not null" json:"amount"` // 正数入账，负数出账
	CounterpartyID string          `gorm:"type:varchar(64)" json:"counterparty_id,omitempty"`
	IdempotencyKey string          `gorm:"type:varchar(128);index" json:"idempotency_key,omitempty"` // 转账两条流水共享，故不唯一
	Reference      string          `gorm:"type:varchar(256)" json:"reference,omitempty"`
	BalanceAfter   int64           `gorm:"not null" json:"balance_after"`
	CreatedAt      time.Time       `gorm:"index:idx_account_created" json:"created_at"`
}

func (Transaction) TableName() string {
	return "account_transaction"
}

// Clone 值拷贝
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
