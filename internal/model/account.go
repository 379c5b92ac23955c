package model

import (
	"regexp"
	"time"
)

// DefaultCurrency 未指定币种时使用的默认币种
const DefaultCurrency = "USD"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidCurrency ISO 4217 字母代码，必须大写
func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}

// Account 账户表
// 余额以最小货币单位（分）存储，任何时刻都不允许为负
//
// 【对账恒等式】OpeningBalance + Σ(流水.Amount) == Balance
// 开户不产生流水，初始余额单独记录在 OpeningBalance 上
type Account struct {
	ID             string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Currency       string    `gorm:"type:varchar(8);not null" json:"currency"`
	Balance        int64     `gorm:"not null;default:0" json:"balance"`
	OpeningBalance int64     `gorm:"not null;default:0" json:"opening_balance"`
	Version        int64     `gorm:"not null;default:0" json:"version"` // 每次提交变动 +1
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

// Clone 返回值拷贝，避免调用方改写存储层持有的对象
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
