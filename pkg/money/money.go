// Package money 负责对外金额（主币单位的十进制数）与内部最小货币单位（int64）之间的换算
package money

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent 主币与最小单位之间的位数，例如 1 USD = 100 cents
const MinorUnitExponent = 2

var (
	ErrTooPrecise = errors.New("金额最多保留两位小数")
	ErrOutOfRange = errors.New("金额超出范围")
)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// ToMinor 把 12.34 转为 1234
func ToMinor(amount decimal.Decimal) (int64, error) {
	scaled := amount.Shift(MinorUnitExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	if scaled.GreaterThan(maxMinor) || scaled.LessThan(minMinor) {
		return 0, ErrOutOfRange
	}
	return scaled.IntPart(), nil
}

// FromMinor 把 1234 转为 12.34
func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent)
}

// Format 固定两位小数的字符串，例如 "12.30"
func Format(minor int64) string {
	return FromMinor(minor).StringFixed(MinorUnitExponent)
}
