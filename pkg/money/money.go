package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultExponent 大多数法币的小数位数
const DefaultExponent int32 = 2

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrPrecision      = errors.New("amount has more decimal places than the currency allows")
	ErrOverflow       = errors.New("amount exceeds int64 minor units")
)

// ToMinor 将十进制金额转换为最小货币单位，例如 exponent=2 时 12.34 -> 1234
func ToMinor(amount decimal.Decimal, exponent int32) (int64, error) {
	if exponent < 0 {
		return 0, fmt.Errorf("invalid currency exponent %d", exponent)
	}
	if amount.IsNegative() {
		return 0, ErrNegativeAmount
	}
	shifted := amount.Shift(exponent)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, ErrPrecision
	}
	if !shifted.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return shifted.IntPart(), nil
}

// ParseMinor 解析十进制金额字符串并转换为最小货币单位
func ParseMinor(amount string, exponent int32) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("amount invalid: %w", err)
	}
	return ToMinor(d, exponent)
}

// FromMinor 最小货币单位转回十进制金额
func FromMinor(minor int64, exponent int32) decimal.Decimal {
	return decimal.New(minor, -exponent)
}
