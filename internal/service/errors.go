package service

import (
	"errors"
	"fmt"
)

// 余额引擎对外暴露的错误分类
//
// 校验类错误（NotFound/AlreadyExists/InvalidAmount/InvalidRequest/InsufficientFunds）
// 直接返回给调用方，重试没有意义；
// Conflict/StoreUnavailable 可以安全重试：要么携带幂等键，要么根本没有提交。
var (
	ErrNotFound          = errors.New("不存在")
	ErrAlreadyExists     = errors.New("已存在")
	ErrInvalidAmount     = errors.New("金额不合法")
	ErrInvalidRequest    = errors.New("请求不合法")
	ErrInsufficientFunds = errors.New("余额不足")
	ErrConflict          = errors.New("并发冲突，请稍后重试")
	ErrStoreUnavailable  = errors.New("存储暂不可用，请稍后重试")
	ErrLedgerMismatch    = errors.New("账实不符")
)

func accountNotFound(role, id string) error {
	return fmt.Errorf("%s账户 %s %w", role, id, ErrNotFound)
}

func insufficientFunds(id string, available, required int64) error {
	return fmt.Errorf("账户 %s %w: 可用 %d, 需要 %d", id, ErrInsufficientFunds, available, required)
}

// IsRetryable 调用方是否可以原样重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}

func isDomainErr(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyExists, ErrInvalidAmount, ErrInvalidRequest,
		ErrInsufficientFunds, ErrConflict, ErrStoreUnavailable, ErrLedgerMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
