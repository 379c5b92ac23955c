package repository

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	ErrAccountNotFound         = errors.New("账户不存在")
	ErrAccountExists           = errors.New("账户已存在")
	ErrDuplicateIdempotencyKey = errors.New("幂等键已被占用")
	ErrStoreUnavailable        = errors.New("存储不可用")
	ErrStoreConflict           = errors.New("存储并发冲突")
)

// MySQL 错误码
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// StoreError 存储层错误
// Error() 只暴露操作名，底层错误只用于日志与 errors.Is/As
type StoreError struct {
	Op   string
	Kind error // ErrStoreUnavailable 或 ErrStoreConflict
	Err  error
}

func (e *StoreError) Error() string {
	return e.Kind.Error() + ": " + e.Op
}

func (e *StoreError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// wrapErr 把底层错误归类为 StoreError；已归类的错误原样返回
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return err
	}
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) {
		return err
	}

	kind := ErrStoreUnavailable
	if isConflict(err) {
		kind = ErrStoreConflict
	}
	return &StoreError{Op: op, Kind: kind, Err: err}
}

func isConflict(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrLockWaitTimeout || mysqlErr.Number == mysqlErrDeadlock
	}
	return false
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
