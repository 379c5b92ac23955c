package repository

import (
	"context"
	"fmt"

	"ledgersystem/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// CreateIfAbsent 依赖主键冲突判断账户是否已存在，避免"先查后插"的竞态
func (r *AccountRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(account)
	if result.Error != nil {
		return wrapErr("创建账户", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrAccountExists
	}
	return nil
}

func (r *AccountRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		if isRecordNotFound(err) {
			return nil, ErrAccountNotFound
		}
		return nil, wrapErr("查询账户", err)
	}
	return &account, nil
}

// LockByIDs SELECT ... FOR UPDATE，按主键升序加锁，避免交叉转账死锁
func (r *AccountRepository) LockByIDs(ctx context.Context, tx *gorm.DB, ids []string) ([]*model.Account, error) {
	var accounts []*model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, wrapErr("锁定账户", err)
	}
	return accounts, nil
}

// UpdateBalance 以版本号做乐观校验写回余额
//
// 调用方已持有行锁，版本号校验兜底防止绕过锁的写入；
// balance >= 0 作为最后一道防线，任何情况下都不会写入负余额
func (r *AccountRepository) UpdateBalance(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	if account.Balance < 0 {
		return &StoreError{Op: "写回账户", Kind: ErrStoreConflict, Err: fmt.Errorf("账户 %s 余额为负: %d", account.ID, account.Balance)}
	}

	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", account.ID, account.Version-1).
		Updates(map[string]interface{}{
			"balance":    account.Balance,
			"version":    account.Version,
			"updated_at": account.UpdatedAt,
		})

	if result.Error != nil {
		return wrapErr("写回账户", result.Error)
	}

	if result.RowsAffected == 0 {
		return &StoreError{Op: "写回账户", Kind: ErrStoreConflict, Err: fmt.Errorf("账户 %s 版本号 %d 已变化", account.ID, account.Version-1)}
	}

	return nil
}

func (r *AccountRepository) ListAfter(ctx context.Context, afterID string, limit int) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, wrapErr("分页查询账户", err)
	}
	return accounts, nil
}
