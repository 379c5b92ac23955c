// Package storetest 为上层测试提供两种账本存储：内存实现与基于 SQLite 的 gorm 实现
package storetest

import (
	"path/filepath"
	"testing"

	"ledgersystem/internal/infrastructure/database"
	"ledgersystem/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewSQLite 每个测试独立的库文件，测试结束自动关闭
//
// SQLite 只有一个写者，连接数限制为 1；FOR UPDATE 子句会被方言忽略，
// 事务之间由这唯一的连接串行
func NewSQLite(t testing.TB) *repository.GormLedgerStore {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return repository.NewGormLedgerStore(db)
}

func NewMemory(testing.TB) *repository.MemoryLedgerStore {
	return repository.NewMemoryLedgerStore()
}

// ForEach 对每种存储各跑一遍 fn
func ForEach(t *testing.T, fn func(t *testing.T, store repository.LedgerStore)) {
	t.Run("gorm", func(t *testing.T) { fn(t, NewSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory(t)) })
}
