// Package repositorytest opens throwaway databases for tests. It is only
// imported from _test files, so the sqlite driver never reaches the
// production binaries.
package repositorytest

import (
	"testing"

	"github.com/nimasrn/chat-relay/pkg/pg"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB opens an in-memory sqlite database migrated for models. Reads and
// writes share one connection pool.
func NewDB(t testing.TB, models ...any) *pg.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// every pooled connection to :memory: would be a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models...))
	return pg.NewDB(db, db)
}
