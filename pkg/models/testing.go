package models

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/config"
)

// InitializeTestDB connects to a fresh in-memory sqlite database for testing.
// Every call yields an isolated database that is closed when the test ends.
func InitializeTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	config.SetupEnv()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "opening sqlite")

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	// a single connection serialises writers, sqlite does not support concurrent ones
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, MigrationFunc(conn), "migrating test schema")
	require.NoError(t, sqlDB.Ping())

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return conn
}
