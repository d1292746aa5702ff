package mysql

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"linsight/backend/go/internal/config"
)

func TestDSN(t *testing.T) {
	dsn := DSN(&config.MySQLConfig{
		Address:  "db:3306",
		Username: "linsight",
		Password: "secret",
		Database: "linsight",
	})
	assert.Equal(t, "linsight:secret@tcp(db:3306)/linsight?charset=utf8mb4&loc=UTC&parseTime=True", dsn)
}

func TestConfigure(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Configure(db, &config.MySQLConfig{MaxOpenConns: 7, MaxIdleConns: 2, ConnMaxLifetime: 60}))
	assert.Equal(t, 7, sqlDB.Stats().MaxOpenConnections)
	assert.NoError(t, sqlDB.PingContext(context.Background()))
}

func TestConfigure_ZeroValuesKeepDefaults(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Configure(db, &config.MySQLConfig{}))
	assert.Equal(t, 0, sqlDB.Stats().MaxOpenConnections)
}

func TestHealthCheck_Uninitialized(t *testing.T) {
	assert.Error(t, HealthCheck(context.Background()))
	assert.NoError(t, Close())
}
