package testutil

import (
	"testing"

	"github.com/kasuganosora/dmchat/cache"
	"github.com/kasuganosora/dmchat/config"
	dbadapter "github.com/kasuganosora/dmchat/db"
	"github.com/kasuganosora/dmchat/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB creates an in-memory SQLite DB and runs AutoMigrate.
// It requires no external services and is safe to use in parallel tests.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode: dbadapter.ModeSQLiteMemory,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// CreateUser inserts an account with the given username and returns it.
func CreateUser(t *testing.T, db *gorm.DB, username string) *model.Account {
	t.Helper()
	acc := &model.Account{Username: username, DisplayName: username, PasswordHash: "x", Status: model.AccountNormal}
	require.NoError(t, db.Create(acc).Error, "CreateUser")
	return acc
}
