// Package testutil 提供测试共用的数据库、Redis 与日志夹具。
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/pkg/log"
)

// NewDB 在临时目录中打开一个已完成迁移的 SQLite 数据库。
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "lifecycle.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, repository.AutoMigrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// NewRedis 启动一个 miniredis 并返回连接到它的客户端。
func NewRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

// UseTestLogger 将全局日志切换到测试输出。
func UseTestLogger(t *testing.T) {
	t.Helper()
	log.SetLogger(zaptest.NewLogger(t))
	t.Cleanup(func() { log.SetLogger(zap.NewNop()) })
}

// CreateUser 插入一个 Active 用户。
func CreateUser(t *testing.T, db *gorm.DB, username string, role model.UserRole) *model.User {
	t.Helper()
	user := &model.User{Username: username, Email: username + "@example.org", Role: role, Status: model.UserActive}
	require.NoError(t, db.Create(user).Error)
	return user
}

// NewStorageConfig 返回指向临时目录的存储配置。
func NewStorageConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	root := t.TempDir()
	return config.StorageConfig{
		StudyMetadataRoot: filepath.Join(root, "metadata"),
		DataRoot:          filepath.Join(root, "data"),
		AuditRoot:         filepath.Join(root, "audit"),
		InternalRoot:      filepath.Join(root, "internal"),
		PublicMirrorRoot:  filepath.Join(root, "mirror"),
		PrivateFTPRoot:    filepath.Join(root, "ftp"),
		RecycleBinRoot:    filepath.Join(root, "recycle-bin"),
		FTPReadWriteMode:  0o770,
		FTPReadOnlyMode:   0o750,
		OwnerUID:          -1,
		OwnerGID:          -1,
		HashWorkers:       2,
	}
}
