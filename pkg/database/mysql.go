// Package database 负责创建 MySQL 与 Redis 连接。
package database

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"study-lifecycle-go/pkg/log"
)

var DB *gorm.DB

// OpenMySQL 打开一个 MySQL 连接池。
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		// 所有时间以 UTC 存储
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)           // 设置空闲连接池中连接的最大数量
	sqlDB.SetMaxOpenConns(100)          // 设置打开数据库连接的最大数量
	sqlDB.SetConnMaxLifetime(time.Hour) // 设置了连接可复用的最大时间
	return db, nil
}

// InitMySQL 初始化全局 MySQL 连接，失败时退出进程。
func InitMySQL(dsn string) {
	var err error
	DB, err = OpenMySQL(dsn)
	if err != nil {
		log.Fatal("failed to connect database", err)
	}
	log.Info("MySQL database connected successfully")
}
