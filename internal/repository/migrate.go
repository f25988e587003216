package repository

import (
	"gorm.io/gorm"

	"study-lifecycle-go/internal/model"
)

// AutoMigrate 创建或更新所有表结构。
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.Study{},
		&model.StudyRevision{},
		&model.StudyTask{},
		&model.IDCounter{},
	)
}
