package repository

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"study-lifecycle-go/internal/model"
)

// CounterRepository 提供单调递增的标识计数器。
type CounterRepository interface {
	WithTx(tx *gorm.DB) CounterRepository
	// Next 在行锁下递增名为 name 的计数器并返回新值；计数器不存在时从 start 开始。
	// 必须在事务中调用，锁才会一直持有到提交。
	Next(name string, start int64) (int64, error)
	Current(name string) (int64, error)
}

type counterRepository struct {
	db *gorm.DB
}

// NewCounterRepository 创建一个新的 CounterRepository 实例。
func NewCounterRepository(db *gorm.DB) CounterRepository {
	return &counterRepository{db: db}
}

func (r *counterRepository) WithTx(tx *gorm.DB) CounterRepository {
	return &counterRepository{db: tx}
}

func (r *counterRepository) Next(name string, start int64) (int64, error) {
	var counter model.IDCounter
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", name).First(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter = model.IDCounter{Name: name, Value: start}
		if err := r.db.Create(&counter).Error; err != nil {
			return 0, err
		}
		return counter.Value, nil
	}
	if err != nil {
		return 0, err
	}
	counter.Value++
	if err := r.db.Model(&model.IDCounter{}).Where("name = ?", name).
		Update("value", counter.Value).Error; err != nil {
		return 0, err
	}
	return counter.Value, nil
}

func (r *counterRepository) Current(name string) (int64, error) {
	var counter model.IDCounter
	if err := r.db.Where("name = ?", name).First(&counter).Error; err != nil {
		return 0, err
	}
	return counter.Value, nil
}
