package repository

import (
	"gorm.io/gorm"

	"study-lifecycle-go/internal/model"
)

// TaskRepository 接口定义了任务台账行的持久化操作。
type TaskRepository interface {
	WithTx(tx *gorm.DB) TaskRepository
	Create(task *model.StudyTask) error
	FindByID(id uint) (*model.StudyTask, error)
	Find(studyKey string, name model.TaskName) (*model.StudyTask, error)
	// FindActive 返回 keys 中任一研究键下处于非终态的台账行。
	FindActive(keys []string) ([]model.StudyTask, error)
	ListByKeys(keys []string) ([]model.StudyTask, error)
	// CompareAndSwap 仅当行当前状态属于 from 时写入 fields，返回是否命中。
	CompareAndSwap(id uint, from []model.TaskStatus, fields map[string]interface{}) (bool, error)
	Delete(studyKey string, name model.TaskName) (int64, error)
}

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository 创建一个新的 TaskRepository 实例。
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) WithTx(tx *gorm.DB) TaskRepository {
	return &taskRepository{db: tx}
}

func (r *taskRepository) Create(task *model.StudyTask) error {
	return r.db.Create(task).Error
}

func (r *taskRepository) FindByID(id uint) (*model.StudyTask, error) {
	var task model.StudyTask
	if err := r.db.First(&task, id).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) Find(studyKey string, name model.TaskName) (*model.StudyTask, error) {
	var task model.StudyTask
	err := r.db.Where("study_key = ? AND task_name = ?", studyKey, name).First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) FindActive(keys []string) ([]model.StudyTask, error) {
	var tasks []model.StudyTask
	err := r.db.Where("study_key IN ? AND status IN ?", keys, model.ActiveTaskStatuses).
		Order("id").Find(&tasks).Error
	return tasks, err
}

func (r *taskRepository) ListByKeys(keys []string) ([]model.StudyTask, error) {
	var tasks []model.StudyTask
	err := r.db.Where("study_key IN ?", keys).Order("id").Find(&tasks).Error
	return tasks, err
}

func (r *taskRepository) CompareAndSwap(id uint, from []model.TaskStatus, fields map[string]interface{}) (bool, error) {
	res := r.db.Model(&model.StudyTask{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *taskRepository) Delete(studyKey string, name model.TaskName) (int64, error) {
	res := r.db.Where("study_key = ? AND task_name = ?", studyKey, name).Delete(&model.StudyTask{})
	return res.RowsAffected, res.Error
}
