package repository

import (
	"time"

	"gorm.io/gorm"

	"study-lifecycle-go/internal/model"
)

// RevisionRepository 接口定义了研究修订的持久化操作。
type RevisionRepository interface {
	WithTx(tx *gorm.DB) RevisionRepository
	Create(revision *model.StudyRevision) error
	Save(revision *model.StudyRevision) error
	Delete(revision *model.StudyRevision) error
	Find(studyID uint, number int) (*model.StudyRevision, error)
	ListByStudy(studyID uint) ([]model.StudyRevision, error)
	Latest(studyID uint) (*model.StudyRevision, error)
	// FindActive 返回该研究处于非终态的修订（最多一条）。
	FindActive(studyID uint) ([]model.StudyRevision, error)
	// FindStale 返回状态在 statuses 中、重试次数小于 maxRetries，且 revision_datetime 与
	// last_attempt_at 都早于 before 的修订。
	FindStale(statuses []model.RevisionTaskStatus, before time.Time, maxRetries int) ([]model.StudyRevision, error)
	// FindInProgressSince 返回在 before 之前就已进入 IN_PROGRESS 的修订。
	FindInProgressSince(before time.Time) ([]model.StudyRevision, error)
}

type revisionRepository struct {
	db *gorm.DB
}

// NewRevisionRepository 创建一个新的 RevisionRepository 实例。
func NewRevisionRepository(db *gorm.DB) RevisionRepository {
	return &revisionRepository{db: db}
}

func (r *revisionRepository) WithTx(tx *gorm.DB) RevisionRepository {
	return &revisionRepository{db: tx}
}

func (r *revisionRepository) Create(revision *model.StudyRevision) error {
	return r.db.Create(revision).Error
}

func (r *revisionRepository) Save(revision *model.StudyRevision) error {
	return r.db.Save(revision).Error
}

func (r *revisionRepository) Delete(revision *model.StudyRevision) error {
	return r.db.Delete(revision).Error
}

func (r *revisionRepository) Find(studyID uint, number int) (*model.StudyRevision, error) {
	var revision model.StudyRevision
	err := r.db.Where("study_id = ? AND revision_number = ?", studyID, number).First(&revision).Error
	if err != nil {
		return nil, err
	}
	return &revision, nil
}

func (r *revisionRepository) ListByStudy(studyID uint) ([]model.StudyRevision, error) {
	var revisions []model.StudyRevision
	err := r.db.Where("study_id = ?", studyID).Order("revision_number").Find(&revisions).Error
	return revisions, err
}

func (r *revisionRepository) Latest(studyID uint) (*model.StudyRevision, error) {
	var revision model.StudyRevision
	err := r.db.Where("study_id = ?", studyID).Order("revision_number DESC").First(&revision).Error
	if err != nil {
		return nil, err
	}
	return &revision, nil
}

func (r *revisionRepository) FindActive(studyID uint) ([]model.StudyRevision, error) {
	var revisions []model.StudyRevision
	err := r.db.Where("study_id = ? AND task_status IN ?", studyID,
		[]model.RevisionTaskStatus{model.RevisionInitiated, model.RevisionInProgress}).
		Find(&revisions).Error
	return revisions, err
}

func (r *revisionRepository) FindStale(statuses []model.RevisionTaskStatus, before time.Time, maxRetries int) ([]model.StudyRevision, error) {
	var revisions []model.StudyRevision
	err := r.db.Where("task_status IN ? AND revision_datetime < ? AND retry_count < ?", statuses, before, maxRetries).
		Where("(last_attempt_at IS NULL OR last_attempt_at < ?)", before).
		Order("id").Find(&revisions).Error
	return revisions, err
}

func (r *revisionRepository) FindInProgressSince(before time.Time) ([]model.StudyRevision, error) {
	var revisions []model.StudyRevision
	err := r.db.Where("task_status = ? AND task_started_at IS NOT NULL AND task_started_at < ?",
		model.RevisionInProgress, before).Order("id").Find(&revisions).Error
	return revisions, err
}
