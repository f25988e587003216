// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"study-lifecycle-go/internal/model"
)

// StudyRepository 接口定义了研究数据的持久化操作。
type StudyRepository interface {
	WithTx(tx *gorm.DB) StudyRepository
	Create(study *model.Study) error
	FindByID(id uint) (*model.Study, error)
	// FindByIdentifier 按 accession 或提交号查找研究（大小写不敏感）。
	FindByIdentifier(identifier string) (*model.Study, error)
	// FindByIdentifierForUpdate 与 FindByIdentifier 相同，但对行加写锁。
	FindByIdentifierForUpdate(identifier string) (*model.Study, error)
	Save(study *model.Study) error
	UpdateFields(id uint, fields map[string]interface{}) error
	ListIdentifiers() ([]string, error)
	ListByStatus(statuses ...model.StudyStatus) ([]model.Study, error)
	AddOwner(study *model.Study, user *model.User) error
	IsOwner(studyID, userID uint) (bool, error)
	ListOwners(study *model.Study) ([]model.User, error)
}

// studyRepository 是 StudyRepository 接口的 GORM 实现。
type studyRepository struct {
	db *gorm.DB
}

// NewStudyRepository 创建一个新的 StudyRepository 实例。
func NewStudyRepository(db *gorm.DB) StudyRepository {
	return &studyRepository{db: db}
}

// WithTx 返回一个在给定事务中执行的副本。
func (r *studyRepository) WithTx(tx *gorm.DB) StudyRepository {
	return &studyRepository{db: tx}
}

func (r *studyRepository) Create(study *model.Study) error {
	return r.db.Create(study).Error
}

func (r *studyRepository) FindByID(id uint) (*model.Study, error) {
	var study model.Study
	if err := r.db.First(&study, id).Error; err != nil {
		return nil, err
	}
	return &study, nil
}

func (r *studyRepository) FindByIdentifier(identifier string) (*model.Study, error) {
	return r.findByIdentifier(r.db, identifier)
}

func (r *studyRepository) FindByIdentifierForUpdate(identifier string) (*model.Study, error) {
	return r.findByIdentifier(r.db.Clauses(clause.Locking{Strength: "UPDATE"}), identifier)
}

func (r *studyRepository) findByIdentifier(db *gorm.DB, identifier string) (*model.Study, error) {
	var study model.Study
	id := strings.ToUpper(strings.TrimSpace(identifier))
	err := db.Where("UPPER(accession) = ? OR UPPER(submission_id) = ?", id, id).
		Order("id").First(&study).Error
	if err != nil {
		return nil, err
	}
	return &study, nil
}

// Save 更新数据库中一个已存在的研究记录（全部字段）。
func (r *studyRepository) Save(study *model.Study) error {
	return r.db.Omit(clause.Associations).Save(study).Error
}

// UpdateFields 只更新给定的列，nil 值会被写成 NULL。
func (r *studyRepository) UpdateFields(id uint, fields map[string]interface{}) error {
	return r.db.Model(&model.Study{}).Where("id = ?", id).Updates(fields).Error
}

// ListIdentifiers 返回所有研究当前的展示标识。
func (r *studyRepository) ListIdentifiers() ([]string, error) {
	var studies []model.Study
	if err := r.db.Select("id", "submission_id", "accession").Order("id").Find(&studies).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(studies))
	for i := range studies {
		ids = append(ids, studies[i].DisplayID())
	}
	return ids, nil
}

func (r *studyRepository) ListByStatus(statuses ...model.StudyStatus) ([]model.Study, error) {
	var studies []model.Study
	db := r.db.Order("id")
	if len(statuses) > 0 {
		db = db.Where("status IN ?", statuses)
	}
	err := db.Find(&studies).Error
	return studies, err
}

func (r *studyRepository) AddOwner(study *model.Study, user *model.User) error {
	return r.db.Model(study).Association("Owners").Append(user)
}

func (r *studyRepository) IsOwner(studyID, userID uint) (bool, error) {
	var count int64
	err := r.db.Table("study_owners").
		Where("study_id = ? AND user_id = ?", studyID, userID).
		Count(&count).Error
	return count > 0, err
}

func (r *studyRepository) ListOwners(study *model.Study) ([]model.User, error) {
	var users []model.User
	err := r.db.Model(study).Association("Owners").Find(&users)
	return users, err
}
