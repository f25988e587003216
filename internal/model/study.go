// Package model 定义了与数据库表对应的 Go 结构体。
package model

import (
	"strings"
	"time"
)

// StudyStatus 是研究的生命周期状态。
type StudyStatus string

const (
	StatusProvisional StudyStatus = "PROVISIONAL"
	StatusPrivate     StudyStatus = "PRIVATE"
	StatusInReview    StudyStatus = "INREVIEW"
	StatusPublic      StudyStatus = "PUBLIC"
	StatusDormant     StudyStatus = "DORMANT"
)

// ParseStudyStatus 接受枚举值本身以及 URL 中使用的小写形式（如 "in-review"）。
func ParseStudyStatus(s string) (StudyStatus, bool) {
	normalized := strings.ToUpper(strings.NewReplacer("-", "", "_", "", " ", "").Replace(s))
	switch StudyStatus(normalized) {
	case StatusProvisional, StatusPrivate, StatusInReview, StatusPublic, StatusDormant:
		return StudyStatus(normalized), true
	}
	return "", false
}

// Study 定义了 study 表的 ORM 模型，是研究的系统记录。
type Study struct {
	ID               uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	SubmissionID     string      `gorm:"type:varchar(32);not null;uniqueIndex" json:"submissionId"`
	Accession        *string     `gorm:"type:varchar(32);uniqueIndex" json:"accession"`
	Status           StudyStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ObfuscationCode  string      `gorm:"type:varchar(64);not null" json:"-"`
	RevisionNumber   int         `gorm:"not null;default:0" json:"revisionNumber"`
	RevisionDatetime *time.Time  `gorm:"default:null" json:"revisionDatetime"`

	SubmissionDate      *time.Time `gorm:"default:null" json:"submissionDate"`
	FirstPrivateDate    *time.Time `gorm:"default:null" json:"firstPrivateDate"`
	FirstPublicDate     *time.Time `gorm:"default:null" json:"firstPublicDate"`
	ExpectedReleaseDate *time.Time `gorm:"default:null" json:"expectedReleaseDate"`

	TemplateVersion string `gorm:"type:varchar(32)" json:"templateVersion"`
	SampleTemplate  string `gorm:"type:varchar(64)" json:"sampleTemplate"`
	StudyCategory   string `gorm:"type:varchar(64)" json:"studyCategory"`
	DatasetLicense  string `gorm:"type:varchar(64)" json:"datasetLicense"`
	CurationRequest string `gorm:"type:varchar(64)" json:"curationRequest"`
	SizeBytes       int64  `gorm:"not null;default:0" json:"sizeBytes"`

	Owners    []User    `gorm:"many2many:study_owners;" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Study) TableName() string {
	return "study"
}

// DisplayID 返回当前对外展示的标识：已分配 accession 时使用 accession，否则使用提交号。
func (s *Study) DisplayID() string {
	if s.Accession != nil && *s.Accession != "" {
		return *s.Accession
	}
	return s.SubmissionID
}

// HasAccession 报告该研究是否已分配过 accession。
func (s *Study) HasAccession() bool {
	return s.Accession != nil && *s.Accession != ""
}

// Identifiers 返回研究曾使用过的全部标识，展示标识在前。
func (s *Study) Identifiers() []string {
	ids := []string{s.DisplayID()}
	if s.HasAccession() {
		ids = append(ids, s.SubmissionID)
	}
	return ids
}

// IDCounter 是标识分配使用的单调计数器。
type IDCounter struct {
	Name  string `gorm:"primaryKey;type:varchar(32)"`
	Value int64  `gorm:"not null"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (IDCounter) TableName() string {
	return "id_counters"
}
