package model

import "time"

// RevisionTaskStatus 是修订发布任务的状态。
type RevisionTaskStatus string

const (
	RevisionInitiated  RevisionTaskStatus = "INITIATED"
	RevisionInProgress RevisionTaskStatus = "IN_PROGRESS"
	RevisionFailed     RevisionTaskStatus = "FAILED"
	RevisionCompleted  RevisionTaskStatus = "COMPLETED"
)

// IsTerminal 报告该状态是否为终态（Failed 可被巡检重试，但不再占用修订槽位）。
func (s RevisionTaskStatus) IsTerminal() bool {
	return s == RevisionFailed || s == RevisionCompleted
}

// ParseRevisionTaskStatus 解析回调中携带的任务状态。
func ParseRevisionTaskStatus(s string) (RevisionTaskStatus, bool) {
	switch RevisionTaskStatus(s) {
	case RevisionInitiated, RevisionInProgress, RevisionFailed, RevisionCompleted:
		return RevisionTaskStatus(s), true
	}
	return "", false
}

// ShareStatus 记录修订向下游归档的同步状态。
type ShareStatus string

const (
	ShareNone       ShareStatus = "NONE"
	ShareInProgress ShareStatus = "IN_PROGRESS"
	ShareShared     ShareStatus = "SHARED"
	ShareFailed     ShareStatus = "FAILED"
)

// StudyRevision 定义了 study_revision 表的 ORM 模型。
// 它是只追加的修订日志，由 (accession, revision_number) 唯一确定。
type StudyRevision struct {
	ID               uint               `gorm:"primaryKey;autoIncrement" json:"id"`
	StudyID          uint               `gorm:"not null;index" json:"-"`
	Accession        string             `gorm:"type:varchar(32);not null;uniqueIndex:idx_revision_accession_number,priority:1" json:"accession"`
	RevisionNumber   int                `gorm:"not null;uniqueIndex:idx_revision_accession_number,priority:2" json:"revisionNumber"`
	RevisionDatetime time.Time          `gorm:"not null" json:"revisionDatetime"`
	RevisionComment  string             `gorm:"type:text" json:"revisionComment"`
	CreatedBy        string             `gorm:"type:varchar(255)" json:"createdBy"`
	TaskStatus       RevisionTaskStatus `gorm:"type:varchar(16);not null;index" json:"taskStatus"`
	TaskMessage      string             `gorm:"type:text" json:"taskMessage"`
	TaskStartedAt    *time.Time         `gorm:"default:null" json:"taskStartedAt"`
	TaskCompletedAt  *time.Time         `gorm:"default:null" json:"taskCompletedAt"`
	RetryCount       int                `gorm:"not null;default:0" json:"retryCount"`
	LastAttemptAt    *time.Time         `gorm:"default:null" json:"lastAttemptAt"`
	ShareStatus      ShareStatus        `gorm:"type:varchar(16);not null;default:'NONE'" json:"shareStatus"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time          `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (StudyRevision) TableName() string {
	return "study_revision"
}
