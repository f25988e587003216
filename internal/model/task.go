package model

import (
	"time"

	"gorm.io/datatypes"
)

// TaskStatus 是任务台账行的状态。
type TaskStatus string

const (
	TaskNotExecuted TaskStatus = "NOT_EXECUTED"
	TaskExecuting   TaskStatus = "EXECUTING"
	TaskSuccessful  TaskStatus = "SUCCESSFUL"
	TaskFailed      TaskStatus = "FAILED"
)

// IsTerminal 报告该状态是否为终态。
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSuccessful || s == TaskFailed
}

// TerminalTaskStatuses 用于 CAS 更新的条件。
var TerminalTaskStatuses = []TaskStatus{TaskSuccessful, TaskFailed}

// ActiveTaskStatuses 是占用研究锁的状态。
var ActiveTaskStatuses = []TaskStatus{TaskNotExecuted, TaskExecuting}

// TaskName 是各条流水线固定使用的台账任务名。
type TaskName string

const (
	TaskUpdateStudyStatus    TaskName = "UPDATE_STUDY_STATUS"
	TaskCreateRevision       TaskName = "CREATE_REVISION"
	TaskSyncPublicMirror     TaskName = "SYNC_PUBLIC_MIRROR"
	TaskMaintainStudyFolders TaskName = "MAINTAIN_STUDY_FOLDERS"
	TaskArchiveRevision      TaskName = "ARCHIVE_REVISION"
)

// StudyTask 定义了 study_task 表的 ORM 模型：每个研究的单写者锁与异步工作审计。
type StudyTask struct {
	ID                uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	StudyKey          string         `gorm:"type:varchar(32);not null;uniqueIndex:idx_study_task,priority:1" json:"studyKey"`
	TaskName          TaskName       `gorm:"type:varchar(64);not null;uniqueIndex:idx_study_task,priority:2" json:"taskName"`
	Status            TaskStatus     `gorm:"type:varchar(16);not null;index" json:"status"`
	Token             string         `gorm:"type:varchar(36);index" json:"token"`
	LastRequestTime   *time.Time     `gorm:"default:null" json:"lastRequestTime"`
	LastExecutionTime *time.Time     `gorm:"default:null" json:"lastExecutionTime"`
	Message           string         `gorm:"type:text" json:"message"`
	Params            datatypes.JSON `json:"params,omitempty"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (StudyTask) TableName() string {
	return "study_task"
}
