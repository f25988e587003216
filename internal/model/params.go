package model

import "time"

// StepStatus 是流水线中单个步骤的执行状态。
type StepStatus string

const (
	StepRunning StepStatus = "RUNNING"
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

// StepResult 记录某个步骤的结果；未执行的步骤保持为 nil。
type StepResult struct {
	Status  StepStatus `json:"status"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

// PipelineParams 是在流水线各步骤之间传递的唯一参数记录。
// 不同流水线只是步骤列表不同，参数结构相同。
type PipelineParams struct {
	Pipeline       string      `json:"pipeline"`
	StudyID        string      `json:"studyId"`
	SubmissionID   string      `json:"submissionId"`
	Accession      string      `json:"accession,omitempty"`
	PreviousStatus StudyStatus `json:"previousStatus,omitempty"`
	TargetStatus   StudyStatus `json:"targetStatus,omitempty"`
	UserID         uint        `json:"userId,omitempty"`
	Username       string      `json:"username,omitempty"`

	LedgerTaskID uint   `json:"ledgerTaskId,omitempty"`
	LedgerToken  string `json:"ledgerToken,omitempty"`

	RevisionNumber   int        `json:"revisionNumber,omitempty"`
	RevisionComment  string     `json:"revisionComment,omitempty"`
	RevisionDatetime *time.Time `json:"revisionDatetime,omitempty"`
	IsRetry          bool       `json:"isRetry,omitempty"`

	ValidationTaskID string `json:"validationTaskId,omitempty"`
	ClusterJobID     string `json:"clusterJobId,omitempty"`
	Force            bool   `json:"force,omitempty"`
	Worker           string `json:"worker,omitempty"`

	FTPReadOnly     *StepResult `json:"ftpReadOnly,omitempty"`
	DataFilesIndex  *StepResult `json:"dataFilesIndex,omitempty"`
	Validation      *StepResult `json:"validation,omitempty"`
	AccessionAssign *StepResult `json:"accessionAssign,omitempty"`
	StatusCommit    *StepResult `json:"statusCommit,omitempty"`
	RevisionCreate  *StepResult `json:"revisionCreate,omitempty"`
	RevisionFolder  *StepResult `json:"revisionFolder,omitempty"`
	MirrorSync      *StepResult `json:"mirrorSync,omitempty"`
	FolderMaintain  *StepResult `json:"folderMaintain,omitempty"`
	IndexSync       *StepResult `json:"indexSync,omitempty"`
	Archive         *StepResult `json:"archive,omitempty"`
	Rollback        *StepResult `json:"rollback,omitempty"`

	Error string `json:"error,omitempty"`
}

// Mark 构造一个步骤结果。
func Mark(status StepStatus, message string, at time.Time) *StepResult {
	return &StepResult{Status: status, Message: message, At: at}
}
