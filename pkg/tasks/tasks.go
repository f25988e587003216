// Package tasks 定义了在作业队列中流转的任务种类与消息信封。
//
// 每个任务是一个带标签的变体：Kind 决定由哪个处理器执行、路由到哪个 worker 池，
// 载荷统一为 model.PipelineParams。
package tasks

import (
	"context"
	"strings"
	"time"

	"study-lifecycle-go/internal/model"
)

// Pool 是 worker 池名称。
type Pool string

const (
	PoolCommon    Pool = "common"
	PoolDataMover Pool = "data-mover"
	PoolMonitor   Pool = "monitor"
)

// AllPools 列出全部 worker 池。
var AllPools = []Pool{PoolCommon, PoolDataMover, PoolMonitor}

// ParsePool 解析池名称。
func ParsePool(s string) (Pool, bool) {
	for _, p := range AllPools {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}

// Kind 是任务的标签，形如 "<pool-prefix>.<name>"。
type Kind string

const (
	// common 池：协调、验证、索引触发。
	ValidateStudy         Kind = "common.validate_study"
	CommitPrivateStatus   Kind = "common.commit_private_status"
	IncrementRevision     Kind = "common.increment_revision"
	FailRevision          Kind = "common.fail_revision"
	ReindexStudy          Kind = "common.reindex_study"
	DeleteStudyIndex      Kind = "common.delete_study_index"
	SyncIndexes           Kind = "common.sync_indexes"
	CheckStaleRevisions   Kind = "common.check_stale_revisions"
	CommitStatus          Kind = "common.commit_status"
	ReleaseTask           Kind = "common.release_task"

	// data-mover 池：存储挂载上的文件系统变更。
	SetFTPReadOnly        Kind = "datamover.set_ftp_read_only"
	IndexDataFiles        Kind = "datamover.index_data_files"
	AssignAccession       Kind = "datamover.assign_accession"
	RollbackPrivateStatus Kind = "datamover.rollback_private_status"
	PrepareRevisionFolder Kind = "datamover.prepare_revision_folder"
	SubmitMirrorSync      Kind = "datamover.submit_mirror_sync"
	MaintainStudyFolders  Kind = "datamover.maintain_study_folders"
	ArchiveRevision       Kind = "datamover.archive_revision"
	SnapshotMetadata      Kind = "datamover.snapshot_metadata"
	ResyncPublicMirror    Kind = "datamover.resync_public_mirror"

	// monitor 池。
	Heartbeat Kind = "monitor.heartbeat"
)

// Pool 根据名称前缀返回任务所属的 worker 池。
func (k Kind) Pool() Pool {
	prefix, _, _ := strings.Cut(string(k), ".")
	switch prefix {
	case "datamover":
		return PoolDataMover
	case "monitor":
		return PoolMonitor
	}
	return PoolCommon
}

// Envelope 是写入队列的消息：一条任务链及其当前位置。
// 第 Index 步成功后才会发布第 Index+1 步；任何一步最终失败都会以原始载荷调用 OnFailure。
type Envelope struct {
	ID          string               `json:"id"`
	Chain       []Kind               `json:"chain"`
	Index       int                  `json:"index"`
	OnFailure   Kind                 `json:"onFailure,omitempty"`
	Params      model.PipelineParams `json:"params"`
	Original    model.PipelineParams `json:"original"`
	Attempt     int                  `json:"attempt"`
	SubmittedAt time.Time            `json:"submittedAt"`
}

// Current 返回当前要执行的任务种类。
func (e *Envelope) Current() Kind {
	if e.Index < 0 || e.Index >= len(e.Chain) {
		return ""
	}
	return e.Chain[e.Index]
}

// Last 报告当前步骤是否为链上最后一步。
func (e *Envelope) Last() bool {
	return e.Index >= len(e.Chain)-1
}

// DeliveryFunc 处理从队列中取出的一条消息。
type DeliveryFunc func(ctx context.Context, env Envelope) error
