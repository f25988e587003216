// Package pipeline 定义了研究状态转换与修订发布的流水线。
package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/folders"
	"study-lifecycle-go/internal/jobs"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/service"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/cluster"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/tasks"
	"study-lifecycle-go/pkg/validator"
)

// StudyValidator 对研究运行一次完整验证，*validator.Client 实现了它。
type StudyValidator interface {
	Validate(ctx context.Context, studyID string) (validator.State, error)
}

// Deps 是流水线依赖的服务与客户端。
type Deps struct {
	Registry    service.RegistryService
	Revisions   service.RevisionService
	Ledger      service.LedgerService
	Search      service.SearchService
	Notifier    service.NotificationService
	Archive     service.ArchiveService
	Permissions service.PermissionService
	Maintainer  *folders.Maintainer
	Validator   StudyValidator
	Cluster     cluster.Submitter
	ClusterCfg  config.ClusterConfig
}

// Processor 封装了每个任务步骤的执行逻辑。
type Processor struct {
	Deps
	now func() time.Time
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(deps Deps) *Processor {
	return &Processor{
		Deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Register 把全部步骤处理器登记到运行时。
func (p *Processor) Register(rt *jobs.Runtime) {
	rt.Register(tasks.SetFTPReadOnly, p.setFTPReadOnly)
	rt.Register(tasks.IndexDataFiles, p.indexDataFiles)
	rt.Register(tasks.ValidateStudy, p.validateStudy)
	rt.Register(tasks.AssignAccession, p.assignAccession)
	rt.Register(tasks.CommitPrivateStatus, p.commitPrivateStatus)
	rt.Register(tasks.RollbackPrivateStatus, p.rollbackPrivateStatus)

	rt.Register(tasks.SnapshotMetadata, p.snapshotMetadata)
	rt.Register(tasks.CommitStatus, p.commitStatus)

	rt.Register(tasks.IncrementRevision, p.incrementRevision)
	rt.Register(tasks.PrepareRevisionFolder, p.prepareRevisionFolder)
	rt.Register(tasks.SubmitMirrorSync, p.submitMirrorSync)
	rt.Register(tasks.FailRevision, p.failRevision)
	rt.Register(tasks.ResyncPublicMirror, p.resyncPublicMirror)

	rt.Register(tasks.MaintainStudyFolders, p.maintainStudyFolders)
	rt.Register(tasks.ArchiveRevision, p.archiveRevision)
	rt.Register(tasks.ReleaseTask, p.releaseTask)

	rt.Register(tasks.ReindexStudy, p.reindexStudy)
	rt.Register(tasks.DeleteStudyIndex, p.deleteStudyIndex)
	rt.Register(tasks.SyncIndexes, p.syncIndexes)
}

// checkLedger 确认流水线仍持有台账行：行被删除、接管或已结束时返回 conflict。
func (p *Processor) checkLedger(params *model.PipelineParams) error {
	if params.LedgerTaskID == 0 {
		return nil
	}
	task, err := p.Ledger.Get(params.LedgerTaskID)
	if err != nil {
		return err
	}
	if task.Token != params.LedgerToken {
		return apperr.Conflict.New("ledger task %d was taken over by another pipeline", task.ID)
	}
	if task.Status.IsTerminal() {
		return apperr.Conflict.New("ledger task %d is already %s", task.ID, task.Status)
	}
	return nil
}

// complete 结束流水线持有的台账行。
func (p *Processor) complete(params *model.PipelineParams, status model.TaskStatus, message string) error {
	if params.LedgerTaskID == 0 {
		return nil
	}
	return p.Ledger.Complete(params.LedgerTaskID, status, message)
}

func (p *Processor) setFTPReadOnly(ctx context.Context, params *model.PipelineParams) error {
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return err
	}
	log.Infof("[Processor] 步骤1: 研究 %s 的 FTP 目录设为只读", study.DisplayID())
	if _, err := p.Maintainer.SetFTPPermission(ctx, study.DisplayID(), study.ObfuscationCode, true, true); err != nil {
		params.FTPReadOnly = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	params.FTPReadOnly = model.Mark(model.StepSuccess, "", p.now())
	return nil
}

func (p *Processor) indexDataFiles(ctx context.Context, params *model.PipelineParams) error {
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return err
	}
	log.Infof("[Processor] 步骤2: 为研究 %s 生成数据文件索引", study.DisplayID())
	index, err := p.Maintainer.WriteDataIndex(ctx, study.DisplayID())
	if err != nil {
		params.DataFilesIndex = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	params.DataFilesIndex = model.Mark(model.StepSuccess, fmt.Sprintf("%d entries", len(index.DataFiles)), p.now())
	return nil
}

func (p *Processor) validateStudy(ctx context.Context, params *model.PipelineParams) error {
	log.Infof("[Processor] 步骤3: 验证研究 %s", params.StudyID)
	state, err := p.Validator.Validate(ctx, params.StudyID)
	params.ValidationTaskID = state.TaskID
	if err != nil {
		params.Validation = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	params.Validation = model.Mark(model.StepSuccess, state.ReportStatus(), p.now())
	return nil
}

// assignAccession 分配 accession 并把提交号下的目录迁移到新标识下。已分配时只重跑迁移。
func (p *Processor) assignAccession(ctx context.Context, params *model.PipelineParams) error {
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return err
	}
	accession := study.DisplayID()
	if !study.HasAccession() {
		if accession, err = p.Registry.PromoteToAccession(study.SubmissionID); err != nil {
			return err
		}
	}
	log.Infof("[Processor] 步骤4: 研究 %s 使用 accession %s, 迁移目录", study.SubmissionID, accession)
	res, err := p.Maintainer.Maintain(ctx, folders.MaintenanceRequest{
		StudyID:             accession,
		Status:              model.StatusPrivate,
		ExpectedReleaseDate: study.ExpectedReleaseDate,
		SubmissionDate:      study.SubmissionDate,
		ObfuscationCode:     study.ObfuscationCode,
		PreviousIDs:         []string{study.SubmissionID},
		Stage:               "assign-accession",
	})
	if err != nil {
		params.AccessionAssign = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	params.Accession = accession
	params.AccessionAssign = model.Mark(model.StepSuccess, fmt.Sprintf("%s, %d actions", accession, len(res.Actions)), p.now())
	return nil
}

func (p *Processor) commitPrivateStatus(ctx context.Context, params *model.PipelineParams) error {
	if err := p.checkLedger(params); err != nil {
		return err
	}
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return err
	}
	from := study.Status
	if study.Status != model.StatusPrivate {
		if study, err = p.Registry.UpdateStatus(study.DisplayID(), model.StatusPrivate, service.StatusDates{}); err != nil {
			return err
		}
	}
	log.Infof("[Processor] 步骤5: 研究 %s 已提交为 %s", study.DisplayID(), study.Status)
	params.StatusCommit = model.Mark(model.StepSuccess, "", p.now())
	if err := p.complete(params, model.TaskSuccessful, "study is private as "+study.DisplayID()); err != nil {
		return err
	}
	p.afterStatusChange(ctx, study, from)
	return nil
}

// rollbackPrivateStatus 是 make-private 流水线的 on_failure：FTP 目录恢复读写，台账标记失败。
func (p *Processor) rollbackPrivateStatus(ctx context.Context, params *model.PipelineParams) error {
	study, err := p.Registry.Get(params.StudyID)
	if err != nil && !apperr.NotFound.Has(err) {
		return err
	}
	if study != nil && study.Status == model.StatusProvisional {
		if _, err := p.Maintainer.SetFTPPermission(ctx, study.DisplayID(), study.ObfuscationCode, false, true); err != nil {
			log.Warnf("[Processor] 研究 %s 的 FTP 目录恢复读写失败: %v", study.DisplayID(), err)
		}
	}
	params.Rollback = model.Mark(model.StepSuccess, params.Error, p.now())
	if err := p.complete(params, model.TaskFailed, params.Error); err != nil {
		return err
	}
	log.Warnf("[Processor] 研究 %s 的 make-private 流水线已回滚: %s", params.StudyID, params.Error)
	if err := p.Notifier.TechnicalIssue(ctx, params.StudyID, params.Pipeline, params.Error); err != nil {
		log.Warnf("[Processor] 技术问题通知发送失败: %v", err)
	}
	return nil
}

func (p *Processor) snapshotMetadata(ctx context.Context, params *model.PipelineParams) error {
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return err
	}
	stage := "status-" + strings.ToLower(string(params.TargetStatus))
	dir, err := p.Maintainer.SnapshotMetadata(study.DisplayID(), stage)
	if err != nil {
		return err
	}
	params.FolderMaintain = model.Mark(model.StepSuccess, dir, p.now())
	return nil
}

// commitStatus 执行不需要验证的直接状态写入。
func (p *Processor) commitStatus(ctx context.Context, params *model.PipelineParams) error {
	if err := p.checkLedger(params); err != nil {
		return err
	}
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return err
	}
	from := study.Status
	if study.Status != params.TargetStatus {
		if study, err = p.Registry.UpdateStatus(study.DisplayID(), params.TargetStatus, service.StatusDates{}); err != nil {
			return err
		}
	}
	params.StatusCommit = model.Mark(model.StepSuccess, fmt.Sprintf("%s -> %s", from, study.Status), p.now())
	if err := p.complete(params, model.TaskSuccessful, fmt.Sprintf("status changed to %s", study.Status)); err != nil {
		return err
	}
	p.afterStatusChange(ctx, study, from)
	return nil
}

// afterStatusChange 触发重建索引并通知所有者。失败只记录日志。
func (p *Processor) afterStatusChange(ctx context.Context, study *model.Study, from model.StudyStatus) {
	if _, err := p.Search.RequestReindex(ctx, study.DisplayID()); err != nil {
		log.Warnf("[Processor] 研究 %s 重建索引请求失败: %v", study.DisplayID(), err)
	}
	if from == study.Status {
		return
	}
	recipients, err := p.Registry.OwnerEmails(study)
	if err != nil {
		log.Warnf("[Processor] 读取研究 %s 的所有者失败: %v", study.DisplayID(), err)
	}
	if err := p.Notifier.StatusChanged(ctx, study, from, recipients); err != nil {
		log.Warnf("[Processor] 研究 %s 状态通知发送失败: %v", study.DisplayID(), err)
	}
}

func (p *Processor) incrementRevision(ctx context.Context, params *model.PipelineParams) error {
	at := p.now()
	if params.RevisionDatetime != nil {
		at = *params.RevisionDatetime
	}
	study, revision, err := p.Revisions.IncrementRevision(params.StudyID, service.RevisionRequest{
		Comment:      params.RevisionComment,
		Author:       params.Username,
		RevisionTime: at,
	})
	if err != nil {
		params.RevisionCreate = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	log.Infof("[Processor] 步骤1: 研究 %s 创建修订 %d", study.DisplayID(), revision.RevisionNumber)
	params.StudyID = study.DisplayID()
	params.RevisionNumber = revision.RevisionNumber
	params.RevisionDatetime = &at
	params.RevisionCreate = model.Mark(model.StepSuccess, "", p.now())
	return nil
}

// currentRevision 确认台账行仍归本流水线所有，且 params 指向的修订仍是研究最新、未结束的修订。
// 修订被删除或被巡检接管后，排队中的旧流水线在这里停下。
func (p *Processor) currentRevision(params *model.PipelineParams) (*model.Study, *model.StudyRevision, error) {
	if err := p.checkLedger(params); err != nil {
		return nil, nil, err
	}
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return nil, nil, err
	}
	number := params.RevisionNumber
	if number == 0 {
		number = study.RevisionNumber
	}
	if number != study.RevisionNumber {
		return nil, nil, apperr.Conflict.New("study %s is at revision %d, not %d", study.DisplayID(), study.RevisionNumber, number)
	}
	revision, err := p.Revisions.Get(study.DisplayID(), number)
	if err != nil {
		return nil, nil, err
	}
	if revision.TaskStatus.IsTerminal() {
		return nil, nil, apperr.Conflict.New("revision %d of %s is already %s", number, study.DisplayID(), revision.TaskStatus)
	}
	return study, revision, nil
}

func (p *Processor) prepareRevisionFolder(ctx context.Context, params *model.PipelineParams) error {
	if _, _, err := p.currentRevision(params); err != nil {
		params.RevisionFolder = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	log.Infof("[Processor] 步骤2: 准备研究 %s 修订 %d 的目录", params.StudyID, params.RevisionNumber)
	res, err := p.Revisions.PrepareRevisionFolder(ctx, params.StudyID, params.RevisionNumber)
	if err != nil {
		params.RevisionFolder = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	params.RevisionFolder = model.Mark(model.StepSuccess, res.RevisionDir, p.now())
	return nil
}

// mirrorSyncScript 生成把 PUBLIC_METADATA 与数据目录同步到公开镜像的脚本。
func (p *Processor) mirrorSyncScript(studyID string, number int, callbackURL string) (string, error) {
	layout := p.Maintainer.Layout()
	mirror := layout.PublicMirrorDir(studyID)
	return cluster.RenderMirrorSync(cluster.MirrorSyncRequest{
		StudyID:        studyID,
		RevisionNumber: number,
		RsyncCommand:   p.ClusterCfg.RsyncCommand,
		Transfers: []cluster.Transfer{
			{Source: layout.PublicMetadataDir(studyID) + "/", Target: mirror},
			{Source: layout.DataDir(studyID) + "/", Target: path.Join(mirror, "FILES")},
		},
		CallbackURL:   callbackURL,
		CallbackToken: p.ClusterCfg.CallbackToken,
	})
}

// callbackURL 返回修订任务状态回调地址；未配置回调基地址时返回空串。
func (p *Processor) callbackURL(studyID string, number int) string {
	base := strings.TrimRight(p.ClusterCfg.CallbackBaseURL, "/")
	if base == "" {
		return ""
	}
	return fmt.Sprintf("%s/studies/%s/revisions/%d", base, studyID, number)
}

func (p *Processor) submitMirrorSync(ctx context.Context, params *model.PipelineParams) error {
	study, revision, err := p.currentRevision(params)
	if err != nil {
		params.MirrorSync = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	sid, number := study.DisplayID(), revision.RevisionNumber
	script, err := p.mirrorSyncScript(sid, number, p.callbackURL(sid, number))
	if err != nil {
		return err
	}
	log.Infof("[Processor] 步骤3: 提交研究 %s 修订 %d 的镜像同步作业", sid, number)
	sub, err := p.Cluster.Submit(ctx, cluster.JobSpec{
		Name:    fmt.Sprintf("%s_mirror_%02d", sid, number),
		StudyID: sid,
		LogDir:  p.Maintainer.Layout().ClusterLogsDir(sid),
		Script:  script,
	})
	if err != nil {
		params.MirrorSync = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	params.ClusterJobID = sub.JobID
	if _, err := p.Revisions.MarkInProgress(sid, number, sub.JobID); err != nil {
		return err
	}
	if params.LedgerTaskID != 0 {
		if err := p.Ledger.SetMessage(params.LedgerTaskID, "mirror sync cluster job "+sub.JobID); err != nil {
			log.Warnf("[Processor] 更新台账消息失败: %v", err)
		}
	}
	params.MirrorSync = model.Mark(model.StepSuccess, sub.JobID, p.now())
	return nil
}

// failRevision 是修订流水线的 on_failure：未结束的修订标记为 Failed 并释放台账。
func (p *Processor) failRevision(ctx context.Context, params *model.PipelineParams) error {
	if err := p.Revisions.FailActiveRevision(ctx, params.StudyID, params.Error); err != nil && !apperr.NotFound.Has(err) {
		return err
	}
	return p.complete(params, model.TaskFailed, params.Error)
}

// resyncPublicMirror 重新同步已公开研究的镜像，不改变修订状态。
func (p *Processor) resyncPublicMirror(ctx context.Context, params *model.PipelineParams) error {
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return err
	}
	sid := study.DisplayID()
	script, err := p.mirrorSyncScript(sid, study.RevisionNumber, "")
	if err != nil {
		return err
	}
	sub, err := p.Cluster.Submit(ctx, cluster.JobSpec{
		Name:    sid + "_mirror_resync",
		StudyID: sid,
		LogDir:  p.Maintainer.Layout().ClusterLogsDir(sid),
		Script:  script,
	})
	if err != nil {
		return err
	}
	params.ClusterJobID = sub.JobID
	params.MirrorSync = model.Mark(model.StepSuccess, sub.JobID, p.now())
	return p.complete(params, model.TaskSuccessful, "mirror resync cluster job "+sub.JobID)
}

func (p *Processor) maintainStudyFolders(ctx context.Context, params *model.PipelineParams) error {
	study, err := p.Registry.Get(params.StudyID)
	if err != nil {
		return err
	}
	res, err := p.Maintainer.Maintain(ctx, maintenanceRequest(study, params.Force, false))
	if err != nil {
		params.FolderMaintain = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	msg := fmt.Sprintf("%d actions", len(res.Actions))
	if res.LogPath != "" {
		msg += ", log " + res.LogPath
	}
	params.FolderMaintain = model.Mark(model.StepSuccess, msg, p.now())
	return p.complete(params, model.TaskSuccessful, msg)
}

// maintenanceRequest 由研究记录构造维护请求。
func maintenanceRequest(study *model.Study, force, clusterMode bool) folders.MaintenanceRequest {
	req := folders.MaintenanceRequest{
		StudyID:             study.DisplayID(),
		Status:              study.Status,
		ExpectedReleaseDate: study.ExpectedReleaseDate,
		SubmissionDate:      study.SubmissionDate,
		ObfuscationCode:     study.ObfuscationCode,
		ClusterMode:         clusterMode,
		Force:               force,
	}
	if study.HasAccession() {
		req.PreviousIDs = []string{study.SubmissionID}
	}
	return req
}

func (p *Processor) archiveRevision(ctx context.Context, params *model.PipelineParams) error {
	uploaded, err := p.Archive.ArchiveRevision(ctx, params.StudyID, params.RevisionNumber)
	if err != nil {
		params.Archive = model.Mark(model.StepFailed, err.Error(), p.now())
		return err
	}
	msg := fmt.Sprintf("%d objects archived", uploaded)
	params.Archive = model.Mark(model.StepSuccess, msg, p.now())
	return p.complete(params, model.TaskSuccessful, msg)
}

// releaseTask 是通用的 on_failure：台账标记失败并通知技术问题地址。
func (p *Processor) releaseTask(ctx context.Context, params *model.PipelineParams) error {
	if err := p.complete(params, model.TaskFailed, params.Error); err != nil {
		return err
	}
	params.Rollback = model.Mark(model.StepSuccess, params.Error, p.now())
	if err := p.Notifier.TechnicalIssue(ctx, params.StudyID, params.Pipeline, params.Error); err != nil {
		log.Warnf("[Processor] 技术问题通知发送失败: %v", err)
	}
	return nil
}

func (p *Processor) reindexStudy(ctx context.Context, params *model.PipelineParams) error {
	return p.Search.Reindex(ctx, params.StudyID)
}

func (p *Processor) deleteStudyIndex(ctx context.Context, params *model.PipelineParams) error {
	return p.Search.DeleteIndex(ctx, params.StudyID)
}

func (p *Processor) syncIndexes(ctx context.Context, params *model.PipelineParams) error {
	report, err := p.Search.SyncIndexesWithRegistry(ctx)
	if err != nil {
		return err
	}
	params.IndexSync = model.Mark(model.StepSuccess,
		fmt.Sprintf("reindexed %d, deleted %d, skipped %d", len(report.Reindexed), len(report.Deleted), len(report.Skipped)), p.now())
	return nil
}
