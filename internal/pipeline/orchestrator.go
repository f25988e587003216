package pipeline

import (
	"context"

	"study-lifecycle-go/internal/folders"
	"study-lifecycle-go/internal/jobs"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/service"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/tasks"
)

// 流水线名称，写入 PipelineParams.Pipeline 并作为指标标签。
const (
	PipelineMakePrivate     = "make-private"
	PipelineStatusChange    = "status-change"
	PipelineCreateRevision  = "create-revision"
	PipelineRetryRevision   = "retry-revision"
	PipelineResyncMirror    = "resync-mirror"
	PipelineMaintainFolders = "maintain-folders"
	PipelineCreateStudy     = "create-study"
	PipelineArchiveRevision = "archive-revision"
)

var (
	makePrivateChain = []tasks.Kind{
		tasks.SetFTPReadOnly, tasks.IndexDataFiles, tasks.ValidateStudy, tasks.AssignAccession, tasks.CommitPrivateStatus,
	}
	createRevisionChain = []tasks.Kind{tasks.IncrementRevision, tasks.PrepareRevisionFolder, tasks.SubmitMirrorSync}
	retryRevisionChain  = []tasks.Kind{tasks.PrepareRevisionFolder, tasks.SubmitMirrorSync}
)

// Submission 是一次流水线提交的结果。
type Submission struct {
	TaskID       string `json:"taskId"`
	LedgerTaskID uint   `json:"ledgerTaskId"`
	StudyID      string `json:"studyId"`
	Pipeline     string `json:"pipeline"`
}

// Orchestrator 是状态转换与修订发布的入口：检查权限与状态机，获取台账锁，然后提交任务链。
type Orchestrator struct {
	*Processor
	submitter service.JobSubmitter
}

// NewOrchestrator 创建一个新的 Orchestrator 实例。
func NewOrchestrator(processor *Processor, submitter service.JobSubmitter) *Orchestrator {
	return &Orchestrator{Processor: processor, submitter: submitter}
}

// Register 登记全部步骤处理器以及修订巡检任务。
func (o *Orchestrator) Register(rt *jobs.Runtime) {
	o.Processor.Register(rt)
	rt.Register(tasks.CheckStaleRevisions, func(ctx context.Context, params *model.PipelineParams) error {
		_, err := o.CheckStaleRevisions(ctx)
		return err
	})
}

func (o *Orchestrator) authorise(identifier string, user *model.User, resource model.Resource, scope model.Scope) (*model.Study, error) {
	perm, study, err := o.Permissions.Evaluate(identifier, user, "", true)
	if err != nil {
		return nil, err
	}
	if err := service.Require(perm, resource, scope); err != nil {
		return nil, err
	}
	return study, nil
}

// requireCurator 只允许处于 Active 状态的策展人。
func requireCurator(user *model.User) error {
	if user == nil {
		return apperr.Unauthorised.New("authentication required")
	}
	if !user.IsCurator() || !user.IsActive() {
		return apperr.Forbidden.New("user %q is not an active curator", user.Username)
	}
	return nil
}

func (o *Orchestrator) curatorStudy(identifier string, user *model.User) (*model.Study, error) {
	if err := requireCurator(user); err != nil {
		return nil, err
	}
	return o.Registry.Get(identifier)
}

func baseParams(pipeline string, study *model.Study, user *model.User) model.PipelineParams {
	params := model.PipelineParams{
		Pipeline:       pipeline,
		StudyID:        study.DisplayID(),
		SubmissionID:   study.SubmissionID,
		PreviousStatus: study.Status,
	}
	if study.HasAccession() {
		params.Accession = *study.Accession
	}
	if user != nil {
		params.UserID = user.ID
		params.Username = user.Username
	}
	return params
}

// start 获取台账行并提交任务链。提交失败时台账行立即标记为 Failed。
func (o *Orchestrator) start(ctx context.Context, study *model.Study, name model.TaskName, chain []tasks.Kind,
	onFailure tasks.Kind, params model.PipelineParams, takeOver bool) (*Submission, error) {
	acquire := o.Ledger.Acquire
	if takeOver {
		acquire = o.Ledger.Reacquire
	}
	task, err := acquire(study, name, &params)
	if err != nil {
		return nil, err
	}
	params.LedgerTaskID = task.ID
	params.LedgerToken = task.Token

	taskID, err := o.submitter.Submit(ctx, chain, onFailure, params)
	if err != nil {
		if cerr := o.Ledger.Complete(task.ID, model.TaskFailed, err.Error()); cerr != nil {
			log.Errorf("[Orchestrator] 释放研究 %s 的台账行 %d 失败: %v", params.StudyID, task.ID, cerr)
		}
		return nil, err
	}
	log.Infof("[Orchestrator] 研究 %s 的 %s 流水线已提交: task=%s, ledger=%d", params.StudyID, params.Pipeline, taskID, task.ID)
	return &Submission{TaskID: taskID, LedgerTaskID: task.ID, StudyID: params.StudyID, Pipeline: params.Pipeline}, nil
}

// ChangeStatus 请求把研究切换到目标状态。Provisional -> Private 走完整的 make-private 流水线，
// 其余转换是直接的状态写入。Public 只能经由修订完成进入。
func (o *Orchestrator) ChangeStatus(ctx context.Context, user *model.User, identifier string, target model.StudyStatus) (*Submission, error) {
	if target == model.StatusPublic {
		return nil, apperr.InvalidInput.New("studies become public only through a completed revision")
	}
	scope, ok := service.StatusScope(target)
	if !ok {
		return nil, apperr.InvalidInput.New("status %s cannot be requested", target)
	}
	study, err := o.authorise(identifier, user, model.ResourceSubmission, scope)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(study.Status, target) {
		return nil, apperr.Conflict.New("study %s: transition %s -> %s is not allowed", study.DisplayID(), study.Status, target)
	}

	if study.Status == model.StatusProvisional && target == model.StatusPrivate {
		params := baseParams(PipelineMakePrivate, study, user)
		params.TargetStatus = target
		return o.start(ctx, study, model.TaskUpdateStudyStatus, makePrivateChain, tasks.RollbackPrivateStatus, params, false)
	}

	params := baseParams(PipelineStatusChange, study, user)
	params.TargetStatus = target
	chain := []tasks.Kind{tasks.CommitStatus}
	if target == model.StatusProvisional {
		chain = []tasks.Kind{tasks.SnapshotMetadata, tasks.CommitStatus}
	}
	return o.start(ctx, study, model.TaskUpdateStudyStatus, chain, tasks.ReleaseTask, params, false)
}

// CreateRevision 为研究创建新修订并发布到公开镜像。同一研究已有未结束的流水线时返回 conflict。
func (o *Orchestrator) CreateRevision(ctx context.Context, user *model.User, identifier, comment string) (*Submission, error) {
	study, err := o.authorise(identifier, user, model.ResourceSubmission, model.ScopeCreateRevision)
	if err != nil {
		return nil, err
	}
	if !model.RevisableStatus(study.Status) {
		return nil, apperr.Conflict.New("study %s is %s, revisions require private, in-review or public", study.DisplayID(), study.Status)
	}
	now := o.now()
	params := baseParams(PipelineCreateRevision, study, user)
	params.RevisionComment = comment
	params.RevisionDatetime = &now
	return o.start(ctx, study, model.TaskCreateRevision, createRevisionChain, tasks.FailRevision, params, false)
}

// RetryRevision 重新驱动一个卡住的修订，满足 service.RetryFunc。
func (o *Orchestrator) RetryRevision(ctx context.Context, study *model.Study, revision *model.StudyRevision) error {
	params := baseParams(PipelineRetryRevision, study, nil)
	params.Username = revision.CreatedBy
	params.RevisionNumber = revision.RevisionNumber
	params.RevisionComment = revision.RevisionComment
	at := revision.RevisionDatetime
	params.RevisionDatetime = &at
	params.IsRetry = true
	_, err := o.start(ctx, study, model.TaskCreateRevision, retryRevisionChain, tasks.FailRevision, params, true)
	return err
}

// CheckStaleRevisions 执行一次修订巡检。
func (o *Orchestrator) CheckStaleRevisions(ctx context.Context) (*service.SweepReport, error) {
	return o.Revisions.CheckNotStartedStudyRevisions(ctx, o.RetryRevision)
}

// UpdateRevisionTask 是集群作业的回调入口，仅策展人可调用。
func (o *Orchestrator) UpdateRevisionTask(ctx context.Context, user *model.User, identifier string, number int,
	update service.TaskStatusUpdate) (*model.StudyRevision, error) {
	if err := requireCurator(user); err != nil {
		return nil, err
	}
	return o.Revisions.UpdateTaskStatus(ctx, identifier, number, update)
}

// DeleteRevision 删除最新修订，仅策展人可调用。
func (o *Orchestrator) DeleteRevision(ctx context.Context, user *model.User, identifier string, number int) (*model.Study, error) {
	if err := requireCurator(user); err != nil {
		return nil, err
	}
	return o.Revisions.DeleteRevision(ctx, identifier, number)
}

// ResyncMirror 把已公开研究的最新修订重新同步到公开镜像。
func (o *Orchestrator) ResyncMirror(ctx context.Context, user *model.User, identifier string) (*Submission, error) {
	study, err := o.curatorStudy(identifier, user)
	if err != nil {
		return nil, err
	}
	if study.Status != model.StatusPublic {
		return nil, apperr.Conflict.New("study %s is %s, only public studies are mirrored", study.DisplayID(), study.Status)
	}
	revision, err := o.Revisions.Get(study.DisplayID(), study.RevisionNumber)
	if err != nil {
		return nil, err
	}
	if revision.TaskStatus != model.RevisionCompleted {
		return nil, apperr.Conflict.New("study %s revision %d is %s", study.DisplayID(), revision.RevisionNumber, revision.TaskStatus)
	}
	params := baseParams(PipelineResyncMirror, study, user)
	params.RevisionNumber = revision.RevisionNumber
	return o.start(ctx, study, model.TaskSyncPublicMirror, []tasks.Kind{tasks.ResyncPublicMirror}, tasks.ReleaseTask, params, false)
}

// MaintainFolders 在 data-mover 池上执行一次目录维护。
func (o *Orchestrator) MaintainFolders(ctx context.Context, user *model.User, identifier string, force bool) (*Submission, error) {
	study, err := o.curatorStudy(identifier, user)
	if err != nil {
		return nil, err
	}
	params := baseParams(PipelineMaintainFolders, study, user)
	params.Force = force
	return o.start(ctx, study, model.TaskMaintainStudyFolders, []tasks.Kind{tasks.MaintainStudyFolders}, tasks.ReleaseTask, params, false)
}

// PlanFolders 只规划目录维护动作，不修改文件系统。
func (o *Orchestrator) PlanFolders(user *model.User, identifier string, force bool) (*folders.MaintenanceResult, error) {
	if err := requireCurator(user); err != nil {
		return nil, err
	}
	return o.MaintainLocal(context.Background(), identifier, force, true)
}

// MaintainLocal 在当前进程中执行或规划维护，供命令行在 data-mover 主机上使用。
func (o *Orchestrator) MaintainLocal(ctx context.Context, identifier string, force, clusterMode bool) (*folders.MaintenanceResult, error) {
	study, err := o.Registry.Get(identifier)
	if err != nil {
		return nil, err
	}
	return o.Maintainer.Maintain(ctx, maintenanceRequest(study, force, clusterMode))
}

// ArchiveRevision 把已完成的修订提交到下游归档。number 为 0 表示最新修订。
func (o *Orchestrator) ArchiveRevision(ctx context.Context, user *model.User, identifier string, number int) (*Submission, error) {
	study, err := o.curatorStudy(identifier, user)
	if err != nil {
		return nil, err
	}
	if number == 0 {
		number = study.RevisionNumber
	}
	if number < 1 {
		return nil, apperr.Conflict.New("study %s has no revision to archive", study.DisplayID())
	}
	params := baseParams(PipelineArchiveRevision, study, user)
	params.RevisionNumber = number
	return o.start(ctx, study, model.TaskArchiveRevision, []tasks.Kind{tasks.ArchiveRevision}, tasks.ReleaseTask, params, false)
}

// CreateStudy 创建一个 Provisional 研究并提交首次目录维护。
// 维护提交失败不影响研究的创建，策展人可以稍后重新触发。
func (o *Orchestrator) CreateStudy(ctx context.Context, user *model.User, attrs service.StudyAttributes) (*model.Study, *Submission, error) {
	if user == nil {
		return nil, nil, apperr.Unauthorised.New("authentication required")
	}
	if !user.IsActive() {
		return nil, nil, apperr.Forbidden.New("user %q is not active", user.Username)
	}
	study, err := o.Registry.CreateStudy(user, attrs)
	if err != nil {
		return nil, nil, err
	}
	params := baseParams(PipelineCreateStudy, study, user)
	sub, err := o.start(ctx, study, model.TaskMaintainStudyFolders, []tasks.Kind{tasks.MaintainStudyFolders}, tasks.ReleaseTask, params, false)
	if err != nil {
		log.Warnf("[Orchestrator] 研究 %s 的目录维护提交失败: %v", study.DisplayID(), err)
		return study, nil, nil
	}
	if fresh, err := o.Registry.Get(study.DisplayID()); err == nil {
		study = fresh
	}
	return study, sub, nil
}

// RequestReindex 与 RequestIndexDelete 是策展人触发的索引操作。
func (o *Orchestrator) RequestReindex(ctx context.Context, user *model.User, identifier string) (string, error) {
	study, err := o.curatorStudy(identifier, user)
	if err != nil {
		return "", err
	}
	return o.Search.RequestReindex(ctx, study.DisplayID())
}

func (o *Orchestrator) RequestIndexDelete(ctx context.Context, user *model.User, identifier string) (string, error) {
	if err := requireCurator(user); err != nil {
		return "", err
	}
	// 研究可能已不在注册表中，直接使用请求中的标识。
	studyID := identifier
	if study, err := o.Registry.Get(identifier); err == nil {
		studyID = study.DisplayID()
	}
	return o.Search.RequestDelete(ctx, studyID)
}

// DeleteTask 删除卡住的台账行，仅策展人可调用。
func (o *Orchestrator) DeleteTask(user *model.User, identifier string, name model.TaskName) error {
	study, err := o.curatorStudy(identifier, user)
	if err != nil {
		return err
	}
	var lastErr error
	for _, key := range study.Identifiers() {
		err := o.Ledger.Delete(key, name)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// SubmitMaintenanceJob 提交不针对单个研究的周期任务（索引对账、修订巡检）。
func (o *Orchestrator) SubmitMaintenanceJob(ctx context.Context, kind tasks.Kind) (string, error) {
	return o.submitter.Submit(ctx, []tasks.Kind{kind}, "", model.PipelineParams{Pipeline: string(kind)})
}
