package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/folders"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// TaskStatusUpdate 是修订任务状态回调的内容。零值字段表示不修改。
type TaskStatusUpdate struct {
	Status          model.RevisionTaskStatus `json:"task_status"`
	Message         string                   `json:"task_message"`
	StartedAt       *time.Time               `json:"task_started_at"`
	CompletedAt     *time.Time               `json:"task_completed_at"`
	RevisionComment string                   `json:"revision_comment"`
	Author          string                   `json:"created_by"`
}

// RetryFunc 重新驱动一个卡住的修订，由编排层注入。
type RetryFunc func(ctx context.Context, study *model.Study, revision *model.StudyRevision) error

// SweepReport 是一次修订巡检的结果，元素形如 "<study_id>#<n>"。
type SweepReport struct {
	TimedOut []string `json:"timedOut"`
	Retried  []string `json:"retried"`
	Skipped  []string `json:"skipped"`
	Failed   []string `json:"failed"`
}

// RevisionService 维护只追加的修订历史。研究的 revision_number、revision_datetime、
// first_public_date 以及发布路径上的状态变更只经由这里写入。
type RevisionService interface {
	IncrementRevision(identifier string, req RevisionRequest) (*model.Study, *model.StudyRevision, error)
	PrepareRevisionFolder(ctx context.Context, identifier string, number int) (*folders.RevisionFolderResult, error)
	MarkInProgress(identifier string, number int, jobID string) (*model.StudyRevision, error)
	UpdateTaskStatus(ctx context.Context, identifier string, number int, update TaskStatusUpdate) (*model.StudyRevision, error)
	// FailActiveRevision 把研究当前未结束的修订标记为 Failed。
	FailActiveRevision(ctx context.Context, identifier, reason string) error
	DeleteRevision(ctx context.Context, identifier string, number int) (*model.Study, error)
	CheckNotStartedStudyRevisions(ctx context.Context, retry RetryFunc) (*SweepReport, error)
	VerifyRevision(ctx context.Context, identifier string, number int) (*folders.VerifyResult, error)
	SetShareStatus(identifier string, number int, status model.ShareStatus) error
	List(identifier string) ([]model.StudyRevision, error)
	Get(identifier string, number int) (*model.StudyRevision, error)
}

type revisionService struct {
	db           *gorm.DB
	studyRepo    repository.StudyRepository
	revisionRepo repository.RevisionRepository
	registry     RegistryService
	ledger       LedgerService
	search       SearchService
	notifier     NotificationService
	maintainer   *folders.Maintainer
	cfg          config.RevisionConfig
	now          func() time.Time
}

// NewRevisionService 创建一个新的 RevisionService 实例。
func NewRevisionService(db *gorm.DB, studyRepo repository.StudyRepository, revisionRepo repository.RevisionRepository,
	registry RegistryService, ledger LedgerService, search SearchService, notifier NotificationService,
	maintainer *folders.Maintainer, cfg config.RevisionConfig) RevisionService {
	return &revisionService{
		db:           db,
		studyRepo:    studyRepo,
		revisionRepo: revisionRepo,
		registry:     registry,
		ledger:       ledger,
		search:       search,
		notifier:     notifier,
		maintainer:   maintainer,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *revisionService) IncrementRevision(identifier string, req RevisionRequest) (*model.Study, *model.StudyRevision, error) {
	return s.registry.IncrementRevision(identifier, req)
}

func (s *revisionService) load(identifier string, number int) (*model.Study, *model.StudyRevision, error) {
	study, err := s.registry.Get(identifier)
	if err != nil {
		return nil, nil, err
	}
	revision, err := s.revisionRepo.Find(study.ID, number)
	if err != nil {
		return nil, nil, apperr.FromDB(err, "study %s has no revision %d", study.DisplayID(), number)
	}
	return study, revision, nil
}

func (s *revisionService) PrepareRevisionFolder(ctx context.Context, identifier string, number int) (*folders.RevisionFolderResult, error) {
	study, revision, err := s.load(identifier, number)
	if err != nil {
		return nil, err
	}
	if revision.TaskStatus == model.RevisionCompleted {
		return nil, apperr.Conflict.New("study %s revision %d is already completed", study.DisplayID(), number)
	}
	return s.maintainer.CreateRevisionFolder(ctx, folders.RevisionFolderRequest{
		StudyID:          study.DisplayID(),
		RevisionNumber:   number,
		RevisionDatetime: revision.RevisionDatetime,
		Comment:          revision.RevisionComment,
	})
}

func (s *revisionService) MarkInProgress(identifier string, number int, jobID string) (*model.StudyRevision, error) {
	now := s.now()
	return s.UpdateTaskStatus(context.Background(), identifier, number, TaskStatusUpdate{
		Status:    model.RevisionInProgress,
		Message:   "mirror sync submitted, cluster job " + jobID,
		StartedAt: &now,
	})
}

// UpdateTaskStatus 更新修订的任务状态。最新修订变为 Completed 且研究尚未公开时，研究切换为 Public，
// 并发送公开通知、触发重建索引；Failed 时释放台账并通知技术问题地址。
func (s *revisionService) UpdateTaskStatus(ctx context.Context, identifier string, number int, update TaskStatusUpdate) (*model.StudyRevision, error) {
	if _, ok := model.ParseRevisionTaskStatus(string(update.Status)); !ok {
		return nil, apperr.InvalidInput.New("unknown task status %q", update.Status)
	}
	study, revision, err := s.load(identifier, number)
	if err != nil {
		return nil, err
	}
	if revision.TaskStatus == model.RevisionCompleted {
		return nil, apperr.Conflict.New("study %s revision %d is completed and cannot change", study.DisplayID(), number)
	}

	now := s.now()
	revision.TaskStatus = update.Status
	if update.Message != "" {
		revision.TaskMessage = update.Message
	}
	if update.RevisionComment != "" {
		revision.RevisionComment = update.RevisionComment
	}
	if update.Author != "" {
		revision.CreatedBy = update.Author
	}
	switch update.Status {
	case model.RevisionInitiated:
		revision.TaskStartedAt = nil
		revision.TaskCompletedAt = nil
	case model.RevisionInProgress:
		revision.TaskStartedAt = firstNonNil(update.StartedAt, &now)
		revision.TaskCompletedAt = nil
	case model.RevisionFailed, model.RevisionCompleted:
		if update.StartedAt != nil {
			revision.TaskStartedAt = update.StartedAt
		}
		revision.TaskCompletedAt = firstNonNil(update.CompletedAt, &now)
	}
	// 修订状态与研究公开在同一事务中提交
	publish := update.Status == model.RevisionCompleted &&
		study.RevisionNumber == revision.RevisionNumber && study.Status != model.StatusPublic
	var published *model.Study
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.revisionRepo.WithTx(tx).Save(revision); err != nil {
			return apperr.DB.Wrap(err)
		}
		if !publish {
			return nil
		}
		dates := StatusDates{}
		if revision.RevisionNumber == 1 {
			dates.FirstPublicDate = revision.TaskCompletedAt
		}
		var err error
		published, err = transitionStatus(s.studyRepo.WithTx(tx), study.DisplayID(), model.StatusPublic, dates, now)
		return err
	})
	if err != nil {
		if publish {
			return nil, s.failPublish(ctx, study, number, err)
		}
		return nil, err
	}
	log.Infof("[Revision] 研究 %s 修订 %d 任务状态: %s", study.DisplayID(), number, update.Status)

	switch update.Status {
	case model.RevisionCompleted:
		if err := s.onCompleted(ctx, study, revision, published); err != nil {
			return revision, err
		}
	case model.RevisionFailed:
		s.onFailed(ctx, study, revision)
	}
	return revision, nil
}

// failPublish 处理无法公开研究的完成回调：修订记为 Failed，台账行随之释放。
func (s *revisionService) failPublish(ctx context.Context, study *model.Study, number int, cause error) error {
	log.Errorf("[Revision] 研究 %s 修订 %d 公开失败: %v", study.DisplayID(), number, cause)
	if _, err := s.UpdateTaskStatus(ctx, study.DisplayID(), number, TaskStatusUpdate{
		Status:  model.RevisionFailed,
		Message: "publish failed: " + cause.Error(),
	}); err != nil {
		log.Errorf("[Revision] 研究 %s 修订 %d 标记失败出错: %v", study.DisplayID(), number, err)
		if err := s.ledger.CompleteActive(study, model.TaskCreateRevision, model.TaskFailed, cause.Error()); err != nil {
			log.Errorf("[Revision] 研究 %s 释放台账失败: %v", study.DisplayID(), err)
		}
	}
	return cause
}

// onCompleted 发送公开通知、请求重建索引并结束 CREATE_REVISION 台账行。published 非空表示本次回调刚把研究切换为 Public。
func (s *revisionService) onCompleted(ctx context.Context, study *model.Study, revision *model.StudyRevision, published *model.Study) error {
	if published != nil {
		recipients, err := s.registry.OwnerEmails(published)
		if err != nil {
			log.Warnf("[Revision] 读取研究 %s 的所有者失败: %v", study.DisplayID(), err)
		}
		if err := s.notifier.PublicRelease(ctx, published, recipients); err != nil {
			log.Warnf("[Revision] 研究 %s 公开通知发送失败: %v", study.DisplayID(), err)
		}
		log.Infof("[Revision] 研究 %s 已公开 (%s -> %s), 修订 %d", study.DisplayID(), study.Status, model.StatusPublic, revision.RevisionNumber)
	}
	if study.RevisionNumber == revision.RevisionNumber {
		if _, err := s.search.RequestReindex(ctx, study.DisplayID()); err != nil {
			log.Warnf("[Revision] 研究 %s 重建索引请求失败: %v", study.DisplayID(), err)
		}
	}
	return s.ledger.CompleteActive(study, model.TaskCreateRevision, model.TaskSuccessful,
		fmt.Sprintf("revision %d completed", revision.RevisionNumber))
}

func (s *revisionService) onFailed(ctx context.Context, study *model.Study, revision *model.StudyRevision) {
	reason := fmt.Sprintf("revision %d failed: %s", revision.RevisionNumber, revision.TaskMessage)
	if err := s.ledger.CompleteActive(study, model.TaskCreateRevision, model.TaskFailed, reason); err != nil {
		log.Errorf("[Revision] 研究 %s 释放台账失败: %v", study.DisplayID(), err)
	}
	if err := s.notifier.TechnicalIssue(ctx, study.DisplayID(), "create-revision", reason); err != nil {
		log.Warnf("[Revision] 研究 %s 技术问题通知发送失败: %v", study.DisplayID(), err)
	}
}

func (s *revisionService) FailActiveRevision(ctx context.Context, identifier, reason string) error {
	study, err := s.registry.Get(identifier)
	if err != nil {
		return err
	}
	active, err := s.revisionRepo.FindActive(study.ID)
	if err != nil {
		return apperr.DB.Wrap(err)
	}
	if len(active) == 0 {
		return s.ledger.CompleteActive(study, model.TaskCreateRevision, model.TaskFailed, reason)
	}
	for _, rev := range active {
		if _, err := s.UpdateTaskStatus(ctx, study.DisplayID(), rev.RevisionNumber, TaskStatusUpdate{
			Status:  model.RevisionFailed,
			Message: reason,
		}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteRevision 删除最新修订并回退研究记录。正在同步的修订不能删除。
func (s *revisionService) DeleteRevision(ctx context.Context, identifier string, number int) (*model.Study, error) {
	study, revision, err := s.load(identifier, number)
	if err != nil {
		return nil, err
	}
	if number != study.RevisionNumber {
		return nil, apperr.Conflict.New("only the latest revision (%d) of study %s can be deleted", study.RevisionNumber, study.DisplayID())
	}
	if revision.TaskStatus == model.RevisionInProgress {
		return nil, apperr.Conflict.New("study %s revision %d is being synchronised", study.DisplayID(), number)
	}
	sid := study.DisplayID()

	var previous *model.StudyRevision
	if number > 1 {
		if previous, err = s.revisionRepo.Find(study.ID, number-1); err != nil {
			return nil, apperr.FromDB(err, "study %s has no revision %d", sid, number-1)
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		fields := map[string]interface{}{"revision_number": number - 1}
		if previous == nil {
			fields["status"] = model.StatusPrivate
			fields["revision_datetime"] = nil
			fields["first_public_date"] = nil
		} else {
			fields["revision_datetime"] = previous.RevisionDatetime
		}
		if err := s.revisionRepo.WithTx(tx).Delete(revision); err != nil {
			return err
		}
		return s.studyRepo.WithTx(tx).UpdateFields(study.ID, fields)
	})
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	log.Infof("[Revision] 研究 %s 删除了修订 %d", sid, number)

	if dest, err := s.maintainer.RemoveRevisionFolder(sid, number); err != nil {
		return nil, err
	} else if dest != "" {
		log.Infof("[Revision] 研究 %s 修订目录已移入回收站: %s", sid, dest)
	}
	if _, err := s.maintainer.RestoreLatestView(sid, number-1); err != nil {
		return nil, err
	}
	var block *folders.RevisionBlock
	if previous != nil {
		if block, err = s.maintainer.ReadRevisionFolderBlock(sid, number-1); err != nil {
			return nil, err
		}
	}
	if err := s.maintainer.WriteRevisionBlock(sid, block); err != nil {
		return nil, err
	}

	if err := s.ledger.CompleteActive(study, model.TaskCreateRevision, model.TaskFailed,
		fmt.Sprintf("revision %d deleted", number)); err != nil {
		return nil, err
	}
	if _, err := s.search.RequestReindex(ctx, sid); err != nil {
		log.Warnf("[Revision] 研究 %s 重建索引请求失败: %v", sid, err)
	}
	return s.registry.Get(sid)
}

// CheckNotStartedStudyRevisions 是定时巡检：先把同步超时的 IN_PROGRESS 修订判为失败，
// 再重试超过宽限期仍处于 INITIATED 或 FAILED 的最新修订，每个修订最多重试 MaxRetries 次。
func (s *revisionService) CheckNotStartedStudyRevisions(ctx context.Context, retry RetryFunc) (*SweepReport, error) {
	report := &SweepReport{}
	now := s.now()

	if s.cfg.MirrorTimeout > 0 {
		stuck, err := s.revisionRepo.FindInProgressSince(now.Add(-s.cfg.MirrorTimeout))
		if err != nil {
			return nil, apperr.DB.Wrap(err)
		}
		for _, rev := range stuck {
			key := revisionKey(rev.Accession, rev.RevisionNumber)
			study, err := s.studyRepo.FindByID(rev.StudyID)
			if err != nil {
				report.Failed = append(report.Failed, key)
				continue
			}
			msg := fmt.Sprintf("mirror sync did not report back within %s", s.cfg.MirrorTimeout)
			if _, err := s.UpdateTaskStatus(ctx, study.DisplayID(), rev.RevisionNumber, TaskStatusUpdate{
				Status:  model.RevisionFailed,
				Message: msg,
			}); err != nil {
				log.Errorf("[Revision] 巡检标记 %s 超时失败: %v", key, err)
				report.Failed = append(report.Failed, key)
				continue
			}
			log.Warnf("[Revision] %s 同步超时，已标记为失败", key)
			report.TimedOut = append(report.TimedOut, key)
		}
	}

	stale, err := s.revisionRepo.FindStale(
		[]model.RevisionTaskStatus{model.RevisionInitiated, model.RevisionFailed},
		now.Add(-s.cfg.GracePeriod), s.cfg.MaxRetries)
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	for i := range stale {
		rev := &stale[i]
		key := revisionKey(rev.Accession, rev.RevisionNumber)
		if err := ctx.Err(); err != nil {
			return report, err
		}
		study, err := s.studyRepo.FindByID(rev.StudyID)
		if err != nil {
			report.Failed = append(report.Failed, key)
			continue
		}
		if study.RevisionNumber != rev.RevisionNumber {
			report.Skipped = append(report.Skipped, key)
			continue
		}
		rev.RetryCount++
		rev.TaskStatus = model.RevisionInitiated
		rev.TaskMessage = fmt.Sprintf("retry %d of %d", rev.RetryCount, s.cfg.MaxRetries)
		rev.TaskStartedAt = nil
		rev.TaskCompletedAt = nil
		// 宽限期从最近一次重试开始重新计算
		attempted := now
		rev.LastAttemptAt = &attempted
		if err := s.revisionRepo.Save(rev); err != nil {
			return report, apperr.DB.Wrap(err)
		}
		log.Infof("[Revision] 巡检重试 %s (%s)", key, rev.TaskMessage)
		if err := retry(ctx, study, rev); err != nil {
			log.Errorf("[Revision] 重试 %s 失败: %v", key, err)
			report.Failed = append(report.Failed, key)
			continue
		}
		report.Retried = append(report.Retried, key)
	}
	return report, nil
}

func revisionKey(studyID string, number int) string {
	return fmt.Sprintf("%s#%d", studyID, number)
}

// VerifyRevision 重新计算修订签名；不一致时把警告写入修订的 task_message。
func (s *revisionService) VerifyRevision(ctx context.Context, identifier string, number int) (*folders.VerifyResult, error) {
	study, revision, err := s.load(identifier, number)
	if err != nil {
		return nil, err
	}
	result, err := s.maintainer.VerifyRevision(ctx, study.DisplayID(), number)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		revision.TaskMessage = strings.TrimSpace(revision.TaskMessage + " " + strings.Join(result.Warnings, "; "))
		if err := s.revisionRepo.Save(revision); err != nil {
			return result, apperr.DB.Wrap(err)
		}
	}
	return result, nil
}

func (s *revisionService) SetShareStatus(identifier string, number int, status model.ShareStatus) error {
	_, revision, err := s.load(identifier, number)
	if err != nil {
		return err
	}
	revision.ShareStatus = status
	if err := s.revisionRepo.Save(revision); err != nil {
		return apperr.DB.Wrap(err)
	}
	return nil
}

func (s *revisionService) List(identifier string) ([]model.StudyRevision, error) {
	study, err := s.registry.Get(identifier)
	if err != nil {
		return nil, err
	}
	revisions, err := s.revisionRepo.ListByStudy(study.ID)
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	return revisions, nil
}

func (s *revisionService) Get(identifier string, number int) (*model.StudyRevision, error) {
	_, revision, err := s.load(identifier, number)
	return revision, err
}
