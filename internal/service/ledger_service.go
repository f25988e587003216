package service

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/metrics"
)

// LedgerService 是每个研究的单写者锁。一个研究（含其历史标识）同一时间只能有一条处于
// Not-Executed/Executing 的台账行。
type LedgerService interface {
	// Acquire 获取锁：已有非终态行时返回 conflict；终态行被复用；不存在时插入。
	Acquire(study *model.Study, name model.TaskName, params *model.PipelineParams) (*model.StudyTask, error)
	// Reacquire 与 Acquire 相同，但允许接管同名的非终态行（巡检重新驱动卡住的流水线时使用）。
	Reacquire(study *model.Study, name model.TaskName, params *model.PipelineParams) (*model.StudyTask, error)
	// SetMessage 在行仍处于非终态时更新消息（如作业 ID）。
	SetMessage(taskID uint, message string) error
	// Complete 把行转为 Successful 或 Failed。已是终态时不做任何事。
	Complete(taskID uint, status model.TaskStatus, message string) error
	// CompleteActive 结束研究下同名的非终态行（如果有）。
	CompleteActive(study *model.Study, name model.TaskName, status model.TaskStatus, message string) error
	Delete(studyKey string, name model.TaskName) error
	List(study *model.Study) ([]model.StudyTask, error)
	Get(taskID uint) (*model.StudyTask, error)
}

type ledgerService struct {
	db        *gorm.DB
	taskRepo  repository.TaskRepository
	studyRepo repository.StudyRepository
	now       func() time.Time
}

// NewLedgerService 创建一个新的 LedgerService 实例。
func NewLedgerService(db *gorm.DB, taskRepo repository.TaskRepository, studyRepo repository.StudyRepository) LedgerService {
	return &ledgerService{
		db:        db,
		taskRepo:  taskRepo,
		studyRepo: studyRepo,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *ledgerService) Acquire(study *model.Study, name model.TaskName, params *model.PipelineParams) (*model.StudyTask, error) {
	return s.acquire(study, name, params, false)
}

func (s *ledgerService) Reacquire(study *model.Study, name model.TaskName, params *model.PipelineParams) (*model.StudyTask, error) {
	return s.acquire(study, name, params, true)
}

// acquire 在一个事务中先锁定研究行，再检查非终态行并写入，同一研究的并发获取因此串行执行。
func (s *ledgerService) acquire(study *model.Study, name model.TaskName, params *model.PipelineParams, takeOver bool) (*model.StudyTask, error) {
	var acquired *model.StudyTask
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if study.ID != 0 {
			if _, err := s.studyRepo.WithTx(tx).FindByIdentifierForUpdate(study.DisplayID()); err != nil {
				return apperr.FromDB(err, "study %s not found", study.DisplayID())
			}
		}
		task, err := s.acquireTx(s.taskRepo.WithTx(tx), study, name, params, takeOver)
		acquired = task
		return err
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func (s *ledgerService) acquireTx(repo repository.TaskRepository, study *model.Study, name model.TaskName, params *model.PipelineParams, takeOver bool) (*model.StudyTask, error) {
	keys := study.Identifiers()
	active, err := repo.FindActive(keys)
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	var own *model.StudyTask
	for i := range active {
		if takeOver && active[i].TaskName == name && own == nil {
			own = &active[i]
			continue
		}
		return nil, s.busy(study, name, &active[i])
	}

	now := s.now()
	tok := uuid.NewString()
	fields := map[string]interface{}{
		"status":              model.TaskExecuting,
		"token":               tok,
		"last_request_time":   now,
		"last_execution_time": now,
		"message":             "",
		"params":              encodeParams(params),
	}

	if own != nil {
		ok, err := repo.CompareAndSwap(own.ID, model.ActiveTaskStatuses, fields)
		if err != nil {
			return nil, apperr.DB.Wrap(err)
		}
		if !ok {
			return nil, s.busy(study, name, own)
		}
		log.Infof("[Ledger] 研究 %s 接管任务 %s (id=%d)", study.DisplayID(), name, own.ID)
		return findTask(repo, own.ID)
	}

	key := study.DisplayID()
	existing, err := repo.Find(key, name)
	switch {
	case err == nil:
		ok, err := repo.CompareAndSwap(existing.ID, model.TerminalTaskStatuses, fields)
		if err != nil {
			return nil, apperr.DB.Wrap(err)
		}
		if !ok {
			return nil, s.busy(study, name, existing)
		}
		log.Infof("[Ledger] 研究 %s 获取任务锁 %s (id=%d)", key, name, existing.ID)
		return findTask(repo, existing.ID)
	case errors.Is(err, gorm.ErrRecordNotFound):
		task := &model.StudyTask{
			StudyKey:          key,
			TaskName:          name,
			Status:            model.TaskExecuting,
			Token:             tok,
			LastRequestTime:   &now,
			LastExecutionTime: &now,
			Params:            encodeParams(params),
		}
		if err := repo.Create(task); err != nil {
			// 唯一索引冲突：另一个请求抢先插入了同一行
			if _, findErr := repo.Find(key, name); findErr == nil {
				return nil, s.busy(study, name, nil)
			}
			return nil, apperr.DB.Wrap(err)
		}
		log.Infof("[Ledger] 研究 %s 获取任务锁 %s (id=%d)", key, name, task.ID)
		return task, nil
	default:
		return nil, apperr.DB.Wrap(err)
	}
}

func (s *ledgerService) busy(study *model.Study, name model.TaskName, holder *model.StudyTask) error {
	metrics.LedgerConflicts.WithLabelValues(string(name)).Inc()
	if holder != nil {
		log.Warnf("[Ledger] 研究 %s 忙: 请求 %s, 已有 %s (%s)", study.DisplayID(), name, holder.TaskName, holder.Status)
		return apperr.Conflict.New("study %s is busy: task %s is %s", study.DisplayID(), holder.TaskName, holder.Status)
	}
	return apperr.Conflict.New("study %s is busy: task %s is already running", study.DisplayID(), name)
}

func (s *ledgerService) SetMessage(taskID uint, message string) error {
	ok, err := s.taskRepo.CompareAndSwap(taskID, model.ActiveTaskStatuses, map[string]interface{}{"message": message})
	if err != nil {
		return apperr.DB.Wrap(err)
	}
	if !ok {
		log.Warnf("[Ledger] 任务 %d 已结束，忽略消息更新: %s", taskID, message)
	}
	return nil
}

func (s *ledgerService) Complete(taskID uint, status model.TaskStatus, message string) error {
	if !status.IsTerminal() {
		return apperr.InvalidInput.New("ledger task can only complete as %s or %s", model.TaskSuccessful, model.TaskFailed)
	}
	ok, err := s.taskRepo.CompareAndSwap(taskID, model.ActiveTaskStatuses, map[string]interface{}{
		"status":              status,
		"message":             message,
		"last_execution_time": s.now(),
	})
	if err != nil {
		return apperr.DB.Wrap(err)
	}
	if !ok {
		task, err := s.taskRepo.FindByID(taskID)
		if err != nil {
			return apperr.FromDB(err, "ledger task %d not found", taskID)
		}
		log.Warnf("[Ledger] 任务 %d (%s) 已是终态 %s，忽略 %s", taskID, task.TaskName, task.Status, status)
		return nil
	}
	log.Infof("[Ledger] 任务 %d 结束: %s %s", taskID, status, message)
	return nil
}

func (s *ledgerService) CompleteActive(study *model.Study, name model.TaskName, status model.TaskStatus, message string) error {
	active, err := s.taskRepo.FindActive(study.Identifiers())
	if err != nil {
		return apperr.DB.Wrap(err)
	}
	for _, task := range active {
		if task.TaskName == name {
			if err := s.Complete(task.ID, status, message); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ledgerService) Delete(studyKey string, name model.TaskName) error {
	n, err := s.taskRepo.Delete(studyKey, name)
	if err != nil {
		return apperr.DB.Wrap(err)
	}
	if n == 0 {
		return apperr.NotFound.New("no %s task for study %s", name, studyKey)
	}
	log.Warnf("[Ledger] 已删除研究 %s 的任务 %s", studyKey, name)
	return nil
}

func (s *ledgerService) List(study *model.Study) ([]model.StudyTask, error) {
	tasks, err := s.taskRepo.ListByKeys(study.Identifiers())
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	return tasks, nil
}

func (s *ledgerService) Get(taskID uint) (*model.StudyTask, error) {
	return findTask(s.taskRepo, taskID)
}

func findTask(repo repository.TaskRepository, taskID uint) (*model.StudyTask, error) {
	task, err := repo.FindByID(taskID)
	if err != nil {
		return nil, apperr.FromDB(err, "ledger task %d not found", taskID)
	}
	return task, nil
}

func encodeParams(params *model.PipelineParams) datatypes.JSON {
	if params == nil {
		return nil
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return datatypes.JSON(body)
}
