// Package service 包含了应用的业务逻辑层。
package service

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/token"
)

// 标识计数器的名称。
const (
	submissionCounter = "submission"
	accessionCounter  = "accession"
)

// StudyAttributes 是创建研究时可由提交者填写的属性。
type StudyAttributes struct {
	ExpectedReleaseDate *time.Time `json:"expectedReleaseDate"`
	TemplateVersion     string     `json:"templateVersion"`
	SampleTemplate      string     `json:"sampleTemplate"`
	StudyCategory       string     `json:"studyCategory"`
	DatasetLicense      string     `json:"datasetLicense"`
	CurationRequest     string     `json:"curationRequest"`
}

// StatusDates 携带状态变更时可选写入的日期；为 nil 时使用当前时间。
type StatusDates struct {
	FirstPrivateDate *time.Time
	FirstPublicDate  *time.Time
}

// RevisionRequest 是新增修订的输入。
type RevisionRequest struct {
	Comment       string
	Author        string
	RevisionTime  time.Time
	InitialStatus model.RevisionTaskStatus
}

// RegistryService 是研究记录的唯一写入方。
type RegistryService interface {
	ReserveSubmissionID() (string, error)
	PromoteToAccession(identifier string) (string, error)
	UpdateStatus(identifier string, status model.StudyStatus, dates StatusDates) (*model.Study, error)
	IncrementRevision(identifier string, req RevisionRequest) (*model.Study, *model.StudyRevision, error)
	CreateStudy(owner *model.User, attrs StudyAttributes) (*model.Study, error)
	Get(identifier string) (*model.Study, error)
	List(statuses ...model.StudyStatus) ([]model.Study, error)
	ListIdentifiers() ([]string, error)
	IsOwner(study *model.Study, user *model.User) (bool, error)
	// OwnerEmails 返回研究所有者的邮箱，用于通知。
	OwnerEmails(study *model.Study) ([]string, error)
}

type registryService struct {
	db           *gorm.DB
	studyRepo    repository.StudyRepository
	counterRepo  repository.CounterRepository
	revisionRepo repository.RevisionRepository
	ids          config.IdentifierConfig
	now          func() time.Time
}

// NewRegistryService 创建一个新的 RegistryService 实例。
func NewRegistryService(db *gorm.DB, studyRepo repository.StudyRepository, counterRepo repository.CounterRepository,
	revisionRepo repository.RevisionRepository, ids config.IdentifierConfig) RegistryService {
	return &registryService{
		db:           db,
		studyRepo:    studyRepo,
		counterRepo:  counterRepo,
		revisionRepo: revisionRepo,
		ids:          ids,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ReserveSubmissionID 在行锁下递增提交号计数器。
func (s *registryService) ReserveSubmissionID() (string, error) {
	var id string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		id, err = s.nextID(s.counterRepo.WithTx(tx), submissionCounter, s.ids.SubmissionPrefix)
		return err
	})
	if err != nil {
		return "", apperr.DB.Wrap(err)
	}
	return id, nil
}

func (s *registryService) nextID(counters repository.CounterRepository, name, prefix string) (string, error) {
	n, err := counters.Next(name, 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", prefix, n), nil
}

// PromoteToAccession 为研究分配 accession 并把它设为主标识，提交号保留为历史别名。
// 已有 accession 时直接返回它。
func (s *registryService) PromoteToAccession(identifier string) (string, error) {
	var accession string
	err := s.db.Transaction(func(tx *gorm.DB) error {
		study, err := s.studyRepo.WithTx(tx).FindByIdentifierForUpdate(identifier)
		if err != nil {
			return apperr.FromDB(err, "study %s not found", identifier)
		}
		if study.HasAccession() {
			accession = *study.Accession
			return nil
		}
		accession, err = s.nextID(s.counterRepo.WithTx(tx), accessionCounter, s.ids.AccessionPrefix)
		if err != nil {
			return apperr.DB.Wrap(err)
		}
		if err := s.studyRepo.WithTx(tx).UpdateFields(study.ID, map[string]interface{}{"accession": accession}); err != nil {
			return apperr.DB.Wrap(err)
		}
		log.Infof("[Registry] 研究 %s 分配 accession: %s", study.SubmissionID, accession)
		return nil
	})
	if err != nil {
		return "", err
	}
	return accession, nil
}

// UpdateStatus 原子地写入新状态以及首次进入 Private/Public 的日期。
// 不在状态机表中的转换返回 conflict。
func (s *registryService) UpdateStatus(identifier string, status model.StudyStatus, dates StatusDates) (*model.Study, error) {
	var updated *model.Study
	err := s.db.Transaction(func(tx *gorm.DB) error {
		study, err := transitionStatus(s.studyRepo.WithTx(tx), identifier, status, dates, s.now())
		updated = study
		return err
	})
	return updated, err
}

// transitionStatus 在调用方的事务中锁定研究行并执行一次状态转换。
func transitionStatus(repo repository.StudyRepository, identifier string, status model.StudyStatus, dates StatusDates, now time.Time) (*model.Study, error) {
	study, err := repo.FindByIdentifierForUpdate(identifier)
	if err != nil {
		return nil, apperr.FromDB(err, "study %s not found", identifier)
	}
	if !model.CanTransition(study.Status, status) {
		return nil, apperr.Conflict.New("study %s: transition %s -> %s is not allowed", study.DisplayID(), study.Status, status)
	}
	if status == model.StatusPublic && study.RevisionNumber < 1 {
		return nil, apperr.Conflict.New("study %s has no revision and cannot be public", study.DisplayID())
	}

	fields := map[string]interface{}{"status": status}
	if status == model.StatusPrivate && study.FirstPrivateDate == nil {
		study.FirstPrivateDate = firstNonNil(dates.FirstPrivateDate, &now)
		fields["first_private_date"] = study.FirstPrivateDate
	}
	if status == model.StatusPublic {
		if dates.FirstPublicDate != nil {
			study.FirstPublicDate = dates.FirstPublicDate
			fields["first_public_date"] = study.FirstPublicDate
		} else if study.FirstPublicDate == nil {
			study.FirstPublicDate = &now
			fields["first_public_date"] = study.FirstPublicDate
		}
	}
	if err := repo.UpdateFields(study.ID, fields); err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	log.Infof("[Registry] 研究 %s 状态变更: %s -> %s", study.DisplayID(), study.Status, status)
	study.Status = status
	return study, nil
}

// IncrementRevision 在同一事务中递增修订号、写入修订时间并插入一条修订记录。
func (s *registryService) IncrementRevision(identifier string, req RevisionRequest) (*model.Study, *model.StudyRevision, error) {
	var (
		study    *model.Study
		revision *model.StudyRevision
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		repo := s.studyRepo.WithTx(tx)
		revisions := s.revisionRepo.WithTx(tx)
		var err error
		study, err = repo.FindByIdentifierForUpdate(identifier)
		if err != nil {
			return apperr.FromDB(err, "study %s not found", identifier)
		}
		if !model.RevisableStatus(study.Status) {
			return apperr.Conflict.New("study %s in status %s cannot be revised", study.DisplayID(), study.Status)
		}
		active, err := revisions.FindActive(study.ID)
		if err != nil {
			return apperr.DB.Wrap(err)
		}
		if len(active) > 0 {
			return apperr.Conflict.New("study %s revision %d is still %s", study.DisplayID(), active[0].RevisionNumber, active[0].TaskStatus)
		}

		at := req.RevisionTime
		if at.IsZero() {
			at = s.now()
		}
		status := req.InitialStatus
		if status == "" {
			status = model.RevisionInitiated
		}
		study.RevisionNumber++
		study.RevisionDatetime = &at
		fields := map[string]interface{}{
			"revision_number":   study.RevisionNumber,
			"revision_datetime": study.RevisionDatetime,
		}
		if study.FirstPublicDate == nil {
			study.FirstPublicDate = &at
			fields["first_public_date"] = study.FirstPublicDate
		}
		if err := repo.UpdateFields(study.ID, fields); err != nil {
			return apperr.DB.Wrap(err)
		}
		revision = &model.StudyRevision{
			StudyID:          study.ID,
			Accession:        study.DisplayID(),
			RevisionNumber:   study.RevisionNumber,
			RevisionDatetime: at,
			RevisionComment:  req.Comment,
			CreatedBy:        req.Author,
			TaskStatus:       status,
			ShareStatus:      model.ShareNone,
		}
		if err := revisions.Create(revision); err != nil {
			return apperr.DB.Wrap(err)
		}
		log.Infof("[Registry] 研究 %s 新增修订 %d, 作者: %s", study.DisplayID(), study.RevisionNumber, req.Author)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return study, revision, nil
}

// CreateStudy 预留提交号并插入一个 Provisional 研究，创建者成为其所有者。
func (s *registryService) CreateStudy(owner *model.User, attrs StudyAttributes) (*model.Study, error) {
	if owner == nil {
		return nil, apperr.Unauthorised.New("creating a study requires an authenticated user")
	}
	if !owner.IsActive() {
		return nil, apperr.Forbidden.New("user %s is not active", owner.Username)
	}
	var study *model.Study
	err := s.db.Transaction(func(tx *gorm.DB) error {
		submissionID, err := s.nextID(s.counterRepo.WithTx(tx), submissionCounter, s.ids.SubmissionPrefix)
		if err != nil {
			return err
		}
		now := s.now()
		study = &model.Study{
			SubmissionID:        submissionID,
			Status:              model.StatusProvisional,
			ObfuscationCode:     token.GenerateRandomString(8),
			SubmissionDate:      &now,
			ExpectedReleaseDate: attrs.ExpectedReleaseDate,
			TemplateVersion:     attrs.TemplateVersion,
			SampleTemplate:      attrs.SampleTemplate,
			StudyCategory:       attrs.StudyCategory,
			DatasetLicense:      attrs.DatasetLicense,
			CurationRequest:     attrs.CurationRequest,
		}
		repo := s.studyRepo.WithTx(tx)
		if err := repo.Create(study); err != nil {
			return err
		}
		return repo.AddOwner(study, owner)
	})
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	log.Infof("[Registry] 用户 %s 创建研究 %s", owner.Username, study.SubmissionID)
	return study, nil
}

func (s *registryService) Get(identifier string) (*model.Study, error) {
	study, err := s.studyRepo.FindByIdentifier(identifier)
	if err != nil {
		return nil, apperr.FromDB(err, "study %s not found", identifier)
	}
	return study, nil
}

func (s *registryService) List(statuses ...model.StudyStatus) ([]model.Study, error) {
	studies, err := s.studyRepo.ListByStatus(statuses...)
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	return studies, nil
}

func (s *registryService) ListIdentifiers() ([]string, error) {
	ids, err := s.studyRepo.ListIdentifiers()
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	return ids, nil
}

func (s *registryService) IsOwner(study *model.Study, user *model.User) (bool, error) {
	if study == nil || user == nil {
		return false, nil
	}
	ok, err := s.studyRepo.IsOwner(study.ID, user.ID)
	if err != nil {
		return false, apperr.DB.Wrap(err)
	}
	return ok, nil
}

func (s *registryService) OwnerEmails(study *model.Study) ([]string, error) {
	owners, err := s.studyRepo.ListOwners(study)
	if err != nil {
		return nil, apperr.DB.Wrap(err)
	}
	emails := make([]string, 0, len(owners))
	for _, u := range owners {
		if u.Email != "" {
			emails = append(emails, u.Email)
		}
	}
	return emails, nil
}

func firstNonNil(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
