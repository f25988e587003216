package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/folders"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/internal/testutil"
	"study-lifecycle-go/pkg/es"
	"study-lifecycle-go/pkg/tasks"
)

// recordingSubmitter 记录提交的任务链，不执行。
type recordingSubmitter struct {
	mu     sync.Mutex
	chains [][]tasks.Kind
	params []model.PipelineParams
	err    error
}

func (s *recordingSubmitter) Submit(ctx context.Context, chain []tasks.Kind, onFailure tasks.Kind, params model.PipelineParams) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.chains = append(s.chains, chain)
	s.params = append(s.params, params)
	return "task-" + params.StudyID, nil
}

// submitted 返回某类任务提交时携带的研究标识。
func (s *recordingSubmitter) submitted(kind tasks.Kind) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for i, chain := range s.chains {
		if len(chain) > 0 && chain[0] == kind {
			ids = append(ids, s.params[i].StudyID)
		}
	}
	return ids
}

type memoryIndexer struct {
	mu   sync.Mutex
	docs map[string]es.StudyDocument
}

func newMemoryIndexer() *memoryIndexer {
	return &memoryIndexer{docs: map[string]es.StudyDocument{}}
}

func (m *memoryIndexer) IndexStudy(ctx context.Context, doc es.StudyDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.StudyID] = doc
	return nil
}

func (m *memoryIndexer) DeleteStudy(ctx context.Context, studyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, studyID)
	return nil
}

func (m *memoryIndexer) ListStudyIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	return ids, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Notification
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, value []byte) error {
	var n Notification
	if err := json.Unmarshal(value, &n); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, n)
	return nil
}

func (p *recordingPublisher) types() []NotificationType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]NotificationType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	db         *gorm.DB
	rdb        *redis.Client
	registry   RegistryService
	ledger     LedgerService
	search     SearchService
	notifier   NotificationService
	revisions  RevisionService
	maintainer *folders.Maintainer
	submitter  *recordingSubmitter
	indexer    *memoryIndexer
	publisher  *recordingPublisher
}

var testIdentifiers = config.IdentifierConfig{SubmissionPrefix: "REQ", AccessionPrefix: "MTBLS"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	testutil.UseTestLogger(t)
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)

	f := &fixture{
		db:         db,
		rdb:        rdb,
		maintainer: folders.NewMaintainer(afero.NewOsFs(), testutil.NewStorageConfig(t)),
		submitter:  &recordingSubmitter{},
		indexer:    newMemoryIndexer(),
		publisher:  &recordingPublisher{},
	}
	studyRepo := repository.NewStudyRepository(db)
	revisionRepo := repository.NewRevisionRepository(db)
	f.registry = NewRegistryService(db, studyRepo, repository.NewCounterRepository(db), revisionRepo, testIdentifiers)
	f.ledger = NewLedgerService(db, repository.NewTaskRepository(db), studyRepo)
	f.search = NewSearchService(f.registry, f.indexer, f.submitter, rdb)
	f.notifier = NewNotificationService(f.publisher, config.NotificationConfig{TechnicalIssueAddress: "ops@example.org"})
	f.revisions = NewRevisionService(db, studyRepo, revisionRepo, f.registry, f.ledger, f.search, f.notifier,
		f.maintainer, config.RevisionConfig{GracePeriod: 30 * time.Minute, MirrorTimeout: 24 * time.Hour, MaxRetries: 2})
	return f
}

// createStudy 创建一个 Provisional 研究并建立其目录。
func (f *fixture) createStudy(t *testing.T, owner *model.User) *model.Study {
	t.Helper()
	study, err := f.registry.CreateStudy(owner, StudyAttributes{StudyCategory: "ms-mhd-enabled"})
	require.NoError(t, err)
	_, err = f.maintainer.Maintain(context.Background(), folders.MaintenanceRequest{
		StudyID:         study.DisplayID(),
		Status:          study.Status,
		SubmissionDate:  study.SubmissionDate,
		ObfuscationCode: study.ObfuscationCode,
	})
	require.NoError(t, err)
	return study
}

// makePrivate 分配 accession、迁移目录并把研究切换为 Private。
func (f *fixture) makePrivate(t *testing.T, study *model.Study) *model.Study {
	t.Helper()
	accession, err := f.registry.PromoteToAccession(study.SubmissionID)
	require.NoError(t, err)
	_, err = f.maintainer.Maintain(context.Background(), folders.MaintenanceRequest{
		StudyID:         accession,
		Status:          model.StatusPrivate,
		ObfuscationCode: study.ObfuscationCode,
		PreviousIDs:     []string{study.SubmissionID},
	})
	require.NoError(t, err)
	private, err := f.registry.UpdateStatus(accession, model.StatusPrivate, StatusDates{})
	require.NoError(t, err)
	return private
}

// startRevision 获取 CREATE_REVISION 台账行、新增修订并物化修订目录，模拟修订流水线的前两步。
func (f *fixture) startRevision(t *testing.T, study *model.Study, comment string, at time.Time) (*model.StudyTask, *model.StudyRevision) {
	t.Helper()
	task, err := f.ledger.Acquire(study, model.TaskCreateRevision, nil)
	require.NoError(t, err)
	_, revision, err := f.revisions.IncrementRevision(study.DisplayID(), RevisionRequest{
		Comment: comment, Author: "alice", RevisionTime: at,
	})
	require.NoError(t, err)
	_, err = f.revisions.PrepareRevisionFolder(context.Background(), study.DisplayID(), revision.RevisionNumber)
	require.NoError(t, err)
	return task, revision
}
