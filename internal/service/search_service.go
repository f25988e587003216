package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/es"
	"study-lifecycle-go/pkg/log"
	"study-lifecycle-go/pkg/tasks"
)

// JobSubmitter 提交一条任务链，*jobs.Runtime 实现了它。
type JobSubmitter interface {
	Submit(ctx context.Context, chain []tasks.Kind, onFailure tasks.Kind, params model.PipelineParams) (string, error)
}

// StudyIndexer 是检索索引的写入端，*es.StudyIndex 实现了它。
type StudyIndexer interface {
	IndexStudy(ctx context.Context, doc es.StudyDocument) error
	DeleteStudy(ctx context.Context, studyID string) error
	ListStudyIDs(ctx context.Context) ([]string, error)
}

// SyncReport 是一次索引对账的结果。
type SyncReport struct {
	StartedAt time.Time `json:"startedAt"`
	Reindexed []string  `json:"reindexed"`
	Deleted   []string  `json:"deleted"`
	Skipped   []string  `json:"skipped"`
}

// SearchService 把索引变更调度为异步作业，并负责索引与注册表的对账。
type SearchService interface {
	// RequestReindex 记录请求时间并提交 common.reindex_study 作业。
	RequestReindex(ctx context.Context, studyID string) (string, error)
	// RequestDelete 记录请求时间并提交 common.delete_study_index 作业。
	RequestDelete(ctx context.Context, studyID string) (string, error)
	ReindexAll(ctx context.Context) ([]string, error)
	// Reindex 与 DeleteIndex 是作业处理器调用的执行端。
	Reindex(ctx context.Context, studyID string) error
	DeleteIndex(ctx context.Context, studyID string) error
	// SyncIndexesWithRegistry 删除索引中多余的文档并补齐缺失的研究。
	// 在对账开始之后有显式请求的研究不会被删除；注册表中存在的研究永远不会被删除。
	SyncIndexesWithRegistry(ctx context.Context) (*SyncReport, error)
}

type searchService struct {
	registry RegistryService
	indexer  StudyIndexer
	jobs     JobSubmitter
	rdb      *redis.Client
	now      func() time.Time
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(registry RegistryService, indexer StudyIndexer, jobs JobSubmitter, rdb *redis.Client) SearchService {
	return &searchService{
		registry: registry,
		indexer:  indexer,
		jobs:     jobs,
		rdb:      rdb,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func requestMarkerKey(studyID string) string {
	return "search:last-request:" + studyID
}

const requestMarkerTTL = 7 * 24 * time.Hour

func (s *searchService) mark(ctx context.Context, studyID string) {
	at := s.now().Format(time.RFC3339Nano)
	if err := s.rdb.Set(ctx, requestMarkerKey(studyID), at, requestMarkerTTL).Err(); err != nil {
		log.Warnf("[Search] 记录研究 %s 的索引请求时间失败: %v", studyID, err)
	}
}

// lastRequest 返回研究最近一次显式索引请求的时间。
func (s *searchService) lastRequest(ctx context.Context, studyID string) (time.Time, bool) {
	v, err := s.rdb.Get(ctx, requestMarkerKey(studyID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warnf("[Search] 读取研究 %s 的索引请求时间失败: %v", studyID, err)
		}
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	return t, err == nil
}

func (s *searchService) RequestReindex(ctx context.Context, studyID string) (string, error) {
	s.mark(ctx, studyID)
	return s.submit(ctx, tasks.ReindexStudy, studyID)
}

func (s *searchService) RequestDelete(ctx context.Context, studyID string) (string, error) {
	s.mark(ctx, studyID)
	return s.submit(ctx, tasks.DeleteStudyIndex, studyID)
}

func (s *searchService) submit(ctx context.Context, kind tasks.Kind, studyID string) (string, error) {
	id, err := s.jobs.Submit(ctx, []tasks.Kind{kind}, "", model.PipelineParams{Pipeline: string(kind), StudyID: studyID})
	if err != nil {
		log.Errorf("[Search] 提交 %s 失败: study=%s, err=%v", kind, studyID, err)
		return id, err
	}
	return id, nil
}

func (s *searchService) ReindexAll(ctx context.Context) ([]string, error) {
	ids, err := s.registry.ListIdentifiers()
	if err != nil {
		return nil, err
	}
	taskIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		taskID, err := s.RequestReindex(ctx, id)
		if err != nil {
			return taskIDs, err
		}
		taskIDs = append(taskIDs, taskID)
	}
	log.Infof("[Search] 已为 %d 个研究提交重建索引作业", len(taskIDs))
	return taskIDs, nil
}

func (s *searchService) Reindex(ctx context.Context, studyID string) error {
	study, err := s.registry.Get(studyID)
	if apperr.NotFound.Has(err) {
		log.Warnf("[Search] 研究 %s 已不存在，删除其索引文档", studyID)
		return s.indexer.DeleteStudy(ctx, studyID)
	}
	if err != nil {
		return err
	}
	if err := s.indexer.IndexStudy(ctx, s.document(study)); err != nil {
		return err
	}
	log.Infof("[Search] 研究 %s 已写入索引", study.DisplayID())
	return nil
}

func (s *searchService) DeleteIndex(ctx context.Context, studyID string) error {
	if err := s.indexer.DeleteStudy(ctx, studyID); err != nil {
		return err
	}
	log.Infof("[Search] 研究 %s 已从索引删除", studyID)
	return nil
}

func (s *searchService) document(study *model.Study) es.StudyDocument {
	doc := es.StudyDocument{
		StudyID:         study.DisplayID(),
		SubmissionID:    study.SubmissionID,
		Status:          string(study.Status),
		RevisionNumber:  study.RevisionNumber,
		RevisionDate:    study.RevisionDatetime,
		FirstPublicDate: study.FirstPublicDate,
		ReleaseDate:     study.ExpectedReleaseDate,
		StudyCategory:   study.StudyCategory,
		DatasetLicense:  study.DatasetLicense,
		SizeBytes:       study.SizeBytes,
		IndexedAt:       s.now(),
	}
	if study.HasAccession() {
		doc.Accession = *study.Accession
	}
	return doc
}

func (s *searchService) SyncIndexesWithRegistry(ctx context.Context) (*SyncReport, error) {
	report := &SyncReport{StartedAt: s.now()}
	registered, err := s.registry.ListIdentifiers()
	if err != nil {
		return nil, err
	}
	indexed, err := s.indexer.ListStudyIDs(ctx)
	if err != nil {
		return nil, err
	}

	inRegistry := make(map[string]bool, len(registered))
	for _, id := range registered {
		inRegistry[id] = true
	}
	inIndex := make(map[string]bool, len(indexed))
	for _, id := range indexed {
		inIndex[id] = true
		if inRegistry[id] {
			continue
		}
		if at, ok := s.lastRequest(ctx, id); ok && at.After(report.StartedAt) {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		if _, err := s.submit(ctx, tasks.DeleteStudyIndex, id); err != nil {
			return report, err
		}
		report.Deleted = append(report.Deleted, id)
	}
	for _, id := range registered {
		if inIndex[id] {
			continue
		}
		if _, err := s.submit(ctx, tasks.ReindexStudy, id); err != nil {
			return report, err
		}
		report.Reindexed = append(report.Reindexed, id)
	}
	log.Infof("[Search] 索引对账完成: 补齐 %d, 删除 %d, 跳过 %d",
		len(report.Reindexed), len(report.Deleted), len(report.Skipped))
	return report, nil
}
