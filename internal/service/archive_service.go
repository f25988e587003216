package service

import (
	"context"
	"path"

	"study-lifecycle-go/internal/folders"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/log"
)

// TreeArchiver 上传一个目录树，*storage.Archiver 实现了它。
type TreeArchiver interface {
	ArchiveTree(ctx context.Context, root, prefix string) (int, error)
}

// ArchiveService 把已完成的修订（元数据与 HASHES）提交到下游归档存储，并跟踪 share_status。
type ArchiveService interface {
	// ArchiveRevision 归档修订 number；number 为 0 时归档最新修订。返回上传的对象数。
	ArchiveRevision(ctx context.Context, identifier string, number int) (int, error)
}

type archiveService struct {
	registry  RegistryService
	revisions RevisionService
	archiver  TreeArchiver
	layout    folders.Layout
}

// NewArchiveService 创建一个新的 ArchiveService 实例。
func NewArchiveService(registry RegistryService, revisions RevisionService, archiver TreeArchiver, layout folders.Layout) ArchiveService {
	return &archiveService{registry: registry, revisions: revisions, archiver: archiver, layout: layout}
}

func (s *archiveService) ArchiveRevision(ctx context.Context, identifier string, number int) (int, error) {
	study, err := s.registry.Get(identifier)
	if err != nil {
		return 0, err
	}
	if number == 0 {
		number = study.RevisionNumber
	}
	if number < 1 {
		return 0, apperr.Conflict.New("study %s has no revision to archive", study.DisplayID())
	}
	revision, err := s.revisions.Get(study.DisplayID(), number)
	if err != nil {
		return 0, err
	}
	if revision.TaskStatus != model.RevisionCompleted {
		return 0, apperr.Conflict.New("study %s revision %d is %s, only completed revisions are archived",
			study.DisplayID(), number, revision.TaskStatus)
	}

	sid := study.DisplayID()
	if err := s.revisions.SetShareStatus(sid, number, model.ShareInProgress); err != nil {
		return 0, err
	}
	prefix := path.Join(sid, folders.RevisionFolderName(sid, number))
	uploaded, err := s.archiver.ArchiveTree(ctx, s.layout.RevisionDir(sid, number), prefix)
	status := model.ShareShared
	if err != nil {
		status = model.ShareFailed
	}
	if setErr := s.revisions.SetShareStatus(sid, number, status); setErr != nil {
		log.Errorf("[Archive] 更新研究 %s 修订 %d 的 share_status 失败: %v", sid, number, setErr)
	}
	if err != nil {
		return uploaded, err
	}
	log.Infof("[Archive] 研究 %s 修订 %d 已归档, 对象数: %d", sid, number, uploaded)
	return uploaded, nil
}
