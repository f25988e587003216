package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/folders"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/testutil"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/tasks"
)

func TestRevisionCompletionPublishesStudy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()

	task, revision := f.startRevision(t, study, "first release", time.Now().UTC())
	assert.DirExists(t, f.maintainer.Layout().RevisionDir(sid, 1))

	inProgress, err := f.revisions.MarkInProgress(sid, revision.RevisionNumber, "1001")
	require.NoError(t, err)
	assert.Equal(t, model.RevisionInProgress, inProgress.TaskStatus)
	assert.NotNil(t, inProgress.TaskStartedAt)
	assert.Contains(t, inProgress.TaskMessage, "1001")

	completed, err := f.revisions.UpdateTaskStatus(ctx, sid, 1, TaskStatusUpdate{Status: model.RevisionCompleted, Message: "synced"})
	require.NoError(t, err)
	assert.Equal(t, model.RevisionCompleted, completed.TaskStatus)
	require.NotNil(t, completed.TaskCompletedAt)

	public, err := f.registry.Get(sid)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPublic, public.Status)
	assert.Equal(t, 1, public.RevisionNumber)
	require.NotNil(t, public.FirstPublicDate)
	assert.WithinDuration(t, *completed.TaskCompletedAt, *public.FirstPublicDate, time.Second)

	ledgerTask, err := f.ledger.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSuccessful, ledgerTask.Status)
	assert.Equal(t, []NotificationType{NotifyPublicRelease}, f.publisher.types())
	assert.Equal(t, []string{sid}, f.submitter.submitted(tasks.ReindexStudy))

	_, err = f.revisions.UpdateTaskStatus(ctx, sid, 1, TaskStatusUpdate{Status: model.RevisionFailed})
	assert.True(t, apperr.Conflict.Has(err), "completed revisions are immutable")
	_, err = f.revisions.UpdateTaskStatus(ctx, sid, 1, TaskStatusUpdate{Status: "DONE"})
	assert.True(t, apperr.InvalidInput.Has(err))
}

func TestSecondRevisionKeepsFirstPublicDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()

	f.startRevision(t, study, "first", time.Now().UTC())
	_, err := f.revisions.UpdateTaskStatus(ctx, sid, 1, TaskStatusUpdate{Status: model.RevisionCompleted})
	require.NoError(t, err)
	public, err := f.registry.Get(sid)
	require.NoError(t, err)
	firstPublic := *public.FirstPublicDate

	f.startRevision(t, public, "second", time.Now().UTC().Add(time.Minute))
	_, err = f.revisions.UpdateTaskStatus(ctx, sid, 2, TaskStatusUpdate{Status: model.RevisionCompleted})
	require.NoError(t, err)

	after, err := f.registry.Get(sid)
	require.NoError(t, err)
	assert.Equal(t, 2, after.RevisionNumber)
	assert.Equal(t, model.StatusPublic, after.Status)
	assert.WithinDuration(t, firstPublic, *after.FirstPublicDate, time.Second)
	// 已公开的研究不再发送公开通知
	assert.Equal(t, []NotificationType{NotifyPublicRelease}, f.publisher.types())
}

func TestRevisionFailureReleasesLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()

	task, _ := f.startRevision(t, study, "first", time.Now().UTC())
	require.NoError(t, f.revisions.FailActiveRevision(ctx, sid, "rsync exited with 23"))

	revision, err := f.revisions.Get(sid, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RevisionFailed, revision.TaskStatus)
	assert.Equal(t, "rsync exited with 23", revision.TaskMessage)

	ledgerTask, err := f.ledger.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, ledgerTask.Status)
	assert.Equal(t, []NotificationType{NotifyTechnicalIssue}, f.publisher.types())

	private, err := f.registry.Get(sid)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPrivate, private.Status)
}

func TestCompletionThatCannotPublishFailsRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()

	task, _ := f.startRevision(t, study, "first", time.Now().UTC())
	// 回调到达前研究已被改回 Provisional，Provisional -> Public 不是合法转换
	require.NoError(t, f.db.Model(&model.Study{}).Where("id = ?", study.ID).
		Update("status", model.StatusProvisional).Error)

	_, err := f.revisions.UpdateTaskStatus(ctx, sid, 1, TaskStatusUpdate{Status: model.RevisionCompleted})
	assert.True(t, apperr.Conflict.Has(err), "%v", err)

	revision, err := f.revisions.Get(sid, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RevisionFailed, revision.TaskStatus)
	assert.Contains(t, revision.TaskMessage, "publish failed")

	after, err := f.registry.Get(sid)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProvisional, after.Status)
	assert.Nil(t, after.FirstPublicDate)

	ledgerTask, err := f.ledger.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, ledgerTask.Status)
	assert.Equal(t, []NotificationType{NotifyTechnicalIssue}, f.publisher.types())
	assert.Empty(t, f.submitter.submitted(tasks.ReindexStudy))
}

func TestDeleteRevisionRestoresPreviousState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()
	l := f.maintainer.Layout()

	before, err := os.ReadFile(filepath.Join(l.MetadataDir(sid), folders.InvestigationFile))
	require.NoError(t, err)

	task, _ := f.startRevision(t, study, "first", time.Now().UTC())
	_, err = f.revisions.MarkInProgress(sid, 1, "1001")
	require.NoError(t, err)
	_, err = f.revisions.DeleteRevision(ctx, sid, 1)
	assert.True(t, apperr.Conflict.Has(err), "a revision being synchronised cannot be deleted")

	_, err = f.revisions.UpdateTaskStatus(ctx, sid, 1, TaskStatusUpdate{Status: model.RevisionFailed, Message: "cancelled"})
	require.NoError(t, err)
	restored, err := f.revisions.DeleteRevision(ctx, sid, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, restored.RevisionNumber)
	assert.Equal(t, model.StatusPrivate, restored.Status)
	assert.Nil(t, restored.RevisionDatetime)
	assert.Nil(t, restored.FirstPublicDate)
	assert.NoDirExists(t, l.RevisionDir(sid, 1))

	after, err := os.ReadFile(filepath.Join(l.MetadataDir(sid), folders.InvestigationFile))
	require.NoError(t, err)
	_, hasBlock, err := folders.ReadRevisionBlock(after)
	require.NoError(t, err)
	assert.False(t, hasBlock)
	assert.Equal(t, string(before), string(after))

	revisions, err := f.revisions.List(sid)
	require.NoError(t, err)
	assert.Empty(t, revisions)
	ledgerTask, err := f.ledger.Get(task.ID)
	require.NoError(t, err)
	assert.True(t, ledgerTask.Status.IsTerminal())

	_, err = f.revisions.DeleteRevision(ctx, sid, 1)
	assert.True(t, apperr.NotFound.Has(err))
}

func TestDeleteRevisionOnlyLatest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()

	f.startRevision(t, study, "first", time.Now().UTC())
	_, err := f.revisions.UpdateTaskStatus(ctx, sid, 1, TaskStatusUpdate{Status: model.RevisionCompleted})
	require.NoError(t, err)
	public, err := f.registry.Get(sid)
	require.NoError(t, err)
	f.startRevision(t, public, "second", time.Now().UTC().Add(time.Minute))

	_, err = f.revisions.DeleteRevision(ctx, sid, 1)
	assert.True(t, apperr.Conflict.Has(err))

	restored, err := f.revisions.DeleteRevision(ctx, sid, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.RevisionNumber)
	assert.Equal(t, model.StatusPublic, restored.Status)
	first, err := f.revisions.Get(sid, 1)
	require.NoError(t, err)
	require.NotNil(t, restored.RevisionDatetime)
	assert.WithinDuration(t, first.RevisionDatetime, *restored.RevisionDatetime, time.Second)

	block, err := f.maintainer.ReadRevisionFolderBlock(sid, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, block.Number)
}

func TestSweepRetriesStaleRevisions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()

	f.startRevision(t, study, "first", time.Now().UTC().Add(-2*time.Hour))

	var retried []string
	retry := func(ctx context.Context, s *model.Study, r *model.StudyRevision) error {
		retried = append(retried, revisionKey(s.DisplayID(), r.RevisionNumber))
		return nil
	}
	report, err := f.revisions.CheckNotStartedStudyRevisions(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, []string{sid + "#1"}, report.Retried)
	assert.Equal(t, report.Retried, retried)

	revision, err := f.revisions.Get(sid, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, revision.RetryCount)
	assert.Equal(t, model.RevisionInitiated, revision.TaskStatus)
	require.NotNil(t, revision.LastAttemptAt)

	// 同一宽限期内的再次巡检不会重复派发
	report, err = f.revisions.CheckNotStartedStudyRevisions(ctx, retry)
	require.NoError(t, err)
	assert.Empty(t, report.Retried)
	assert.Len(t, retried, 1)

	// 宽限期从上次重试起算，过期后再次重试
	backdate := func() {
		t.Helper()
		require.NoError(t, f.db.Model(&model.StudyRevision{}).Where("id = ?", revision.ID).
			Update("last_attempt_at", time.Now().UTC().Add(-time.Hour)).Error)
	}
	backdate()
	report, err = f.revisions.CheckNotStartedStudyRevisions(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, []string{sid + "#1"}, report.Retried)

	backdate()
	report, err = f.revisions.CheckNotStartedStudyRevisions(ctx, retry)
	require.NoError(t, err)
	assert.Empty(t, report.Retried, "retries stop after the configured maximum")
	assert.Len(t, retried, 2)
}

func TestSweepFailsTimedOutMirrorSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()

	task, _ := f.startRevision(t, study, "first", time.Now().UTC())
	started := time.Now().UTC().Add(-48 * time.Hour)
	_, err := f.revisions.UpdateTaskStatus(ctx, sid, 1, TaskStatusUpdate{Status: model.RevisionInProgress, StartedAt: &started})
	require.NoError(t, err)

	report, err := f.revisions.CheckNotStartedStudyRevisions(ctx, func(context.Context, *model.Study, *model.StudyRevision) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{sid + "#1"}, report.TimedOut)

	revision, err := f.revisions.Get(sid, 1)
	require.NoError(t, err)
	assert.Equal(t, model.RevisionFailed, revision.TaskStatus)
	ledgerTask, err := f.ledger.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, ledgerTask.Status)
}

func TestVerifyAndShareStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.makePrivate(t, f.createStudy(t, owner))
	sid := study.DisplayID()

	f.startRevision(t, study, "first", time.Now().UTC())
	result, err := f.revisions.VerifyRevision(ctx, sid, 1)
	require.NoError(t, err)
	assert.True(t, result.OK())

	require.NoError(t, f.revisions.SetShareStatus(sid, 1, model.ShareShared))
	revision, err := f.revisions.Get(sid, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ShareShared, revision.ShareStatus)
}
