package folders

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/testutil"
)

var fixedNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func newTestMaintainer(t *testing.T) *Maintainer {
	t.Helper()
	testutil.UseTestLogger(t)
	m := NewMaintainer(afero.NewOsFs(), testutil.NewStorageConfig(t))
	m.now = func() time.Time { return fixedNow }
	return m
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func actionTypes(actions []Action) []ActionType {
	var out []ActionType
	for _, a := range actions {
		out = append(out, a.Type)
	}
	return out
}

func TestMaintainCreatesLayoutAndIsIdempotent(t *testing.T) {
	m := newTestMaintainer(t)
	l := m.Layout()
	req := MaintenanceRequest{StudyID: "X-100", Status: model.StatusProvisional, ObfuscationCode: "abc123"}

	res, err := m.Maintain(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.NotEmpty(t, res.LogPath)
	assert.FileExists(t, res.LogPath)
	for _, a := range res.Actions {
		assert.Equal(t, ActionSuccess, a.Status, "%s %s", a.Type, a.Path)
	}

	for _, dir := range []string{l.MetadataDir("X-100"), l.DataDir("X-100"), l.AuditDir("X-100"), l.RevisionsDir("X-100")} {
		assert.DirExists(t, dir)
	}
	assert.NoDirExists(t, l.PublicMirrorDir("X-100"), "mirror folder only exists for public studies")
	assert.FileExists(t, filepath.Join(l.MetadataDir("X-100"), InvestigationFile))

	target, err := os.Readlink(filepath.Join(l.MetadataDir("X-100"), FilesLink))
	require.NoError(t, err)
	assert.Equal(t, l.DataDir("X-100"), target)

	perm, err := m.FTPPermission("X-100", "abc123")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o770), perm)

	again, err := m.Maintain(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, again.Actions)
	assert.False(t, again.Executed)
	assert.Empty(t, again.LogPath)
}

func TestMaintainSanitisesAssayFileName(t *testing.T) {
	m := newTestMaintainer(t)
	dir := m.Layout().MetadataDir("X-100")
	writeFile(t, filepath.Join(dir, InvestigationFile), investigationTemplate("X-100", nil, nil))
	writeFile(t, filepath.Join(dir, "A_Study Test Assay(1).tsv"), "Sample Name\n")

	req := MaintenanceRequest{StudyID: "X-100", Status: model.StatusProvisional}
	res, err := m.Maintain(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, actionTypes(res.Actions), ActionSnapshotMetadata)
	assert.Contains(t, actionTypes(res.Actions), ActionRenameFile)

	assert.FileExists(t, filepath.Join(dir, "a_X-100_1.tsv"))
	assert.NoFileExists(t, filepath.Join(dir, "A_Study Test Assay(1).tsv"))

	// 改名前的审计快照保留原文件名
	snapshots, err := os.ReadDir(m.Layout().AuditDir("X-100"))
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "2026-10-16_09-30-00_maintenance", snapshots[0].Name())
	assert.FileExists(t, filepath.Join(m.Layout().AuditDir("X-100"), snapshots[0].Name(), "A_Study Test Assay(1).tsv"))

	again, err := m.Maintain(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, again.Actions)
}

func TestFTPPermissionFollowsStatus(t *testing.T) {
	m := newTestMaintainer(t)
	ctx := context.Background()
	_, err := m.Maintain(ctx, MaintenanceRequest{StudyID: "X-100", Status: model.StatusProvisional, ObfuscationCode: "abc123"})
	require.NoError(t, err)

	res, err := m.Maintain(ctx, MaintenanceRequest{StudyID: "X-100", Status: model.StatusPrivate, ObfuscationCode: "abc123"})
	require.NoError(t, err)
	assert.Contains(t, actionTypes(res.Actions), ActionChmod)
	perm, err := m.FTPPermission("X-100", "abc123")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o750), perm)

	actions, err := m.SetFTPPermission(ctx, "X-100", "abc123", false, true)
	require.NoError(t, err)
	assert.Len(t, actions, 1)
	perm, err = m.FTPPermission("X-100", "abc123")
	require.NoError(t, err)
	assert.Equal(t, uint32(0o770), perm)

	actions, err = m.SetFTPPermission(ctx, "X-100", "abc123", false, true)
	require.NoError(t, err)
	assert.Empty(t, actions)

	_, err = m.SetFTPPermission(ctx, "X-404", "abc123", true, false)
	assert.Error(t, err)
}

func TestMaintainMigratesPreviousIdentifier(t *testing.T) {
	m := newTestMaintainer(t)
	l := m.Layout()
	writeFile(t, filepath.Join(l.MetadataDir("REQ1"), InvestigationFile), investigationTemplate("REQ1", nil, nil))
	writeFile(t, filepath.Join(l.MetadataDir("REQ1"), "a_REQ1_lcms.tsv"), "Sample Name\n")
	writeFile(t, filepath.Join(l.DataDir("REQ1"), "raw", "a.mzML"), "abc")

	req := MaintenanceRequest{StudyID: "X-100", Status: model.StatusPrivate, PreviousIDs: []string{"REQ1"}}
	_, err := m.Maintain(context.Background(), req)
	require.NoError(t, err)

	assert.NoDirExists(t, l.MetadataDir("REQ1"))
	assert.FileExists(t, filepath.Join(l.MetadataDir("X-100"), "a_X-100_lcms.tsv"))
	assert.FileExists(t, filepath.Join(l.DataDir("X-100"), "raw", "a.mzML"))

	again, err := m.Maintain(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, again.Actions)
}

func TestClusterModeOnlyPlans(t *testing.T) {
	m := newTestMaintainer(t)
	res, err := m.Maintain(context.Background(), MaintenanceRequest{StudyID: "X-100", Status: model.StatusProvisional, ClusterMode: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Actions)
	assert.False(t, res.Executed)
	assert.NoDirExists(t, m.Layout().MetadataDir("X-100"))
	for _, a := range res.Actions {
		assert.Equal(t, ActionPlanned, a.Status)
	}
}

func TestMaintainRecyclesNonSymlinkOccupants(t *testing.T) {
	m := newTestMaintainer(t)
	l := m.Layout()
	files := filepath.Join(l.MetadataDir("X-100"), FilesLink)
	audit := filepath.Join(l.MetadataDir("X-100"), AuditFilesLink)
	writeFile(t, files, "submitter data")
	writeFile(t, filepath.Join(audit, "legacy.txt"), "legacy audit")

	res, err := m.Maintain(context.Background(), MaintenanceRequest{StudyID: "X-100", Status: model.StatusProvisional})
	require.NoError(t, err)
	var recycled []string
	for _, a := range res.Actions {
		if a.Type == ActionMoveToRecycle {
			recycled = append(recycled, a.Target)
		}
	}
	require.Len(t, recycled, 2)

	for _, link := range []string{files, audit} {
		info, err := os.Lstat(link)
		require.NoError(t, err)
		assert.NotZero(t, info.Mode()&os.ModeSymlink, link)
	}
	batch := filepath.Join(l.RecycleBinDir("X-100"), "2026-10-16_09-30-00")
	body, err := os.ReadFile(filepath.Join(batch, files))
	require.NoError(t, err)
	assert.Equal(t, "submitter data", string(body))
	assert.FileExists(t, filepath.Join(batch, audit, "legacy.txt"))

	again, err := m.Maintain(context.Background(), MaintenanceRequest{StudyID: "X-100", Status: model.StatusProvisional})
	require.NoError(t, err)
	assert.Empty(t, again.Actions)
}

func TestCreateSymlinkKeepsRegularFiles(t *testing.T) {
	m := newTestMaintainer(t)
	path := filepath.Join(t.TempDir(), FilesLink)
	writeFile(t, path, "keep me")

	actions := []Action{{Type: ActionCreateSymlink, Path: path, Target: t.TempDir(), Status: ActionPlanned}}
	require.Error(t, m.runActions("X-100", actions))
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(body))
}

func TestFailedActionSkipsTheRest(t *testing.T) {
	m := newTestMaintainer(t)
	actions := []Action{
		{Type: ActionDeleteEmpty, Path: filepath.Join(t.TempDir(), "missing"), Status: ActionPlanned},
		{Type: ActionCreateFolder, Path: filepath.Join(t.TempDir(), "never"), Mode: dirMode, Status: ActionPlanned},
	}
	err := m.runActions("X-100", actions)
	require.Error(t, err)
	assert.Equal(t, ActionFailed, actions[0].Status)
	assert.Equal(t, ActionSkipped, actions[1].Status)
	assert.NoDirExists(t, actions[1].Path)
}

func TestRecycleBinAndPurge(t *testing.T) {
	m := newTestMaintainer(t)
	path := filepath.Join(m.Layout().MetadataDir("X-100"), "old.txt")
	writeFile(t, path, "old")

	dest, err := m.MoveToRecycle("X-100", path)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
	assert.FileExists(t, dest)
	assert.Contains(t, dest, filepath.Join(m.Layout().RecycleBinDir("X-100"), "2026-10-16_09-30-00"))

	removed, err := m.PurgeRecycleBin(context.Background(), "X-100", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, removed)

	m.now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	removed, err = m.PurgeRecycleBin(context.Background(), "", time.Hour)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	assert.NoFileExists(t, dest)
}

func TestDeleteStudyFoldersMovesToRecycleBin(t *testing.T) {
	m := newTestMaintainer(t)
	_, err := m.Maintain(context.Background(), MaintenanceRequest{StudyID: "X-100", Status: model.StatusPublic, ObfuscationCode: "abc123"})
	require.NoError(t, err)

	actions, err := m.DeleteStudyFolders(context.Background(), "X-100", "abc123")
	require.NoError(t, err)
	assert.Len(t, actions, 6)
	assert.NoDirExists(t, m.Layout().MetadataDir("X-100"))
	assert.NoDirExists(t, m.Layout().PrivateFTPDir("X-100", "abc123"))
	assert.FileExists(t, filepath.Join(m.Layout().RecycleBinDir("X-100"), "2026-10-16_09-30-00", "actions.json"))
}
