package folders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/model"
)

func prepareStudy(t *testing.T, m *Maintainer) {
	t.Helper()
	_, err := m.Maintain(context.Background(), MaintenanceRequest{StudyID: "X-100", Status: model.StatusPrivate})
	require.NoError(t, err)
	l := m.Layout()
	writeFile(t, filepath.Join(l.MetadataDir("X-100"), "m_X-100_maf.tsv"), "database_identifier\n")
	writeFile(t, filepath.Join(l.DataDir("X-100"), "raw", "a.mzML"), "abc")
	writeFile(t, filepath.Join(l.DataDir("X-100"), "raw", "b.mzML"), "def")
}

func readPublicBlock(t *testing.T, m *Maintainer) RevisionBlock {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(m.Layout().PublicMetadataDir("X-100"), InvestigationFile))
	require.NoError(t, err)
	block, ok, err := ReadRevisionBlock(content)
	require.NoError(t, err)
	require.True(t, ok)
	return block
}

func TestCreateRevisionFolder(t *testing.T) {
	m := newTestMaintainer(t)
	prepareStudy(t, m)
	ctx := context.Background()
	l := m.Layout()

	res, err := m.CreateRevisionFolder(ctx, RevisionFolderRequest{StudyID: "X-100", RevisionNumber: 1, RevisionDatetime: fixedNow, Comment: "first"})
	require.NoError(t, err)
	assert.Equal(t, "X-100_01", filepath.Base(res.RevisionDir))
	assert.DirExists(t, res.AuditDir)
	assert.FileExists(t, filepath.Join(res.RevisionDir, InvestigationFile))
	assert.FileExists(t, filepath.Join(res.RevisionDir, "m_X-100_maf.tsv"))
	assert.NoFileExists(t, filepath.Join(res.RevisionDir, FilesLink))

	stored, err := os.ReadFile(filepath.Join(res.RevisionDir, HashesDir, MetadataSignatureFile))
	require.NoError(t, err)
	assert.Equal(t, res.Signatures.Metadata+"\n", string(stored))

	body, err := os.ReadFile(filepath.Join(res.RevisionDir, HashesDir, DataDigestsFile))
	require.NoError(t, err)
	var digests map[string]string
	require.NoError(t, json.Unmarshal(body, &digests))
	sum := sha256.Sum256([]byte("abc"))
	assert.Equal(t, hex.EncodeToString(sum[:]), digests["raw/a.mzML"])
	assert.Len(t, digests, 2)

	assert.Equal(t, 1, readPublicBlock(t, m).Number)
	assert.FileExists(t, filepath.Join(l.PublicMetadataDir("X-100"), HashesDir, DataSignatureFile))

	verify, err := m.VerifyRevision(ctx, "X-100", 1)
	require.NoError(t, err)
	assert.True(t, verify.OK())
	assert.Empty(t, verify.Warnings)

	res2, err := m.CreateRevisionFolder(ctx, RevisionFolderRequest{StudyID: "X-100", RevisionNumber: 2, RevisionDatetime: fixedNow, Comment: "fix protocol"})
	require.NoError(t, err)
	assert.Equal(t, "X-100_02", filepath.Base(res2.RevisionDir))
	assert.DirExists(t, res.RevisionDir)
	block := readPublicBlock(t, m)
	assert.Equal(t, 2, block.Number)
	assert.Equal(t, "fix protocol", block.Log)

	// 回退到修订 1 的最新视图
	_, err = m.RestoreLatestView("X-100", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, readPublicBlock(t, m).Number)
}

func TestCreateRevisionFolderRetryRecyclesExistingFolder(t *testing.T) {
	m := newTestMaintainer(t)
	prepareStudy(t, m)
	req := RevisionFolderRequest{StudyID: "X-100", RevisionNumber: 1, RevisionDatetime: fixedNow, Comment: "first"}

	_, err := m.CreateRevisionFolder(context.Background(), req)
	require.NoError(t, err)
	res, err := m.CreateRevisionFolder(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Recycled)
	assert.DirExists(t, res.Recycled[0])
	assert.DirExists(t, res.RevisionDir)
}

func TestVerifyRevisionReportsMismatch(t *testing.T) {
	m := newTestMaintainer(t)
	prepareStudy(t, m)
	res, err := m.CreateRevisionFolder(context.Background(), RevisionFolderRequest{StudyID: "X-100", RevisionNumber: 1, RevisionDatetime: fixedNow})
	require.NoError(t, err)

	writeFile(t, filepath.Join(res.RevisionDir, "m_X-100_maf.tsv"), "tampered\n")
	verify, err := m.VerifyRevision(context.Background(), "X-100", 1)
	require.NoError(t, err)
	assert.False(t, verify.MetadataMatch)
	assert.True(t, verify.DataMatch)
	assert.Len(t, verify.Warnings, 1)

	logs, err := os.ReadDir(m.Layout().MaintenanceLogsDir("X-100"))
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestVerifyRevisionRehashesDataFiles(t *testing.T) {
	m := newTestMaintainer(t)
	prepareStudy(t, m)
	_, err := m.CreateRevisionFolder(context.Background(), RevisionFolderRequest{StudyID: "X-100", RevisionNumber: 1, RevisionDatetime: fixedNow})
	require.NoError(t, err)

	data := m.Layout().DataDir("X-100")
	writeFile(t, filepath.Join(data, "raw", "a.mzML"), "changed")
	require.NoError(t, os.Remove(filepath.Join(data, "raw", "b.mzML")))
	writeFile(t, filepath.Join(data, "raw", "c.mzML"), "new")

	verify, err := m.VerifyRevision(context.Background(), "X-100", 1)
	require.NoError(t, err)
	assert.True(t, verify.MetadataMatch)
	assert.False(t, verify.DataMatch)
	require.Len(t, verify.Warnings, 2)
	assert.Equal(t, "data files changed: raw/a.mzML, raw/b.mzML, raw/c.mzML", verify.Warnings[1])
}

func TestDiffDigestsCapsReportedPaths(t *testing.T) {
	current := map[string]string{}
	for i := 0; i < maxDiffPaths+5; i++ {
		current[fmt.Sprintf("f%03d", i)] = "x"
	}
	changed := diffDigests(map[string]string{}, current)
	require.Len(t, changed, maxDiffPaths+1)
	assert.Equal(t, "f000", changed[0])
	assert.Equal(t, "... 5 more", changed[maxDiffPaths])
}

func TestCombineDigestsIgnoresInsertionOrder(t *testing.T) {
	a := map[string]string{}
	a["b.txt"] = "22"
	a["a.txt"] = "11"
	b := map[string]string{"a.txt": "11", "b.txt": "22"}
	assert.Equal(t, CombineDigests(a), CombineDigests(b))

	sum := sha256.Sum256([]byte("1122"))
	assert.Equal(t, hex.EncodeToString(sum[:]), CombineDigests(a))
}

func TestBuildDataIndex(t *testing.T) {
	m := newTestMaintainer(t)
	l := m.Layout()
	writeFile(t, filepath.Join(l.DataDir("X-100"), "raw", "a.mzML"), "abc")
	writeFile(t, filepath.Join(l.DataDir("X-100"), "empty.txt"), "")
	writeFile(t, filepath.Join(l.DataDir("X-100"), "m_X-100_maf.tsv"), "x")
	writeFile(t, filepath.Join(l.DataDir("X-100"), "s_X-100.txt"), "x")
	require.NoError(t, os.MkdirAll(filepath.Join(l.DataDir("X-100"), "blank"), 0o755))

	index, err := m.WriteDataIndex(context.Background(), "X-100")
	require.NoError(t, err)
	assert.Len(t, index.DataFiles, 4)
	assert.NotContains(t, index.DataFiles, "m_X-100_maf.tsv")
	assert.NotContains(t, index.DataFiles, "s_X-100.txt")

	raw := index.DataFiles["raw/a.mzML"]
	assert.Equal(t, "a.mzML", raw.Name)
	assert.Equal(t, ".mzml", raw.Extension)
	assert.Equal(t, int64(3), raw.FileSize)
	assert.Equal(t, "raw", raw.ParentRelativePath)
	assert.False(t, raw.IsEmpty)
	assert.Greater(t, raw.ModifiedTime, float64(0))

	assert.True(t, index.DataFiles["empty.txt"].IsEmpty)
	assert.True(t, index.DataFiles["blank"].IsDir)
	assert.True(t, index.DataFiles["blank"].IsEmpty)
	assert.Equal(t, fixedNow.Format(time.RFC3339), index.IndexDatetime)

	body, err := os.ReadFile(l.DataIndexPath("X-100"))
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "X-100", decoded["study_id"])
	assert.Contains(t, decoded, "data_files")
}
