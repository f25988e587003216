package cluster

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/pkg/apperr"
)

func TestParseJobID(t *testing.T) {
	id, ok := ParseJobID("Submitted batch job 4242\n")
	assert.True(t, ok)
	assert.Equal(t, "4242", id)

	id, ok = ParseJobID("4243;cluster-a")
	assert.True(t, ok)
	assert.Equal(t, "4243", id)

	_, ok = ParseJobID("queue full")
	assert.False(t, ok)
}

func TestShellSubmitterWritesScriptAndParsesID(t *testing.T) {
	dir := t.TempDir()
	// sh -c 把多余的参数当作位置参数忽略掉
	s := NewShellSubmitter(config.ClusterConfig{
		SubmitCommand: "/bin/sh",
		SubmitArgs:    []string{"-c", "echo Submitted batch job 77"},
	})

	sub, err := s.Submit(context.Background(), JobSpec{
		Name:    "mirror-X-100-01",
		StudyID: "X-100",
		LogDir:  dir,
		Script:  "#!/bin/bash\necho hi\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "77", sub.JobID)

	script, err := os.ReadFile(sub.ScriptPath)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\necho hi\n", string(script))
	assert.FileExists(t, dir+"/mirror-X-100-01.submit.log")
}

func TestShellSubmitterFailure(t *testing.T) {
	s := NewShellSubmitter(config.ClusterConfig{
		SubmitCommand: "/bin/sh",
		SubmitArgs:    []string{"-c", "echo denied >&2; exit 3"},
	})
	_, err := s.Submit(context.Background(), JobSpec{Name: "job", LogDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, apperr.External.Has(err))
	assert.Contains(t, err.Error(), "denied")
}

func TestRenderMirrorSync(t *testing.T) {
	script, err := RenderMirrorSync(MirrorSyncRequest{
		StudyID:        "X-100",
		RevisionNumber: 2,
		RsyncCommand:   "rsync",
		Transfers: []Transfer{
			{Source: "/internal/X-100/PUBLIC_METADATA/", Target: "/mirror/X-100"},
			{Source: "/data/X-100/", Target: "/mirror/X-100/FILES"},
		},
		CallbackURL:    "http://lifecycle/api/v1/studies/X-100/revisions/2",
		CallbackToken:  "tok",
	})
	require.NoError(t, err)
	assert.Contains(t, script, `rsync -rlt`)
	assert.Contains(t, script, `"/internal/X-100/PUBLIC_METADATA/" "/mirror/X-100"`)
	assert.Contains(t, script, `"/data/X-100/" "/mirror/X-100/FILES"`)
	assert.Contains(t, script, `mkdir -p "/mirror/X-100/FILES"`)
	assert.Contains(t, script, `report COMPLETED "X-100 revision 2 synchronised"`)
	assert.Contains(t, script, `user-token: tok`)
}
