package folders

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const investigationWithRevision = "ONTOLOGY SOURCE REFERENCE\n" +
	"INVESTIGATION\n" +
	"Investigation Identifier\t\"X-100\"\n" +
	"Comment[Revision]\t\"1\"\n" +
	"Comment[Revision Date]\t\"2026-01-01\"\n" +
	"Comment[Revision Log]\t\"first\"\n" +
	"INVESTIGATION PUBLICATIONS\n" +
	"Investigation PubMed ID\n"

func TestUpdateRevisionBlockReplacesPriorEntries(t *testing.T) {
	block := RevisionBlock{Number: 2, Date: time.Date(2026, 10, 16, 22, 0, 0, 0, time.UTC), Log: "fix\nprotocol"}
	got := UpdateRevisionBlock([]byte(investigationWithRevision), block)

	want := "ONTOLOGY SOURCE REFERENCE\n" +
		"INVESTIGATION\n" +
		"Investigation Identifier\t\"X-100\"\n" +
		"Comment[Revision]\t\"2\"\n" +
		"Comment[Revision Date]\t\"2026-10-16\"\n" +
		"Comment[Revision Log]\t\"fix protocol\"\n" +
		"INVESTIGATION PUBLICATIONS\n" +
		"Investigation PubMed ID\n"
	assert.Equal(t, want, string(got))

	read, ok, err := ReadRevisionBlock(got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, read.Number)
	assert.Equal(t, "2026-10-16", read.Date.Format("2006-01-02"))
	assert.Equal(t, "fix protocol", read.Log)
}

func TestUpdateRevisionBlockPreservesCRLF(t *testing.T) {
	input := strings.ReplaceAll(investigationWithRevision, "\n", "\r\n")
	got := string(UpdateRevisionBlock([]byte(input), RevisionBlock{Number: 3, Date: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), Log: "x"}))
	assert.NotContains(t, strings.ReplaceAll(got, "\r\n", ""), "\n")
	assert.Contains(t, got, "Comment[Revision]\t\"3\"\r\n")
	assert.Equal(t, 1, strings.Count(got, "Comment[Revision]"))
}

func TestUpdateRevisionBlockAppendsWithoutPublicationsSection(t *testing.T) {
	got := string(UpdateRevisionBlock([]byte("INVESTIGATION\nInvestigation Title\n"), RevisionBlock{Number: 1, Date: time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)}))
	assert.True(t, strings.HasSuffix(got, "Comment[Revision Log]\t\"\"\n"))
	assert.True(t, strings.HasPrefix(got, "INVESTIGATION\nInvestigation Title\nComment[Revision]\t\"1\"\n"))
}

func TestRemoveRevisionBlock(t *testing.T) {
	got := RemoveRevisionBlock([]byte(investigationWithRevision))
	assert.NotContains(t, string(got), "Comment[Revision")
	_, ok, err := ReadRevisionBlock(got)
	require.NoError(t, err)
	assert.False(t, ok)
}
