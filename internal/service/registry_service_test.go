package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/testutil"
	"study-lifecycle-go/pkg/apperr"
)

func TestRegistryIdentifiers(t *testing.T) {
	f := newFixture(t)
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)

	first := f.createStudy(t, owner)
	second := f.createStudy(t, owner)
	assert.Equal(t, "REQ1", first.SubmissionID)
	assert.Equal(t, "REQ2", second.SubmissionID)
	assert.Equal(t, model.StatusProvisional, first.Status)
	assert.NotEmpty(t, first.ObfuscationCode)

	reserved, err := f.registry.ReserveSubmissionID()
	require.NoError(t, err)
	assert.Equal(t, "REQ3", reserved)

	accession, err := f.registry.PromoteToAccession("req2")
	require.NoError(t, err)
	assert.Equal(t, "MTBLS1", accession)
	again, err := f.registry.PromoteToAccession(accession)
	require.NoError(t, err)
	assert.Equal(t, accession, again)

	byOld, err := f.registry.Get("REQ2")
	require.NoError(t, err)
	assert.Equal(t, "MTBLS1", byOld.DisplayID())
	assert.Equal(t, []string{"MTBLS1", "REQ2"}, byOld.Identifiers())

	_, err = f.registry.Get("MTBLS404")
	assert.True(t, apperr.NotFound.Has(err))

	ids, err := f.registry.ListIdentifiers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"REQ1", "MTBLS1"}, ids)

	owned, err := f.registry.IsOwner(first, owner)
	require.NoError(t, err)
	assert.True(t, owned)
	emails, err := f.registry.OwnerEmails(first)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.org"}, emails)
}

func TestRegistryCreateStudyRequiresActiveUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.CreateStudy(nil, StudyAttributes{})
	assert.True(t, apperr.Unauthorised.Has(err))

	frozen := testutil.CreateUser(t, f.db, "bob", model.RoleSubmitter)
	frozen.Status = model.UserFrozen
	_, err = f.registry.CreateStudy(frozen, StudyAttributes{})
	assert.True(t, apperr.Forbidden.Has(err))
}

func TestRegistryUpdateStatusFollowsStateMachine(t *testing.T) {
	f := newFixture(t)
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.createStudy(t, owner)

	_, err := f.registry.UpdateStatus(study.SubmissionID, model.StatusInReview, StatusDates{})
	assert.True(t, apperr.Conflict.Has(err))

	private := f.makePrivate(t, study)
	require.NotNil(t, private.FirstPrivateDate)
	firstPrivate := *private.FirstPrivateDate

	_, err = f.registry.UpdateStatus(private.DisplayID(), model.StatusPublic, StatusDates{})
	assert.True(t, apperr.Conflict.Has(err), "a study without revisions cannot become public")

	_, err = f.registry.UpdateStatus(private.DisplayID(), model.StatusProvisional, StatusDates{})
	require.NoError(t, err)
	later := firstPrivate.Add(time.Hour)
	again, err := f.registry.UpdateStatus(private.DisplayID(), model.StatusPrivate, StatusDates{FirstPrivateDate: &later})
	require.NoError(t, err)
	assert.WithinDuration(t, firstPrivate, *again.FirstPrivateDate, time.Second, "first private date is written once")
}

func TestRegistryIncrementRevision(t *testing.T) {
	f := newFixture(t)
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	study := f.createStudy(t, owner)

	_, _, err := f.registry.IncrementRevision(study.DisplayID(), RevisionRequest{Comment: "too early"})
	assert.True(t, apperr.Conflict.Has(err))

	private := f.makePrivate(t, study)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	updated, revision, err := f.registry.IncrementRevision(private.DisplayID(), RevisionRequest{Comment: "first", Author: "alice", RevisionTime: at})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RevisionNumber)
	assert.Equal(t, 1, revision.RevisionNumber)
	assert.Equal(t, model.RevisionInitiated, revision.TaskStatus)
	assert.Equal(t, model.ShareNone, revision.ShareStatus)
	assert.Equal(t, private.DisplayID(), revision.Accession)
	require.NotNil(t, updated.FirstPublicDate)
	assert.True(t, at.Equal(*updated.FirstPublicDate))

	_, _, err = f.registry.IncrementRevision(private.DisplayID(), RevisionRequest{Comment: "second"})
	assert.True(t, apperr.Conflict.Has(err), "an unfinished revision blocks the next one")
}
