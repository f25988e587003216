package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/testutil"
	"study-lifecycle-go/pkg/apperr"
)

func TestEvaluatePermissionReasons(t *testing.T) {
	curator := &model.User{ID: 1, Username: "curator", Role: model.RoleCurator, Status: model.UserActive}
	owner := &model.User{ID: 2, Username: "owner", Role: model.RoleSubmitter, Status: model.UserActive}
	stranger := &model.User{ID: 3, Username: "stranger", Role: model.RoleSubmitter, Status: model.UserActive}
	study := func(status model.StudyStatus) *model.Study {
		return &model.Study{SubmissionID: "REQ1", Status: status, ObfuscationCode: "secret"}
	}

	cases := []struct {
		name   string
		ctx    model.PermissionContext
		reason model.PermissionReason
	}{
		{"missing study", model.PermissionContext{User: owner}, model.ReasonNoStudy},
		{"anonymous provisional", model.PermissionContext{Study: study(model.StatusProvisional)}, model.ReasonNotAuthenticated},
		{"anonymous public", model.PermissionContext{Study: study(model.StatusPublic)}, model.ReasonPublicNonOwner},
		{"reviewer code", model.PermissionContext{Study: study(model.StatusInReview), ObfuscationCode: "secret"}, model.ReasonPrivateWithCode},
		{"wrong code", model.PermissionContext{Study: study(model.StatusPrivate), ObfuscationCode: "guess"}, model.ReasonNotAuthenticated},
		{"stranger provisional", model.PermissionContext{User: stranger, Study: study(model.StatusProvisional)}, model.ReasonProvisionalNonOwner},
		{"curator public", model.PermissionContext{User: curator, Study: study(model.StatusPublic)}, model.ReasonCuratorPublic},
		{"curator private", model.PermissionContext{User: curator, Study: study(model.StatusInReview)}, model.ReasonCuratorPrivate},
		{"curator dormant", model.PermissionContext{User: curator, Study: study(model.StatusDormant)}, model.ReasonCuratorProvisional},
		{"owner provisional", model.PermissionContext{User: owner, IsOwner: true, Study: study(model.StatusProvisional)}, model.ReasonOwnerProvisional},
		{"owner public", model.PermissionContext{User: owner, IsOwner: true, Study: study(model.StatusPublic)}, model.ReasonOwnerPrivateOrPublic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			perm := EvaluatePermission(tc.ctx)
			assert.Equal(t, tc.reason, perm.Reason)
		})
	}
}

func TestEvaluatePermissionScopes(t *testing.T) {
	owner := &model.User{ID: 2, Username: "owner", Role: model.RoleSubmitter, Status: model.UserActive}
	provisional := &model.Study{SubmissionID: "REQ1", Status: model.StatusProvisional}

	perm := EvaluatePermission(model.PermissionContext{User: owner, IsOwner: true, Study: provisional})
	assert.True(t, perm.Has(model.ResourceSubmission, model.ScopeMakePrivate))
	assert.False(t, perm.Has(model.ResourceSubmission, model.ScopeCreateRevision))
	assert.False(t, perm.IsCurator)

	frozen := *owner
	frozen.Status = model.UserFrozen
	perm = EvaluatePermission(model.PermissionContext{User: &frozen, IsOwner: true, Study: provisional})
	assert.True(t, perm.Has(model.ResourceSubmission, model.ScopeView))
	assert.False(t, perm.Has(model.ResourceSubmission, model.ScopeMakePrivate), "inactive users lose every mutating scope")
	for _, scopes := range perm.Scopes {
		for _, s := range scopes {
			assert.False(t, s.IsMutating())
		}
	}

	reviewer := EvaluatePermission(model.PermissionContext{
		Study:           &model.Study{SubmissionID: "REQ1", Status: model.StatusPrivate, ObfuscationCode: "secret"},
		ObfuscationCode: "secret",
	})
	assert.True(t, reviewer.IsReviewer)
	assert.True(t, reviewer.Has(model.ResourceDataFiles, model.ScopeDownload))
	assert.False(t, reviewer.Has(model.ResourceAuditFiles, model.ScopeView))
}

func TestRequireErrorKinds(t *testing.T) {
	noStudy := EvaluatePermission(model.PermissionContext{})
	assert.True(t, apperr.NotFound.Has(Require(noStudy, model.ResourceSubmission, model.ScopeView)))

	anonymous := EvaluatePermission(model.PermissionContext{Study: &model.Study{SubmissionID: "REQ1", Status: model.StatusPrivate}})
	assert.True(t, apperr.Unauthorised.Has(Require(anonymous, model.ResourceSubmission, model.ScopeView)))

	public := EvaluatePermission(model.PermissionContext{
		User:  &model.User{Username: "bob", Status: model.UserActive},
		Study: &model.Study{SubmissionID: "REQ1", Status: model.StatusPublic},
	})
	assert.NoError(t, Require(public, model.ResourceMetadataFiles, model.ScopeDownload))
	assert.True(t, apperr.Forbidden.Has(Require(public, model.ResourceSubmission, model.ScopeUpdate)))
}

func TestStatusScope(t *testing.T) {
	scope, ok := StatusScope(model.StatusPrivate)
	assert.True(t, ok)
	assert.Equal(t, model.ScopeMakePrivate, scope)
	scope, ok = StatusScope(model.StatusProvisional)
	assert.True(t, ok)
	assert.Equal(t, model.ScopeMakeProvisional, scope)
	_, ok = StatusScope(model.StatusPublic)
	assert.False(t, ok)
}

func TestPermissionServiceEvaluate(t *testing.T) {
	f := newFixture(t)
	svc := NewPermissionService(f.registry)
	owner := testutil.CreateUser(t, f.db, "alice", model.RoleSubmitter)
	other := testutil.CreateUser(t, f.db, "bob", model.RoleSubmitter)
	study := f.createStudy(t, owner)

	perm, got, err := svc.Evaluate(study.SubmissionID, owner, "", false)
	require.NoError(t, err)
	assert.Equal(t, study.ID, got.ID)
	assert.True(t, perm.IsOwner)
	assert.Equal(t, model.ReasonOwnerProvisional, perm.Reason)

	_, _, err = svc.Evaluate(study.SubmissionID, other, "", false)
	assert.True(t, apperr.Forbidden.Has(err))
	perm, _, err = svc.Evaluate(study.SubmissionID, other, "", true)
	require.NoError(t, err)
	assert.True(t, perm.Empty())

	_, _, err = svc.Evaluate("REQ999", owner, "", false)
	assert.True(t, apperr.NotFound.Has(err))
}
