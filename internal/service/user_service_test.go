package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/repository"
	"study-lifecycle-go/internal/testutil"
	"study-lifecycle-go/pkg/apperr"
	"study-lifecycle-go/pkg/token"
)

func TestAuthenticateWithAPIToken(t *testing.T) {
	testutil.UseTestLogger(t)
	db := testutil.NewDB(t)
	repo := repository.NewUserRepository(db)
	admin := NewAdminService(repo)
	users := NewUserService(repo, nil)

	created, err := admin.CreateUser("alice", "alice@example.org", model.RoleSubmitter)
	require.NoError(t, err)
	assert.Equal(t, model.UserNew, created.Status)
	_, err = admin.CreateUser("alice", "other@example.org", model.RoleSubmitter)
	assert.True(t, apperr.Conflict.Has(err))
	_, err = admin.CreateUser("bob", "bob@example.org", "ROOT")
	assert.True(t, apperr.InvalidInput.Has(err))

	plain, err := admin.IssueAPIToken(created.ID)
	require.NoError(t, err)

	user, err := users.Authenticate(plain)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)

	_, err = users.Authenticate(plain[:len(plain)-1] + "x")
	assert.True(t, apperr.Unauthorised.Has(err))
	_, err = users.Authenticate("   ")
	assert.True(t, apperr.Unauthorised.Has(err))
	_, err = users.Authenticate("a.b.c")
	assert.True(t, apperr.Unauthorised.Has(err), "signed tokens are rejected without a jwt manager")

	rotated, err := admin.IssueAPIToken(created.ID)
	require.NoError(t, err)
	_, err = users.Authenticate(plain)
	assert.True(t, apperr.Unauthorised.Has(err), "issuing a new token revokes the old one")
	_, err = users.Authenticate(rotated)
	assert.NoError(t, err)
}

func TestAuthenticateWithSignedToken(t *testing.T) {
	testutil.UseTestLogger(t)
	db := testutil.NewDB(t)
	repo := repository.NewUserRepository(db)
	users := NewUserService(repo, token.NewJWTManager("test-secret", 1))
	curator := testutil.CreateUser(t, db, "carol", model.RoleCurator)

	signed, err := users.IssueSignedToken(curator)
	require.NoError(t, err)
	user, err := users.Authenticate(signed)
	require.NoError(t, err)
	assert.Equal(t, curator.ID, user.ID)
	assert.True(t, user.IsCurator())

	other := NewUserService(repo, token.NewJWTManager("another-secret", 1))
	_, err = other.Authenticate(signed)
	assert.True(t, apperr.Unauthorised.Has(err))

	require.NoError(t, db.Delete(curator).Error)
	_, err = users.Authenticate(signed)
	assert.True(t, apperr.Unauthorised.Has(err))
}

func TestAdminUserManagement(t *testing.T) {
	testutil.UseTestLogger(t)
	db := testutil.NewDB(t)
	admin := NewAdminService(repository.NewUserRepository(db))
	users := NewUserService(repository.NewUserRepository(db), nil)

	created, err := admin.CreateUser("dave", "dave@example.org", model.RoleSubmitter)
	require.NoError(t, err)
	_, err = admin.CreateUser("erin", "erin@example.org", model.RoleReviewer)
	require.NoError(t, err)

	active, err := admin.SetStatus(created.ID, model.UserActive)
	require.NoError(t, err)
	assert.True(t, active.IsActive())
	_, err = admin.SetStatus(created.ID, "GONE")
	assert.True(t, apperr.InvalidInput.Has(err))

	promoted, err := admin.SetRole(created.ID, model.RoleCurator)
	require.NoError(t, err)
	assert.True(t, promoted.IsCurator())
	_, err = admin.SetRole(999, model.RoleCurator)
	assert.True(t, apperr.NotFound.Has(err))

	page, err := admin.ListUsers(1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Content, 1)

	profile, err := users.GetProfile("dave")
	require.NoError(t, err)
	assert.Equal(t, model.RoleCurator, profile.Role)
	_, err = users.GetProfile("nobody")
	assert.True(t, apperr.NotFound.Has(err))
}
