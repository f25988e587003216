package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestKindAndStatus(t *testing.T) {
	cases := []struct {
		err    error
		kind   string
		status int
	}{
		{InvalidInput.New("bad"), "invalid-input", http.StatusBadRequest},
		{NotFound.New("missing"), "not-found", http.StatusNotFound},
		{Unauthorised.New("who"), "unauthorised", http.StatusUnauthorized},
		{Forbidden.New("no"), "forbidden", http.StatusForbidden},
		{Conflict.New("busy"), "conflict", http.StatusConflict},
		{DB.New("write"), "db-error", http.StatusInternalServerError},
		{FileOp.New("chmod"), "file-op-error", http.StatusInternalServerError},
		{External.New("mirror"), "external-error", http.StatusInternalServerError},
		{errors.New("plain"), "internal", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, Kind(tc.err))
		assert.Equal(t, tc.status, HTTPStatus(tc.err))
	}
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.False(t, Retryable(Conflict.New("busy")))
	assert.False(t, Retryable(InvalidInput.New("bad")))
	assert.True(t, Retryable(External.New("timeout")))
	assert.True(t, Retryable(FileOp.New("io")))
	assert.True(t, Retryable(errors.New("plain")))
}

func TestFromDB(t *testing.T) {
	assert.NoError(t, FromDB(nil, "study %s", "X-1"))

	err := FromDB(gorm.ErrRecordNotFound, "study %s", "X-1")
	assert.True(t, NotFound.Has(err))
	assert.Contains(t, err.Error(), "X-1")

	err = FromDB(errors.New("deadlock"), "study %s", "X-1")
	assert.True(t, DB.Has(err))
}
