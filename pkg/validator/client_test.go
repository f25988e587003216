package validator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/pkg/apperr"
)

// fakeValidator 在第 pendingPolls 次 GET 之后返回 finalReport。
func fakeValidator(t *testing.T, pendingPolls int32, finalReport string) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/validation/X-100", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(State{Status: "PENDING", TaskID: "t-1"})
		case http.MethodGet:
			assert.Equal(t, "t-1", r.URL.Query().Get("task_id"))
			n := atomic.AddInt32(&polls, 1)
			if n <= pendingPolls {
				_ = json.NewEncoder(w).Encode(State{Status: "STARTED", TaskID: "t-1"})
				return
			}
			_ = json.NewEncoder(w).Encode(State{Status: "SUCCESS", TaskID: "t-1", TaskResult: &TaskResult{Status: finalReport}})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestClient(url string, maxPolls int) *Client {
	return NewClient(config.ValidatorConfig{BaseURL: url + "/validation/", PollInterval: time.Millisecond, MaxPolls: maxPolls})
}

func TestValidateAcceptsWarnings(t *testing.T) {
	srv, polls := fakeValidator(t, 2, ReportWarning)

	state, err := newTestClient(srv.URL, 10).Validate(context.Background(), "X-100")
	require.NoError(t, err)
	assert.Equal(t, ReportWarning, state.ReportStatus())
	assert.EqualValues(t, 3, atomic.LoadInt32(polls))
}

func TestValidateFailsOnErrorReport(t *testing.T) {
	srv, _ := fakeValidator(t, 0, ReportError)

	_, err := newTestClient(srv.URL, 10).Validate(context.Background(), "X-100")
	require.Error(t, err)
	assert.True(t, apperr.InvalidInput.Has(err))
}

func TestValidateTimesOutAsExternalError(t *testing.T) {
	srv, polls := fakeValidator(t, 100, ReportSuccess)

	_, err := newTestClient(srv.URL, 3).Validate(context.Background(), "X-100")
	require.Error(t, err)
	assert.True(t, apperr.External.Has(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(polls))
}

func TestPollStopsWhenConsumerStops(t *testing.T) {
	srv, polls := fakeValidator(t, 100, ReportSuccess)

	seen := 0
	for state, err := range newTestClient(srv.URL, 50).Poll(context.Background(), "X-100", "t-1") {
		require.NoError(t, err)
		assert.False(t, state.Terminal())
		seen++
		if seen == 2 {
			break
		}
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(polls))
}

func TestServerErrorIsExternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 1).Validate(context.Background(), "X-100")
	require.Error(t, err)
	assert.True(t, apperr.External.Has(err))
	assert.Equal(t, http.StatusInternalServerError, apperr.HTTPStatus(err))
}
