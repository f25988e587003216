package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"study-lifecycle-go/internal/config"
	"study-lifecycle-go/internal/jobs"
	"study-lifecycle-go/internal/model"
	"study-lifecycle-go/internal/testutil"
	"study-lifecycle-go/pkg/cluster"
	"study-lifecycle-go/pkg/es"
	"study-lifecycle-go/pkg/validator"
)

type okValidator struct{}

func (okValidator) Validate(ctx context.Context, studyID string) (validator.State, error) {
	return validator.State{Status: "SUCCESS", TaskID: "v1", TaskResult: &validator.TaskResult{Status: "success"}}, nil
}

type countingCluster struct {
	mu sync.Mutex
	n  int
}

func (c *countingCluster) Submit(ctx context.Context, spec cluster.JobSpec) (*cluster.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return &cluster.Submission{JobID: "42"}, nil
}

type nopIndexer struct{}

func (nopIndexer) IndexStudy(ctx context.Context, doc es.StudyDocument) error { return nil }
func (nopIndexer) DeleteStudy(ctx context.Context, studyID string) error      { return nil }
func (nopIndexer) ListStudyIDs(ctx context.Context) ([]string, error)         { return nil, nil }

type envelope struct {
	Content json.RawMessage `json:"content"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

type client struct {
	t      *testing.T
	router *gin.Engine
}

func (c client) do(method, path, token string, body string, headers ...string) (int, envelope) {
	c.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("user-token", token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func newTestApp(t *testing.T) (*App, *countingCluster) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	testutil.UseTestLogger(t)
	db := testutil.NewDB(t)
	rdb, _ := testutil.NewRedis(t)

	cfg := config.Config{
		JWT:         config.JWTConfig{Secret: "test-secret", AccessTokenExpireHours: 1},
		Storage:     testutil.NewStorageConfig(t),
		Identifiers: config.IdentifierConfig{SubmissionPrefix: "REQ", AccessionPrefix: "MTBLS"},
		Cluster:     config.ClusterConfig{RsyncCommand: "rsync"},
		Jobs:        config.JobsConfig{SoftTimeLimit: 10 * time.Second, HardTimeLimit: 20 * time.Second, ResultTTL: time.Hour},
		Revisions:   config.RevisionConfig{GracePeriod: time.Hour, MirrorTimeout: 24 * time.Hour, MaxRetries: 3},
	}
	submitter := &countingCluster{}
	app, err := New(context.Background(), cfg, Options{
		DB:        db,
		Redis:     rdb,
		Broker:    jobs.NewInlineBroker(),
		Fs:        afero.NewOsFs(),
		Validator: okValidator{},
		Cluster:   submitter,
		Indexer:   nopIndexer{},
		Worker:    "test-worker",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app, submitter
}

// activeUser 通过管理服务创建一个 Active 用户并返回其 API token。
func activeUser(t *testing.T, app *App, username string, role model.UserRole) string {
	t.Helper()
	user, err := app.Admin.CreateUser(username, username+"@example.org", role)
	require.NoError(t, err)
	_, err = app.Admin.SetStatus(user.ID, model.UserActive)
	require.NoError(t, err)
	token, err := app.Admin.IssueAPIToken(user.ID)
	require.NoError(t, err)
	return token
}

func TestHTTPLifecycle(t *testing.T) {
	app, submitter := newTestApp(t)
	c := client{t: t, router: app.Router()}
	owner := activeUser(t, app, "alice", model.RoleSubmitter)
	curator := activeUser(t, app, "carol", model.RoleCurator)

	code, env := c.do(http.MethodPost, "/api/v1/studies", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorised", env.Error)

	code, env = c.do(http.MethodPost, "/api/v1/studies", "not-a-real-token", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "unauthorised", env.Error)

	code, env = c.do(http.MethodPost, "/api/v1/studies", owner, `{"studyCategory":"ms-mhd-enabled"}`)
	require.Equal(t, http.StatusCreated, code, env.Message)
	var created struct {
		StudyID string `json:"studyId"`
	}
	require.NoError(t, json.Unmarshal(env.Content, &created))
	assert.Equal(t, "REQ1", created.StudyID)

	code, env = c.do(http.MethodPost, "/api/v1/studies/REQ1/status/unknown", owner, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid-input", env.Error)

	code, _ = c.do(http.MethodPost, "/api/v1/studies/REQ1/status/private", owner, "")
	require.Equal(t, http.StatusAccepted, code)

	code, env = c.do(http.MethodGet, "/api/v1/studies/REQ1", owner, "")
	require.Equal(t, http.StatusOK, code)
	var detail struct {
		StudyID string `json:"studyId"`
		Study   struct {
			Status string `json:"status"`
		} `json:"study"`
	}
	require.NoError(t, json.Unmarshal(env.Content, &detail))
	assert.Equal(t, "MTBLS1", detail.StudyID)
	assert.Equal(t, string(model.StatusPrivate), detail.Study.Status)

	code, _ = c.do(http.MethodGet, "/api/v1/studies/MTBLS1", "", "")
	assert.Equal(t, http.StatusUnauthorized, code, "private studies need a caller or the obfuscation code")
	code, _ = c.do(http.MethodGet, "/api/v1/studies/MTBLS404", owner, "")
	assert.Equal(t, http.StatusNotFound, code)

	code, env = c.do(http.MethodPost, "/api/v1/studies/MTBLS1/revisions", owner, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid-input", env.Error)
	code, _ = c.do(http.MethodPost, "/api/v1/studies/MTBLS1/revisions", owner, "", "revision-comment", "first release")
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, submitter.n)

	code, env = c.do(http.MethodPost, "/api/v1/studies/MTBLS1/revisions", owner, "", "revision-comment", "again")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", env.Error)

	code, _ = c.do(http.MethodPut, "/api/v1/studies/MTBLS1/revisions/1", owner, `{"task_status":"completed"}`)
	assert.Equal(t, http.StatusForbidden, code)
	code, env = c.do(http.MethodPut, "/api/v1/studies/MTBLS1/revisions/1", curator, `{"task_status":"completed"}`)
	require.Equal(t, http.StatusOK, code, env.Message)

	code, env = c.do(http.MethodGet, "/api/v1/studies/MTBLS1", "", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Content, &detail))
	assert.Equal(t, string(model.StatusPublic), detail.Study.Status)

	code, _ = c.do(http.MethodGet, "/api/v1/studies/MTBLS1/revisions/x", owner, "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTPAdminAndTokens(t *testing.T) {
	app, _ := newTestApp(t)
	c := client{t: t, router: app.Router()}
	owner := activeUser(t, app, "alice", model.RoleSubmitter)
	curator := activeUser(t, app, "carol", model.RoleCurator)
	admin := activeUser(t, app, "root", model.RoleSystemAdmin)

	code, env := c.do(http.MethodGet, "/api/v1/admin/users", owner, "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", env.Error)

	// 用户管理只对系统管理员开放
	code, env = c.do(http.MethodGet, "/api/v1/admin/users", curator, "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "forbidden", env.Error)
	code, _ = c.do(http.MethodPost, "/api/v1/admin/users", curator, `{"username":"mallory","email":"m@example.org","role":"SYSTEM_ADMIN"}`)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = c.do(http.MethodGet, "/api/v1/admin/users", admin, "")
	require.Equal(t, http.StatusOK, code)
	var page struct {
		TotalElements int64 `json:"totalElements"`
	}
	require.NoError(t, json.Unmarshal(env.Content, &page))
	assert.EqualValues(t, 3, page.TotalElements)

	code, env = c.do(http.MethodPost, "/api/v1/auth/token", owner, "")
	require.Equal(t, http.StatusOK, code)
	var issued struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Content, &issued))
	require.NotEmpty(t, issued.Token)

	code, env = c.do(http.MethodGet, "/api/v1/users/me", "", "", "Authorization", "Bearer "+issued.Token)
	require.Equal(t, http.StatusOK, code)
	var profile struct {
		Username string `json:"username"`
		Curator  bool   `json:"curator"`
	}
	require.NoError(t, json.Unmarshal(env.Content, &profile))
	assert.Equal(t, "alice", profile.Username)
	assert.False(t, profile.Curator)

	code, _ = c.do(http.MethodGet, "/api/v1/users/me", "", "", "Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = c.do(http.MethodPost, "/api/v1/admin/revisions/sweep", curator, "")
	assert.Equal(t, http.StatusAccepted, code)
	code, _ = c.do(http.MethodGet, "/api/v1/admin/workers", curator, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthz(t *testing.T) {
	app, _ := newTestApp(t)
	w := httptest.NewRecorder()
	app.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
