package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"project-magpie/internal/announce"
	"project-magpie/internal/config"
	"project-magpie/internal/engine"
	"project-magpie/internal/filesystem"
	"project-magpie/internal/jobs"
	"project-magpie/internal/logger"
	"project-magpie/internal/storage"
)

// testServer wires a real store and manager behind the HTTP surface. The
// scheduler loop is not running: command endpoints only write rows, which is
// all these tests look at.
type testServer struct {
	t         *testing.T
	srv       *httptest.Server
	store     *storage.Storage
	files     *filesystem.Driver
	env       *config.Environment
	exitState *config.ExitState
	apiToken  string
	session   string
	shutdowns atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workDir := t.TempDir()
	paths, err := config.ResolvePaths(workDir, true)
	require.NoError(t, err)

	env := &config.Environment{
		WorkDir: workDir,
		Paths:   paths,
		Server:  config.DefaultServerConfig(paths),
		Tool:    config.DefaultToolConfig(),
	}

	require.NoError(t, filesystem.EnsureWritableDir(paths.DBDir))
	store, err := storage.Open(paths.DBFile())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logger.NewNop()
	files := filesystem.NewDriver(filepath.Join(workDir, "workers"), filepath.Join(workDir, "download"))
	pool := engine.NewPool(log, files, 2, nil)
	manager := jobs.NewManager(log, announce.New(log, store, false), store, pool)

	ts := &testServer{
		t:         t,
		store:     store,
		files:     files,
		env:       env,
		exitState: config.NewExitState(),
	}

	server := NewServer(Options{
		Log:             log,
		Manager:         manager,
		Store:           store,
		Files:           files,
		Env:             env,
		ExitState:       ts.exitState,
		Audit:           NewAuditLogger(log, paths.LogDir),
		RequestShutdown: func() { ts.shutdowns.Add(1) },
	})
	ts.srv = httptest.NewServer(server.Handler())
	t.Cleanup(ts.srv.Close)

	admin, err := store.GetUserByName(storage.AdminUserName)
	require.NoError(t, err)
	ts.apiToken = admin.APIToken

	session, err := store.NewSession(admin.APIToken)
	require.NoError(t, err)
	ts.session = session.SessionToken.String()

	return ts
}

func (ts *testServer) do(method, path string, form url.Values, authed bool) *http.Response {
	ts.t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	require.NoError(ts.t, err)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if authed {
		req.Header.Set("api-token", ts.apiToken)
		req.Header.Set("session-token", ts.session)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(ts.t, err)
	ts.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) newJob(urlString, format string) storage.Job {
	ts.t.Helper()
	resp := ts.do(http.MethodPost, "/api/jobs/new",
		url.Values{"url": {urlString}, "format": {format}}, true)
	require.Equal(ts.t, http.StatusAccepted, resp.StatusCode)

	var job storage.Job
	require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(&job))
	return job
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestAuthRejections(t *testing.T) {
	ts := newTestServer(t)

	get := func(mutate func(*http.Request)) int {
		req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/status", nil)
		require.NoError(t, err)
		mutate(req)
		resp, err := ts.srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   int
	}{
		{"no headers", func(r *http.Request) {}, http.StatusUnauthorized},
		{"api token only", func(r *http.Request) {
			r.Header.Set("api-token", ts.apiToken)
		}, http.StatusUnauthorized},
		{"session token only", func(r *http.Request) {
			r.Header.Set("session-token", ts.session)
		}, http.StatusUnauthorized},
		{"wrong api token", func(r *http.Request) {
			r.Header.Set("api-token", "nope")
			r.Header.Set("session-token", ts.session)
		}, http.StatusUnauthorized},
		{"malformed session token", func(r *http.Request) {
			r.Header.Set("api-token", ts.apiToken)
			r.Header.Set("session-token", "not-a-uuid")
		}, http.StatusUnauthorized},
		{"unknown session token", func(r *http.Request) {
			r.Header.Set("api-token", ts.apiToken)
			r.Header.Set("session-token", uuid.NewString())
		}, http.StatusUnauthorized},
		{"duplicated api token header", func(r *http.Request) {
			r.Header.Add("api-token", ts.apiToken)
			r.Header.Add("api-token", ts.apiToken)
			r.Header.Set("session-token", ts.session)
		}, http.StatusUnauthorized},
		{"valid pair", func(r *http.Request) {
			r.Header.Set("api-token", ts.apiToken)
			r.Header.Set("session-token", ts.session)
		}, http.StatusOK},
		{"json quoted session token", func(r *http.Request) {
			r.Header.Set("api-token", ts.apiToken)
			r.Header.Set("session-token", `"`+ts.session+`"`)
		}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, get(tt.mutate))
		})
	}
}

func TestPing(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/ping", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Pong!", readBody(t, resp))

	resp = ts.do(http.MethodPost, "/api/ping", nil, false)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/sessions/new",
		url.Values{"api_token": {"wrong"}}, false)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(http.MethodPost, "/api/sessions/new",
		url.Values{"api_token": {ts.apiToken}}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	fresh, err := uuid.Parse(token)
	require.NoError(t, err)

	// The fresh session authenticates.
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/ping", nil)
	require.NoError(t, err)
	req.Header.Set("api-token", ts.apiToken)
	req.Header.Set("session-token", fresh.String())
	pingResp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	pingResp.Body.Close()
	require.Equal(t, http.StatusOK, pingResp.StatusCode)

	resp = ts.do(http.MethodPost, "/api/sessions/expire_all", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(http.MethodPost, "/api/ping", nil, true)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionRateLimit(t *testing.T) {
	ts := newTestServer(t)

	// One session was already created during setup; the burst allows a few
	// more before the 429s start.
	var limited bool
	for i := 0; i < 10; i++ {
		resp := ts.do(http.MethodPost, "/api/sessions/new",
			url.Values{"api_token": {"wrong"}}, false)
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
	require.True(t, limited, "rate limiter never kicked in")
}

func TestJobEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/jobs/new", url.Values{"url": {"https://example.com/v"}}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	job := ts.newJob("https://example.com/v", "mp3")
	require.Equal(t, "...", job.Title)
	require.Len(t, job.Tasks, 1)

	resp = ts.do(http.MethodGet, "/api/jobs/get/"+job.JobID.String(), nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched storage.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fetched))
	require.Equal(t, job.JobID, fetched.JobID)

	resp = ts.do(http.MethodGet, "/api/jobs/get/not-a-uuid", nil, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/jobs/get/"+uuid.NewString(), nil, true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(http.MethodGet, "/api/jobs/get_all", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []storage.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&all))
	require.Len(t, all, 1)

	// Commands are accepted and land in the rows.
	resp = ts.do(http.MethodPost, "/api/jobs/pause/"+job.JobID.String(), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	stored, err := ts.store.GetJob(job.JobID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusPaused, stored.Tasks[0].Status)

	resp = ts.do(http.MethodPost, "/api/jobs/resume_all", nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	stored, err = ts.store.GetJob(job.JobID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusWaiting, stored.Tasks[0].Status)

	resp = ts.do(http.MethodPost, "/api/tasks/cancel/"+stored.Tasks[0].TaskID.String(), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	stored, err = ts.store.GetJob(job.JobID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusCancelled, stored.Tasks[0].Status)

	resp = ts.do(http.MethodPost, "/api/jobs/delete/"+job.JobID.String(), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	stored, err = ts.store.GetJob(job.JobID)
	require.NoError(t, err)
	require.True(t, stored.Tasks[0].PendingDelete)

	// Commands on unknown ids are still accepted.
	resp = ts.do(http.MethodPost, "/api/jobs/cancel/"+uuid.NewString(), nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTaskLogEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/tasks/get_stdout/"+uuid.NewString(), nil, true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "Log not available.\n", readBody(t, resp))

	id := uuid.New()
	require.NoError(t, ts.files.PrepareTaskDirs(id.String()))
	f, err := ts.files.OpenStdoutLog(id.String())
	require.NoError(t, err)
	_, err = f.WriteString("[dl] 5 1000 200\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	resp = ts.do(http.MethodGet, "/api/tasks/get_stdout/"+id.String(), nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "[dl] 5 1000 200")

	resp = ts.do(http.MethodGet, "/api/tasks/get_stderr/"+id.String(), nil, true)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusAndFormats(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/status", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats storage.TaskStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, storage.TaskStats{}, stats)

	ts.newJob("https://example.com/v", "mp3")
	resp = ts.do(http.MethodGet, "/api/status", nil, true)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, storage.TaskStats{NumTotal: 1, NumWaiting: 1}, stats)

	resp = ts.do(http.MethodGet, "/api/formats", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var formats []config.Format
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&formats))
	require.Equal(t, ts.env.Tool.Formats, formats)
}

func TestConfigEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/api/config", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var current config.ServerConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&current))
	require.Equal(t, ts.env.Server, current)

	resp = ts.do(http.MethodPost, "/api/config", url.Values{"value": {"not json"}}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	broken := current
	broken.NumDownloadWorkers = 0
	data, err := json.Marshal(broken)
	require.NoError(t, err)
	resp = ts.do(http.MethodPost, "/api/config", url.Values{"value": {string(data)}}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, int32(0), ts.shutdowns.Load())

	updated := current
	updated.NumDownloadWorkers = 2
	data, err = json.Marshal(updated)
	require.NoError(t, err)
	resp = ts.do(http.MethodPost, "/api/config", url.Values{"value": {string(data)}}, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, int32(1), ts.shutdowns.Load())

	stored, ok := ts.exitState.TakeConfigChange()
	require.True(t, ok)
	require.Equal(t, uint(2), stored.NumDownloadWorkers)
}

func TestShutdownServer(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodPost, "/api/shutdown_server", nil, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "Shutting down...", readBody(t, resp))
	require.Equal(t, int32(1), ts.shutdowns.Load())
}

func TestWebUIRedirect(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(http.MethodGet, "/", nil, false)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	webui := filepath.Join(ts.env.WorkDir, "webui")
	require.NoError(t, os.MkdirAll(webui, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(webui, "index_abc123.html"),
		[]byte("<html>magpie</html>"), 0644))

	// The client follows the redirect to the hashed index file.
	resp = ts.do(http.MethodGet, "/", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, readBody(t, resp), "magpie")
	require.Contains(t, resp.Request.URL.Path, "index_abc123.html")
}
