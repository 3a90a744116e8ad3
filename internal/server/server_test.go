package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bya-build/bya/internal/engine"
	"github.com/bya-build/bya/internal/model"
	"github.com/bya-build/bya/internal/queue"
	"github.com/bya-build/bya/internal/server"
	"github.com/bya-build/bya/logger"
)

func setup(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	root := t.TempDir()
	jobDefsDir := filepath.Join(root, "job-defs")
	require.NoError(t, os.MkdirAll(jobDefsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobDefsDir, "demo.yml"), []byte(
		"description: demo job\ntimeout: 10\nscript: \"echo hi\"\ncontainers:\n  - image: alpine\n    host_tag: linux\n"), 0o644))

	jobs, err := model.NewJobStore(jobDefsDir, logger.Discard)
	require.NoError(t, err)

	buildsRoot := filepath.Join(root, "builds")
	hostsDir := filepath.Join(root, "hosts")
	q, err := queue.New(filepath.Join(root, "run-queue"), filepath.Join(root, "active-runs"), buildsRoot)
	require.NoError(t, err)

	e := &engine.Engine{
		BuildsRoot: buildsRoot,
		HostsDir:   hostsDir,
		Jobs:       jobs,
		Queue:      q,
		Logger:     logger.Discard,
	}

	s := &server.Server{
		Engine:          e,
		Logger:          logger.Discard,
		HostsDir:        hostsDir,
		BuildsRoot:      buildsRoot,
		AutoEnlistHosts: true,
	}

	return httptest.NewServer(s.Router()), e
}

// TestRegisterCheckInDispatchAndReportStatus is scenario S4: register
// a host, have it check in and receive an assigned run, post a log
// chunk plus a RUNNING then PASSED status, then verify a terminal run
// rejects further writes and a bad token is rejected outright.
func TestRegisterCheckInDispatchAndReportStatus(t *testing.T) {
	ts, e := setup(t)
	defer ts.Close()
	client := ts.Client()

	body := strings.NewReader(`{"name":"worker1","api_key":"hostkey123","host_tags":"linux"}`)
	resp, err := client.Post(ts.URL+"/api/v1/host/", "application/json", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	build, err := e.CreateBuild("demo", []model.ResolvedRun{
		{Name: "run_a", Container: "alpine", HostTag: "linux"},
	}, nil)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/host/worker1/?available_runners=1", nil)
	req.Header.Set("Authorization", "Token hostkey123")
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var checkinResp map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&checkinResp))
	require.Contains(t, checkinResp, "runs")
	_, hasAPIKey := checkinResp["api_key"]
	require.False(t, hasAPIKey, "api_key must be stripped from check-in response")

	runs, ok := checkinResp["runs"].([]any)
	require.True(t, ok)
	require.Len(t, runs, 1)
	runProps := runs[0].(map[string]any)
	runAPIKey := runProps["api_key"].(string)

	postURL := ts.URL + "/api/v1/build/demo/" + strconv.Itoa(build.Number) + "/run_a"

	req, _ = http.NewRequest(http.MethodPost, postURL, strings.NewReader("build output\n"))
	req.Header.Set("Authorization", "Token "+runAPIKey)
	req.Header.Set("X-BYA-STATUS", model.StatusRunning)
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPost, postURL, strings.NewReader("done\n"))
	req.Header.Set("Authorization", "Token "+runAPIKey)
	req.Header.Set("X-BYA-STATUS", model.StatusPassed)
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPost, postURL, strings.NewReader("too late\n"))
	req.Header.Set("Authorization", "Token "+runAPIKey)
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPost, postURL, strings.NewReader("nope\n"))
	req.Header.Set("Authorization", "Token wrongkey")
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestUpdateHostRejectsEnlistedAndRequiresToken(t *testing.T) {
	ts, _ := setup(t)
	defer ts.Close()
	client := ts.Client()

	body := strings.NewReader(`{"name":"worker2","api_key":"hostkey456","host_tags":"*"}`)
	resp, err := client.Post(ts.URL+"/api/v1/host/", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPatch, ts.URL+"/api/v1/host/worker2/", strings.NewReader(`{"enlisted":true}`))
	req.Header.Set("Authorization", "Token hostkey456")
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodPatch, ts.URL+"/api/v1/host/worker2/", strings.NewReader(`{"distro":"ubuntu"}`))
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}
