package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/nanobox/internal/metrics"
	"github.com/michaelbrown/nanobox/internal/sandbox"
	"github.com/michaelbrown/nanobox/internal/storage"
	"github.com/michaelbrown/nanobox/internal/storage/sqlite"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  storage.Store
	dir    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := sandbox.DefaultConfig()
	cfg.LogDir = t.TempDir()
	cfg.TmpDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.WallClockTimeout = 10 * time.Second
	cfg.Runtimes.Helper = ""
	cfg.Runtimes.Namespaces = false
	cfg.Runtimes.AllowUnconfined = true
	cfg.Runtimes.Seccomp = false

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := metrics.New()
	sb, err := sandbox.New(cfg, sandbox.WithObserver(m), sandbox.WithRecorder(storage.Recorder{Store: store}))
	require.NoError(t, err)

	s := New(sb, store, m, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(s.runs.CloseAll)

	return &testEnv{server: s, http: ts, store: store, dir: t.TempDir()}
}

func (e *testEnv) workload(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func (e *testEnv) run(path string) (runResponse, error) {
	var out runResponse
	body, _ := json.Marshal(createRunRequest{Path: path})
	resp, err := http.Post(e.http.URL+"/api/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

func (e *testEnv) postRun(t *testing.T, path string) runResponse {
	t.Helper()
	out, err := e.run(path)
	require.NoError(t, err)
	return out
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.http.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var h healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Contains(t, h.Kinds, sandbox.Kind("javascript"))
}

func TestCreateRunSuccess(t *testing.T) {
	e := newTestEnv(t)
	out := e.postRun(t, e.workload(t, "hello.js", `console.log("hi")`))

	assert.True(t, out.Success)
	assert.Nil(t, out.Error)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, "hi\n", out.Result.Output.Stdout)
	assert.Equal(t, out.ID, out.Result.RunID)
}

func TestCreateRunNotFound(t *testing.T) {
	e := newTestEnv(t)
	out := e.postRun(t, filepath.Join(e.dir, "missing.js"))

	assert.False(t, out.Success)
	require.NotNil(t, out.Error)
	assert.Contains(t, *out.Error, "not found")
}

func TestCreateRunValidation(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Post(e.http.URL+"/api/runs", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(e.http.URL+"/api/runs", "application/json", strings.NewReader(`{not json`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunHistoryEndpoints(t *testing.T) {
	e := newTestEnv(t)
	out := e.postRun(t, e.workload(t, "boom.js", `throw new Error("boom")`))
	require.False(t, out.Success)

	resp, err := http.Get(e.http.URL + "/api/runs")
	require.NoError(t, err)
	var runs []storage.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	resp.Body.Close()
	require.Len(t, runs, 1)
	assert.Equal(t, "faulted", runs[0].State)

	resp, err = http.Get(e.http.URL + "/api/runs/" + out.ID[:8])
	require.NoError(t, err)
	var run storage.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	resp.Body.Close()
	assert.Equal(t, out.ID, run.ID)
	assert.Contains(t, run.Error, "boom")

	req, _ := http.NewRequest(http.MethodDelete, e.http.URL+"/api/runs/"+out.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(e.http.URL + "/api/runs/" + out.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelInFlightRun(t *testing.T) {
	e := newTestEnv(t)
	path := e.workload(t, "loop.js", `while (true) {}`)

	done := make(chan runResponse, 1)
	go func() {
		out, _ := e.run(path)
		done <- out
	}()

	var id string
	require.Eventually(t, func() bool {
		active := e.server.runs.List()
		if len(active) == 0 {
			return false
		}
		id = active[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Post(e.http.URL+"/api/runs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case out := <-done:
		assert.False(t, out.Success)
		require.NotNil(t, out.Error)
		assert.Equal(t, "cancelled", *out.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled")
	}
}

func TestCancelUnknownRun(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Post(e.http.URL+"/api/runs/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCacheEndpoints(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.http.URL + "/api/cache")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, e.http.URL+"/api/cache", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.postRun(t, e.workload(t, "hello.js", `console.log("hi")`))

	resp, err := http.Get(e.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `nanobox_runs_total{kind="javascript",state="completed"} 1`)
}

func TestHistoryDisabledWithoutStore(t *testing.T) {
	cfg := sandbox.DefaultConfig()
	cfg.LogDir, cfg.TmpDir, cfg.CacheDir = t.TempDir(), t.TempDir(), t.TempDir()
	sb, err := sandbox.New(cfg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	New(sb, nil, nil, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebSocketStreamsOutput(t *testing.T) {
	e := newTestEnv(t)
	path := e.workload(t, "stream.js", `console.log("one"); console.log("two")`)

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/runs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "run", Path: path}))

	var (
		output strings.Builder
		final  wsOutgoing
	)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		var msg wsOutgoing
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "output" {
			output.WriteString(msg.Content)
		}
		if msg.Type == "done" {
			final = msg
			break
		}
	}

	assert.Equal(t, "one\ntwo\n", output.String())
	require.NotNil(t, final.Success)
	assert.True(t, *final.Success)
	require.NotNil(t, final.Result)
	assert.Equal(t, "one\ntwo\n", final.Result.Output.Stdout)
}

func TestWebSocketCancel(t *testing.T) {
	e := newTestEnv(t)
	path := e.workload(t, "loop.js", `while (true) {}`)

	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/runs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "run", Path: path}))

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var started wsOutgoing
	require.NoError(t, conn.ReadJSON(&started))
	require.Equal(t, "started", started.Type)

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "cancel"}))

	for {
		var msg wsOutgoing
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "done" {
			require.NotNil(t, msg.Error)
			assert.Equal(t, "cancelled", *msg.Error)
			return
		}
	}
}

func TestWebSocketRejectsInvalidMessage(t *testing.T) {
	e := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/api/runs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: "bogus"}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg wsOutgoing
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
	assert.Equal(t, "invalid message", msg.Content)
}
