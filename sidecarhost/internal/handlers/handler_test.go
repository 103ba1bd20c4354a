package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/pinup/sidecarhost/auth"
	"github.com/tomyedwab/pinup/sidecarhost/journal"
	"github.com/tomyedwab/pinup/sidecarhost/processes"
)

type fakeSupervisor struct {
	mu         sync.Mutex
	port       uint16
	restartErr error
	restarts   int
	logBuffer  *processes.LogBuffer
}

func newFakeSupervisor(port uint16) *fakeSupervisor {
	return &fakeSupervisor{port: port, logBuffer: processes.NewLogBuffer(100)}
}

func (f *fakeSupervisor) Bootstrap(ctx context.Context) (processes.BootstrapConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.port == 0 {
		return processes.BootstrapConfig{}, processes.ErrNotStarted
	}
	return processes.BootstrapConfig{
		BaseURL: "http://127.0.0.1:9001/api",
		Token:   "tok",
		DataDir: "/data/pin-up-ai",
	}, nil
}

func (f *fakeSupervisor) BackendPort() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.port
}

func (f *fakeSupervisor) setRestartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartErr = err
}

func (f *fakeSupervisor) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

func (f *fakeSupervisor) DataDir() string { return "/data/pin-up-ai" }

func (f *fakeSupervisor) Restart(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	if f.restartErr != nil {
		return "", f.restartErr
	}
	f.port = 9002
	return "backend restarted on port 9002", nil
}

func (f *fakeSupervisor) Status(ctx context.Context) processes.Status {
	return processes.Status{State: processes.StateReady, Port: f.BackendPort(), PID: 4242}
}

func (f *fakeSupervisor) Logs(fromID int64) []processes.LogEntry {
	return f.logBuffer.GetEntriesFromID(fromID)
}

func (f *fakeSupervisor) LogBuffer() *processes.LogBuffer { return f.logBuffer }

type fakeJournal struct {
	mu     sync.Mutex
	limit  int
	events []journal.Event
	err    error
}

func (j *fakeJournal) Recent(limit int) ([]journal.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.limit = limit
	return j.events, j.err
}

func (j *fakeJournal) lastLimit() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.limit
}

func newTestServer(t *testing.T, config Config) *httptest.Server {
	t.Helper()
	h, err := New(config)
	require.NoError(t, err)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNew_RequiresSupervisor(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestHandleBootstrap(t *testing.T) {
	sup := newFakeSupervisor(0)
	srv := newTestServer(t, Config{Supervisor: sup})

	resp, body := get(t, srv.URL+"/bootstrap")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "backend not started")

	sup.mu.Lock()
	sup.port = 9001
	sup.mu.Unlock()

	resp, body = get(t, srv.URL+"/bootstrap")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"base_url":"http://127.0.0.1:9001/api","token":"tok","data_dir":"/data/pin-up-ai"}`, body)
}

func TestHandlePortAndDataDir(t *testing.T) {
	srv := newTestServer(t, Config{Supervisor: newFakeSupervisor(9001)})

	_, body := get(t, srv.URL+"/port")
	assert.JSONEq(t, `{"port":9001}`, body)

	_, body = get(t, srv.URL+"/data-dir")
	assert.JSONEq(t, `{"data_dir":"/data/pin-up-ai"}`, body)
}

func TestHandleRestart(t *testing.T) {
	sup := newFakeSupervisor(9001)
	srv := newTestServer(t, Config{Supervisor: sup})

	// Only POST is routed.
	resp, _ := get(t, srv.URL+"/restart")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err := http.Post(srv.URL+"/restart", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "backend restarted on port 9002", out["message"])
	assert.Equal(t, uint16(9002), sup.BackendPort())
}

func TestHandleRestart_Failure(t *testing.T) {
	sup := newFakeSupervisor(9001)
	sup.setRestartErr(processes.NewHealthTimeoutError(10))
	srv := newTestServer(t, Config{Supervisor: sup})

	resp, err := http.Post(srv.URL+"/restart", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, string(body), "backend did not become healthy after 10 attempts")

	sup.setRestartErr(errors.New("unexpected"))
	resp2, err := http.Post(srv.URL+"/restart", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp2.StatusCode)
}

func TestHandleRestart_RequiresToken(t *testing.T) {
	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		Secret:      bytes.Repeat([]byte{1}, 32),
		OverrideEnv: "PINUP_TEST_UNSET_TOKEN",
	})
	require.NoError(t, err)
	sup := newFakeSupervisor(9001)
	srv := newTestServer(t, Config{Supervisor: sup, Verifier: issuer})

	post := func(authorization string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/restart", nil)
		require.NoError(t, err)
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, post(""))
	assert.Equal(t, http.StatusUnauthorized, post("Basic abc"))
	assert.Equal(t, http.StatusUnauthorized, post("Bearer not-a-token"))
	assert.Equal(t, 0, sup.restartCount())

	token, err := issuer.Mint("launch-1", 9001)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, post("Bearer "+token))
	assert.Equal(t, 1, sup.restartCount())

	// Reads stay open.
	resp, _ := get(t, srv.URL+"/port")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleStatus(t *testing.T) {
	srv := newTestServer(t, Config{Supervisor: newFakeSupervisor(9001)})

	_, body := get(t, srv.URL+"/status")
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &status))
	assert.Equal(t, "ready", status["state"])
	assert.Equal(t, float64(9001), status["port"])
	assert.Equal(t, float64(4242), status["pid"])
}

func TestHandleLogs(t *testing.T) {
	sup := newFakeSupervisor(9001)
	sup.logBuffer.AddEntry("info", "stdout", "one", 1)
	sup.logBuffer.AddEntry("warn", "stderr", "two", 1)
	srv := newTestServer(t, Config{Supervisor: sup})

	_, body := get(t, srv.URL+"/logs?from=1")
	var entries []processes.LogEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "two", entries[0].Message)

	_, body = get(t, srv.URL+"/logs")
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	assert.Len(t, entries, 2)

	resp, _ := get(t, srv.URL+"/logs?from=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleJournal(t *testing.T) {
	j := &fakeJournal{events: []journal.Event{{ID: "e1", EventType: "launched", Port: 9001}}}
	srv := newTestServer(t, Config{Supervisor: newFakeSupervisor(9001), Journal: j})

	_, body := get(t, srv.URL+"/journal")
	assert.Equal(t, defaultJournalLimit, j.lastLimit())
	assert.Contains(t, body, `"event_type":"launched"`)

	get(t, srv.URL+"/journal?limit=5000")
	assert.Equal(t, maxJournalLimit, j.lastLimit())

	resp, _ := get(t, srv.URL+"/journal?limit=-1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOptionalRoutesAreAbsent(t *testing.T) {
	srv := newTestServer(t, Config{Supervisor: newFakeSupervisor(9001)})

	for _, path := range []string{"/journal", "/metrics", "/events"} {
		resp, _ := get(t, srv.URL+path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestHandleMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "sidecar_crashes_total", Help: "crashes"})
	registry.MustRegister(counter)
	counter.Inc()

	srv := newTestServer(t, Config{Supervisor: newFakeSupervisor(9001), Gatherer: registry})

	resp, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(body, "sidecar_crashes_total 1"), body)
}

func TestCheckLocalOrigin(t *testing.T) {
	for origin, want := range map[string]bool{
		"":                        true,
		"http://localhost:1420":   true,
		"http://127.0.0.1:5173":   true,
		"http://tauri.localhost":  true,
		"tauri://localhost":       true,
		"https://evil.example":    false,
		"http://192.168.1.4:8080": false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/events", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, checkLocalOrigin(r), origin)
	}
}
