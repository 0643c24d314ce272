package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/aigdat/raux-launcher/internal/health"
	"github.com/aigdat/raux-launcher/internal/history"
	"github.com/aigdat/raux-launcher/internal/installer"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSource []health.Status

func (f fakeSource) Statuses() []health.Status { return f }

func testStatuses() fakeSource {
	now := time.Now().UnixMilli()
	return fakeSource{
		{Service: "raux", Status: health.StatusRunning, Healthy: true, TimestampMs: now, Version: "0.6.5", Port: "8080"},
		{Service: "lemonade", Status: health.StatusUnavailable, TimestampMs: now, Error: "binary not found"},
	}
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusAll(t *testing.T) {
	h := NewRouter(testStatuses(), nil, nil, "").Handler()
	w := doGet(t, h, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var got []health.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	require.Equal(t, "raux", got[0].Service)
}

func TestStatusSingleService(t *testing.T) {
	h := NewRouter(testStatuses(), nil, nil, "/api").Handler()

	w := doGet(t, h, "/api/status?service=lemonade")
	require.Equal(t, http.StatusOK, w.Code)
	var got health.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, health.StatusUnavailable, got.Status)
	require.Equal(t, "binary not found", got.Error)

	require.Equal(t, http.StatusNotFound, doGet(t, h, "/api/status?service=nope").Code)
	require.Equal(t, http.StatusBadRequest, doGet(t, h, "/api/status?service=..%2Fetc").Code)
}

func TestHistoryEndpoints(t *testing.T) {
	store, err := history.Open(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.RecordInstall(ctx, installer.Progress{Type: installer.EventSuccess, Step: "python-check", Message: "ok"}))
	require.NoError(t, store.RecordInstall(ctx, installer.Progress{Type: installer.EventInfo, Step: "python-download", Message: "starting"}))
	require.NoError(t, store.RecordStatus(ctx, health.Status{Service: "raux", Status: health.StatusRunning, Healthy: true, TimestampMs: time.Now().UnixMilli()}))

	h := NewRouter(testStatuses(), store, nil, "").Handler()

	w := doGet(t, h, "/history/install?limit=1")
	require.Equal(t, http.StatusOK, w.Code)
	var inst []history.InstallEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inst))
	require.Len(t, inst, 1)
	require.Equal(t, "python-download", inst[0].Step)

	w = doGet(t, h, "/history/status")
	require.Equal(t, http.StatusOK, w.Code)
	var sts []history.StatusEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sts))
	require.Len(t, sts, 1)
	require.Equal(t, "running", sts[0].Status)
}

func TestHistoryDisabled(t *testing.T) {
	h := NewRouter(testStatuses(), nil, nil, "").Handler()
	require.Equal(t, http.StatusNotFound, doGet(t, h, "/history/install").Code)
	require.Equal(t, http.StatusNotFound, doGet(t, h, "/history/status").Code)
}

type fakeStopper struct{ calls int }

func (f *fakeStopper) StopAll(context.Context) { f.calls++ }

func TestStopEndpoint(t *testing.T) {
	stopper := &fakeStopper{}
	h := NewRouter(testStatuses(), nil, stopper, "").Handler()

	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, stopper.calls)

	// No stopper wired: endpoint reports not found.
	none := NewRouter(testStatuses(), nil, nil, "").Handler()
	w = httptest.NewRecorder()
	none.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/stop", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthzAndMetrics(t *testing.T) {
	h := NewRouter(fakeSource{}, nil, nil, "/api").Handler()
	require.Equal(t, http.StatusOK, doGet(t, h, "/api/healthz").Code)
	// Metrics are served at the root regardless of basePath.
	require.Equal(t, http.StatusOK, doGet(t, h, "/metrics").Code)
}

func TestStatusEmptySourceIsEmptyArray(t *testing.T) {
	h := NewRouter(fakeSource{}, nil, nil, "").Handler()
	w := doGet(t, h, "/status")
	require.Equal(t, http.StatusOK, w.Code)
	var got []health.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Empty(t, got)
}
