package webserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/shadowfs/shadowfs/internal/logging"
	"github.com/shadowfs/shadowfs/internal/mirror"
	"github.com/shadowfs/shadowfs/internal/moniker"
	"github.com/shadowfs/shadowfs/internal/tracer"
	"github.com/stretchr/testify/require"
)

func testDashboard(t *testing.T, out io.Writer) *FSDashboard {
	t.Helper()

	dir := t.TempDir()
	trie := moniker.New()
	tr := tracer.New(t.TempDir(), trie)

	fsys, err := mirror.NewFS(dir, trie, tr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { fsys.Close() }) //nolint:errcheck

	rbf := logging.NewRingBuffer(10, out)

	dash, err := NewFSDashboard(fsys, rbf, "gotests")
	require.NoError(t, err)

	return dash
}

func Test_NewFSDashboard_NilArguments_Error(t *testing.T) {
	t.Parallel()

	rbf := logging.NewRingBuffer(10, io.Discard)

	_, err := NewFSDashboard(nil, rbf, "v")
	require.Error(t, err)

	_, err = NewFSDashboard(&mirror.FS{}, nil, "v")
	require.Error(t, err)
}

func Test_Serve_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	srv := dash.Serve("127.0.0.1:0")
	require.NotNil(t, srv)
	require.NotEmpty(t, srv.Addr)

	defer srv.Close()
}

func Test_dashboardMux_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	router := dash.dashboardMux()

	testCases := []struct {
		path   string
		method string
	}{
		{"/", http.MethodGet},
		{"/metrics.json", http.MethodGet},
		{"/gc", http.MethodGet},
		{"/quiesce", http.MethodGet},
		{"/set/enabled/false", http.MethodGet},
	}

	for _, tc := range testCases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		require.NotEqual(t, http.StatusNotFound, w.Code, "Route %s should exist", tc.path)
	}
}

func Test_dashboardHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	dash.version = "test-version"
	dash.rbuf.Println("test log entry")

	dash.fsys.Metrics.TotalLookups.Store(5)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	dash.dashboardHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := w.Body.String()
	require.Contains(t, body, "test-version")
	require.Contains(t, body, "test log entry")
}

func Test_metricsHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	dash.version = "test-metrics-version"
	dash.rbuf.Println("metrics test log entry")
	dash.fsys.Metrics.TotalOpens.Store(42)

	req := httptest.NewRequest(http.MethodGet, "/metrics.json", nil)
	w := httptest.NewRecorder()

	dash.metricsHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := w.Body.String()
	require.Contains(t, body, "test-metrics-version")
	require.Contains(t, body, "metrics test log entry")
	require.Contains(t, body, `"totalOpens":42`)
}

func Test_gcHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	req := httptest.NewRequest(http.MethodGet, "/gc", nil)
	w := httptest.NewRecorder()

	dash.gcHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	body := w.Body.String()
	require.Contains(t, body, "GC forced")

	logs := dash.rbuf.Lines()
	require.NotEmpty(t, logs)
	require.Contains(t, strings.Join(logs, " "), "GC forced")
}

func Test_quiesceHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	req := httptest.NewRequest(http.MethodGet, "/quiesce", nil)
	w := httptest.NewRecorder()

	dash.quiesceHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := w.Body.String()
	require.Contains(t, body, "Quiesce complete")

	require.Equal(t, uint64(1), dash.fsys.Tracer().Epoch())
}

func Test_enabledHandler_Success(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	req := httptest.NewRequest(http.MethodGet, "/set/enabled/false", nil)
	req = mux.SetURLVars(req, map[string]string{"value": "false"})
	w := httptest.NewRecorder()

	dash.enabledHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, dash.fsys.Tracer().Enabled())

	logs := dash.rbuf.Lines()
	require.NotEmpty(t, logs)
	require.Contains(t, strings.Join(logs, " "), "Tracer enabled set")
}

func Test_enabledHandler_InvalidBoolean_Error(t *testing.T) {
	t.Parallel()
	dash := testDashboard(t, io.Discard)

	req := httptest.NewRequest(http.MethodGet, "/set/enabled/x", nil)
	req = mux.SetURLVars(req, map[string]string{"value": "x"})
	w := httptest.NewRecorder()

	dash.enabledHandler(w, req)

	resp := w.Result()
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
