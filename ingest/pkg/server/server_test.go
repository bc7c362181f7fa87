package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	triplaketesting "github.com/malbeclabs/triplake/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func TestTriplake_Server_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ListenAddr: ":0"})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: triplaketesting.NewLogger()})
	require.ErrorContains(t, err, "listen addr is required")

	s, err := New(Config{Logger: triplaketesting.NewLogger(), ListenAddr: ":0"})
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, s.cfg.ReadHeaderTimeout)
	require.True(t, s.cfg.Ready())
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestTriplake_Server_Handlers(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	s, err := New(Config{
		Logger:      triplaketesting.NewLogger(),
		ListenAddr:  ":0",
		VersionInfo: VersionInfo{Version: "1.2.3", Commit: "abc", Date: "2025-09-07"},
		Ready:       ready.Load,
	})
	require.NoError(t, err)
	h := s.Handler()

	code, body := get(t, h, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok\n", body)

	code, _ = get(t, h, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	ready.Store(true)
	code, _ = get(t, h, "/readyz")
	require.Equal(t, http.StatusOK, code)

	code, body = get(t, h, "/version")
	require.Equal(t, http.StatusOK, code)
	var v VersionInfo
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	require.Equal(t, "1.2.3", v.Version)

	code, body = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "go_goroutines")
}

func TestTriplake_Server_Serve(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Logger: triplaketesting.NewLogger(), ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
