package httpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/kalshi-stream/pkg/logger"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func TestNew_RequiresAddr(t *testing.T) {
	_, err := New(Config{}, logger.Nop())
	assert.Error(t, err)
}

func TestEndpoints(t *testing.T) {
	var notReady error = errors.New("connection connecting")
	srv, err := New(Config{Addr: ":0"}, logger.Nop(),
		func(context.Context) error { return nil },
		func(context.Context) error { return notReady },
	)
	require.NoError(t, err)
	h := srv.Handler()

	code, body := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "connection connecting")

	notReady = nil
	code, body = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "READY", body)

	code, _ = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
}

func TestCustomPaths(t *testing.T) {
	srv, err := New(Config{Addr: ":0", HealthzPath: "/live", ReadyzPath: "/ready"}, logger.Nop())
	require.NoError(t, err)

	code, _ := get(t, srv.Handler(), "/live")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, srv.Handler(), "/ready")
	assert.Equal(t, http.StatusOK, code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := recoverMiddleware(logger.Nop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	code, _ := get(t, h, "/")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestStart_StopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv, err := New(Config{Addr: addr}, logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
