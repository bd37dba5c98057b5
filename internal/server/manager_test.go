package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	m := NewManager(handler, cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestManager_StartServeShutdown(t *testing.T) {
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())

	// Shutdown is idempotent.
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_DoubleStartFails(t *testing.T) {
	m := newTestManager(t, http.NotFoundHandler())
	require.NoError(t, m.Start())
	assert.Error(t, m.Start())
}

func TestManager_StartAfterShutdownFails(t *testing.T) {
	m := newTestManager(t, http.NotFoundHandler())
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Error(t, m.Start())
}

func TestManager_ShutdownDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		fmt.Fprint(w, "drained")
	}))
	require.NoError(t, m.Start())

	done := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + m.Addr() + "/")
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	// Let the request reach the handler, then shut down while it blocks.
	time.Sleep(50 * time.Millisecond)
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, http.StatusOK, <-done)
}
