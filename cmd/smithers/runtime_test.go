package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/evmts/smithers-go/config"
	"github.com/evmts/smithers-go/engine"
	"github.com/evmts/smithers-go/types"
)

func TestLoadProgram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "release.xml")
	tree := `<smithers name="release"><claude name="plan">plan it</claude></smithers>`
	require.NoError(t, os.WriteFile(path, []byte(tree), 0o644))

	program, err := loadProgram(path)
	require.NoError(t, err)

	named, ok := program.(engine.Named)
	require.True(t, ok)
	assert.Equal(t, "release", named.Name())
	assert.NotNil(t, program.Evaluate())
}

func TestLoadProgram_BadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.xml")
	require.NoError(t, os.WriteFile(path, []byte("<smithers"), 0o644))

	_, err := loadProgram(path)
	require.Error(t, err)
}

func TestBuildBackends_MockBecomesDefault(t *testing.T) {
	reg, err := buildBackends(config.BackendConfig{
		Mock: config.MockBackendConfig{Enabled: true, Output: "scripted"},
	})
	require.NoError(t, err)

	adapter, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "mock", adapter.Name())

	res, err := adapter.Execute(context.Background(), &types.Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "scripted", res.OutputText)
}

func TestBuildBackends_NoDefault(t *testing.T) {
	reg, err := buildBackends(config.BackendConfig{})
	require.NoError(t, err)

	_, err = reg.Default()
	require.Error(t, err)
}

func TestBuildBackends_UnknownDefault(t *testing.T) {
	_, err := buildBackends(config.BackendConfig{Default: "missing"})
	require.Error(t, err)
}

func TestBuildMiddleware_FollowsConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := zaptest.NewLogger(t)

	// Defaults enable logging, retry, and timeout.
	mws, cleanup, err := buildMiddleware(cfg, logger)
	require.NoError(t, err)
	defer cleanup()
	assert.Len(t, mws, 3)

	cfg.Middleware.RateLimit = config.RateLimitSection{
		Enabled:           true,
		RequestsPerMinute: 60,
		TokensPerMinute:   10000,
	}
	cfg.Middleware.Cache = config.CacheSection{Enabled: true, Capacity: 16, TTL: time.Minute}

	mws, cleanup, err = buildMiddleware(cfg, logger)
	require.NoError(t, err)
	defer cleanup()
	assert.Len(t, mws, 5)
}

func TestOpenStore_InMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := zaptest.NewLogger(t)

	st, err := openStore(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Ping(context.Background()))
}

func TestNewEngine_FromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Backend.Mock.Enabled = true
	logger := zaptest.NewLogger(t)

	st, err := openStore(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer st.Close()

	reg, err := buildBackends(cfg.Backend)
	require.NoError(t, err)

	mws, cleanup, err := buildMiddleware(cfg, logger)
	require.NoError(t, err)
	defer cleanup()

	eng, err := newEngine(cfg, st, reg, mws, nil, nil, logger)
	require.NoError(t, err)
	defer eng.Close()
}
