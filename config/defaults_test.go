package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.Server.TLS.Enabled())

	assert.Equal(t, "sonnet", cfg.Engine.DefaultModel)
	assert.Zero(t, cfg.Engine.MaxDuration)

	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "smithers", cfg.Telemetry.ServiceName)

	assert.True(t, cfg.Middleware.Timeout.Enabled)
	assert.False(t, cfg.Middleware.Cache.Enabled)
	assert.False(t, cfg.Middleware.RateLimit.Enabled)
	assert.Equal(t, "exponential", cfg.Middleware.Retry.Backoff)
}
