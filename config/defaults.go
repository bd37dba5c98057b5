package config

import "time"

// DefaultConfig returns a configuration that runs out of the box: an
// in-memory SQLite store, the mock backend disabled, no auth, and no
// telemetry export.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Engine:     DefaultEngineConfig(),
		Database:   DefaultDatabaseConfig(),
		Redis:      DefaultRedisConfig(),
		Backend:    DefaultBackendConfig(),
		Middleware: DefaultMiddlewareConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the operator server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConns:        1024,
	}
}

// DefaultEngineConfig returns the convergence loop defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxFrames:    100,
		MaxDuration:  0,
		MaxTokens:    0,
		DefaultModel: "sonnet",
	}
}

// DefaultDatabaseConfig returns an in-memory SQLite store.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Path:            ":memory:",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultRedisConfig returns a disabled Redis tier.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled: false,
		Addr:    "localhost:6379",
		TTL:     time.Hour,
	}
}

// DefaultBackendConfig returns an empty backend selection. Callers
// register adapters themselves; the mock is off.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Mock: MockBackendConfig{
			Output: "mock result",
		},
	}
}

// DefaultMiddlewareConfig enables logging, retries, and timeout
// derivation; caching and rate limiting stay opt-in.
func DefaultMiddlewareConfig() MiddlewareConfig {
	return MiddlewareConfig{
		Logging: true,
		Retry: RetrySection{
			Enabled:     true,
			MaxAttempts: 3,
			Base:        time.Second,
			Backoff:     "exponential",
		},
		RateLimit: RateLimitSection{
			RequestsPerMinute: 60,
		},
		Cache: CacheSection{
			Capacity: 256,
			TTL:      time.Hour,
		},
		Timeout: TimeoutSection{
			Enabled: true,
			Base:    2 * time.Minute,
		},
	}
}

// DefaultLogConfig returns JSON logging at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig returns disabled telemetry.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "smithers",
		SampleRate:   1.0,
	}
}
