// Package config defines the explicit configuration object the rest of the
// system is constructed from. There are no ambient mode switches: mock
// backends, debug behavior, and every cap live on Config fields, loaded
// from defaults, an optional YAML file, and SMITHERS_-prefixed environment
// variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree.
type Config struct {
	// Server configures the operator HTTP/WebSocket server.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Engine configures the convergence loop's caps and ambient context.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Database selects and tunes the persistence store.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis configures the optional shared cache tier.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Backend selects the adapter agent nodes dispatch to.
	Backend BackendConfig `yaml:"backend" env:"BACKEND"`

	// Middleware configures the dispatch pipeline.
	Middleware MiddlewareConfig `yaml:"middleware" env:"MIDDLEWARE"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the operator server started by `smithers serve`.
type ServerConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`

	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// MaxConns caps concurrent accepted connections. Zero means no cap.
	MaxConns int `yaml:"max_conns" env:"MAX_CONNS"`

	// AllowedOrigins lists origins allowed for cross-origin requests.
	// Empty rejects cross-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`

	JWT JWTConfig `yaml:"jwt" env:"JWT"`
	TLS TLSConfig `yaml:"tls" env:"TLS"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// JWTConfig configures bearer-token auth on the operator API. An empty
// Secret disables auth.
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// TLSConfig points at the server certificate pair. Both empty means
// plain HTTP.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
}

// Enabled reports whether a certificate pair is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// EngineConfig configures run caps and ambient dispatch context.
type EngineConfig struct {
	// MaxFrames caps loop iterations per run.
	MaxFrames int `yaml:"max_frames" env:"MAX_FRAMES"`

	// MaxDuration caps wall-clock time per run. Zero means no cap.
	MaxDuration time.Duration `yaml:"max_duration" env:"MAX_DURATION"`

	// MaxTokens caps total token usage per run. Zero means no cap.
	MaxTokens int64 `yaml:"max_tokens" env:"MAX_TOKENS"`

	// WorkingDir is the default working directory handed to agent nodes.
	WorkingDir string `yaml:"working_dir" env:"WORKING_DIR"`

	// DefaultModel is used by agent nodes that declare none.
	DefaultModel string `yaml:"default_model" env:"DEFAULT_MODEL"`
}

// DatabaseConfig selects the persistence store. Driver is one of
// "sqlite", "postgres", "mysql", or "mongodb".
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`

	// Path is the SQLite database file. ":memory:" opens a throwaway
	// in-memory database.
	Path string `yaml:"path" env:"PATH"`

	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`

	// URI overrides the assembled connection string when set. Required
	// for mongodb.
	URI string `yaml:"uri" env:"URI"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN assembles the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.URI != "" {
		return d.URI
	}
	switch d.Driver {
	case "postgres":
		sslMode := d.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			d.User, d.Password, d.Host, d.Port, d.Name, sslMode)
	case "mysql":
		return fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name)
	case "sqlite", "":
		if d.Path == "" {
			return ":memory:"
		}
		return d.Path
	default:
		return ""
	}
}

// RedisConfig configures the optional shared cache tier used by the
// caching middleware.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// BackendConfig selects the adapter agent nodes run against.
type BackendConfig struct {
	// Default names the adapter registered as the dispatch target.
	Default string `yaml:"default" env:"DEFAULT"`

	Mock MockBackendConfig `yaml:"mock" env:"MOCK"`
}

// MockBackendConfig registers a scripted mock adapter. It replaces the
// usual environment-variable mock switch: turning it on is an explicit
// configuration decision visible in the loaded Config.
type MockBackendConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Output is the text every mocked execution returns.
	Output string `yaml:"output" env:"OUTPUT"`

	// Delay is the simulated execution latency.
	Delay time.Duration `yaml:"delay" env:"DELAY"`
}

// MiddlewareConfig configures the dispatch pipeline, outermost first:
// logging, retry, rate limit, cache, timeout.
type MiddlewareConfig struct {
	Logging   bool             `yaml:"logging" env:"LOGGING"`
	Retry     RetrySection     `yaml:"retry" env:"RETRY"`
	RateLimit RateLimitSection `yaml:"rate_limit" env:"RATE_LIMIT"`
	Cache     CacheSection     `yaml:"cache" env:"CACHE"`
	Timeout   TimeoutSection   `yaml:"timeout" env:"TIMEOUT"`
}

// RetrySection configures the retry middleware.
type RetrySection struct {
	Enabled     bool          `yaml:"enabled" env:"ENABLED"`
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Base        time.Duration `yaml:"base" env:"BASE"`
	// Backoff is "constant", "linear", or "exponential".
	Backoff string `yaml:"backoff" env:"BACKOFF"`
}

// RateLimitSection configures the rate-limiting middleware.
type RateLimitSection struct {
	Enabled           bool    `yaml:"enabled" env:"ENABLED"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE"`
	TokensPerMinute   float64 `yaml:"tokens_per_minute" env:"TOKENS_PER_MINUTE"`
}

// CacheSection configures the caching middleware.
type CacheSection struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Capacity int           `yaml:"capacity" env:"CAPACITY"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// TimeoutSection configures timeout derivation.
type TimeoutSection struct {
	Enabled bool          `yaml:"enabled" env:"ENABLED"`
	Base    time.Duration `yaml:"base" env:"BASE"`
	// PerChar adds to the derived timeout per prompt character.
	PerChar time.Duration `yaml:"per_char" env:"PER_CHAR"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format string `yaml:"format" env:"FORMAT"`

	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures OTLP export. Disabled leaves the global
// providers as noops.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with defaults, then an optional YAML file,
// then environment overrides.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader builds a Loader with the SMITHERS env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "SMITHERS"}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and env overrides still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validation run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration and validates it.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct, joining nested env tags with "_",
// so e.g. Database.MaxOpenConns reads SMITHERS_DATABASE_MAX_OPEN_CONNS.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads the configuration at path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv resolves the configuration from defaults and environment
// variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

var knownDrivers = map[string]bool{
	"sqlite":   true,
	"postgres": true,
	"mysql":    true,
	"mongodb":  true,
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid server port")
	}
	if c.Engine.MaxFrames <= 0 {
		errs = append(errs, "engine max_frames must be positive")
	}
	if c.Database.Driver != "" && !knownDrivers[c.Database.Driver] {
		errs = append(errs, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}
	if c.Database.Driver == "mongodb" && c.Database.URI == "" {
		errs = append(errs, "mongodb driver requires database.uri")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis enabled without addr")
	}
	if c.Middleware.Retry.Enabled && c.Middleware.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry max_attempts must be positive")
	}
	if c.Middleware.RateLimit.Enabled && c.Middleware.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, "rate_limit requests_per_minute must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry enabled without otlp_endpoint")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, "tls cert_file and key_file must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
