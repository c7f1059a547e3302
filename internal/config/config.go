package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is used when CONFIG_PATH is unset.
const DefaultPath = "/app/config/skeptek.yaml"

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SessionTimeout bounds a streamed analysis; WaitTimeout a ?wait=true one.
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"`
	// AdminToken enables field report moderation. Empty disables it.
	AdminToken string `mapstructure:"admin_token"`
}

// StreamingConfig sizes the per-session event history.
type StreamingConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// DatabaseConfig selects the durable store. Driver is "postgres" or "sqlite3".
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	WriteQueueSize  int           `mapstructure:"write_queue_size"`
	WriteWorkers    int           `mapstructure:"write_workers"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type BackendConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	VerifyTimeout     time.Duration `mapstructure:"verify_timeout"`
	ScrapeTimeout     time.Duration `mapstructure:"scrape_timeout"`
	TranscriptTimeout time.Duration `mapstructure:"transcript_timeout"`
	ToolTimeout       time.Duration `mapstructure:"tool_timeout"`
}

type ModelConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

type VerifierConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	BatchSize int           `mapstructure:"batch_size"`
	HostRPS   float64       `mapstructure:"host_rps"`
	HostBurst int           `mapstructure:"host_burst"`
}

type OrchestratorConfig struct {
	Coalesce         bool `mapstructure:"coalesce"`
	StatusBuffer     int  `mapstructure:"status_buffer"`
	TranscriptVideos int  `mapstructure:"transcript_videos"`
}

type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// Config is the full service configuration.
type Config struct {
	Environment  string             `mapstructure:"environment"`
	LogLevel     string             `mapstructure:"log_level"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Streaming    StreamingConfig    `mapstructure:"streaming"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Model        ModelConfig        `mapstructure:"model"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Verifier     VerifierConfig     `mapstructure:"verifier"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`

	path string
}

// Path is the file Load read, empty when running on defaults and env only.
func (c *Config) Path() string { return c.path }

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 0)
	v.SetDefault("http.shutdown_timeout", 20*time.Second)
	v.SetDefault("http.session_timeout", 3*time.Minute)
	v.SetDefault("http.wait_timeout", 2*time.Minute)

	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.retention", 5*time.Minute)
	v.SetDefault("streaming.sweep_interval", time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "skeptek-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "skeptek")
	v.SetDefault("database.password", "skeptek")
	v.SetDefault("database.database", "skeptek")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.sqlite_path", "skeptek.db")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)
	v.SetDefault("database.write_queue_size", 256)
	v.SetDefault("database.write_workers", 2)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "skeptek:")

	v.SetDefault("backend.enabled", true)
	v.SetDefault("backend.url", "http://localhost:8000")
	v.SetDefault("backend.verify_timeout", 15*time.Second)
	v.SetDefault("backend.scrape_timeout", 30*time.Second)
	v.SetDefault("backend.transcript_timeout", 20*time.Second)
	v.SetDefault("backend.tool_timeout", 30*time.Second)

	v.SetDefault("model.model", "gemini-2.5-flash")
	v.SetDefault("model.request_timeout", 90*time.Second)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)

	v.SetDefault("verifier.timeout", 4*time.Second)
	v.SetDefault("verifier.batch_size", 5)
	v.SetDefault("verifier.host_rps", 4.0)
	v.SetDefault("verifier.host_burst", 4)

	v.SetDefault("orchestrator.coalesce", false)
	v.SetDefault("orchestrator.status_buffer", 32)
	v.SetDefault("orchestrator.transcript_videos", 2)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests", 10)
	v.SetDefault("rate_limit.window", time.Minute)
}

// envBindings maps config keys to the discrete env vars deployments set.
var envBindings = map[string]string{
	"environment":           "ENVIRONMENT",
	"log_level":             "LOG_LEVEL",
	"http.port":             "HTTP_PORT",
	"http.admin_token":      "ADMIN_TOKEN",
	"streaming.capacity":    "STREAMING_RING_CAPACITY",
	"metrics.port":          "METRICS_PORT",
	"tracing.enabled":       "TRACING_ENABLED",
	"tracing.otlp_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
	"database.driver":       "DB_DRIVER",
	"database.host":         "POSTGRES_HOST",
	"database.port":         "POSTGRES_PORT",
	"database.user":         "POSTGRES_USER",
	"database.password":     "POSTGRES_PASSWORD",
	"database.database":     "POSTGRES_DB",
	"database.sslmode":      "POSTGRES_SSLMODE",
	"database.sqlite_path":  "SQLITE_PATH",
	"redis.enabled":         "REDIS_ENABLED",
	"redis.addr":            "REDIS_ADDR",
	"redis.password":        "REDIS_PASSWORD",
	"backend.enabled":       "BACKEND_ENABLED",
	"backend.url":           "BACKEND_URL",
	"model.api_key":         "GEMINI_API_KEY",
	"model.model":           "GEMINI_MODEL",
	"orchestrator.coalesce": "ORCHESTRATOR_COALESCE",
	"rate_limit.requests":   "RATE_LIMIT_REQUESTS",
	"rate_limit.window":     "RATE_LIMIT_WINDOW",
}

// Load reads skeptek.yaml from CONFIG_PATH or DefaultPath. A missing file is
// not an error; defaults and environment overrides still apply.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = DefaultPath
	}
	return LoadFile(cfgPath)
}

// LoadFile is Load with an explicit path.
func LoadFile(cfgPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	v.SetEnvPrefix("SKEPTEK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	read := ""
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("read config: %w", err)
				}
			}
		} else {
			read = cfgPath
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.path = read
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" || c.Database.Database == "" {
			return errors.New("database: postgres requires host and database")
		}
	case "sqlite3":
		if c.Database.SQLitePath == "" {
			return errors.New("database: sqlite3 requires sqlite_path")
		}
	default:
		return fmt.Errorf("database: unsupported driver %q", c.Database.Driver)
	}
	if c.Verifier.BatchSize < 1 {
		return fmt.Errorf("verifier.batch_size must be >= 1, got %d", c.Verifier.BatchSize)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests < 1 || c.RateLimit.Window <= 0) {
		return errors.New("rate_limit: requests and window must be positive when enabled")
	}
	return nil
}

// DSN returns the driver-specific connection string.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite3" {
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", d.SQLitePath)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// Tunables is the subset of Config that may change without a restart.
type Tunables struct {
	VerifierBatchSize int
	Coalesce          bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Tunables extracts the hot-reloadable settings.
func (c *Config) Tunables() Tunables {
	return Tunables{
		VerifierBatchSize: c.Verifier.BatchSize,
		Coalesce:          c.Orchestrator.Coalesce,
		RateLimitRequests: c.RateLimit.Requests,
		RateLimitWindow:   c.RateLimit.Window,
	}
}
