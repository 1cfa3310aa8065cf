package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Config holds all application configuration
type Config struct {
	// Environment
	Env      Environment `envconfig:"ENV" default:"development"`
	LogLevel string      `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool        `envconfig:"DEBUG" default:"false"`

	// Application
	App AppConfig

	// Server
	Server ServerConfig

	// Data directory layout
	Data DataConfig

	// Browser automation
	Browser BrowserConfig

	// Claude provider
	Claude ClaudeConfig

	// Ollama provider (local)
	Ollama OllamaConfig

	// AI token budget
	Budget BudgetConfig

	// Orchestrator
	Orchestrator OrchestratorConfig

	// Database (project/test-case store for discovery)
	Database DatabaseConfig

	// Redis (API session/status cache)
	Redis RedisConfig

	// Object storage (artifact archival)
	Storage StorageConfig

	// Features (feature flags)
	Features FeatureFlags
}

// AppConfig holds application metadata
type AppConfig struct {
	Name    string `envconfig:"APP_NAME" default:"autopilot"`
	Version string `envconfig:"APP_VERSION" default:"1.0.0"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string        `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port            int           `envconfig:"SERVER_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	EnableCORS      bool          `envconfig:"SERVER_ENABLE_CORS" default:"true"`
}

// DataConfig holds the on-disk data layout. All learned state lives under Dir.
type DataConfig struct {
	Dir string `envconfig:"DATA_DIR" default:"./data"`
}

// SelectorsDir is where per-domain selector caches live.
func (c DataConfig) SelectorsDir() string { return filepath.Join(c.Dir, "selectors") }

// PatternsDir is where action patterns persist.
func (c DataConfig) PatternsDir() string { return filepath.Join(c.Dir, "patterns") }

// BrainDir is the root of brain memories and AI state.
func (c DataConfig) BrainDir() string { return filepath.Join(c.Dir, "brain") }

// MemoryDir holds page/error/workflow memory files.
func (c DataConfig) MemoryDir() string { return filepath.Join(c.Dir, "brain", "memory") }

// AICacheDir holds cached AI responses.
func (c DataConfig) AICacheDir() string { return filepath.Join(c.Dir, "brain", "ai_cache") }

// BudgetFile holds AI token budget counters.
func (c DataConfig) BudgetFile() string { return filepath.Join(c.Dir, "brain", "ai_budget.json") }

// ExplorationsDir holds exploration-produced element lists imported at load.
func (c DataConfig) ExplorationsDir() string { return filepath.Join(c.Dir, "explorations") }

// ScenarioCacheDir holds per-scenario prewarm caches.
func (c DataConfig) ScenarioCacheDir() string { return filepath.Join(c.Dir, "scenario_cache") }

// ReportsDir holds execution reports.
func (c DataConfig) ReportsDir() string { return filepath.Join(c.Dir, "reports") }

// RecordingsDir holds recorded human sessions.
func (c DataConfig) RecordingsDir() string { return filepath.Join(c.Dir, "recordings") }

// BrowserConfig holds browser automation settings
type BrowserConfig struct {
	// Engine selects the driver implementation: playwright or rod
	Engine      string        `envconfig:"BROWSER_ENGINE" default:"playwright"`
	Headless    bool          `envconfig:"BROWSER_HEADLESS" default:"true"`
	StepTimeout time.Duration `envconfig:"BROWSER_STEP_TIMEOUT" default:"30s"`
	TypeDelay   time.Duration `envconfig:"BROWSER_TYPE_DELAY" default:"50ms"`
	ViewportW   int           `envconfig:"BROWSER_VIEWPORT_WIDTH" default:"1920"`
	ViewportH   int           `envconfig:"BROWSER_VIEWPORT_HEIGHT" default:"1080"`
	Screenshots bool          `envconfig:"BROWSER_FAILURE_SCREENSHOTS" default:"true"`
}

// ClaudeConfig holds Claude provider settings
type ClaudeConfig struct {
	APIKey       string        `envconfig:"ANTHROPIC_API_KEY" default:""`
	Model        string        `envconfig:"CLAUDE_MODEL" default:"claude-sonnet-4-20250514"`
	BaseURL      string        `envconfig:"CLAUDE_BASE_URL" default:"https://api.anthropic.com"`
	Timeout      time.Duration `envconfig:"CLAUDE_TIMEOUT" default:"30s"`
	RateLimitRPM int           `envconfig:"CLAUDE_RATE_LIMIT_RPM" default:"50"`
}

// OllamaConfig holds local Ollama provider settings
type OllamaConfig struct {
	Enabled bool          `envconfig:"OLLAMA_ENABLED" default:"false"`
	BaseURL string        `envconfig:"OLLAMA_BASE_URL" default:"http://localhost:11434"`
	Model   string        `envconfig:"OLLAMA_MODEL" default:"llama3.1"`
	Timeout time.Duration `envconfig:"OLLAMA_TIMEOUT" default:"60s"`
}

// BudgetConfig holds AI token budget caps
type BudgetConfig struct {
	DailyTokens   int `envconfig:"AI_BUDGET_DAILY_TOKENS" default:"100000"`
	HourlyTokens  int `envconfig:"AI_BUDGET_HOURLY_TOKENS" default:"20000"`
	PerTestTokens int `envconfig:"AI_BUDGET_PER_TEST_TOKENS" default:"5000"`
	CacheSize     int `envconfig:"AI_CACHE_SIZE" default:"1000"`
}

// OrchestratorConfig holds the autonomous orchestrator settings
type OrchestratorConfig struct {
	Enabled              bool          `envconfig:"ORCHESTRATOR_ENABLED" default:"true"`
	PollInterval         time.Duration `envconfig:"ORCHESTRATOR_POLL_INTERVAL" default:"30s"`
	DiscoveryInterval    time.Duration `envconfig:"ORCHESTRATOR_DISCOVERY_INTERVAL" default:"5m"`
	MinTimeBetweenRuns   time.Duration `envconfig:"ORCHESTRATOR_MIN_TIME_BETWEEN_RUNS" default:"1m"`
	RegressionInterval   time.Duration `envconfig:"ORCHESTRATOR_REGRESSION_INTERVAL" default:"24h"`
	RetryCooldown        time.Duration `envconfig:"ORCHESTRATOR_RETRY_COOLDOWN" default:"5m"`
	MaxQueueSize         int           `envconfig:"ORCHESTRATOR_MAX_QUEUE_SIZE" default:"1000"`
	MaxRetries           int           `envconfig:"ORCHESTRATOR_MAX_RETRIES" default:"3"`
	HistoryLimit         int           `envconfig:"ORCHESTRATOR_HISTORY_LIMIT" default:"50"`
	ContinuousRegression bool          `envconfig:"ORCHESTRATOR_CONTINUOUS_REGRESSION" default:"true"`
	ExecutionMode        string        `envconfig:"ORCHESTRATOR_EXECUTION_MODE" default:"autonomous"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	Enabled         bool          `envconfig:"DB_ENABLED" default:"false"`
	Host            string        `envconfig:"DB_HOST" default:"localhost"`
	Port            int           `envconfig:"DB_PORT" default:"5432"`
	User            string        `envconfig:"DB_USER" default:"autopilot"`
	Password        string        `envconfig:"DB_PASSWORD" default:""`
	Database        string        `envconfig:"DB_NAME" default:"autopilot"`
	SSLMode         string        `envconfig:"DB_SSL_MODE" default:"disable"`
	MaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis settings
type RedisConfig struct {
	Enabled      bool          `envconfig:"REDIS_ENABLED" default:"false"`
	Host         string        `envconfig:"REDIS_HOST" default:"localhost"`
	Port         int           `envconfig:"REDIS_PORT" default:"6379"`
	Password     string        `envconfig:"REDIS_PASSWORD" default:""`
	DB           int           `envconfig:"REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// Addr returns Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds object storage settings for artifact archival
type StorageConfig struct {
	Enabled   bool   `envconfig:"STORAGE_ENABLED" default:"false"`
	Endpoint  string `envconfig:"STORAGE_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"STORAGE_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"STORAGE_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"STORAGE_BUCKET" default:"autopilot"`
	Region    string `envconfig:"STORAGE_REGION" default:"us-east-1"`
	UseSSL    bool   `envconfig:"STORAGE_USE_SSL" default:"false"`
}

// FeatureFlags holds feature toggles
type FeatureFlags struct {
	EnableSelfHealing bool `envconfig:"FEATURE_SELF_HEALING" default:"true"`
	EnableAIFallback  bool `envconfig:"FEATURE_AI_FALLBACK" default:"true"`
	EnableMetrics     bool `envconfig:"FEATURE_METRICS" default:"true"`
	EnableArchival    bool `envconfig:"FEATURE_ARTIFACT_ARCHIVAL" default:"false"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	if c.Data.Dir == "" {
		errs = append(errs, "DATA_DIR is required")
	}

	if c.Browser.Engine != "playwright" && c.Browser.Engine != "rod" {
		errs = append(errs, fmt.Sprintf("BROWSER_ENGINE must be playwright or rod, got %q", c.Browser.Engine))
	}

	// AI fallback needs at least one provider configured
	if c.Features.EnableAIFallback && c.Claude.APIKey == "" && !c.Ollama.Enabled {
		errs = append(errs, "FEATURE_AI_FALLBACK requires ANTHROPIC_API_KEY or OLLAMA_ENABLED")
	}

	switch c.Orchestrator.ExecutionMode {
	case "autonomous", "guided", "strict":
	default:
		errs = append(errs, fmt.Sprintf("ORCHESTRATOR_EXECUTION_MODE invalid: %q", c.Orchestrator.ExecutionMode))
	}

	if c.Database.Enabled && c.Database.Password == "" && c.Env != EnvDevelopment {
		errs = append(errs, "DB_PASSWORD is required in non-development mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// GetLogLevel returns the appropriate zap log level
func (c *Config) GetLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}
