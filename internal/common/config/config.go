// Package config provides configuration management for gitfix.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for gitfix.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Git      GitConfig      `mapstructure:"git"`
	Labels   LabelConfig    `mapstructure:"labels"`
	Models   ModelConfig    `mapstructure:"models"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Requeue  RequeueConfig  `mapstructure:"requeue"`
	Bot      BotConfig      `mapstructure:"bot"`
	State    StateConfig    `mapstructure:"state"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the live stream API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds state-store and queue persistence configuration.
// Driver is either "sqlite3" (embedded, default) or "pgx" (PostgreSQL).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// RunnerConfig holds the code-generation container configuration.
type RunnerConfig struct {
	Image             string `mapstructure:"image"`
	MaxTurns          int    `mapstructure:"maxTurns"`
	TimeoutMs         int    `mapstructure:"timeoutMs"`
	ConfigDirHostPath string `mapstructure:"configDirHostPath"`
	WorkspaceDir      string `mapstructure:"workspaceDir"` // fixed mount point inside the container
	LogDir            string `mapstructure:"logDir"`       // conversation log files
	ContainerUID      int    `mapstructure:"containerUid"` // runtime UID the worktree is chowned to
}

// GitConfig holds clone and worktree filesystem configuration.
type GitConfig struct {
	ClonesBasePath    string `mapstructure:"clonesBasePath"`
	WorktreesBasePath string `mapstructure:"worktreesBasePath"`
	DefaultBranch     string `mapstructure:"defaultBranch"`  // per-deployment override, empty means detect
	FallbackBranch    string `mapstructure:"fallbackBranch"` // last resort when detection fails
	ShallowCloneDepth int    `mapstructure:"shallowCloneDepth"`
	RetentionStrategy string `mapstructure:"retentionStrategy"` // always_delete, keep_on_failure, keep_for_hours
	RetentionHours    int    `mapstructure:"retentionHours"`
	MaxAgeHours       int    `mapstructure:"maxAgeHours"`
}

// LabelConfig holds the issue/PR label vocabulary.
type LabelConfig struct {
	PrimaryTag    string `mapstructure:"primaryTag"`
	ProcessingTag string `mapstructure:"processingTag"`
	DoneTag       string `mapstructure:"doneTag"`
	PRLabel       string `mapstructure:"prLabel"`
}

// ModelConfig holds target-model resolution configuration.
type ModelConfig struct {
	LabelPattern string            `mapstructure:"labelPattern"`
	DefaultModel string            `mapstructure:"defaultModel"`
	Aliases      map[string]string `mapstructure:"aliases"`
	StartDelayMs map[string]int    `mapstructure:"startDelayMs"` // per-model stagger before heavy work
}

// PollerConfig holds repository sweep configuration.
type PollerConfig struct {
	IntervalSeconds int      `mapstructure:"intervalSeconds"`
	Repositories    []string `mapstructure:"repositories"` // owner/repo full names
	ReposFile       string   `mapstructure:"reposFile"`    // optional YAML watch list with overrides
}

// QueueConfig holds job dispatch configuration.
type QueueConfig struct {
	Concurrency   int `mapstructure:"concurrency"`
	Attempts      int `mapstructure:"attempts"`
	BackoffBaseMs int `mapstructure:"backoffBaseMs"`
}

// RequeueConfig holds usage-limit requeue delay configuration.
type RequeueConfig struct {
	BufferMs int `mapstructure:"bufferMs"`
	JitterMs int `mapstructure:"jitterMs"`
}

// BotConfig holds the bot identity and comment gating configuration.
type BotConfig struct {
	Username          string  `mapstructure:"username"`
	Token             string  `mapstructure:"token"`
	TokenFile         string  `mapstructure:"tokenFile"` // re-read on refresh when set
	APIBaseURL        string  `mapstructure:"apiBaseUrl"`
	UserWhitelist     string  `mapstructure:"userWhitelist"`     // CSV
	UserBlacklist     string  `mapstructure:"userBlacklist"`     // CSV
	PRTriggerKeywords string  `mapstructure:"prTriggerKeywords"` // CSV; empty disables PR follow-up
	CostThresholdUSD  float64 `mapstructure:"costThresholdUsd"`
}

// StateConfig holds task-state retention configuration.
type StateConfig struct {
	RetentionHours     int `mapstructure:"retentionHours"`
	CleanupIntervalMin int `mapstructure:"cleanupIntervalMin"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Timeout returns the container timeout as a time.Duration.
func (r *RunnerConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// Interval returns the poll interval as a time.Duration.
func (p *PollerConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Buffer returns the requeue buffer as a time.Duration.
func (r *RequeueConfig) Buffer() time.Duration {
	return time.Duration(r.BufferMs) * time.Millisecond
}

// Jitter returns the requeue jitter bound as a time.Duration.
func (r *RequeueConfig) Jitter() time.Duration {
	return time.Duration(r.JitterMs) * time.Millisecond
}

// BackoffBase returns the queue retry base delay as a time.Duration.
func (q *QueueConfig) BackoffBase() time.Duration {
	return time.Duration(q.BackoffBaseMs) * time.Millisecond
}

// Whitelist returns the parsed user whitelist; empty means no whitelist.
func (b *BotConfig) Whitelist() []string {
	return splitCSV(b.UserWhitelist)
}

// Blacklist returns the parsed user blacklist.
func (b *BotConfig) Blacklist() []string {
	return splitCSV(b.UserBlacklist)
}

// TriggerKeywords returns the parsed PR follow-up trigger keywords.
// An empty set disables PR follow-up scanning.
func (b *BotConfig) TriggerKeywords() []string {
	return splitCSV(b.PRTriggerKeywords)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// StartDelay returns the configured stagger for the given model.
func (m *ModelConfig) StartDelay(model string) time.Duration {
	if ms, ok := m.StartDelayMs[model]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("GITFIX_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - embedded sqlite unless a postgres host is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "data/gitfix.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gitfix")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "gitfix")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "gitfix")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")

	// Runner defaults
	v.SetDefault("runner.image", "gitfix-agent:latest")
	v.SetDefault("runner.maxTurns", 30)
	v.SetDefault("runner.timeoutMs", 300000) // 5 minutes
	v.SetDefault("runner.configDirHostPath", "")
	v.SetDefault("runner.workspaceDir", "/workspace")
	v.SetDefault("runner.logDir", "data/logs")
	v.SetDefault("runner.containerUid", 1000)

	// Git defaults
	v.SetDefault("git.clonesBasePath", "data/clones")
	v.SetDefault("git.worktreesBasePath", "data/worktrees")
	v.SetDefault("git.defaultBranch", "")
	v.SetDefault("git.fallbackBranch", "main")
	v.SetDefault("git.shallowCloneDepth", 0)
	v.SetDefault("git.retentionStrategy", "keep_on_failure")
	v.SetDefault("git.retentionHours", 24)
	v.SetDefault("git.maxAgeHours", 72)

	// Label defaults
	v.SetDefault("labels.primaryTag", "AI")
	v.SetDefault("labels.processingTag", "AI-processing")
	v.SetDefault("labels.doneTag", "AI-done")
	v.SetDefault("labels.prLabel", "gitfix")

	// Model defaults
	v.SetDefault("models.labelPattern", "^llm-claude-(.+)$")
	v.SetDefault("models.defaultModel", "sonnet")
	v.SetDefault("models.aliases", map[string]string{})
	v.SetDefault("models.startDelayMs", map[string]int{})

	// Poller defaults
	v.SetDefault("poller.intervalSeconds", 60)
	v.SetDefault("poller.repositories", []string{})
	v.SetDefault("poller.reposFile", "")

	// Queue defaults
	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoffBaseMs", 5000)

	// Requeue defaults
	v.SetDefault("requeue.bufferMs", 60000)
	v.SetDefault("requeue.jitterMs", 30000)

	// Bot defaults
	v.SetDefault("bot.username", "gitfix-bot")
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.tokenFile", "")
	v.SetDefault("bot.apiBaseUrl", "https://api.github.com")
	v.SetDefault("bot.userWhitelist", "")
	v.SetDefault("bot.userBlacklist", "")
	v.SetDefault("bot.prTriggerKeywords", "")
	v.SetDefault("bot.costThresholdUsd", 1.0)

	// State defaults
	v.SetDefault("state.retentionHours", 168) // 7 days
	v.SetDefault("state.cleanupIntervalMin", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GITFIX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/gitfix/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GITFIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented operator-facing variable names.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// each key lists its short form first and the prefixed form second.
	_ = v.BindEnv("labels.primaryTag", "PRIMARY_TAG", "GITFIX_PRIMARY_TAG")
	_ = v.BindEnv("labels.processingTag", "PROCESSING_TAG", "GITFIX_PROCESSING_TAG")
	_ = v.BindEnv("labels.doneTag", "DONE_TAG", "GITFIX_DONE_TAG")
	_ = v.BindEnv("labels.prLabel", "PR_LABEL", "GITFIX_PR_LABEL")
	_ = v.BindEnv("models.labelPattern", "MODEL_LABEL_PATTERN", "GITFIX_MODEL_LABEL_PATTERN")
	_ = v.BindEnv("models.defaultModel", "DEFAULT_MODEL", "GITFIX_DEFAULT_MODEL")
	_ = v.BindEnv("git.clonesBasePath", "CLONES_BASE_PATH", "GITFIX_CLONES_BASE_PATH")
	_ = v.BindEnv("git.worktreesBasePath", "WORKTREES_BASE_PATH", "GITFIX_WORKTREES_BASE_PATH")
	_ = v.BindEnv("git.defaultBranch", "DEFAULT_BRANCH", "GITFIX_DEFAULT_BRANCH")
	_ = v.BindEnv("git.fallbackBranch", "FALLBACK_BRANCH", "GITFIX_FALLBACK_BRANCH")
	_ = v.BindEnv("git.shallowCloneDepth", "SHALLOW_CLONE_DEPTH", "GITFIX_SHALLOW_CLONE_DEPTH")
	_ = v.BindEnv("git.retentionStrategy", "WORKTREE_RETENTION_STRATEGY", "GITFIX_WORKTREE_RETENTION_STRATEGY")
	_ = v.BindEnv("git.retentionHours", "WORKTREE_RETENTION_HOURS", "GITFIX_WORKTREE_RETENTION_HOURS")
	_ = v.BindEnv("git.maxAgeHours", "WORKTREE_MAX_AGE_HOURS", "GITFIX_WORKTREE_MAX_AGE_HOURS")
	_ = v.BindEnv("runner.image", "CONTAINER_IMAGE", "GITFIX_CONTAINER_IMAGE")
	_ = v.BindEnv("runner.maxTurns", "CONTAINER_MAX_TURNS", "GITFIX_CONTAINER_MAX_TURNS")
	_ = v.BindEnv("runner.timeoutMs", "CONTAINER_TIMEOUT_MS", "GITFIX_CONTAINER_TIMEOUT_MS")
	_ = v.BindEnv("runner.configDirHostPath", "CONFIG_DIR_HOST_PATH", "GITFIX_CONFIG_DIR_HOST_PATH")
	_ = v.BindEnv("requeue.bufferMs", "REQUEUE_BUFFER_MS", "GITFIX_REQUEUE_BUFFER_MS")
	_ = v.BindEnv("requeue.jitterMs", "REQUEUE_JITTER_MS", "GITFIX_REQUEUE_JITTER_MS")
	_ = v.BindEnv("bot.costThresholdUsd", "COST_THRESHOLD_USD", "GITFIX_COST_THRESHOLD_USD")
	_ = v.BindEnv("bot.username", "BOT_USERNAME", "GITFIX_BOT_USERNAME")
	_ = v.BindEnv("bot.token", "GITHUB_TOKEN", "GITFIX_BOT_TOKEN")
	_ = v.BindEnv("bot.userWhitelist", "USER_WHITELIST", "GITFIX_USER_WHITELIST")
	_ = v.BindEnv("bot.userBlacklist", "USER_BLACKLIST", "GITFIX_USER_BLACKLIST")
	_ = v.BindEnv("bot.prTriggerKeywords", "PR_FOLLOWUP_TRIGGER_KEYWORDS", "GITFIX_PR_FOLLOWUP_TRIGGER_KEYWORDS")
	_ = v.BindEnv("poller.intervalSeconds", "POLL_INTERVAL_SECONDS", "GITFIX_POLL_INTERVAL_SECONDS")
	_ = v.BindEnv("poller.repositories", "REPOSITORIES", "GITFIX_REPOSITORIES")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gitfix/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var retentionStrategies = map[string]bool{
	"always_delete":   true,
	"keep_on_failure": true,
	"keep_for_hours":  true,
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}

	if !retentionStrategies[cfg.Git.RetentionStrategy] {
		errs = append(errs, "git.retentionStrategy must be one of: always_delete, keep_on_failure, keep_for_hours")
	}
	if cfg.Git.ShallowCloneDepth < 0 {
		errs = append(errs, "git.shallowCloneDepth must not be negative")
	}

	if _, err := regexp.Compile(cfg.Models.LabelPattern); err != nil {
		errs = append(errs, fmt.Sprintf("models.labelPattern is not a valid regexp: %v", err))
	}
	if cfg.Models.DefaultModel == "" {
		errs = append(errs, "models.defaultModel is required")
	}

	if cfg.Queue.Concurrency <= 0 {
		errs = append(errs, "queue.concurrency must be positive")
	}
	if cfg.Queue.Attempts <= 0 {
		errs = append(errs, "queue.attempts must be positive")
	}

	if cfg.Runner.TimeoutMs <= 0 {
		errs = append(errs, "runner.timeoutMs must be positive")
	}
	if cfg.Runner.MaxTurns <= 0 {
		errs = append(errs, "runner.maxTurns must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
