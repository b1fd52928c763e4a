package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultStoreRoot is the default root directory for artifact versions.
	DefaultStoreRoot = "./models"

	// DefaultDeployRoot is the default root directory for deployment slots.
	DefaultDeployRoot = "./deployed"

	// DefaultDataDir is the default directory for run snapshots and state.
	DefaultDataDir = "./data"

	// DefaultEpochs is the default number of training epochs.
	DefaultEpochs = 50

	// DefaultMonitorInterval is the default resource sampling interval.
	DefaultMonitorInterval = "5s"

	// DefaultCollaboratorTimeout bounds preprocessor and trainer calls.
	DefaultCollaboratorTimeout = "2h"

	// DefaultNotifyTimeout bounds the post-deploy notify hook.
	DefaultNotifyTimeout = "5s"

	// DefaultUsageWindowDays is the usage lookback guarding deletions.
	DefaultUsageWindowDays = 7

	// DefaultMinScore is the evaluation score below which a freshly
	// trained artifact is flagged with a warning.
	DefaultMinScore = 0.5

	// DefaultKeepSlots is how many deployment slots cleanup retains.
	DefaultKeepSlots = 3

	// DefaultHistoryLimit bounds the deployment pointer history.
	DefaultHistoryLimit = 10

	// DefaultRetentionInterval is the sweeper pass interval.
	DefaultRetentionInterval = "1h"

	// DefaultRetentionConcurrency is the sweeper per-pass parallelism.
	DefaultRetentionConcurrency = 4

	// DefaultRetentionDays is how long unused superseded versions stay active.
	DefaultRetentionDays = 30

	// DefaultArchiveGraceDays is how long archived versions stay on disk.
	DefaultArchiveGraceDays = 30

	// DefaultRequestsPerMinute is the per-IP API rate limit.
	DefaultRequestsPerMinute = 120
)

// Config is the root configuration for modelyard.
type Config struct {
	Global     GlobalConfig     `yaml:"global" mapstructure:"global"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Database   DatabaseConfig   `yaml:"database" mapstructure:"database"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Evaluation EvaluationConfig `yaml:"evaluation,omitempty" mapstructure:"evaluation"`
	Deploy     DeployConfig     `yaml:"deploy,omitempty" mapstructure:"deploy"`
	Retention  RetentionConfig  `yaml:"retention,omitempty" mapstructure:"retention"`
	Notify     NotifyConfig     `yaml:"notify,omitempty" mapstructure:"notify"`
	Server     ServerConfig     `yaml:"server,omitempty" mapstructure:"server"`
	Upload     *UploadConfig    `yaml:"upload,omitempty" mapstructure:"upload"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// StoreConfig contains artifact and deployment filesystem settings.
type StoreConfig struct {
	Root       string `yaml:"root" mapstructure:"root"`
	DeployRoot string `yaml:"deploy_root" mapstructure:"deploy_root"`
	DataDir    string `yaml:"data_dir" mapstructure:"data_dir"`
	Owner      string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// DatabaseConfig contains catalog database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// PipelineConfig contains training pipeline settings.
type PipelineConfig struct {
	DefaultEpochs       int    `yaml:"default_epochs,omitempty" mapstructure:"default_epochs"`
	MonitorInterval     string `yaml:"monitor_interval,omitempty" mapstructure:"monitor_interval"`
	PreprocessorURL     string `yaml:"preprocessor_url,omitempty" mapstructure:"preprocessor_url"`
	TrainerURL          string `yaml:"trainer_url,omitempty" mapstructure:"trainer_url"`
	CollaboratorTimeout string `yaml:"collaborator_timeout,omitempty" mapstructure:"collaborator_timeout"`
}

// EvaluationConfig contains scoring and usage settings. Scorers maps a
// scorer name to its option bag, decoded by the evaluation engine.
type EvaluationConfig struct {
	UsageWindowDays int                       `yaml:"usage_window_days,omitempty" mapstructure:"usage_window_days"`
	MinScore        float64                   `yaml:"min_score,omitempty" mapstructure:"min_score"`
	Scorers         map[string]map[string]any `yaml:"scorers,omitempty" mapstructure:"scorers"`
}

// DeployConfig contains deployment controller settings.
type DeployConfig struct {
	KeepSlots    int `yaml:"keep_slots,omitempty" mapstructure:"keep_slots"`
	HistoryLimit int `yaml:"history_limit,omitempty" mapstructure:"history_limit"`
}

// RetentionConfig configures the background retention sweeper.
type RetentionConfig struct {
	Enabled          bool   `yaml:"enabled" mapstructure:"enabled"`
	Interval         string `yaml:"interval,omitempty" mapstructure:"interval"`
	Concurrency      int    `yaml:"concurrency,omitempty" mapstructure:"concurrency"`
	RetentionDays    int    `yaml:"retention_days,omitempty" mapstructure:"retention_days"`
	ArchiveGraceDays int    `yaml:"archive_grace_days,omitempty" mapstructure:"archive_grace_days"`
	DryRun           bool   `yaml:"dry_run,omitempty" mapstructure:"dry_run"`
}

// NotifyConfig configures the post-promotion notify hook. An empty
// endpoint disables the hook.
type NotifyConfig struct {
	Endpoint string `yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	Timeout  string `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// ServerConfig contains HTTP API server settings.
type ServerConfig struct {
	Enabled     bool            `yaml:"enabled" mapstructure:"enabled"`
	Listen      string          `yaml:"listen,omitempty" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
	Tokens      []APIToken      `yaml:"tokens,omitempty" mapstructure:"tokens"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// APIToken is a named bearer token. Hash is a bcrypt hash of the token
// value; plaintext tokens never appear in config.
type APIToken struct {
	Name string `yaml:"name" mapstructure:"name"`
	Hash string `yaml:"hash" mapstructure:"hash"`
}

// UploadConfig contains S3 mirror settings for deployed artifacts.
type UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// Load reads and parses a configuration file from the given path.
// Environment variables prefixed with MODELYARD_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MODELYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Store.Root == "" {
		c.Store.Root = DefaultStoreRoot
	}

	if c.Store.DeployRoot == "" {
		c.Store.DeployRoot = DefaultDeployRoot
	}

	if c.Store.DataDir == "" {
		c.Store.DataDir = DefaultDataDir
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = c.Store.DataDir + "/catalog.db"
	}

	if c.Pipeline.DefaultEpochs == 0 {
		c.Pipeline.DefaultEpochs = DefaultEpochs
	}

	if c.Pipeline.MonitorInterval == "" {
		c.Pipeline.MonitorInterval = DefaultMonitorInterval
	}

	if c.Pipeline.CollaboratorTimeout == "" {
		c.Pipeline.CollaboratorTimeout = DefaultCollaboratorTimeout
	}

	if c.Evaluation.UsageWindowDays == 0 {
		c.Evaluation.UsageWindowDays = DefaultUsageWindowDays
	}

	if c.Evaluation.MinScore == 0 {
		c.Evaluation.MinScore = DefaultMinScore
	}

	if c.Deploy.KeepSlots == 0 {
		c.Deploy.KeepSlots = DefaultKeepSlots
	}

	if c.Deploy.HistoryLimit == 0 {
		c.Deploy.HistoryLimit = DefaultHistoryLimit
	}

	if c.Retention.Interval == "" {
		c.Retention.Interval = DefaultRetentionInterval
	}

	if c.Retention.Concurrency == 0 {
		c.Retention.Concurrency = DefaultRetentionConcurrency
	}

	if c.Retention.RetentionDays == 0 {
		c.Retention.RetentionDays = DefaultRetentionDays
	}

	if c.Retention.ArchiveGraceDays == 0 {
		c.Retention.ArchiveGraceDays = DefaultArchiveGraceDays
	}

	if c.Notify.Timeout == "" {
		c.Notify.Timeout = DefaultNotifyTimeout
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}

	if c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = DefaultRequestsPerMinute
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres host and database are required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if _, err := time.ParseDuration(c.Pipeline.MonitorInterval); err != nil {
		return fmt.Errorf("pipeline.monitor_interval %q: %w", c.Pipeline.MonitorInterval, err)
	}

	if _, err := time.ParseDuration(c.Pipeline.CollaboratorTimeout); err != nil {
		return fmt.Errorf("pipeline.collaborator_timeout %q: %w", c.Pipeline.CollaboratorTimeout, err)
	}

	if c.Pipeline.DefaultEpochs < 1 {
		return fmt.Errorf("pipeline.default_epochs must be positive")
	}

	for _, raw := range []string{c.Pipeline.PreprocessorURL, c.Pipeline.TrainerURL, c.Notify.Endpoint} {
		if raw == "" {
			continue
		}

		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid endpoint URL %q", raw)
		}
	}

	if _, err := time.ParseDuration(c.Notify.Timeout); err != nil {
		return fmt.Errorf("notify.timeout %q: %w", c.Notify.Timeout, err)
	}

	if _, err := time.ParseDuration(c.Retention.Interval); err != nil {
		return fmt.Errorf("retention.interval %q: %w", c.Retention.Interval, err)
	}

	if c.Deploy.KeepSlots < 1 {
		return fmt.Errorf("deploy.keep_slots must be positive")
	}

	if c.Evaluation.UsageWindowDays < 1 {
		return fmt.Errorf("evaluation.usage_window_days must be positive")
	}

	if c.Evaluation.MinScore <= 0 || c.Evaluation.MinScore > 1 {
		return fmt.Errorf("evaluation.min_score must be in (0, 1]")
	}

	if c.Upload != nil && c.Upload.Enabled && c.Upload.Bucket == "" {
		return fmt.Errorf("upload.bucket is required when upload is enabled")
	}

	for i, tok := range c.Server.Tokens {
		if tok.Name == "" || tok.Hash == "" {
			return fmt.Errorf("server.tokens[%d]: name and hash are required", i)
		}
	}

	return nil
}

// Interval returns the parsed resource sampling interval.
func (p *PipelineConfig) Interval() time.Duration {
	d, err := time.ParseDuration(p.MonitorInterval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultMonitorInterval)
	}

	return d
}

// Timeout returns the parsed collaborator call timeout.
func (p *PipelineConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(p.CollaboratorTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultCollaboratorTimeout)
	}

	return d
}

// TimeoutDuration returns the parsed notify timeout.
func (n *NotifyConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(n.Timeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultNotifyTimeout)
	}

	return d
}

// IntervalDuration returns the parsed sweeper pass interval.
func (r *RetentionConfig) IntervalDuration() time.Duration {
	d, err := time.ParseDuration(r.Interval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultRetentionInterval)
	}

	return d
}

// UsageWindow returns the usage lookback as a duration.
func (e *EvaluationConfig) UsageWindow() time.Duration {
	days := e.UsageWindowDays
	if days < 1 {
		days = DefaultUsageWindowDays
	}

	return time.Duration(days) * 24 * time.Hour
}
