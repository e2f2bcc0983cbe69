// Package config provides configuration management for fetcharr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8484
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxConnections    = 256
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultMaxImportSize     = 50 * 1024 * 1024 * 1024 // 50GB
	defaultAssignedTimeout   = 30 * time.Second
	defaultStallTimeout      = 2 * time.Minute
	defaultSweepInterval     = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultScheduleInterval  = 5 * time.Second
	defaultWorkerCoolOff     = 30 * time.Second
	defaultMaxAttempts       = 3
	defaultStepTimeout       = 10 * time.Minute
	defaultStaleAfter        = 5 * time.Minute
	defaultSearchCooldown    = 15 * time.Minute
	defaultRateLimitMax      = 5
	defaultRateLimitWindow   = 60 * time.Second
	defaultDownloadPoll      = 30 * time.Second
	defaultSchedulerSync     = 15 * time.Second
	defaultSchedulerWorkers  = 2
	defaultSchedulerPoll     = 5 * time.Second
	defaultJobRetention      = 7 * 24 * time.Hour
	defaultHTTPTimeout       = 60 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryDelay        = 5 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Search    SearchConfig    `mapstructure:"search"`
	Download  DownloadConfig  `mapstructure:"download"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Backup    BackupConfig    `mapstructure:"backup"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// MaxConnections caps concurrent accepted connections on the listener.
	MaxConnections int `mapstructure:"max_connections"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir      string `mapstructure:"base_dir"`
	DownloadsDir string `mapstructure:"downloads_dir"`
	MediaDir     string `mapstructure:"media_dir"`
	TempDir      string `mapstructure:"temp_dir"`
	// MaxImportSize is the largest downloaded payload accepted for encoding.
	// Supports human-readable values like "50GB" or raw byte counts.
	MaxImportSize ByteSize `mapstructure:"max_import_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DispatchConfig holds encoder dispatcher configuration.
type DispatchConfig struct {
	// Path is the WebSocket endpoint workers connect to.
	Path string `mapstructure:"path"`
	// Token authenticates worker connections at upgrade. Empty disables auth.
	Token string `mapstructure:"token"`
	// AssignedTimeout is how long an offer may sit unaccepted before the
	// assignment reverts to pending.
	AssignedTimeout time.Duration `mapstructure:"assigned_timeout"`
	// StallTimeout is how long an encoding assignment may go without a
	// progress report before the stall sweeper intervenes.
	StallTimeout time.Duration `mapstructure:"stall_timeout"`
	// SweepInterval is how often the acceptance-window and stall sweepers run.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// HeartbeatTimeout marks a worker offline when no heartbeat arrives.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// ScheduleInterval is the fallback matching cadence between push events.
	ScheduleInterval time.Duration `mapstructure:"schedule_interval"`
	// WorkerCoolOff blocks a worker from new offers after a capacity
	// rejection or an ignored offer.
	WorkerCoolOff time.Duration `mapstructure:"worker_cool_off"`
	// MaxAttempts bounds delivery attempts per assignment.
	MaxAttempts int `mapstructure:"max_attempts"`
	// PathMappings translate server-side path prefixes to worker-side ones,
	// keyed by encoder id. Entries are "serverPrefix=workerPrefix".
	PathMappings map[string][]string `mapstructure:"path_mappings"`
}

// PipelineConfig holds pipeline engine configuration.
type PipelineConfig struct {
	// StepTimeout applies when a step declares no timeout of its own.
	StepTimeout time.Duration `mapstructure:"step_timeout"`
}

// RecoveryConfig holds recovery sweep configuration.
type RecoveryConfig struct {
	// FoundStaleAfter requeues FOUND items with no linked download.
	FoundStaleAfter time.Duration `mapstructure:"found_stale_after"`
	// DownloadStuckAfter requeues DOWNLOADING items parked at 100%.
	DownloadStuckAfter time.Duration `mapstructure:"download_stuck_after"`
	// DeliveryStuckAfter fails DELIVERING items making no progress.
	DeliveryStuckAfter time.Duration `mapstructure:"delivery_stuck_after"`
	// SweepCron schedules the recovery sweep job (5-field cron).
	SweepCron string `mapstructure:"sweep_cron"`
	// CooldownCron schedules the cooldown promoter (5-field cron).
	CooldownCron string `mapstructure:"cooldown_cron"`
	// DownloadPollInterval drives the download client poller.
	DownloadPollInterval time.Duration `mapstructure:"download_poll_interval"`
	// RateLimitGCCron schedules rate-limit record pruning (5-field cron).
	RateLimitGCCron string `mapstructure:"rate_limit_gc_cron"`
}

// SchedulerConfig holds job scheduler and runner configuration.
type SchedulerConfig struct {
	// SyncInterval is how often due schedules are checked. It should not
	// exceed the shortest schedule interval or jobs fire late.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	// WorkerCount is the number of concurrent job workers.
	WorkerCount int `mapstructure:"worker_count"`
	// PollInterval is how often idle workers poll for runnable jobs.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// JobHistoryRetention is how long finished jobs and history records are
	// kept before cleanup.
	JobHistoryRetention time.Duration `mapstructure:"job_history_retention"`
}

// SearchConfig holds release search configuration.
type SearchConfig struct {
	// Cooldown is the wait window applied to discovered releases that score
	// below the immediate-grab threshold.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// MinScore is the quality score required for an immediate grab.
	MinScore int             `mapstructure:"min_score"`
	Indexers []IndexerConfig `mapstructure:"indexers"`
}

// IndexerConfig describes one release indexer.
type IndexerConfig struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	// SecretName overrides APIKey with a value from the secret store.
	SecretName      string        `mapstructure:"secret_name"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
}

// DownloadConfig holds download client configuration.
type DownloadConfig struct {
	Type     string `mapstructure:"type"` // qbittorrent
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// SecretName overrides Password with a value from the secret store.
	SecretName string `mapstructure:"secret_name"`
	Category   string `mapstructure:"category"`
	// HTTPTimeout bounds individual client API calls.
	HTTPTimeout   time.Duration `mapstructure:"http_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// DeliveryConfig holds storage target configuration.
type DeliveryConfig struct {
	Targets []TargetConfig `mapstructure:"targets"`
}

// TargetConfig describes one delivery storage target.
type TargetConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"` // filesystem
	Path string `mapstructure:"path"`
}

// NotifyConfig holds notifier configuration.
type NotifyConfig struct {
	Webhooks []WebhookConfig `mapstructure:"webhooks"`
}

// WebhookConfig describes one webhook notifier.
type WebhookConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	// Events filters which lifecycle events fire this webhook. Empty = all.
	Events []string `mapstructure:"events"`
}

// SecretsConfig holds the encrypted secret store configuration.
type SecretsConfig struct {
	// Keys are base64 fernet keys, newest first. The first key encrypts;
	// all keys decrypt, so rotation keeps old secrets readable.
	Keys []string `mapstructure:"keys"`
	// KeyFile points at a file holding one fernet key per line.
	KeyFile string `mapstructure:"key_file"`
}

// BackupConfig holds backup configuration.
type BackupConfig struct {
	Directory string               `mapstructure:"directory"` // empty = {storage.base_dir}/backups
	Format    string               `mapstructure:"format"`    // xz, bzip2
	Schedule  BackupScheduleConfig `mapstructure:"schedule"`
}

// BackupScheduleConfig holds scheduled backup configuration.
type BackupScheduleConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Cron      string `mapstructure:"cron"`      // 5-field cron expression
	Retention int    `mapstructure:"retention"` // number of archives to keep
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with FETCHARR_ and use underscores for
// nesting. Example: FETCHARR_SERVER_PORT=8484.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fetcharr")
		v.AddConfigPath("$HOME/.fetcharr")
	}

	// Environment variable settings
	v.SetEnvPrefix("FETCHARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_connections", defaultMaxConnections)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "fetcharr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.downloads_dir", "downloads")
	v.SetDefault("storage.media_dir", "media")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.max_import_size", defaultMaxImportSize)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Dispatch defaults
	v.SetDefault("dispatch.path", "/ws/encoders")
	v.SetDefault("dispatch.token", "")
	v.SetDefault("dispatch.assigned_timeout", defaultAssignedTimeout)
	v.SetDefault("dispatch.stall_timeout", defaultStallTimeout)
	v.SetDefault("dispatch.sweep_interval", defaultSweepInterval)
	v.SetDefault("dispatch.heartbeat_timeout", defaultHeartbeatTimeout)
	v.SetDefault("dispatch.schedule_interval", defaultScheduleInterval)
	v.SetDefault("dispatch.worker_cool_off", defaultWorkerCoolOff)
	v.SetDefault("dispatch.max_attempts", defaultMaxAttempts)

	// Pipeline defaults
	v.SetDefault("pipeline.step_timeout", defaultStepTimeout)

	// Recovery defaults
	v.SetDefault("recovery.found_stale_after", defaultStaleAfter)
	v.SetDefault("recovery.download_stuck_after", defaultStaleAfter)
	v.SetDefault("recovery.delivery_stuck_after", defaultStaleAfter)
	v.SetDefault("recovery.sweep_cron", "*/2 * * * *")
	v.SetDefault("recovery.cooldown_cron", "* * * * *")
	v.SetDefault("recovery.download_poll_interval", defaultDownloadPoll)
	v.SetDefault("recovery.rate_limit_gc_cron", "0 * * * *")

	// Scheduler defaults
	v.SetDefault("scheduler.sync_interval", defaultSchedulerSync)
	v.SetDefault("scheduler.worker_count", defaultSchedulerWorkers)
	v.SetDefault("scheduler.poll_interval", defaultSchedulerPoll)
	v.SetDefault("scheduler.job_history_retention", defaultJobRetention)

	// Search defaults
	v.SetDefault("search.cooldown", defaultSearchCooldown)
	v.SetDefault("search.min_score", 50)

	// Download client defaults
	v.SetDefault("download.type", "qbittorrent")
	v.SetDefault("download.category", "fetcharr")
	v.SetDefault("download.http_timeout", defaultHTTPTimeout)
	v.SetDefault("download.retry_attempts", defaultRetryAttempts)
	v.SetDefault("download.retry_delay", defaultRetryDelay)

	// Backup defaults
	v.SetDefault("backup.directory", "") // empty = {storage.base_dir}/backups
	v.SetDefault("backup.format", "xz")
	v.SetDefault("backup.schedule.enabled", true)
	v.SetDefault("backup.schedule.cron", "0 2 * * *") // daily at 2 AM
	v.SetDefault("backup.schedule.retention", 7)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Server validation
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("server.max_connections must be at least 1")
	}

	// Database validation
	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	// Storage validation
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Dispatch validation
	if c.Dispatch.AssignedTimeout <= 0 {
		return fmt.Errorf("dispatch.assigned_timeout must be positive")
	}
	if c.Dispatch.StallTimeout <= 0 {
		return fmt.Errorf("dispatch.stall_timeout must be positive")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}

	// Scheduler validation
	if c.Scheduler.WorkerCount < 1 {
		return fmt.Errorf("scheduler.worker_count must be at least 1")
	}
	if c.Scheduler.SyncInterval <= 0 {
		return fmt.Errorf("scheduler.sync_interval must be positive")
	}

	// Search validation
	for i, idx := range c.Search.Indexers {
		if idx.Name == "" {
			return fmt.Errorf("search.indexers[%d].name is required", i)
		}
		if idx.URL == "" {
			return fmt.Errorf("search.indexers[%d].url is required", i)
		}
	}

	// Delivery validation
	for i, target := range c.Delivery.Targets {
		if target.Name == "" {
			return fmt.Errorf("delivery.targets[%d].name is required", i)
		}
		if target.Type != "filesystem" {
			return fmt.Errorf("delivery.targets[%d].type must be: filesystem", i)
		}
		if target.Path == "" {
			return fmt.Errorf("delivery.targets[%d].path is required", i)
		}
	}

	// Backup validation
	validBackupFormats := map[string]bool{"xz": true, "bzip2": true}
	if !validBackupFormats[c.Backup.Format] {
		return fmt.Errorf("backup.format must be one of: xz, bzip2")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DownloadsPath returns the full path to the downloads directory.
func (c *StorageConfig) DownloadsPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.DownloadsDir)
}

// MediaPath returns the full path to the media directory.
func (c *StorageConfig) MediaPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.MediaDir)
}

// TempPath returns the full path to the temp directory.
func (c *StorageConfig) TempPath() string {
	return fmt.Sprintf("%s/%s", c.BaseDir, c.TempDir)
}

// BackupPath returns the backup directory path.
// If Directory is set, returns it directly; otherwise returns {BaseDir}/backups.
func (c *BackupConfig) BackupPath(storageBaseDir string) string {
	if c.Directory != "" {
		return c.Directory
	}
	return fmt.Sprintf("%s/backups", storageBaseDir)
}
