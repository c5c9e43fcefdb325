// Package config provides configuration management for RCloneGUI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the application configuration.
const (
	DefaultReadyTimeout       = 30 * time.Second
	DefaultGracePeriod        = 5 * time.Second
	DefaultDiscoveryInterval  = 5 * time.Second
	DefaultStatsInterval      = time.Second
	DefaultSchedulerTick      = 15 * time.Second
	DefaultHistoryRetention   = 90 * 24 * time.Hour
	DefaultListenAddr         = "127.0.0.1:5572"
	DefaultLogLevel           = "info"
	DefaultRateLimitPerMinute = 60
)

// DefaultReadyMarkers are the log fragments rclone prints once a mount is
// being served.
var DefaultReadyMarkers = []string{
	"The service rclone has been started",
	"Mount daemon started",
}

// DefaultConfigDir returns the default config directory (~/.rclonegui).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".rclonegui"), nil
}

// DefaultConfigPath returns the default config file path (~/.rclonegui/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// Duration is a time.Duration written as a string such as "30s" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RcloneConfig locates the rclone executable and its config file.
type RcloneConfig struct {
	Binary     string `yaml:"binary,omitempty"`
	ConfigPath string `yaml:"config_path,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string `yaml:"level,omitempty"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	JSON       bool   `yaml:"json,omitempty"`
}

// MountConfig holds mount manager settings.
type MountConfig struct {
	ReadyTimeout      Duration `yaml:"ready_timeout,omitempty"`
	ReadyMarkers      []string `yaml:"ready_markers,omitempty"`
	GracePeriod       Duration `yaml:"grace_period,omitempty"`
	CacheDir          string   `yaml:"cache_dir,omitempty"`
	MountRoot         string   `yaml:"mount_root,omitempty"`
	DiscoveryInterval Duration `yaml:"discovery_interval,omitempty"`
	UnmountOnExit     bool     `yaml:"unmount_on_exit"`
}

// SyncConfig holds sync engine settings.
type SyncConfig struct {
	StatsInterval    Duration `yaml:"stats_interval,omitempty"`
	GracePeriod      Duration `yaml:"grace_period,omitempty"`
	HistoryRetention Duration `yaml:"history_retention,omitempty"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	Tick Duration `yaml:"tick,omitempty"`
}

// APIConfig holds the local control API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
	// AllowedOrigins restricts browser access to the API. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	// RateLimitPerMinute caps state-changing requests per client. Negative
	// disables the limit.
	RateLimitPerMinute int64 `yaml:"rate_limit_per_minute,omitempty"`
}

// AppConfig holds the application's configuration.
type AppConfig struct {
	Rclone          RcloneConfig    `yaml:"rclone"`
	DataDir         string          `yaml:"data_dir,omitempty"`
	DefinitionsFile string          `yaml:"definitions_file,omitempty"`
	Log             LogConfig       `yaml:"log"`
	Mount           MountConfig     `yaml:"mount"`
	Sync            SyncConfig      `yaml:"sync"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
	API             APIConfig       `yaml:"api"`
}

// DefaultAppConfig returns a configuration rooted at dir with every value set.
func DefaultAppConfig(dir string) *AppConfig {
	cfg := &AppConfig{
		API:   APIConfig{Enabled: true},
		Mount: MountConfig{UnmountOnExit: true},
	}
	cfg.ApplyDefaults(dir)
	return cfg
}

// ApplyDefaults fills every unset value. The data directory defaults to dir.
func (c *AppConfig) ApplyDefaults(dir string) {
	if c.Rclone.Binary == "" {
		c.Rclone.Binary = "rclone"
	}
	if c.DataDir == "" {
		c.DataDir = dir
	}
	if c.DefinitionsFile == "" {
		c.DefinitionsFile = filepath.Join(c.DataDir, "definitions.yml")
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Mount.ReadyTimeout == 0 {
		c.Mount.ReadyTimeout = Duration(DefaultReadyTimeout)
	}
	if len(c.Mount.ReadyMarkers) == 0 {
		c.Mount.ReadyMarkers = append([]string(nil), DefaultReadyMarkers...)
	}
	if c.Mount.GracePeriod == 0 {
		c.Mount.GracePeriod = Duration(DefaultGracePeriod)
	}
	if c.Mount.CacheDir == "" {
		c.Mount.CacheDir = filepath.Join(c.DataDir, "cache")
	}
	if c.Mount.MountRoot == "" {
		c.Mount.MountRoot = filepath.Join(c.DataDir, "mnt")
	}
	if c.Mount.DiscoveryInterval == 0 {
		c.Mount.DiscoveryInterval = Duration(DefaultDiscoveryInterval)
	}
	if c.Sync.StatsInterval == 0 {
		c.Sync.StatsInterval = Duration(DefaultStatsInterval)
	}
	if c.Sync.GracePeriod == 0 {
		c.Sync.GracePeriod = Duration(DefaultGracePeriod)
	}
	if c.Sync.HistoryRetention == 0 {
		c.Sync.HistoryRetention = Duration(DefaultHistoryRetention)
	}
	if c.Scheduler.Tick == 0 {
		c.Scheduler.Tick = Duration(DefaultSchedulerTick)
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultListenAddr
	}
	if c.API.RateLimitPerMinute == 0 {
		c.API.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
}

// Validate checks that the configuration can be used.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Rclone.Binary == "" {
		errs = append(errs, errors.New("rclone.binary is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Mount.ReadyTimeout < 0 || c.Mount.GracePeriod < 0 || c.Sync.GracePeriod < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.Scheduler.Tick < Duration(time.Second) {
		errs = append(errs, fmt.Errorf("scheduler.tick must be at least 1s, got %s", c.Scheduler.Tick.Std()))
	}
	if c.Sync.StatsInterval < Duration(100*time.Millisecond) {
		errs = append(errs, fmt.Errorf("sync.stats_interval must be at least 100ms, got %s", c.Sync.StatsInterval.Std()))
	}
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Load reads the configuration from the given path, applies environment
// overrides and fills defaults. If the file does not exist, the defaults
// are returned.
func Load(path string) (*AppConfig, error) {
	dir := filepath.Dir(path)

	cfg := &AppConfig{
		API:   APIConfig{Enabled: true},
		Mount: MountConfig{UnmountOnExit: true},
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ApplyEnv()
	cfg.ApplyDefaults(dir)
	return cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*AppConfig, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AppConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// rclone config paths and data dirs are user-private
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
