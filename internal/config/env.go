package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables that override the config file.
const (
	EnvRcloneBinary  = "RCLONEGUI_RCLONE_BINARY"
	EnvRcloneConfig  = "RCLONEGUI_RCLONE_CONFIG"
	EnvDataDir       = "RCLONEGUI_DATA_DIR"
	EnvLogLevel      = "RCLONEGUI_LOG_LEVEL"
	EnvListen        = "RCLONEGUI_LISTEN"
	EnvUnmountOnExit = "RCLONEGUI_UNMOUNT_ON_EXIT"
	EnvReadyTimeout  = "RCLONEGUI_READY_TIMEOUT"
	EnvLogMaxSizeMB  = "RCLONEGUI_LOG_MAX_SIZE_MB"
)

// ApplyEnv overrides configuration values from environment variables.
// Unset or invalid values leave the current value in place.
func (c *AppConfig) ApplyEnv() {
	if v := os.Getenv(EnvRcloneBinary); v != "" {
		c.Rclone.Binary = v
	}
	if v := os.Getenv(EnvRcloneConfig); v != "" {
		c.Rclone.ConfigPath = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogLevel))); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.API.Listen = v
	}
	c.Mount.UnmountOnExit = getEnvBool(EnvUnmountOnExit, c.Mount.UnmountOnExit)
	c.Mount.ReadyTimeout = Duration(getEnvDuration(EnvReadyTimeout, c.Mount.ReadyTimeout.Std()))
	if n := getEnvInt(EnvLogMaxSizeMB, c.Log.MaxSizeMB); n > 0 {
		c.Log.MaxSizeMB = n
	}
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvDuration reads a duration such as "45s", returning the default if unset or invalid.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}
