// Package config loads server and client tunables from the
// environment (prefix COLLAB_), an optional config file, and sane
// defaults, via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the server and its default client need.
type Config struct {
	Port             int
	AllowedOrigins   []string
	JWTSecret        string
	DBPath           string
	EnableOpStore    bool
	MaxOperationHistory int

	HeartbeatIntervalMs   int
	ReconnectIntervalMs   int
	MaxReconnectAttempts  int
	AuthTimeoutMs         int
}

// Load reads configuration from the environment and an optional file
// named configPath (may be empty to skip file loading).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 3001)
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("jwt_secret", "")
	v.SetDefault("db_path", "")
	v.SetDefault("enable_opstore", false)
	v.SetDefault("max_operation_history", 1000)
	v.SetDefault("heartbeat_interval_ms", 30000)
	v.SetDefault("reconnect_interval_ms", 3000)
	v.SetDefault("max_reconnect_attempts", 10)
	v.SetDefault("auth_timeout_ms", 10000)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg := &Config{
		Port:                 v.GetInt("port"),
		AllowedOrigins:       v.GetStringSlice("allowed_origins"),
		JWTSecret:            v.GetString("jwt_secret"),
		DBPath:               v.GetString("db_path"),
		EnableOpStore:        v.GetBool("enable_opstore"),
		MaxOperationHistory:  v.GetInt("max_operation_history"),
		HeartbeatIntervalMs:  v.GetInt("heartbeat_interval_ms"),
		ReconnectIntervalMs:  v.GetInt("reconnect_interval_ms"),
		MaxReconnectAttempts: v.GetInt("max_reconnect_attempts"),
		AuthTimeoutMs:        v.GetInt("auth_timeout_ms"),
	}

	if cfg.EnableOpStore && cfg.DBPath == "" {
		return nil, fmt.Errorf("config: enable_opstore requires db_path")
	}

	return cfg, nil
}

// HeartbeatInterval is HeartbeatIntervalMs as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ReconnectInterval is ReconnectIntervalMs as a time.Duration.
func (c *Config) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMs) * time.Millisecond
}

// AuthTimeout is AuthTimeoutMs as a time.Duration.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutMs) * time.Millisecond
}
