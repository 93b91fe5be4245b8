/*
Package config handles loading, saving, and overriding amas-engine configuration.

Configuration is stored in ~/.amas-engine.json. Every section has production
defaults, so a file only needs the fields it changes. Environment variables
prefixed with AMAS_ override the file.

Schema (abridged):

	{
	  "engine":    {"grid": {...}, "coldStart": {...}, "linucb": {...}, ...},
	  "recorder":  {"queueSize": 1000, "batchSize": 20, ...},
	  "reward":    {"batchSize": 50, "concurrency": 4, ...},
	  "lock":      {"backend": "inproc", "timeoutMs": 2000},
	  "storage":   {"dbPath": "", "retentionDays": 30},
	  "redis":     {"addr": "", "db": 0, "prefix": "amas:lock:"},
	  "telemetry": {"enabled": false, "output": "stderr"},
	  "log":       {"mode": "production", "level": "info"},
	  "timezone":  "UTC"
	}
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/khanglvm/amas-engine/internal/engine"
	"github.com/khanglvm/amas-engine/internal/isolation"
	"github.com/khanglvm/amas-engine/internal/learning"
	"github.com/khanglvm/amas-engine/internal/observability"
	"github.com/khanglvm/amas-engine/internal/reward"
)

// Lock backends.
const (
	LockInProcess = "inproc"
	LockRedis     = "redis"
)

// Config represents the root configuration structure.
type Config struct {
	Engine    engine.Config           `json:"engine"`
	Recorder  learning.RecorderConfig `json:"recorder"`
	Reward    reward.Config           `json:"reward"`
	Lock      LockConfig              `json:"lock"`
	Storage   StorageConfig           `json:"storage"`
	Redis     RedisConfig             `json:"redis"`
	Telemetry observability.Config    `json:"telemetry"`
	Log       LogConfig               `json:"log"`

	// Timezone is an IANA name used to derive the hour of day of events.
	Timezone string `json:"timezone,omitempty"`
}

// LockConfig selects the per-user lock.
type LockConfig struct {
	// Backend is "inproc" (single process) or "redis" (shared).
	Backend   string `json:"backend"`
	TimeoutMs int    `json:"timeoutMs"`
}

// Timeout returns the acquisition timeout.
func (l LockConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	// DBPath defaults to ~/.amas-engine/engine.db when empty.
	DBPath        string `json:"dbPath,omitempty"`
	RetentionDays int    `json:"retentionDays"`
}

// Retention returns how long finished rows are kept.
func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// RedisConfig is used by the redis lock backend.
type RedisConfig struct {
	Addr       string `json:"addr,omitempty"`
	Password   string `json:"password,omitempty"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// LockOptions converts the section for isolation.NewRedisLocker.
func (c *Config) LockOptions() isolation.RedisOptions {
	opts := isolation.DefaultRedisOptions()
	if c.Redis.Prefix != "" {
		opts.Prefix = c.Redis.Prefix
	}
	if c.Redis.TTLSeconds > 0 {
		opts.TTL = time.Duration(c.Redis.TTLSeconds) * time.Second
	}
	if c.Lock.TimeoutMs > 0 {
		opts.Timeout = c.Lock.Timeout()
	}
	return opts
}

// LogConfig is passed to logger.New.
type LogConfig struct {
	Mode  string `json:"mode"`
	Level string `json:"level"`
}

// NewConfig creates a configuration with every section at its defaults.
func NewConfig() *Config {
	return &Config{
		Engine:   engine.DefaultConfig(),
		Recorder: learning.DefaultRecorderConfig(),
		Reward:   reward.DefaultConfig(),
		Lock: LockConfig{
			Backend:   LockInProcess,
			TimeoutMs: int(isolation.DefaultTimeout / time.Millisecond),
		},
		Storage: StorageConfig{RetentionDays: 30},
		Redis: RedisConfig{
			Prefix:     isolation.DefaultRedisOptions().Prefix,
			TTLSeconds: int(isolation.DefaultRedisOptions().TTL / time.Second),
		},
		Telemetry: observability.DefaultConfig(),
		Log:       LogConfig{Mode: "production", Level: "info"},
	}
}

// EngineConfig returns the engine section with the timezone resolved.
func (c *Config) EngineConfig() (engine.Config, error) {
	ec := c.Engine
	if c.Timezone == "" {
		return ec, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return ec, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	ec.Location = loc
	return ec, nil
}

// GetDefaultConfigPath returns the path to ~/.amas-engine.json
func GetDefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".amas-engine.json"), nil
}

// Load reads the configuration from the default path.
func Load() (*Config, error) {
	configPath, err := GetDefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}
