package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// envOverrides holds the AMAS_* variables. Pointer fields stay nil when the
// variable is unset so the file value survives.
type envOverrides struct {
	DBPath          *string `env:"DB_PATH"`
	RetentionDays   *int    `env:"RETENTION_DAYS"`
	LockBackend     *string `env:"LOCK_BACKEND"`
	LockTimeoutMs   *int    `env:"LOCK_TIMEOUT_MS"`
	RedisAddr       *string `env:"REDIS_ADDR"`
	RedisPassword   *string `env:"REDIS_PASSWORD"`
	RedisDB         *int    `env:"REDIS_DB"`
	ContextDisabled *bool   `env:"CONTEXT_DISABLED"`
	WorkerBatch     *int    `env:"REWARD_BATCH_SIZE"`
	WorkerParallel  *int    `env:"REWARD_CONCURRENCY"`
	LogMode         *string `env:"LOG_MODE"`
	LogLevel        *string `env:"LOG_LEVEL"`
	Timezone        *string `env:"TIMEZONE"`
}

// LoadFrom reads config with enhanced error handling. Missing fields keep
// their defaults and AMAS_* environment variables are applied last.
func LoadFrom(path string) (*Config, error) {
	// Check file existence first
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigNotFoundError{
				Path: path,
				Hint: "Run 'amas-engine config init' to create configuration",
			}
		}
		return nil, fmt.Errorf("failed to access config: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, &PermissionError{
				Path:    path,
				Op:      "read",
				Fix:     getReadPermissionFix(path),
				Details: getPermissionDetails(path),
			}
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &InvalidConfigError{
			Path:    path,
			Message: fmt.Sprintf("JSON parse error: %v", err),
			Hint:    "Restore from .bak file if available",
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, or the default path when path is empty. A
// missing file yields the defaults with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		p, err := GetDefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := LoadFrom(path)
	var notFound *ConfigNotFoundError
	if errors.As(err, &notFound) {
		cfg = NewConfig()
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// ApplyEnv overlays AMAS_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: "AMAS_"}); err != nil {
		return &InvalidConfigError{
			Message: fmt.Sprintf("environment override: %v", err),
			Hint:    "Check AMAS_* variables",
		}
	}
	if err := env.Parse(&cfg.Telemetry); err != nil {
		return &InvalidConfigError{
			Message: fmt.Sprintf("environment override: %v", err),
			Hint:    "Check AMAS_OTEL_* variables",
		}
	}

	setString(&cfg.Storage.DBPath, o.DBPath)
	setInt(&cfg.Storage.RetentionDays, o.RetentionDays)
	setString(&cfg.Lock.Backend, o.LockBackend)
	setInt(&cfg.Lock.TimeoutMs, o.LockTimeoutMs)
	setString(&cfg.Redis.Addr, o.RedisAddr)
	setString(&cfg.Redis.Password, o.RedisPassword)
	setInt(&cfg.Redis.DB, o.RedisDB)
	setInt(&cfg.Reward.BatchSize, o.WorkerBatch)
	setInt(&cfg.Reward.Concurrency, o.WorkerParallel)
	setString(&cfg.Log.Mode, o.LogMode)
	setString(&cfg.Log.Level, o.LogLevel)
	setString(&cfg.Timezone, o.Timezone)
	if o.ContextDisabled != nil {
		cfg.Engine.LinUCB.ContextDisabled = *o.ContextDisabled
		cfg.Engine.Thompson.ContextDisabled = *o.ContextDisabled
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// getReadPermissionFix returns platform-specific fix command
func getReadPermissionFix(path string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf("Right-click %s → Properties → Security → Edit permissions", path)
	default: // unix-like
		return fmt.Sprintf("Run: chmod 644 %s", path)
	}
}

// getPermissionDetails checks file ownership and permissions
func getPermissionDetails(path string) string {
	if runtime.GOOS == "windows" {
		return ""
	}

	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("Current permissions: %04o", info.Mode().Perm())
}
