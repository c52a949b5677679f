package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// COMMENTFLOW_DATABASE_URL for database.url.
const EnvPrefix = "COMMENTFLOW"

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("vault.encryption_key", "")

	v.SetDefault("queue.poll_interval", time.Second)
	v.SetDefault("queue.visibility_timeout", 35*time.Minute)
	v.SetDefault("queue.backoff_unit", time.Second)
	v.SetDefault("queue.soft_time_limit", 25*time.Minute)
	v.SetDefault("queue.hard_time_limit", 30*time.Minute)
	v.SetDefault("queue.automation_workers", 4)
	v.SetDefault("queue.setup_workers", 1)
	v.SetDefault("queue.cleanup_workers", 1)
	v.SetDefault("queue.cleanup_interval", 6*time.Hour)
	v.SetDefault("queue.stale_task_age", time.Hour)

	v.SetDefault("pacing.comment_delay_min", 30*time.Second)
	v.SetDefault("pacing.comment_delay_max", 120*time.Second)
	v.SetDefault("pacing.post_delay_min", 300*time.Second)
	v.SetDefault("pacing.post_delay_max", 600*time.Second)

	v.SetDefault("automation.base_url", "http://localhost:9222")
	v.SetDefault("automation.request_timeout", 2*time.Minute)

	v.SetDefault("accounts.lease_duration", 30*time.Minute)
}

// Load configuration from environment variables and optionally a
// config.yaml in the working directory.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path looks
// for an optional config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
