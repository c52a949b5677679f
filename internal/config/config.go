package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Redis      RedisConfig      `mapstructure:"redis" validate:"required"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Queue      QueueConfig      `mapstructure:"queue" validate:"required"`
	Pacing     PacingConfig     `mapstructure:"pacing" validate:"required"`
	Automation AutomationConfig `mapstructure:"automation" validate:"required"`
	Accounts   AccountsConfig   `mapstructure:"accounts" validate:"required"`
}

// ServerConfig contains process-wide settings.
type ServerConfig struct {
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gt=0"`
}

// RedisConfig locates the queue broker.
type RedisConfig struct {
	Address  string `mapstructure:"address" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// VaultConfig holds the credential encryption key. An empty key makes the
// vault generate an ephemeral one, which is only fit for development.
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key" validate:"omitempty,base64url"`
}

// QueueConfig sizes the worker pool per lane and bounds each attempt.
// Worker counts are the hard ceiling on throughput of a lane.
type QueueConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gtfield=HardTimeLimit"`
	BackoffUnit       time.Duration `mapstructure:"backoff_unit" validate:"gt=0"`
	SoftTimeLimit     time.Duration `mapstructure:"soft_time_limit" validate:"gt=0,ltfield=HardTimeLimit"`
	HardTimeLimit     time.Duration `mapstructure:"hard_time_limit" validate:"gt=0"`
	AutomationWorkers int           `mapstructure:"automation_workers" validate:"gt=0"`
	SetupWorkers      int           `mapstructure:"setup_workers" validate:"gt=0"`
	CleanupWorkers    int           `mapstructure:"cleanup_workers" validate:"gt=0"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval" validate:"gt=0"`
	StaleTaskAge      time.Duration `mapstructure:"stale_task_age" validate:"gt=0"`
}

// PacingConfig holds the randomized delay ranges between actions.
type PacingConfig struct {
	CommentDelayMin time.Duration `mapstructure:"comment_delay_min" validate:"gte=0"`
	CommentDelayMax time.Duration `mapstructure:"comment_delay_max" validate:"gtefield=CommentDelayMin"`
	PostDelayMin    time.Duration `mapstructure:"post_delay_min" validate:"gte=0"`
	PostDelayMax    time.Duration `mapstructure:"post_delay_max" validate:"gtefield=PostDelayMin"`
}

// AutomationConfig locates the automation client service.
type AutomationConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// AccountsConfig controls account leasing.
type AccountsConfig struct {
	// LeaseDuration should cover a whole attempt, so it defaults to the hard time limit.
	LeaseDuration time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
}
