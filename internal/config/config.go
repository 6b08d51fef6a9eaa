// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig              `mapstructure:"app"`
	Chains        map[string]ChainConfig `mapstructure:"chains"`
	Storage       StorageConfig          `mapstructure:"storage"`
	Monitor       MonitorConfig          `mapstructure:"monitor"`
	Rules         RulesConfig            `mapstructure:"rules"`
	Alerts        AlertsConfig           `mapstructure:"alerts"`
	Notifications NotificationConfig     `mapstructure:"notifications"`
	Redis         RedisConfig            `mapstructure:"redis"`
	Server        ServerConfig           `mapstructure:"server"`
	Logging       LoggingConfig          `mapstructure:"logging"`
	Sentry        SentryConfig           `mapstructure:"sentry"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains connection settings for one EVM chain
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	WSURL          string        `mapstructure:"ws_url"`
	BackupURLs     []string      `mapstructure:"backup_urls"`
	ChainID        uint64        `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres, mysql
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// MonitorConfig contains watcher, checker and supervisor configuration
type MonitorConfig struct {
	CheckInterval          time.Duration `mapstructure:"check_interval"`
	ConfirmationBlocks     uint64        `mapstructure:"confirmation_blocks"`
	MaxCatchUpBlocks       uint64        `mapstructure:"max_catch_up_blocks"`
	BlockTimeout           time.Duration `mapstructure:"block_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	RestartInitialDelay    time.Duration `mapstructure:"restart_initial_delay"`
	RestartMaxDelay        time.Duration `mapstructure:"restart_max_delay"`
}

// RulesConfig contains the tunable severity thresholds
type RulesConfig struct {
	CriticalValueMultiplier int64   `mapstructure:"critical_value_multiplier"`
	UnusualHighMultiplier   int     `mapstructure:"unusual_high_multiplier"`
	DefaultGasThreshold     uint64  `mapstructure:"default_gas_threshold"`
	BalanceChangeRatio      float64 `mapstructure:"balance_change_ratio"`
	BalanceHighRatio        float64 `mapstructure:"balance_high_ratio"`
}

// AlertsConfig contains alert pipeline configuration
type AlertsConfig struct {
	PersistRetryAttempts int           `mapstructure:"persist_retry_attempts"`
	PersistRetryDelay    time.Duration `mapstructure:"persist_retry_delay"`
	DedupCacheTTL        time.Duration `mapstructure:"dedup_cache_ttl"`
}

// NotificationConfig contains notification system configuration
type NotificationConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	NotificationTimeout time.Duration `mapstructure:"notification_timeout"`
	RetryAttempts       int           `mapstructure:"retry_attempts"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	RateLimiter         string        `mapstructure:"rate_limiter"` // memory, redis
	Email               EmailConfig   `mapstructure:"email"`
	Webhook             WebhookConfig `mapstructure:"webhook"`
}

// EmailConfig contains SMTP settings
type EmailConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	SMTPHost  string   `mapstructure:"smtp_host"`
	SMTPPort  int      `mapstructure:"smtp_port"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	FromEmail string   `mapstructure:"from_email"`
	FromName  string   `mapstructure:"from_name"`
	UseTLS    bool     `mapstructure:"use_tls"`
	DefaultTo []string `mapstructure:"default_to"`
}

// WebhookConfig contains webhook delivery settings
type WebhookConfig struct {
	Enabled    bool              `mapstructure:"enabled"`
	DefaultURL string            `mapstructure:"default_url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
}

// RedisConfig contains the shared rate limiter backend settings
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// SentryConfig enables the optional Sentry error sink
type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("CONTRACT_MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logrus.Warn("Config file not found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	config.applyChainDefaults()

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "contract-monitor")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/monitor.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_time", "15m")

	// Monitor defaults
	v.SetDefault("monitor.check_interval", "60s")
	v.SetDefault("monitor.confirmation_blocks", 0)
	v.SetDefault("monitor.max_catch_up_blocks", 100)
	v.SetDefault("monitor.block_timeout", "60s")
	v.SetDefault("monitor.max_consecutive_failures", 5)
	v.SetDefault("monitor.restart_initial_delay", "5s")
	v.SetDefault("monitor.restart_max_delay", "5m")

	// Rule thresholds
	v.SetDefault("rules.critical_value_multiplier", 10)
	v.SetDefault("rules.unusual_high_multiplier", 2)
	v.SetDefault("rules.default_gas_threshold", 500000)
	v.SetDefault("rules.balance_change_ratio", 0.20)
	v.SetDefault("rules.balance_high_ratio", 0.50)

	// Alert pipeline defaults
	v.SetDefault("alerts.persist_retry_attempts", 5)
	v.SetDefault("alerts.persist_retry_delay", "500ms")
	v.SetDefault("alerts.dedup_cache_ttl", "30m")

	// Notification defaults
	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.notification_timeout", "30s")
	v.SetDefault("notifications.retry_attempts", 3)
	v.SetDefault("notifications.retry_delay", "2s")
	v.SetDefault("notifications.rate_limiter", "memory")
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.email.use_tls", true)
	v.SetDefault("notifications.email.from_email", "alerts@contract-monitor.local")
	v.SetDefault("notifications.email.from_name", "Contract Monitor")
	v.SetDefault("notifications.webhook.method", "POST")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "contract-monitor")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("sentry.sample_rate", 1.0)
}

// applyChainDefaults fills per-chain fields that the map form cannot default through viper
func (c *Config) applyChainDefaults() {
	for key, chain := range c.Chains {
		if chain.RequestTimeout <= 0 {
			chain.RequestTimeout = 30 * time.Second
		}
		if chain.RetryAttempts <= 0 {
			chain.RetryAttempts = 3
		}
		if chain.RetryDelay <= 0 {
			chain.RetryDelay = time.Second
		}
		if chain.MaxRetryDelay <= 0 {
			chain.MaxRetryDelay = 30 * time.Second
		}
		if chain.PollInterval <= 0 {
			chain.PollInterval = 12 * time.Second
		}
		c.Chains[key] = chain
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	for key, chain := range c.Chains {
		if chain.RPCURL == "" && chain.WSURL == "" {
			return fmt.Errorf("chain %q: rpc_url or ws_url is required", key)
		}
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Monitor.CheckInterval <= 0 {
		return fmt.Errorf("monitor check interval must be positive")
	}
	if c.Rules.BalanceChangeRatio <= 0 || c.Rules.BalanceHighRatio < c.Rules.BalanceChangeRatio {
		return fmt.Errorf("balance ratios must satisfy 0 < change ratio <= high ratio")
	}
	if c.Rules.CriticalValueMultiplier < 1 || c.Rules.UnusualHighMultiplier < 1 {
		return fmt.Errorf("severity multipliers must be at least 1")
	}
	switch c.Notifications.RateLimiter {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported rate limiter %q", c.Notifications.RateLimiter)
	}
	return nil
}
