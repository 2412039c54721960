package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Attribution AttributionConfig `yaml:"attribution" mapstructure:"attribution"`
	Refcode     RefcodeConfig     `yaml:"refcode" mapstructure:"refcode"`
	Identity    IdentityConfig    `yaml:"identity" mapstructure:"identity"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Monitoring  MonitoringConfig  `yaml:"monitoring" mapstructure:"monitoring"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AttributionConfig configures attribution runs. Request fields override
// LookbackDays and BatchSize per run.
type AttributionConfig struct {
	LookbackDays     int     `yaml:"lookback_days" mapstructure:"lookback_days"`
	BatchSize        int     `yaml:"batch_size" mapstructure:"batch_size"`
	MatchConcurrency int     `yaml:"match_concurrency" mapstructure:"match_concurrency"`
	WritesPerSecond  float64 `yaml:"writes_per_second" mapstructure:"writes_per_second"`
	ChannelMapPath   string  `yaml:"channel_map_path" mapstructure:"channel_map_path"`
}

// RefcodeConfig configures refcode reconciliation.
type RefcodeConfig struct {
	ActiveWindowDays int `yaml:"active_window_days" mapstructure:"active_window_days"`
}

// IdentityConfig configures the identity rebuild.
type IdentityConfig struct {
	LinkConfidence float64 `yaml:"link_confidence" mapstructure:"link_confidence"`
}

// ServerConfig configures the HTTP trigger server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures run-health checks and alerting.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	LookbackHours         int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	MaxFailedRuns         int     `yaml:"max_failed_runs" mapstructure:"max_failed_runs"`
	WriteErrorRateWarning float64 `yaml:"write_error_rate_warning" mapstructure:"write_error_rate_warning"`
	OrganicShareWarning   float64 `yaml:"organic_share_warning" mapstructure:"organic_share_warning"`
	AlertCooldownMins     int     `yaml:"alert_cooldown_mins" mapstructure:"alert_cooldown_mins"`
}

// RetryConfig configures store retries and the write circuit breaker.
type RetryConfig struct {
	MaxAttempts             int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs        int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs            int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	BreakerThreshold        int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetTimeoutSecs int `yaml:"breaker_reset_timeout_secs" mapstructure:"breaker_reset_timeout_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ATTRIBUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("attribution.lookback_days", 30)
	v.SetDefault("attribution.batch_size", 500)
	v.SetDefault("attribution.match_concurrency", 4)
	v.SetDefault("attribution.writes_per_second", 0)
	v.SetDefault("refcode.active_window_days", 14)
	v.SetDefault("identity.link_confidence", 0.9)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.max_failed_runs", 0)
	v.SetDefault("monitoring.write_error_rate_warning", 0.05)
	v.SetDefault("monitoring.organic_share_warning", 0.9)
	v.SetDefault("monitoring.alert_cooldown_mins", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.breaker_threshold", 5)
	v.SetDefault("retry.breaker_reset_timeout_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "job"
// (attribution and maintenance jobs), "migrate" and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "job", "migrate", "serve":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (path to the sqlite file)")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}

	if mode == "migrate" {
		return joinErrs(errs)
	}

	a := c.Attribution
	if a.LookbackDays < 1 || a.LookbackDays > 365 {
		errs = append(errs, "attribution.lookback_days must be between 1 and 365")
	}
	if a.BatchSize < 1 || a.BatchSize > 5000 {
		errs = append(errs, "attribution.batch_size must be between 1 and 5000")
	}
	if a.MatchConcurrency < 1 || a.MatchConcurrency > 64 {
		errs = append(errs, "attribution.match_concurrency must be between 1 and 64")
	}
	if a.WritesPerSecond < 0 {
		errs = append(errs, "attribution.writes_per_second must be >= 0")
	}
	if c.Refcode.ActiveWindowDays < 1 {
		errs = append(errs, "refcode.active_window_days must be >= 1")
	}
	if c.Identity.LinkConfidence <= 0 || c.Identity.LinkConfidence > 1 {
		errs = append(errs, "identity.link_confidence must be in (0, 1]")
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}

	return joinErrs(errs)
}

func joinErrs(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return eris.New("config: " + strings.Join(errs, "; "))
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
