// Package config defines the top-level configuration for exitpilot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/avolkov/exitpilot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXITPILOT_* environment variables.
type Config struct {
	Exchange    ExchangeConfig    `toml:"exchange"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Reliability ReliabilityConfig `toml:"reliability"`
	Strategy    StrategyConfig    `toml:"strategy"`
	Safety      SafetyConfig      `toml:"safety"`
	AutoExit    AutoExitConfig    `toml:"autoexit"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// ExchangeConfig holds exchange API endpoints and credentials.
type ExchangeConfig struct {
	BaseURL   string `toml:"base_url"`
	WsURL     string `toml:"ws_url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the cold
// archive of execution records.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ReliabilityConfig groups the three protective layers in front of the
// exchange gateway.
type ReliabilityConfig struct {
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
	RateLimiter    RateLimiterConfig    `toml:"rate_limiter"`
	Retry          RetryConfig          `toml:"retry"`
}

// CircuitBreakerConfig holds the breaker's trip and recovery parameters.
type CircuitBreakerConfig struct {
	FailureThreshold    int      `toml:"failure_threshold"`
	RecoveryTimeout     duration `toml:"recovery_timeout"`
	MonitoringPeriod    duration `toml:"monitoring_period"`
	HalfOpenMaxRequests int      `toml:"half_open_max_requests"`
}

// RateLimiterConfig holds the sliding-window limiter parameters.
type RateLimiterConfig struct {
	MaxRequests int      `toml:"max_requests"`
	WindowSize  duration `toml:"window_size"`
	BurstSize   int      `toml:"burst_size"`
	QueueSize   int      `toml:"queue_size"`
}

// RetryConfig holds retry and backoff parameters.
type RetryConfig struct {
	MaxRetries        int      `toml:"max_retries"`
	BaseDelay         duration `toml:"base_delay"`
	MaxDelay          duration `toml:"max_delay"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	JitterFactor      float64  `toml:"jitter_factor"`
	AdaptiveRetry     bool     `toml:"adaptive_retry"`
}

// StrategyLevelConfig is one exit level of the configured strategy.
type StrategyLevelConfig struct {
	Multiplier     float64 `toml:"multiplier"`
	SellPercentage float64 `toml:"sell_percentage"`
}

// StrategyConfig names the multi-phase strategy the engine runs and its
// levels.
type StrategyConfig struct {
	Name                  string                `toml:"name"`
	Symbol                string                `toml:"symbol"`
	Levels                []StrategyLevelConfig `toml:"levels"`
	MaxPhasesPerExecution int                   `toml:"max_phases_per_execution"`
	FeeRate               float64               `toml:"fee_rate"`
}

// SafetyThresholds are the breach boundaries evaluated each monitoring tick.
type SafetyThresholds struct {
	MaxDrawdownPercentage    float64 `toml:"max_drawdown_percentage"`
	MinSuccessRatePercentage float64 `toml:"min_success_rate_percentage"`
	MaxConsecutiveLosses     int     `toml:"max_consecutive_losses"`
	MaxSlippagePercentage    float64 `toml:"max_slippage_percentage"`
	MinPatternConfidence     float64 `toml:"min_pattern_confidence"`
	MaxAPILatencyMs          float64 `toml:"max_api_latency_ms"`
	MinAPISuccessRate        float64 `toml:"min_api_success_rate"`
	MaxMemoryUsagePercentage float64 `toml:"max_memory_usage_percentage"`
}

// SafetyConfig tunes the safety monitor.
type SafetyConfig struct {
	MonitoringInterval  duration         `toml:"monitoring_interval"`
	RiskCheckInterval   duration         `toml:"risk_check_interval"`
	AutoActionEnabled   bool             `toml:"auto_action_enabled"`
	AlertRetentionHours int              `toml:"alert_retention_hours"`
	Thresholds          SafetyThresholds `toml:"thresholds"`
}

// AutoExitConfig tunes the auto-exit poll loop.
type AutoExitConfig struct {
	Enabled             bool     `toml:"enabled"`
	PollInterval        duration `toml:"poll_interval"`
	MinResidualQuantity float64  `toml:"min_residual_quantity"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			BaseURL: "https://api.exchange.local",
			WsURL:   "wss://stream.exchange.local/ws",
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "exitpilot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "exitpilot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Reliability: ReliabilityConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:    5,
				RecoveryTimeout:     duration{60 * time.Second},
				MonitoringPeriod:    duration{5 * time.Minute},
				HalfOpenMaxRequests: 3,
			},
			RateLimiter: RateLimiterConfig{
				MaxRequests: 10,
				WindowSize:  duration{time.Second},
				BurstSize:   5,
				QueueSize:   100,
			},
			Retry: RetryConfig{
				MaxRetries:        3,
				BaseDelay:         duration{time.Second},
				MaxDelay:          duration{30 * time.Second},
				BackoffMultiplier: 2.0,
				JitterFactor:      0.1,
				AdaptiveRetry:     true,
			},
		},
		Strategy: StrategyConfig{
			Name:   "two_level",
			Symbol: "BTCUSDT",
			Levels: []StrategyLevelConfig{
				{Multiplier: 0.10, SellPercentage: 50},
				{Multiplier: 0.20, SellPercentage: 50},
			},
			MaxPhasesPerExecution: 2,
			FeeRate:               0.001,
		},
		Safety: SafetyConfig{
			MonitoringInterval:  duration{30 * time.Second},
			RiskCheckInterval:   duration{60 * time.Second},
			AutoActionEnabled:   true,
			AlertRetentionHours: 24,
			Thresholds: SafetyThresholds{
				MaxDrawdownPercentage:    15,
				MinSuccessRatePercentage: 70,
				MaxConsecutiveLosses:     3,
				MaxSlippagePercentage:    1.0,
				MinPatternConfidence:     0.5,
				MaxAPILatencyMs:          2000,
				MinAPISuccessRate:        95,
				MaxMemoryUsagePercentage: 85,
			},
		},
		AutoExit: AutoExitConfig{
			Enabled:             true,
			PollInterval:        duration{5 * time.Second},
			MinResidualQuantity: 0.001,
		},
		Notify: NotifyConfig{
			Events: []string{
				string(domain.EventPhaseExecuted),
				string(domain.EventPositionComplete),
				string(domain.EventSafetyAlert),
				string(domain.EventOrderFailed),
			},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":    true,
	"autoexit": true,
	"monitor":  true,
	"full":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, autoexit, monitor, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange
	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange: base_url must not be empty")
	}
	needsFeed := c.Mode == "trade" || c.Mode == "full"
	if needsFeed && c.Exchange.WsURL == "" {
		errs = append(errs, "exchange: ws_url must not be empty for mode "+c.Mode)
	}

	// Database
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			errs = append(errs, "database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
		}
		if c.Database.Database == "" {
			errs = append(errs, "database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		errs = append(errs, "database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		errs = append(errs, "database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Reliability
	cb := c.Reliability.CircuitBreaker
	if cb.FailureThreshold < 1 {
		errs = append(errs, "reliability.circuit_breaker: failure_threshold must be >= 1")
	}
	if cb.RecoveryTimeout.Duration <= 0 {
		errs = append(errs, "reliability.circuit_breaker: recovery_timeout must be > 0")
	}
	if cb.HalfOpenMaxRequests < 1 {
		errs = append(errs, "reliability.circuit_breaker: half_open_max_requests must be >= 1")
	}
	rl := c.Reliability.RateLimiter
	if rl.MaxRequests < 1 {
		errs = append(errs, "reliability.rate_limiter: max_requests must be >= 1")
	}
	if rl.WindowSize.Duration <= 0 {
		errs = append(errs, "reliability.rate_limiter: window_size must be > 0")
	}
	if rl.QueueSize < 0 {
		errs = append(errs, "reliability.rate_limiter: queue_size must be >= 0")
	}
	rt := c.Reliability.Retry
	if rt.MaxRetries < 0 {
		errs = append(errs, "reliability.retry: max_retries must be >= 0")
	}
	if rt.BaseDelay.Duration <= 0 {
		errs = append(errs, "reliability.retry: base_delay must be > 0")
	}
	if rt.MaxDelay.Duration < rt.BaseDelay.Duration {
		errs = append(errs, "reliability.retry: max_delay must be >= base_delay")
	}
	if rt.BackoffMultiplier < 1 {
		errs = append(errs, "reliability.retry: backoff_multiplier must be >= 1")
	}
	if rt.JitterFactor < 0 || rt.JitterFactor >= 1 {
		errs = append(errs, "reliability.retry: jitter_factor must be in [0, 1)")
	}

	// Strategy
	if c.Strategy.Symbol == "" {
		errs = append(errs, "strategy: symbol must not be empty")
	}
	if len(c.Strategy.Levels) == 0 {
		errs = append(errs, "strategy: at least one level is required")
	}
	var totalPct, prevMult float64
	for i, lvl := range c.Strategy.Levels {
		if lvl.Multiplier <= prevMult && i > 0 {
			errs = append(errs, fmt.Sprintf("strategy: level %d multiplier must exceed level %d", i+1, i))
		}
		if lvl.Multiplier <= 0 {
			errs = append(errs, fmt.Sprintf("strategy: level %d multiplier must be > 0", i+1))
		}
		if lvl.SellPercentage <= 0 {
			errs = append(errs, fmt.Sprintf("strategy: level %d sell_percentage must be > 0", i+1))
		}
		totalPct += lvl.SellPercentage
		prevMult = lvl.Multiplier
	}
	if totalPct > 100 {
		errs = append(errs, fmt.Sprintf("strategy: sell percentages total %.1f, must not exceed 100", totalPct))
	}
	if c.Strategy.FeeRate < 0 || c.Strategy.FeeRate >= 1 {
		errs = append(errs, "strategy: fee_rate must be in [0, 1)")
	}

	// Safety
	if c.Safety.MonitoringInterval.Duration <= 0 {
		errs = append(errs, "safety: monitoring_interval must be > 0")
	}
	if c.Safety.RiskCheckInterval.Duration <= 0 {
		errs = append(errs, "safety: risk_check_interval must be > 0")
	}
	if c.Safety.AlertRetentionHours < 1 {
		errs = append(errs, "safety: alert_retention_hours must be >= 1")
	}

	// AutoExit
	if c.AutoExit.Enabled {
		if c.AutoExit.PollInterval.Duration <= 0 {
			errs = append(errs, "autoexit: poll_interval must be > 0")
		}
		if c.AutoExit.MinResidualQuantity < 0 {
			errs = append(errs, "autoexit: min_residual_quantity must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
