package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXITPILOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXITPILOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.BaseURL, "EXITPILOT_EXCHANGE_BASE_URL")
	setStr(&cfg.Exchange.WsURL, "EXITPILOT_EXCHANGE_WS_URL")
	setStr(&cfg.Exchange.APIKey, "EXITPILOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.APISecret, "EXITPILOT_EXCHANGE_API_SECRET")

	// ── Database ──
	setStr(&cfg.Database.DSN, "EXITPILOT_DATABASE_DSN")
	setStr(&cfg.Database.Host, "EXITPILOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "EXITPILOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "EXITPILOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "EXITPILOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "EXITPILOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "EXITPILOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "EXITPILOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "EXITPILOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "EXITPILOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXITPILOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXITPILOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXITPILOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXITPILOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXITPILOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXITPILOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "EXITPILOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "EXITPILOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "EXITPILOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "EXITPILOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "EXITPILOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "EXITPILOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "EXITPILOT_S3_FORCE_PATH_STYLE")

	// ── Reliability ──
	setInt(&cfg.Reliability.CircuitBreaker.FailureThreshold, "EXITPILOT_BREAKER_FAILURE_THRESHOLD")
	setDuration(&cfg.Reliability.CircuitBreaker.RecoveryTimeout, "EXITPILOT_BREAKER_RECOVERY_TIMEOUT")
	setDuration(&cfg.Reliability.CircuitBreaker.MonitoringPeriod, "EXITPILOT_BREAKER_MONITORING_PERIOD")
	setInt(&cfg.Reliability.CircuitBreaker.HalfOpenMaxRequests, "EXITPILOT_BREAKER_HALF_OPEN_MAX_REQUESTS")
	setInt(&cfg.Reliability.RateLimiter.MaxRequests, "EXITPILOT_RATE_LIMITER_MAX_REQUESTS")
	setDuration(&cfg.Reliability.RateLimiter.WindowSize, "EXITPILOT_RATE_LIMITER_WINDOW_SIZE")
	setInt(&cfg.Reliability.RateLimiter.BurstSize, "EXITPILOT_RATE_LIMITER_BURST_SIZE")
	setInt(&cfg.Reliability.RateLimiter.QueueSize, "EXITPILOT_RATE_LIMITER_QUEUE_SIZE")
	setInt(&cfg.Reliability.Retry.MaxRetries, "EXITPILOT_RETRY_MAX_RETRIES")
	setDuration(&cfg.Reliability.Retry.BaseDelay, "EXITPILOT_RETRY_BASE_DELAY")
	setDuration(&cfg.Reliability.Retry.MaxDelay, "EXITPILOT_RETRY_MAX_DELAY")
	setFloat64(&cfg.Reliability.Retry.BackoffMultiplier, "EXITPILOT_RETRY_BACKOFF_MULTIPLIER")
	setFloat64(&cfg.Reliability.Retry.JitterFactor, "EXITPILOT_RETRY_JITTER_FACTOR")
	setBool(&cfg.Reliability.Retry.AdaptiveRetry, "EXITPILOT_RETRY_ADAPTIVE")

	// ── Strategy ──
	setStr(&cfg.Strategy.Name, "EXITPILOT_STRATEGY_NAME")
	setStr(&cfg.Strategy.Symbol, "EXITPILOT_STRATEGY_SYMBOL")
	setInt(&cfg.Strategy.MaxPhasesPerExecution, "EXITPILOT_STRATEGY_MAX_PHASES_PER_EXECUTION")
	setFloat64(&cfg.Strategy.FeeRate, "EXITPILOT_STRATEGY_FEE_RATE")

	// ── Safety ──
	setDuration(&cfg.Safety.MonitoringInterval, "EXITPILOT_SAFETY_MONITORING_INTERVAL")
	setDuration(&cfg.Safety.RiskCheckInterval, "EXITPILOT_SAFETY_RISK_CHECK_INTERVAL")
	setBool(&cfg.Safety.AutoActionEnabled, "EXITPILOT_SAFETY_AUTO_ACTION_ENABLED")
	setInt(&cfg.Safety.AlertRetentionHours, "EXITPILOT_SAFETY_ALERT_RETENTION_HOURS")
	setFloat64(&cfg.Safety.Thresholds.MaxDrawdownPercentage, "EXITPILOT_SAFETY_MAX_DRAWDOWN_PERCENTAGE")
	setFloat64(&cfg.Safety.Thresholds.MinSuccessRatePercentage, "EXITPILOT_SAFETY_MIN_SUCCESS_RATE_PERCENTAGE")
	setInt(&cfg.Safety.Thresholds.MaxConsecutiveLosses, "EXITPILOT_SAFETY_MAX_CONSECUTIVE_LOSSES")
	setFloat64(&cfg.Safety.Thresholds.MaxSlippagePercentage, "EXITPILOT_SAFETY_MAX_SLIPPAGE_PERCENTAGE")
	setFloat64(&cfg.Safety.Thresholds.MinPatternConfidence, "EXITPILOT_SAFETY_MIN_PATTERN_CONFIDENCE")
	setFloat64(&cfg.Safety.Thresholds.MaxAPILatencyMs, "EXITPILOT_SAFETY_MAX_API_LATENCY_MS")
	setFloat64(&cfg.Safety.Thresholds.MinAPISuccessRate, "EXITPILOT_SAFETY_MIN_API_SUCCESS_RATE")
	setFloat64(&cfg.Safety.Thresholds.MaxMemoryUsagePercentage, "EXITPILOT_SAFETY_MAX_MEMORY_USAGE_PERCENTAGE")

	// ── AutoExit ──
	setBool(&cfg.AutoExit.Enabled, "EXITPILOT_AUTOEXIT_ENABLED")
	setDuration(&cfg.AutoExit.PollInterval, "EXITPILOT_AUTOEXIT_POLL_INTERVAL")
	setFloat64(&cfg.AutoExit.MinResidualQuantity, "EXITPILOT_AUTOEXIT_MIN_RESIDUAL_QUANTITY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXITPILOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXITPILOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXITPILOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "EXITPILOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXITPILOT_MODE")
	setStr(&cfg.LogLevel, "EXITPILOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
