package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/avolkov/exitpilot/internal/blob/s3"
	"github.com/avolkov/exitpilot/internal/cache/redis"
	"github.com/avolkov/exitpilot/internal/config"
	"github.com/avolkov/exitpilot/internal/domain"
	"github.com/avolkov/exitpilot/internal/exchange"
	"github.com/avolkov/exitpilot/internal/notify"
	"github.com/avolkov/exitpilot/internal/reliability"
	"github.com/avolkov/exitpilot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PhaseRecordStore domain.PhaseRecordStore
	PositionStore    domain.PositionStore
	StrategyStore    domain.StrategyStore

	// Cache
	PriceCache domain.PriceCache

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.RecordArchiver

	// Exchange access. Gateway is already wrapped with the reliability
	// layers; Reliability is exposed for the safety monitor's health check.
	Reliability *reliability.Manager
	Gateway     domain.ExchangeGateway

	// Notifications
	Notifier  *notify.Notifier
	AlertSink domain.AlertSink
}

// needsPostgres returns true for modes that require a database connection.
// Monitor mode runs without one; its emergency response then reports the
// position sweep as not wired instead of liquidating.
func needsPostgres(mode string) bool {
	switch mode {
	case "trade", "autoexit", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that archive execution history to object
// storage.
func needsS3(mode string) bool {
	switch mode {
	case "trade", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (only for modes that need persistence) ---
	if needsPostgres(cfg.Mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.PhaseRecordStore = postgres.NewPhaseRecordStore(pool)
		deps.PositionStore = postgres.NewPositionStore(pool)

		strategyStore := postgres.NewStrategyStore(pool)
		deps.StrategyStore = strategyStore

		// Seed the configured strategy so the auto-exit manager can
		// resolve it by name for persisted positions.
		if len(cfg.Strategy.Levels) > 0 {
			if err := strategyStore.Upsert(ctx, exitStrategyFromConfig(cfg.Strategy)); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: seed strategy %q: %w", cfg.Strategy.Name, err)
			}
		}
	}

	// --- Redis ---
	priceCache, err := redis.NewPriceCache(ctx, redis.Config{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = priceCache.Close() })

	deps.PriceCache = priceCache

	// --- S3 blob storage (only for modes that archive) ---
	if needsS3(cfg.Mode) {
		writer, err := s3blob.NewWriter(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := writer.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = writer
		deps.Archiver = s3blob.NewRecordArchiver(deps.BlobWriter, deps.PhaseRecordStore)
	}

	// --- Exchange gateway behind the reliability layers ---
	limiter := reliability.NewRateLimiter(reliability.RateLimiterConfig{
		MaxRequests: cfg.Reliability.RateLimiter.MaxRequests,
		WindowSize:  cfg.Reliability.RateLimiter.WindowSize.Duration,
		BurstSize:   cfg.Reliability.RateLimiter.BurstSize,
		QueueSize:   cfg.Reliability.RateLimiter.QueueSize,
	}, logger)
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		FailureThreshold:    cfg.Reliability.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:     cfg.Reliability.CircuitBreaker.RecoveryTimeout.Duration,
		HalfOpenMaxRequests: cfg.Reliability.CircuitBreaker.HalfOpenMaxRequests,
		MonitoringPeriod:    cfg.Reliability.CircuitBreaker.MonitoringPeriod.Duration,
	}, logger)
	deps.Reliability = reliability.NewManager(limiter, breaker, reliability.RetryConfig{
		MaxRetries:        cfg.Reliability.Retry.MaxRetries,
		BaseDelay:         cfg.Reliability.Retry.BaseDelay.Duration,
		MaxDelay:          cfg.Reliability.Retry.MaxDelay.Duration,
		BackoffMultiplier: cfg.Reliability.Retry.BackoffMultiplier,
		JitterFactor:      cfg.Reliability.Retry.JitterFactor,
		AdaptiveRetry:     cfg.Reliability.Retry.AdaptiveRetry,
	}, logger)

	client := exchange.NewClient(exchange.ClientConfig{
		BaseURL:   cfg.Exchange.BaseURL,
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
	})
	deps.Gateway = exchange.NewGuarded(client, deps.Reliability)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.AlertSink = notify.NewAlertSink(deps.Notifier)

	return deps, cleanup, nil
}

// exitStrategyFromConfig converts the configured engine strategy into the
// database-driven exit strategy the auto-exit manager consumes.
func exitStrategyFromConfig(sc config.StrategyConfig) domain.ExitStrategy {
	levels := make([]domain.ExitLevel, 0, len(sc.Levels))
	for _, l := range sc.Levels {
		levels = append(levels, domain.ExitLevel{
			TargetMultiplier: l.Multiplier,
			SellPercentage:   l.SellPercentage,
		})
	}
	return domain.ExitStrategy{
		Name:    sc.Name,
		Levels:  levels,
		Enabled: true,
	}
}
