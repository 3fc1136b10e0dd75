package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/citamed/citamed-platform/internal/clock"
	appconfig "github.com/citamed/citamed-platform/internal/config"
	"github.com/citamed/citamed-platform/internal/observability/metrics"
	"github.com/citamed/citamed-platform/internal/reminder"
	"github.com/citamed/citamed-platform/internal/whatsapp"
	"github.com/citamed/citamed-platform/pkg/logging"
)

// Standalone reminder worker for deployments that keep the API stateless.
// Run any number of replicas; the claim in the store keeps sends exclusive.
func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting citamed reminder worker", "env", cfg.Env)

	clk, err := clock.NewBusiness(cfg.BusinessTimezone)
	if err != nil {
		logger.Error("invalid business timezone", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	provider, err := whatsapp.NewProviderFromConfig(cfg, logger)
	if err != nil {
		logger.Error("no usable whatsapp provider", "error", err)
		os.Exit(1)
	}

	var tracker whatsapp.SessionTracker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		tracker = whatsapp.NewRedisSessions(rdb, cfg.SessionWindowLength)
	} else {
		// Without shared session state every send looks out-of-window and
		// falls back to templates, which is still correct.
		tracker = whatsapp.NewMemorySessions()
	}

	gateway := whatsapp.NewGateway(provider, tracker, whatsapp.GatewayOptions{
		Locales:       cfg.TemplateLocales,
		CountryCode:   cfg.DefaultCountryCode,
		SessionWindow: cfg.SessionWindowLength,
		SendTimeout:   cfg.OutboundTimeout,
		Recorder:      whatsapp.NewStore(pool),
		Clock:         clk,
		Metrics:       metrics.NewPlatformMetrics(nil),
	}, logger)

	engine := reminder.NewEngine(reminder.NewStore(pool), gateway, clk, reminder.EngineOptions{
		Interval: cfg.ReminderTickInterval,
		Window:   cfg.ReminderCatchUpWindow,
	}, logger)

	engine.Run(ctx)
	logger.Info("reminder worker stopped")
}
