package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/citamed/citamed-platform/internal/agent"
	"github.com/citamed/citamed-platform/internal/api"
	"github.com/citamed/citamed-platform/internal/calendar"
	"github.com/citamed/citamed-platform/internal/clock"
	appconfig "github.com/citamed/citamed-platform/internal/config"
	"github.com/citamed/citamed-platform/internal/consent"
	"github.com/citamed/citamed-platform/internal/directory"
	"github.com/citamed/citamed-platform/internal/observability/metrics"
	"github.com/citamed/citamed-platform/internal/reminder"
	"github.com/citamed/citamed-platform/internal/replies"
	"github.com/citamed/citamed-platform/internal/scheduling"
	"github.com/citamed/citamed-platform/internal/webhook"
	"github.com/citamed/citamed-platform/internal/whatsapp"
	"github.com/citamed/citamed-platform/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting citamed API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	clk, err := clock.NewBusiness(cfg.BusinessTimezone)
	if err != nil {
		logger.Error("invalid business timezone", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	m := metrics.NewPlatformMetrics(nil)

	// Stores
	dirStore := directory.NewStore(pool, cfg.DefaultCountryCode)
	schedStore := scheduling.NewStore(pool)
	outboundStore := whatsapp.NewStore(pool)
	reminderStore := reminder.NewStore(pool)
	consentStore := consent.NewStore(pool)
	calendarStore := calendar.NewStore(pool)
	dedup := webhook.NewDedup(pool)

	// Calendar mirror (optional)
	var mirror scheduling.CalendarMirror
	if cfg.CalendarSyncEnabled {
		tokens := calendar.NewTokenManager(calendarStore, calendar.TokenManagerConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RefreshSkew:  cfg.CalendarRefreshSkew,
		}, clk, logger)
		mirror = calendar.NewMirror(calendarStore, tokens, calendar.NewClient("", nil), dirStore, logger)
		logger.Info("google calendar sync enabled")
	}

	service := scheduling.NewService(schedStore, dirStore, clk, mirror, cfg.DefaultSlotDuration, logger)

	// Outbound WhatsApp
	provider, err := whatsapp.NewProviderFromConfig(cfg, logger)
	if err != nil {
		logger.Error("no usable whatsapp provider", "error", err)
		os.Exit(1)
	}
	var tracker whatsapp.SessionTracker
	if rdb != nil {
		tracker = whatsapp.NewRedisSessions(rdb, cfg.SessionWindowLength)
	} else {
		tracker = whatsapp.NewMemorySessions()
	}
	gateway := whatsapp.NewGateway(provider, tracker, whatsapp.GatewayOptions{
		Locales:       cfg.TemplateLocales,
		CountryCode:   cfg.DefaultCountryCode,
		SessionWindow: cfg.SessionWindowLength,
		SendTimeout:   cfg.OutboundTimeout,
		Recorder:      outboundStore,
		Clock:         clk,
		Metrics:       m,
	}, logger)

	consentGate := consent.NewGate(consentStore, gateway, cfg.PrivacyNoticeURL, logger)
	resolver := replies.NewResolver(reminderStore, schedStore)

	// Conversational agent (optional)
	var bot webhook.Agent
	if cfg.BotEnabled && cfg.GeminiAPIKey != "" {
		toolset := agent.NewToolset(dirStore, service, consentGate, reminderStore, clk)
		llm, err := agent.NewGeminiLLM(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID, agent.SystemPrompt, toolset.Declarations())
		if err != nil {
			logger.Error("failed to create gemini client", "error", err)
			os.Exit(1)
		}
		defer llm.Close()

		var sessions agent.SessionStore
		if rdb != nil {
			sessions = agent.NewRedisSessionStore(rdb, cfg.SessionTimeout)
		} else {
			mem := agent.NewMemorySessionStore(cfg.SessionTimeout)
			go mem.Janitor(ctx, time.Minute)
			sessions = mem
		}
		bot = agent.New(llm, toolset, sessions, gateway, agent.Options{
			HistoryCap:      cfg.HistoryCap,
			FallbackEnabled: cfg.FallbackMessageEnabled,
		}, logger)
		logger.Info("booking agent enabled", "model", cfg.GeminiModelID)
	} else {
		logger.Info("booking agent disabled")
	}

	webhookHandler := webhook.NewHandler(webhook.HandlerConfig{
		VerifyToken:      cfg.WebhookVerifyToken,
		AppSecret:        cfg.WebhookAppSecret,
		RequireSignature: cfg.IsProduction(),
		CountryCode:      cfg.DefaultCountryCode,
		BotEnabled:       cfg.BotEnabled,
	}, webhook.HandlerDeps{
		Dedup:      dedup,
		Sessions:   tracker,
		Deliveries: outboundStore,
		Patients:   dirStore,
		Scheduler:  service,
		Consents:   consentStore,
		Resolver:   resolver,
		Agent:      bot,
		Messenger:  gateway,
		Clock:      clk,
		Metrics:    m,
	}, logger)

	// In-process reminder engine; set REMINDER_IN_PROCESS=false when running
	// the dedicated worker.
	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	if cfg.ReminderInProcess {
		engine := reminder.NewEngine(reminderStore, gateway, clk, reminder.EngineOptions{
			Interval: cfg.ReminderTickInterval,
			Window:   cfg.ReminderCatchUpWindow,
			Metrics:  m,
		}, logger)
		go engine.Run(engineCtx)
	}

	router := api.NewRouter(api.RouterConfig{
		Logger:         logger,
		Appointments:   api.NewAppointmentsHandler(service, clk, m, logger),
		Webhook:        webhookHandler,
		MetricsHandler: promhttp.Handler(),
		HealthChecks: map[string]func() error{
			"postgres": func() error {
				pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				return pool.Ping(pingCtx)
			},
		},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stopEngine()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
