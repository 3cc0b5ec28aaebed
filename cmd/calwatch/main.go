package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/calwatch/calwatch/internal/broker"
	"github.com/calwatch/calwatch/internal/config"
	"github.com/calwatch/calwatch/internal/constants"
	"github.com/calwatch/calwatch/internal/database"
	"github.com/calwatch/calwatch/internal/graph"
	"github.com/calwatch/calwatch/internal/handlers"
	"github.com/calwatch/calwatch/internal/logging"
	"github.com/calwatch/calwatch/internal/notification"
	"github.com/calwatch/calwatch/internal/scheduler"
	appSignals "github.com/calwatch/calwatch/internal/signals"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	isDev := os.Getenv("ENV") != "production"
	logging.Initialize(isDev)
	logger := logging.GetLogger("main")

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Msg("Starting calwatch")

	// Create context that's canceled on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("Received signal, initiating shutdown")
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Application run failed")
	}
}

func run(ctx context.Context) error {
	logger := logging.GetLogger("main")

	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "configs/calwatch.toml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Str("config_path", configPath).Msg("Failed to load configuration")
		return err
	}

	logging.SetLogLevel(cfg.Service.LogLevel)
	logger.Info().Str("log_level", cfg.Service.LogLevel).Msg("Log level set")

	if err := os.MkdirAll(filepath.Dir(cfg.Service.StateFile), 0755); err != nil {
		logger.Error().Err(err).Str("path", filepath.Dir(cfg.Service.StateFile)).Msg("Failed to create data directory")
		return err
	}

	db, err := database.New(database.NewDefaultOptions(cfg.Service.StateFile))
	if err != nil {
		wrappedErr := fmt.Errorf("failed to initialize database: %w", err)
		logger.Error().Err(wrappedErr).Str("db_path", cfg.Service.StateFile).Msg("Database initialization failed")
		return wrappedErr
	}
	defer db.Close()

	if err := db.MigrateDatabase(); err != nil {
		wrappedErr := fmt.Errorf("failed to initialize database schema: %w", err)
		logger.Error().Err(wrappedErr).Msg("Database schema initialization failed")
		return wrappedErr
	}

	store, err := database.NewCredentialStore(db)
	if err != nil {
		wrappedErr := fmt.Errorf("failed to initialize credential store: %w", err)
		logger.Error().Err(wrappedErr).Msg("Credential store initialization failed")
		return wrappedErr
	}

	oauthConf := broker.NewOAuthConfig(cfg.OAuth)
	credentialBroker := broker.New(store, oauthConf)
	graphClient := graph.NewClient("")

	// Notification processing runs on a background worker so the webhook
	// handler can acknowledge within the provider's response budget.
	processor := notification.NewProcessor(store, credentialBroker, graphClient, cfg.OAuth.ClientState, constants.NotificationQueueSize)
	processor.Start(ctx)

	baseHandler, err := handlers.NewBaseHandler(cfg, store, credentialBroker, graphClient)
	if err != nil {
		wrappedErr := fmt.Errorf("failed to initialize base handler: %w", err)
		logger.Error().Err(wrappedErr).Msg("Base handler initialization failed")
		return wrappedErr
	}

	homeHandler := handlers.NewHomeHandler(baseHandler)
	oauthHandler := handlers.NewOAuthHandler(baseHandler, oauthConf)
	webhookHandler := handlers.NewWebhookHandler(baseHandler, processor)

	homeHandler.RegisterRoutes()
	oauthHandler.RegisterRoutes()
	webhookHandler.RegisterRoutes()

	// Operational visibility for subscriptions created through the
	// interactive flow
	appSignals.OnSubscriptionCreated(func(ctx context.Context, data appSignals.SubscriptionCreatedData) {
		subLogger := logging.GetLogger("signal-subscription")
		subLogger.Info().
			Str("user_id", data.UserID).
			Str("subscription_id", data.SubscriptionID).
			Time("expiration", data.Expiration).
			Msg("Subscription registered")
	}, "main-subscription-created-handler")

	appSignals.OnEventChanged(func(ctx context.Context, data appSignals.EventChangedData) {
		eventLogger := logging.GetLogger("signal-event")
		eventLogger.Info().
			Str("user_id", data.UserID).
			Str("change_type", data.ChangeType).
			Str("resource", data.Resource).
			Msg("Calendar change processed")
	}, "main-event-changed-handler")

	renewal, err := scheduler.New(store, credentialBroker, graphClient, cfg)
	if err != nil {
		wrappedErr := fmt.Errorf("failed to initialize renewal scheduler: %w", err)
		logger.Error().Err(wrappedErr).Msg("Renewal scheduler initialization failed")
		return wrappedErr
	}
	if err := renewal.Start(ctx); err != nil {
		wrappedErr := fmt.Errorf("failed to start renewal scheduler: %w", err)
		logger.Error().Err(wrappedErr).Msg("Renewal scheduler start failed")
		return wrappedErr
	}

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.App.Port),
	}

	go func() {
		logger.Info().Int("port", cfg.App.Port).Str("public_url", cfg.App.PublicURL).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Context cancelled, initiating shutdown sequence")

	// Stop accepting requests before closing the notification queue so no
	// webhook delivery can enqueue into a closed channel.
	logger.Info().Msg("Shutting down HTTP server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shut down gracefully")
	}

	renewal.Stop()
	processor.Stop()

	logger.Info().Msg("Shutdown complete")
	return nil
}
