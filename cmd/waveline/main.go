// Waveline server — channel webhook ingress, conversation engine and the
// debounce and follow-up workers in one process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/waveline-ai/waveline/pkg/api"
	"github.com/waveline-ai/waveline/pkg/channel/whatsapp"
	"github.com/waveline-ai/waveline/pkg/config"
	"github.com/waveline-ai/waveline/pkg/database"
	"github.com/waveline-ai/waveline/pkg/debounce"
	"github.com/waveline-ai/waveline/pkg/engine"
	"github.com/waveline-ai/waveline/pkg/followup"
	"github.com/waveline-ai/waveline/pkg/llm"
	"github.com/waveline-ai/waveline/pkg/media"
	"github.com/waveline-ai/waveline/pkg/notify"
	"github.com/waveline-ai/waveline/pkg/rag"
	"github.com/waveline-ai/waveline/pkg/registry"
	"github.com/waveline-ai/waveline/pkg/store"
	"github.com/waveline-ai/waveline/pkg/version"
	"github.com/waveline-ai/waveline/pkg/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	logger.Info("Starting waveline", "version", version.Full())

	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to the database and apply migrations
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	// 3. Build the stores and the tenant registry
	stores := store.New(dbClient.DB())
	tenants := registry.New(stores.Tenants, registry.DefaultTTL)

	// 3a. One-time startup sweep of claims orphaned by a previous crash
	if n, err := stores.Buffer.CleanupStaleLocks(ctx, debounce.StaleClaimAge); err != nil {
		logger.Error("Startup buffer claim sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("Released orphaned buffer claims", "count", n)
	}
	if n, err := stores.Followups.CleanupStaleLocks(ctx, followup.StaleClaimAge); err != nil {
		logger.Error("Startup follow-up claim sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("Released orphaned follow-up claims", "count", n)
	}

	// 4. LLM, media and notification clients
	llmClient := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.LLMModel, cfg.EmbeddingModel)
	storage := media.NewStorageClient(cfg.StorageURL, cfg.StorageToken)
	mediaSvc := media.NewOpenAIMedia(llmClient.Raw(), storage, cfg.LLMModel)
	notifier := notify.NewSlackNotifier(cfg.SlackToken, os.Getenv("SLACK_DEFAULT_CHANNEL"), logger)
	retriever := rag.NewRetriever(llmClient, stores.Knowledge, stores.Examples, logger)
	logger.Info("LLM client initialized", "model", cfg.LLMModel, "embedding_model", cfg.EmbeddingModel)

	// 5. Channel client; it doubles as the engine's media resolver
	waClient := whatsapp.NewClient(cfg.ChannelAPIBaseURL, logger)
	deliverer := whatsapp.NewDeliverer(waClient, stores.Messages, logger)

	// 6. Conversation engine
	eng := engine.New(engine.Deps{
		Contacts:      stores.Contacts,
		Sessions:      stores.Sessions,
		Messages:      stores.Messages,
		Escalations:   stores.Escalations,
		Followups:     stores.Followups,
		StateMachines: stores.StateMachines,
		Deposits:      stores.Deposits,
		Retriever:     retriever,
		LLM:           llmClient,
		Media:         mediaSvc,
		MediaResolver: waClient,
		Notifier:      notifier,
	}, engine.Config{
		HistoryLimit: cfg.HistoryLimit,
		LLMTimeout:   cfg.LLMTimeout,
	}, logger)

	// 7. Debounce pipeline and follow-up worker
	pipeline := debounce.New(stores.Buffer, eng, tenants, deliverer, logger)
	fw := followup.New(stores.Followups, stores.Sessions, stores.Messages, stores.Tenants,
		stores.StateMachines, stores.WorkerLocks, eng, waClient, followup.Config{}, logger)

	// 8. Worker runner with its cron heartbeat
	runner := worker.New(pipeline, fw, cfg.SelfURL, cfg.InternalToken, logger)
	cronSched := runner.StartCron()

	// 9. HTTP server
	httpServer := api.NewServer(cfg, dbClient, tenants, pipeline, eng, deliverer, runner, logger)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("Waveline started successfully", "http_port", cfg.HTTPPort)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop the heartbeat, let in-flight crons finish,
	// then drain the HTTP server.
	cronCtx := cronSched.Stop()
	select {
	case <-cronCtx.Done():
		logger.Info("Worker heartbeat stopped")
	case <-time.After(30 * time.Second):
		logger.Warn("Worker heartbeat shutdown timeout exceeded")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
