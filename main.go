package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"mycelium-ei-lang.com/cloud/events"
	"mycelium-ei-lang.com/cloud/handlers"
	"mycelium-ei-lang.com/cloud/internal/catalog"
	"mycelium-ei-lang.com/cloud/internal/config"
	"mycelium-ei-lang.com/cloud/internal/logger"
	"mycelium-ei-lang.com/cloud/internal/notify"
	"mycelium-ei-lang.com/cloud/internal/verify"
	"mycelium-ei-lang.com/cloud/quota"
	"mycelium-ei-lang.com/cloud/reconcile"
	"mycelium-ei-lang.com/cloud/storage"
)

var version = "dev"

func main() {
	if versionBytes, err := os.ReadFile("VERSION"); err == nil {
		version = strings.TrimSpace(string(versionBytes))
	}

	godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		logger.Error("Invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			TracesSampleRate: 1.0,
		}); err != nil {
			logger.Error("sentry.Init failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	var store storage.Storage
	if cfg.DatabasePath != "" {
		sqliteStore, err := storage.NewSQLiteStorage(cfg.DatabasePath)
		if err != nil {
			logger.Error("Failed to open database", map[string]interface{}{
				"path":  cfg.DatabasePath,
				"error": err.Error(),
			})
			os.Exit(1)
		}
		store = sqliteStore
	} else {
		logger.Warn("DATABASE_PATH not set, using in-memory storage")
		store = storage.NewMemoryStorage()
	}
	defer store.Close()

	var sink notify.Sink = notify.LogSink{}
	if cfg.SMTPConfigured() {
		sink = notify.EmailSink{}
	} else {
		logger.Warn("SMTP not configured, notification intents are logged only")
	}
	dispatcher := notify.NewDispatcher(sink)

	cat := catalog.Default()
	verifiers := map[string]verify.Verifier{
		events.ProviderStripe:   verify.StripeVerifier{Secret: cfg.StripeWebhookSecret},
		events.ProviderCoinbase: verify.CoinbaseVerifier{Secret: cfg.CoinbaseWebhookSecret},
	}
	coordinator := reconcile.NewCoordinator(store, cat, verifiers, dispatcher)
	issuer := reconcile.NewIssuer(store, cat, dispatcher)
	ledger := quota.NewLedger(store, cat)

	server := handlers.NewHTTPServer(store, coordinator, issuer, ledger, cat, version)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Mycelium Cloud API starting", map[string]interface{}{
			"version": version,
			"port":    cfg.Port,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	}()

	<-shutdown
	logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}
