package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/robertpelloni/picard/internal/catalog"
	"github.com/robertpelloni/picard/internal/config"
	"github.com/robertpelloni/picard/internal/engine"
	"github.com/robertpelloni/picard/internal/hostdest"
	"github.com/robertpelloni/picard/internal/http/rest"
	"github.com/robertpelloni/picard/internal/logctx"
	"github.com/robertpelloni/picard/internal/notifier"
	"github.com/robertpelloni/picard/internal/protocol"
	"github.com/robertpelloni/picard/internal/protocol/noop"
	"github.com/robertpelloni/picard/internal/protocol/slskd"
	"github.com/robertpelloni/picard/internal/storage/sqlite"
	"github.com/robertpelloni/picard/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("transfer orchestrator starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && err != context.Canceled {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     true,
		ServiceName: "picard-orchestrator",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer tel.Shutdown(ctx)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// A previous process may have died mid-download; queued work is not resumed.
	if interrupted, err := history.MarkInterrupted(); err != nil {
		logger.Warn("failed to fail over interrupted transfers", "err", err)
	} else if interrupted > 0 {
		logger.Info("failed over interrupted transfers from previous run", "count", interrupted)
	}

	// =========================================================================
	// Start Protocol Client
	client := buildProtocolClient(cfg)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		// degraded mode: the engine runs, requests surface the error
		logger.Warn("peer-to-peer session unavailable", "err", err)
	}

	// =========================================================================
	// Start Engine
	eng := engine.NewEngine(client, history, tel, engine.Options{
		MaxTrackedTransfers: cfg.MaxTrackedTransfers,
		MatchMaxAttempts:    cfg.MatchMaxAttempts,
		MatchBaseDelay:      cfg.MatchBaseDelay,
		Fingerprint:         cfg.EnableFingerprinting,
	})

	go eng.Run(ctx)

	// =========================================================================
	// Start Notification
	setupNotificationForEngine(ctx, eng, cfg)

	// =========================================================================
	// Start Catalog
	catalogClient := catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.RequestInterval,
		cfg.Catalog.MaxRetries, cfg.Catalog.RetryBaseDelay, tel)
	paginator := catalog.NewPaginator(catalogClient, cfg.Catalog.PageSize, true)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, tel, eng, paginator, catalogClient)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for requests...",
		"download_dir", cfg.DownloadDir,
		"soulseek_enabled", cfg.SoulseekEnabled(),
		"fingerprinting", cfg.EnableFingerprinting,
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		// Drain the engine: in-flight matches finish, everything else stops.
		select {
		case <-eng.Done():
		case <-shutdownCtx.Done():
			logger.Warn("engine did not drain before deadline")
		}

		return ctx.Err()
	}
}

// buildProtocolClient is an abstract factory for the peer-to-peer capability.
// Without a daemon URL the disabled variant is used and the engine logic is
// identical.
func buildProtocolClient(cfg *config.Config) protocol.Client {
	if !cfg.SoulseekEnabled() {
		return noop.NewClient()
	}

	return slskd.NewClient(
		cfg.Soulseek.DaemonURL,
		cfg.Soulseek.Username,
		cfg.Soulseek.Password,
		cfg.DownloadDir,
		cfg.Soulseek.PollInterval,
	)
}

func setupNotificationForEngine(ctx context.Context, eng *engine.Engine, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for t := range eng.OnTransferFinished {
			switch t.State {
			case engine.StateCompleted:
				logger.Info("transfer completed", "transfer_id", t.ID, "remote_path", t.RemotePath)

				if notif != nil {
					if notifyErr := notif.Notify(ctx, "✅ Download finished: "+t.RemotePath); notifyErr != nil {
						logger.Error("failed to send notification", "transfer_id", t.ID, "err", notifyErr)
					}
				}
			case engine.StateFailed:
				logger.Error("transfer failed", "transfer_id", t.ID, "remote_path", t.RemotePath)

				if notif != nil {
					if notifyErr := notif.Notify(ctx, "❌ Download failed: "+t.RemotePath); notifyErr != nil {
						logger.Error("failed to send notification", "transfer_id", t.ID, "err", notifyErr)
					}
				}
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	eng *engine.Engine,
	paginator *catalog.Paginator,
	catalogClient *catalog.Client,
) *http.Server {
	resolver := hostdest.NewResolver(cfg.DownloadDir)
	handler := rest.NewHandler(cfg.Web.Username, cfg.Web.Password, eng, paginator, catalogClient, resolver)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(tel.Middleware)
	r.Mount("/api/v1", handler.Routes())
	r.Handle("/metrics", tel.Handler())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
