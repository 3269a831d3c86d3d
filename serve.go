package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"sosg-strava-sync/internal/config"
	"sosg-strava-sync/internal/database"
	"sosg-strava-sync/internal/handlers"
	"sosg-strava-sync/internal/matcher"
	"sosg-strava-sync/internal/metrics"
	"sosg-strava-sync/internal/milestones"
	"sosg-strava-sync/internal/monitoring"
	"sosg-strava-sync/internal/oauth"
	"sosg-strava-sync/internal/reconcile"
	"sosg-strava-sync/internal/strava"
	"sosg-strava-sync/internal/tokens"
	"sosg-strava-sync/internal/worker"
)

const milestoneTimeout = 10 * time.Second

func cmdServe() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the webhook receiver, coach API and backfill worker",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, closeLog := setupLogger(cfg)
	defer closeLog()

	logger.Info("Starting sosg-strava-sync server",
		"version", version,
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"log_level", cfg.LogLevel)

	if err := monitoring.Init(monitoring.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		Release:     version,
	}, logger); err != nil {
		logger.Error("Error reporting unavailable", "error", err)
	}
	defer monitoring.Flush(2 * time.Second)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Init(); err != nil {
		return err
	}
	logger.Info("Database opened successfully")

	stravaClient := strava.NewClient(cfg.StravaClientID, cfg.StravaClientSecret, cfg.RedirectURL())
	tokenManager := tokens.NewManager(db, stravaClient)
	reconciler := reconcile.New(db, tokenManager, stravaClient, matcher.New(db))

	oauthManager := oauth.NewManager(db, stravaClient)
	defer oauthManager.Close()

	dispatcher := milestones.NewDispatcher(milestones.NewRuleEvaluator(db), milestoneTimeout)
	defer dispatcher.Wait()

	router := handlers.NewRouter(handlers.Routes{
		Webhook:       handlers.NewWebhookHandler(reconciler, cfg),
		OAuth:         handlers.NewOAuthHandler(oauthManager, cfg),
		Notifications: handlers.NewNotificationsHandler(db),
		Connection:    handlers.NewConnectionHandler(db),
		Sessions:      handlers.NewSessionsHandler(db, dispatcher),
		Unmatched:     handlers.NewUnmatchedHandler(db),
		DB:            db,
		APIKey:        cfg.InternalAPIKey,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  35 * time.Second, // Slightly more than long-poll timeout
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")
		return shutdown(server, logger)
	})

	if cfg.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer := &http.Server{Addr: metricsAddr, Handler: metricsMux}

		g.Go(func() error {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return shutdown(metricsServer, logger)
		})
		g.Go(func() error {
			metrics.StartQueueDepthCollector(gctx, db, 15*time.Second)
			return nil
		})
	}

	syncWorker := worker.NewWorker(db, tokenManager, stravaClient, reconciler, cfg)
	g.Go(func() error {
		if err := syncWorker.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync worker failed: %w", err)
		}
		return nil
	})

	if cfg.BackfillSchedule != "" {
		scheduler := worker.NewScheduler(db, cfg.BackfillSchedule)
		g.Go(func() error {
			return scheduler.Start(gctx)
		})
	} else {
		logger.Info("Periodic backfill disabled")
	}

	err = g.Wait()
	logger.Info("Server stopped")
	return err
}

func shutdown(server *http.Server, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown failed", "addr", server.Addr, "error", err)
		return err
	}
	return nil
}
