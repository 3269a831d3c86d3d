package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"sosg-strava-sync/internal/config"
	"sosg-strava-sync/internal/database"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "sosg-strava-sync",
		Usage:   "Strava activity sync for the running club roster",
		Version: version,
		Commands: []*cli.Command{
			cmdServe(),
			cmdMigrate(),
			cmdBackfill(),
		},
		// Running the binary without a command starts the server
		DefaultCommand: "serve",
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func cmdMigrate() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, closer := setupLogger(cfg)
			defer closer()

			db, err := database.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Init(); err != nil {
				return err
			}
			logger.Info("Schema applied", "database", cfg.DatabasePath)
			return nil
		},
	}
}

func cmdBackfill() *cli.Command {
	var coachID string

	return &cli.Command{
		Name:  "backfill",
		Usage: "Queue a backfill of recent runs for one coach",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "coach",
				Usage:       "coach identifier whose Strava connection should be backfilled",
				Required:    true,
				Destination: &coachID,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger, closer := setupLogger(cfg)
			defer closer()

			db, err := database.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			conn, err := db.GetConnection(ctx, coachID)
			if err != nil {
				return err
			}
			if conn == nil {
				return fmt.Errorf("no Strava connection for coach %s", coachID)
			}

			id, err := db.EnqueueSyncJob(ctx, coachID, database.JobTypeBackfill)
			if err != nil {
				return err
			}
			logger.Info("Backfill queued", "coach_id", coachID, "job_id", id)
			return nil
		},
	}
}

// setupLogger installs the default JSON logger. With LOG_FILE set, output is
// also written to a rotating file.
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var w io.Writer = os.Stdout
	closer := func() {}
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, file)
		closer = func() { file.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger, closer
}
