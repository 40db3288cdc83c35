// Command healthmon runs the health-check monitor.
//
// # Usage
//
//	healthmon --config /etc/healthmon/config.yaml
//	healthmon --config config.yaml migrate [status]
//
// # Configuration
//
// The monitor can be configured via:
// - A YAML config file (--config)
// - A .env file (--env-file, default .env)
// - Environment variables (HEALTHMON_*)
// - Command-line flags
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/healthmon/db/migrate"
	"github.com/pilot-net/healthmon/internal/api"
	"github.com/pilot-net/healthmon/internal/config"
	"github.com/pilot-net/healthmon/internal/service"
)

const version = "v0.1.0"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML config file")
		envFile     = flag.String("env-file", ".env", "Path to .env file (ignored if missing)")
		addr        = flag.String("addr", "", "HTTP listen address (overrides config)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("healthmon " + version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if flag.Arg(0) == "migrate" {
		if err := runMigrate(cfg, flag.Arg(1), logger); err != nil {
			logger.Error("migrate failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	svc, err := service.Open(openCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		svc.Stop()
		return fmt.Errorf("starting service: %w", err)
	}

	apiServer := api.NewServer(svc, logger)
	apiServer.SetAPIKeyHash(cfg.Server.APIKeyHash)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "version", version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	svc.Stop()

	logger.Info("shutdown complete")
	return nil
}

// runMigrate applies pending migrations, or with "status" lists them.
func runMigrate(cfg *config.Config, sub string, logger *slog.Logger) error {
	if cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("migrations apply to the postgres driver, storage.driver is %q", cfg.Storage.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	switch sub {
	case "", "up":
		return migrate.Run(ctx, pool, logger)
	case "status":
		status, err := migrate.GetStatus(ctx, pool)
		if err != nil {
			return err
		}
		for _, rec := range status.Applied {
			fmt.Printf("applied  %03d_%s  %s\n", rec.Version, rec.Name, rec.AppliedAt.Format(time.RFC3339))
		}
		for _, name := range status.Pending {
			fmt.Printf("pending  %s\n", name)
		}
		return nil
	default:
		return fmt.Errorf("unknown migrate command %q: want up or status", sub)
	}
}
