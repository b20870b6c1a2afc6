// Package main is the entry point for the Conpanion server binary.
// It dispatches four subcommands (serve, migrate, run-job and version) via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place.
// The serve command runs auto-migration on startup so freshly deployed containers
// never need a separate migration step.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- served only on the dedicated profiling port, never on the Gin listener
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/conpanion/conpanion/internal/api"
	"github.com/conpanion/conpanion/internal/auth"
	"github.com/conpanion/conpanion/internal/config"
	"github.com/conpanion/conpanion/internal/db"
	"github.com/conpanion/conpanion/internal/jobs"
	"github.com/conpanion/conpanion/internal/telemetry"
)

const usage = `usage: server <command>

commands:
  serve              run the API server and the job scheduler (default)
  migrate <up|down>  apply or roll back schema migrations
  run-job <name>     run one background job once and exit
  version            print the version`

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}
	if command == "version" {
		fmt.Printf("Conpanion v%s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "run-job":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s run-job <name>", os.Args[0])
		}
		return runJob(cfg, os.Args[2])
	default:
		return fmt.Errorf("unknown command: %s\n%s", command, usage)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging first so everything below uses it.
	logCloser := telemetry.SetupLogger(cfg.Logging)
	defer logCloser.Close()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database.DB)

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database.DB); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", version, "dirty", dirty)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := wire(ctx, cfg, database)
	if err != nil {
		return err
	}
	defer a.closer()

	startSideServers(cfg)

	var scheduler *jobs.Scheduler
	if cfg.Jobs.Enabled {
		scheduler = jobs.NewScheduler(context.Background(), time.Duration(cfg.Jobs.ShutdownTimeout)*time.Second)
		for _, job := range a.jobs {
			if err := scheduler.Add(job); err != nil {
				return err
			}
		}
		scheduler.Start()
		slog.Info("job scheduler started", "jobs", scheduler.Entries())
	} else {
		slog.Info("in-process jobs disabled; run them with the run-job command")
	}

	router, bgServices := api.NewRouter(ctx, cfg, a.deps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress(), "base_url", cfg.Server.BaseURL, "tls", cfg.Security.TLS.Enabled)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if scheduler != nil {
		scheduler.Stop()
	}
	bgServices.Shutdown()
	a.drainEvents(10 * time.Second)

	slog.Info("server stopped gracefully")
	return nil
}

// startSideServers serves Prometheus metrics and, when enabled, pprof on their own
// ports so neither is reachable through the public API ingress path.
func startSideServers(cfg *config.Config) {
	if cfg.Telemetry.Metrics.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go listen("metrics", &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	if cfg.Telemetry.Profiling.Enabled {
		addr := fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port)
		go listen("pprof", &http.Server{ //nolint:gosec // internal-only pprof port
			Addr:         addr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		})
	}
}

func listen(name string, srv *http.Server) {
	slog.Info("starting side server", "name", name, "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("side server error", "name", name, "error", err)
	}
}

// runJob executes one background job and exits, for deployments where an external
// scheduler (Kubernetes CronJob, systemd timer) owns the cadence.
func runJob(cfg *config.Config, name string) error {
	logCloser := telemetry.SetupLogger(cfg.Logging)
	defer logCloser.Close()

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := wire(ctx, cfg, database)
	if err != nil {
		return err
	}
	defer a.closer()

	job, err := jobs.Find(a.jobs, name)
	if err != nil {
		return err
	}
	err = jobs.RunOnce(ctx, job)
	a.drainEvents(10 * time.Second)
	return err
}

func runMigrations(cfg *config.Config, direction string) error {
	logCloser := telemetry.SetupLogger(cfg.Logging)
	defer logCloser.Close()

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database.DB, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database.DB)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}
