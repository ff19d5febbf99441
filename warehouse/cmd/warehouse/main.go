package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/fooddw/utils/pkg/logger"
	"github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse"
	"github.com/malbeclabs/fooddw/warehouse/pkg/metrics"
	"github.com/malbeclabs/fooddw/warehouse/pkg/postgres"
	"github.com/malbeclabs/fooddw/warehouse/pkg/server"
	"github.com/malbeclabs/fooddw/warehouse/pkg/service"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:8080"
	defaultMetricsAddr     = "0.0.0.0:0"
	defaultRefreshInterval = 0
	defaultSettleAfter     = 30 * time.Second
	defaultConcurrency     = 8
	defaultOpTimeout       = 10 * time.Second
	defaultMaxAttempts     = 3
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")

	// Postgres configuration (optional, in-memory stores when unset)
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres connection string (or set POSTGRES_DSN env var)")
	postgresMaxConnsFlag := flag.Int32("postgres-max-conns", 0, "maximum Postgres pool connections (0 uses the driver default)")
	migrationsEnableFlag := flag.Bool("migrations-enable", false, "run Postgres and ClickHouse migrations on startup")

	// ClickHouse configuration (optional, enables export of committed batches)
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse server address (e.g., localhost:9000, or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")
	createDatabaseFlag := flag.Bool("create-database", false, "create the ClickHouse database before startup (for dev use)")

	// Pipeline configuration
	refreshIntervalFlag := flag.Duration("refresh-interval", defaultRefreshInterval, "interval at which pending batches are run (0 disables the timer)")
	settleAfterFlag := flag.Duration("settle-after", defaultSettleAfter, "quiet period after the last submission before the timer runs a batch")
	concurrencyFlag := flag.Int("concurrency", defaultConcurrency, "maximum concurrent store operations per step")
	opTimeoutFlag := flag.Duration("op-timeout", defaultOpTimeout, "timeout for a single store operation")
	maxAttemptsFlag := flag.Int("max-attempts", defaultMaxAttempts, "attempts per step when store operations time out")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	// Override flags with environment variables if set
	if envPostgresDSN := os.Getenv("POSTGRES_DSN"); envPostgresDSN != "" {
		*postgresDSNFlag = envPostgresDSN
	}
	if envClickhouseAddr := os.Getenv("CLICKHOUSE_ADDR_TCP"); envClickhouseAddr != "" {
		*clickhouseAddrFlag = envClickhouseAddr
	}
	if envClickhouseDatabase := os.Getenv("CLICKHOUSE_DATABASE"); envClickhouseDatabase != "" {
		*clickhouseDatabaseFlag = envClickhouseDatabase
	}
	if envClickhouseUsername := os.Getenv("CLICKHOUSE_USERNAME"); envClickhouseUsername != "" {
		*clickhouseUsernameFlag = envClickhouseUsername
	}
	if envClickhousePassword := os.Getenv("CLICKHOUSE_PASSWORD"); envClickhousePassword != "" {
		*clickhousePasswordFlag = envClickhousePassword
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	log := logger.New(*verboseFlag)

	log.Info("warehouse starting",
		"version", version,
		"commit", commit,
		"postgres_enabled", *postgresDSNFlag != "",
		"clickhouse_enabled", *clickhouseAddrFlag != "",
		"refresh_interval", *refreshIntervalFlag,
	)

	// Initialize Sentry for error tracking (optional - gracefully no-op if DSN not set)
	sentryEnabled := false
	if sentryDSN := os.Getenv("SENTRY_DSN"); sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		})
		if err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			log.Info("sentry initialized", "env", sentryEnv, "release", release)
			sentryEnabled = true
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Set up signal handling with detailed logging
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Log which signal was received
	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	var pool *pgxpool.Pool
	if *postgresDSNFlag != "" {
		var err error
		pool, err = postgres.NewPool(ctx, log, postgres.Config{DSN: *postgresDSNFlag, MaxConns: *postgresMaxConnsFlag})
		if err != nil {
			return fmt.Errorf("failed to create Postgres pool: %w", err)
		}
		defer pool.Close()
	}

	var clickhouseDB clickhouse.Client
	if *clickhouseAddrFlag != "" {
		// Create the ClickHouse database if requested (for dev use).
		if *createDatabaseFlag {
			if err := createClickHouseDatabase(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag); err != nil {
				return err
			}
		}

		var err error
		clickhouseDB, err = clickhouse.NewClient(ctx, log, *clickhouseAddrFlag, *clickhouseDatabaseFlag, *clickhouseUsernameFlag, *clickhousePasswordFlag, *clickhouseSecureFlag)
		if err != nil {
			return fmt.Errorf("failed to create ClickHouse client: %w", err)
		}
		defer func() {
			if err := clickhouseDB.Close(); err != nil {
				log.Error("failed to close ClickHouse database", "error", err)
			}
		}()
		log.Info("clickhouse client initialized", "addr", *clickhouseAddrFlag, "database", *clickhouseDatabaseFlag)
	}

	svc, err := service.New(ctx, service.Config{
		Logger:                     log,
		Postgres:                   pool,
		PostgresMigrationsEnable:   *migrationsEnableFlag && pool != nil,
		ClickHouse:                 clickhouseDB,
		ClickHouseMigrationsEnable: *migrationsEnableFlag && clickhouseDB != nil,
		ClickHouseMigrationsConfig: clickhouse.MigrationConfig{
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		},
		RefreshInterval: *refreshIntervalFlag,
		SettleAfter:     *settleAfterFlag,
		Concurrency:     *concurrencyFlag,
		OpTimeout:       *opTimeoutFlag,
		MaxAttempts:     *maxAttemptsFlag,
		SentryEnabled:   sentryEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	// CORS configuration - origins from env or allow all
	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	srv, err := server.New(server.Config{
		Logger:        log,
		Coordinator:   svc.Coordinator(),
		Dimensions:    svc.Dimensions(),
		Ready:         svc.Ready,
		CORSOrigins:   corsOrigins,
		SentryEnabled: sentryEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	svc.Start(ctx)

	httpServer := &http.Server{
		Addr:              *listenAddrFlag,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("server: listening", "address", *listenAddrFlag)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		srv.SetShuttingDown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("server: graceful shutdown failed", "error", err)
		}
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
