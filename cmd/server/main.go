/*
main.go - Application entry point

PURPOSE:
  Starts the stock ledger server. Handles configuration, store selection,
  dependency wiring and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Configure zerolog (pretty or json)
  3. Open the store (sqlite, postgres or memory)
  4. Build engine, metrics, handler and router
  5. Run HTTP server and reconciliation scheduler until a signal arrives

ENVIRONMENT:
  STORE_DRIVER   sqlite | postgres | memory (default: sqlite)
  SQLITE_PATH    SQLite database path (default: stock.db)
  PG_DSN         PostgreSQL connection string
  APP_ADDR       Listen address (default: :8080)
  LOG_FORMAT     pretty | json
  LOG_LEVEL      zerolog level (default: info)
  See config/config.go for the rest.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/stock-ledger/api"
	"github.com/warp/stock-ledger/config"
	"github.com/warp/stock-ledger/ledger"
	memstore "github.com/warp/stock-ledger/ledger/store"
	"github.com/warp/stock-ledger/observability"
	"github.com/warp/stock-ledger/store/postgres"
	"github.com/warp/stock-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("env", cfg.AppEnv).Logger()
}

type closingStore interface {
	ledger.Store
	io.Closer
}

// memoryStore gives the in-memory store a Close.
type memoryStore struct{ *memstore.Memory }

func (memoryStore) Close() error { return nil }

func openStore(ctx context.Context, cfg *config.Config) (closingStore, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		return postgres.New(ctx, cfg.PGDSN)
	case config.DriverMemory:
		return memoryStore{memstore.NewMemory()}, nil
	default:
		return sqlite.New(cfg.SQLitePath)
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	vat := cfg.VAT()
	engine := ledger.NewEngine(store, ledger.Config{
		VATRate:  &vat,
		Logger:   &logger,
		Observer: metrics,
	})

	handler := api.NewHandler(engine, cfg.StorageRetries)
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:             logger,
		Metrics:            metrics,
		CORSOrigins:        cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	scheduler := api.NewReconciliationScheduler(engine, metrics, logger)
	scheduler.Enabled = cfg.ReconcileEnabled
	scheduler.CheckInterval = cfg.ReconcileInterval

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.AppAddr).
			Str("store", cfg.StoreDriver).
			Str("vat_rate", cfg.VAT().String()).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		scheduler.Stop()

		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
