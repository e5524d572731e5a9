/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the collective booking engine (EAC) server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Open the store (SQLite, or PostgreSQL after running migrations)
  3. Build notifiers (log, Kafka when brokers are configured) and metrics
  4. Create the booking and subscription services
  5. Start the expiry scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides http.addr
  -db      Database DSN, overrides database.dsn
           Use ":memory:" with the sqlite driver for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (5s timeout)
  4. Close Kafka writer and database

ENVIRONMENT:
  Every config key can be set as PCE_<SECTION>_<KEY>, e.g.
  PCE_DATABASE_DRIVER=postgres PCE_DATABASE_DSN=postgres://... ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
*/
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
	"syscall"
	"time"

	"github.com/passculture/eac-engine/api"
	"github.com/passculture/eac-engine/config"
	"github.com/passculture/eac-engine/educational"
	"github.com/passculture/eac-engine/factory"
	"github.com/passculture/eac-engine/fraud"
	"github.com/passculture/eac-engine/logger"
	"github.com/passculture/eac-engine/metrics"
	"github.com/passculture/eac-engine/notify"
	"github.com/passculture/eac-engine/store/postgres"
	"github.com/passculture/eac-engine/store/sqlite"
	"github.com/passculture/eac-engine/subscription"
	"github.com/passculture/eac-engine/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// backend is what both store implementations provide.
type backend interface {
	educational.TxStore
	users.Repository
	fraud.Repository
	factory.Seeder
	Ping(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides http.addr)")
	dsn := flag.String("db", "", "Database DSN (overrides database.dsn)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	ratio, err := cfg.TemporaryFundRatio()
	if err != nil {
		return err
	}
	protection, err := cfg.MinistryProtection(time.Now().In(loc))
	if err != nil {
		return err
	}

	// Store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer closeStore()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s store: %w", cfg.Database.Driver, err)
	}
	log.Info("store ready", "driver", cfg.Database.Driver)

	// Notifiers
	notifiers := notify.Multi{notify.NewLog(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := kafka.Close(); err != nil {
				log.Error("failed to close kafka writer", "err", err)
			}
		}()
		notifiers = append(notifiers, kafka)
		log.Info("kafka notifier enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// Metrics
	var (
		recorder       *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		recorder = metrics.New(prometheus.DefaultRegisterer)
		metricsHandler = promhttp.Handler()
	}

	// Services
	bookingOpts := []educational.Option{
		educational.WithNotifier(notifiers),
		educational.WithLogger(log),
		educational.WithTemporaryFundRatio(ratio),
		educational.WithMinistryProtection(protection),
	}
	subscriptionOpts := []subscription.ServiceOption{subscription.WithServiceLogger(log)}
	if recorder != nil {
		bookingOpts = append(bookingOpts, educational.WithRecorder(recorder))
		subscriptionOpts = append(subscriptionOpts, subscription.WithRecorder(recorder))
	}
	bookings := educational.NewService(store, bookingOpts...)
	oracle := fraud.NewCheckOracle(store,
		fraud.WithPhoneValidation(cfg.Subscription.PhoneValidation),
		fraud.WithMaxUbbleRetries(cfg.Subscription.MaxUbbleRetries),
	)
	subscriptions := subscription.NewService(store, oracle, subscriptionOpts...)

	// HTTP
	handler := api.NewHandler(bookings, subscriptions)
	handler.Logger = log
	handler.Location = loc
	if cfg.App.Env == "dev" {
		handler.Seeder = store
		log.Info("demo scenarios enabled")
	}
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		Metrics:        metricsHandler,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Scheduler
	scheduler := api.NewExpiryScheduler(bookings, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.ExpiryInterval
	scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", "addr", cfg.HTTP.Addr, "env", cfg.App.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// openStore opens the configured store and returns its close function.
func openStore(ctx context.Context, cfg config.Config) (backend, func(), error) {
	switch cfg.Database.Driver {
	case "postgres":
		if err := postgres.Migrate(cfg.Database.DSN); err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := sqlite.New(cfg.Database.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}
