/*
main.go - Application entry point

PURPOSE:
  Starts the marketplace booking-and-settlement API. Loads configuration,
  wires the store and the external collaborators, starts the stale booking
  sweeper and serves HTTP until SIGINT/SIGTERM.

STARTUP SEQUENCE:
  1. Load configuration (environment, .env)
  2. Open the SQL store (SQLite or Postgres) and migrate
  3. Build collaborators: payment provider, calendar, notifier, locker
  4. Create the service, router and sweeper
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    overrides PORT
  -db      overrides DATABASE_URL (":memory:" for an in-memory SQLite DB)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper and drain pending notifications
  4. Close broker, redis and database connections

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqldb/sqldb.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/warp/mentor-marketplace/api"
	"github.com/warp/mentor-marketplace/calendar"
	"github.com/warp/mentor-marketplace/config"
	"github.com/warp/mentor-marketplace/lock/redislock"
	"github.com/warp/mentor-marketplace/marketplace"
	"github.com/warp/mentor-marketplace/notify"
	"github.com/warp/mentor-marketplace/payment"
	"github.com/warp/mentor-marketplace/store/sqldb"
)

func main() {
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	dbURL := flag.String("db", "", "database DSN (overrides DATABASE_URL)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	driver, err := sqldb.ParseDriver(cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	store, err := sqldb.New(driver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("database ready", "component", "bootstrap", "driver", driver)

	opts := marketplace.Options{
		PaymentSecret:   cfg.PaymentKeySecret,
		CalendarTimeout: cfg.CalendarTimeout(),
		Location:        cfg.Location(),
		AdminEmail:      cfg.AdminEmail,
		Logger:          logger,
		Retry: marketplace.RetryPolicy{
			MaxAttempts: cfg.NotifyMaxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    cfg.NotifyMaxBackoff(),
		},
	}

	switch cfg.PaymentProvider {
	case "midtrans":
		opts.Orders = payment.NewMidtrans(cfg.MidtransServerKey, cfg.MidtransProduction)
		opts.Verifier = payment.MidtransVerifier{}
		opts.PaymentSecret = cfg.MidtransServerKey
	default:
		opts.Orders = payment.Local{}
	}

	if cfg.CalendarAPIURL != "" {
		opts.Calendar = calendar.NewClient(cfg.CalendarAPIURL, cfg.CalendarAPIKey)
	} else {
		logger.Warn("calendar api url missing; using static meeting links", "component", "bootstrap", "env", "CALENDAR_API_URL")
		opts.Calendar = calendar.Static{BaseURL: cfg.MeetingBaseURL}
	}

	if cfg.RabbitMQURL != "" {
		broker, err := notify.NewRabbitMQ(cfg.RabbitMQURL, cfg.NotificationExchange, logger)
		if err != nil {
			return err
		}
		defer broker.Close()
		opts.Notifier = broker
	} else {
		logger.Warn("rabbitmq url missing; notifications are logged only", "component", "bootstrap", "env", "RABBITMQ_URL")
		opts.Notifier = notify.Log{Logger: logger}
	}

	if cfg.RedisURL != "" {
		locker, client, err := redislock.Connect(context.Background(), cfg.RedisURL, cfg.LockPrefix, cfg.LockTTL(), logger)
		if err != nil {
			return err
		}
		defer client.Close()
		opts.Locker = locker
		logger.Info("redis locker connected", "component", "bootstrap")
	}

	svc := marketplace.NewService(store, opts)

	sweeper := api.NewSweepScheduler(svc, cfg.SweepSchedule, cfg.StaleBookingAge(), logger)
	if err := sweeper.Start(); err != nil {
		return err
	}
	sweeper.RunNow(context.Background())

	handler := api.NewHandler(svc, logger)
	router := api.NewRouter(handler, api.NewAuthenticator(cfg.JWTSecret), cfg.Origins())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "component", "bootstrap", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		sweeper.Stop()
		return err
	case <-quit:
	}

	logger.Info("shutting down server", "component", "bootstrap")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "component", "bootstrap", "error", err)
	}
	sweeper.Stop()
	svc.Dispatcher.Wait()

	logger.Info("server stopped", "component", "bootstrap")
	return nil
}
