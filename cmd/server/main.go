/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dues engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.toml, .env, DUES_* environment)
  2. Build the zap logger
  3. Open the SQL store (sqlite3 or postgres), or the memory store
  4. Connect Redis when enabled: distributed locks and notification queue
  5. Build the engine with metrics as its sweep observer
  6. Seed the dues catalog from a file when -catalog is given
  7. Start the sweep scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config   Extra directory to search for config.toml
  -catalog  JSON or YAML catalog seed file
  -memory   Use the in-memory store (data is lost on exit)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (in-flight sweeps are cancelled)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and the database

EXAMPLES:
  # Run with the default sqlite file
  ./server

  # Postgres and Redis through the environment
  DUES_DATABASE_DRIVER=postgres DUES_DATABASE_DSN=postgres://... \
  DUES_REDIS_ENABLED=true ./server -catalog=catalog.yaml

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - store/sqldb/sqldb.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/dues/store"
	"github.com/warp/dues-engine/factory"
	"github.com/warp/dues-engine/lock"
	"github.com/warp/dues-engine/logger"
	"github.com/warp/dues-engine/metrics"
	"github.com/warp/dues-engine/notify"
	"github.com/warp/dues-engine/store/sqldb"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dues-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config", "", "extra directory to search for config.toml")
	catalogFile := flag.String("catalog", "", "JSON or YAML dues catalog seed file")
	memory := flag.Bool("memory", false, "use the in-memory store")
	flag.Parse()

	var opts config.Options
	if *configDir != "" {
		opts.ConfigPaths = []string{*configDir, ".", "./config", "/etc/dues-engine"}
	}
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return err
	}
	defer log.Sync()

	// Store
	var (
		txStore dues.TxStore
		pinger  func(context.Context) error
	)
	if *memory {
		txStore = store.NewTxMemory()
		log.Warn("using in-memory store, data will not survive a restart")
	} else {
		db, err := sqldb.New(cfg.Database.Driver, cfg.Database.DSN, sqldb.Options{MaxOpenConns: cfg.Database.MaxOpenConns})
		if err != nil {
			return err
		}
		defer db.Close()
		txStore, pinger = db, db.Ping
		log.Info("database ready", zap.String("driver", cfg.Database.Driver))
	}

	// Locks and notifications
	var (
		locker   dues.Locker   = lock.NewLocal()
		notifier dues.Notifier = notify.NewLog(log.Named("notify"))
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedis(client, lock.RedisConfig{})
		notifier = notify.NewRedisQueue(client, "")
		log.Info("redis ready", zap.String("addr", cfg.Redis.Addr))
	}

	recorder := metrics.NewRecorder()
	engine := dues.New(dues.Options{
		Store:              txStore,
		Notifier:           notifier,
		Locker:             locker,
		Observer:           recorder,
		Logger:             log,
		StandardDuesTypeID: dues.DuesTypeID(cfg.Dues.StandardDuesTypeID),
		CatalogTTL:         cfg.Dues.CatalogTTL,
		SweepConcurrency:   cfg.Dues.Concurrency,
		Reminders: dues.ReminderConfig{
			ThresholdMultiplier: cfg.Dues.ThresholdMultiplier,
			Cooldown:            cfg.Dues.Cooldown,
			MemberTimeout:       cfg.Dues.MemberTimeout,
			Concurrency:         cfg.Dues.Concurrency,
			Channel:             dues.Channel(cfg.Dues.ReminderChannel),
			Limiter:             rate.NewLimiter(rate.Limit(cfg.Dues.NotifyRatePerSec), cfg.Dues.NotifyBurst),
		},
	})

	if *catalogFile != "" {
		seed, err := factory.LoadFile(*catalogFile)
		if err != nil {
			return err
		}
		res, err := factory.Seed(dues.WithActor(context.Background(), dues.SystemActor), engine, seed)
		if err != nil {
			return err
		}
		log.Info("catalog seeded", zap.Int("created", len(res.Created)), zap.Strings("skipped", res.Skipped))
	}

	// HTTP
	handler := api.NewHandler(engine, log)
	handler.Pinger = pinger
	var auth *api.Authenticator
	if cfg.Auth.JWTSecret != "" {
		auth = api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		log.Warn("auth.jwt_secret not set, all API writes will be refused")
	}
	router := api.NewRouter(handler, api.RouterOptions{Auth: auth, Metrics: recorder, Log: log})

	scheduler := api.NewSweepScheduler(engine, log)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.MaterializationInterval = cfg.Scheduler.MaterializationInterval
	scheduler.ReminderInterval = cfg.Scheduler.ReminderInterval
	scheduler.Start()

	server := &http.Server{
		Addr:         cfg.App.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", server.Addr), zap.String("env", cfg.App.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		scheduler.Stop()
		return err
	}

	log.Info("shutting down")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}
