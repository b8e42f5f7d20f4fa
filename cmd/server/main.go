package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	httpapi "github.com/ak-badjie/mbalit/internal/http"

	"github.com/ak-badjie/mbalit/internal/config"
	"github.com/ak-badjie/mbalit/internal/dispatch"
	"github.com/ak-badjie/mbalit/internal/ingest"
	"github.com/ak-badjie/mbalit/internal/jobstore"
	"github.com/ak-badjie/mbalit/internal/logging"
	"github.com/ak-badjie/mbalit/internal/match"
	"github.com/ak-badjie/mbalit/internal/notify"
	"github.com/ak-badjie/mbalit/internal/payments"
	"github.com/ak-badjie/mbalit/internal/presence"
	"github.com/ak-badjie/mbalit/internal/wallet"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error", "json").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	// job store and wallet: postgres when a DSN is given, memory otherwise
	var (
		store  jobstore.Store
		ledger wallet.Ledger
	)
	if cfg.PGDSN != "" {
		pg, err := jobstore.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := runMigrations(pg, cfg.MigrationsDir, logger); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		store = pg
		ledger = wallet.NewPostgresLedger(pg.DB())
	} else {
		store = jobstore.NewMemoryStore()
		ledger = wallet.NewMemoryLedger()
	}

	// presence: redis when configured, memory otherwise
	var registry presence.Registry
	if cfg.RedisAddr != "" {
		rr := presence.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisNamespace, cfg.PresenceTTL)
		if err := rr.Ping(context.Background()); err != nil {
			logger.Error("redis connect failed", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer rr.Close()
		registry = rr
	} else {
		registry = presence.NewMemoryRegistry(cfg.PresenceTTL)
	}

	dispatcher := &dispatch.Dispatcher{
		Store:      store,
		Registry:   registry,
		Matcher:    &match.Matcher{Registry: registry, SpeedKmh: cfg.AverageSpeedKmh},
		Wallet:     ledger,
		Logger:     logger,
		Attempts:   cfg.DispatchAttempts,
		RetryDelay: cfg.DispatchRetryDelay,
	}

	hub := notify.NewHub(logger)
	store.Subscribe("", hub.BroadcastJob)
	if cfg.WebhookURL != "" {
		store.Subscribe("", notify.NewWebhook(cfg.WebhookURL, logger).Notify)
	}

	srv := httpapi.NewServer(store, registry, dispatcher, hub, logger)
	srv.Currency = cfg.PaymentCurrency

	if os.Getenv("STRIPE_API_KEY") != "" {
		gateway := payments.NewStripeClient()
		srv.Gateway = gateway
		store.Subscribe("", payments.Bridge(gateway, store, logger))
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		srv.Kafka = producer
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := &dispatch.Sweeper{
		Dispatcher: dispatcher,
		Store:      store,
		Interval:   cfg.SweepInterval,
		MinAge:     cfg.SweepMinAge,
		Logger:     logger,
	}
	go sweeper.Run(ctx)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("mbalit listening", "addr", cfg.HTTPAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func runMigrations(pg *jobstore.PostgresStore, dir string, logger *slog.Logger) error {
	entries, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	for _, path := range entries {
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := pg.DB().Exec(string(b)); err != nil {
			return err
		}
		logger.Info("migration applied", "file", filepath.Base(path))
	}
	return nil
}
