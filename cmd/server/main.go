package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shopcart/internal/cart"
	"shopcart/internal/catalog/api"
	"shopcart/internal/catalog/mysql"
	"shopcart/internal/config"
	apphttp "shopcart/internal/http"
	"shopcart/internal/integrations/telegram"
	"shopcart/internal/integrations/webhook"
	"shopcart/internal/logging"
	"shopcart/internal/notify"
	"shopcart/internal/security/secretbox"
	storepkg "shopcart/internal/store"
	"shopcart/internal/store/memory"
	"shopcart/internal/store/postgres"
	"shopcart/internal/store/redis"
	"shopcart/internal/store/sealed"
)

func main() {
	dotEnvErr := config.LoadDotEnv(".env")
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	if dotEnvErr != nil {
		logger.Warn("failed to load .env", zap.Error(dotEnvErr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := openSnapshotStore(ctx, cfg, logger)
	defer closeStore()

	catalog, closeCatalog := openCatalog(cfg, logger)
	defer closeCatalog()

	journal := notify.NewJournal(cfg.NoticeHistory)
	notifiers := notify.Fanout{notify.NewLogger(logger.Named("notice")), journal}
	var relay *notify.Async
	if tg := telegram.NewNotifier(cfg.TelegramBotToken, cfg.TelegramChatID); tg.Enabled() {
		relay = notify.NewAsync(tg, 10*time.Second, logger.Named("telegram"))
		notifiers = append(notifiers, relay)
	}

	cartStore := cart.NewStore(ctx, st, catalog, notifiers, cart.Options{
		Key:          cfg.CartStorageKey,
		WriteTimeout: cfg.SnapshotWriteTimeout,
		Logger:       logger.Named("cart"),
	})

	publisher := webhook.NewPublisher(
		cfg.WebhookURL,
		cfg.WebhookTimeout,
		cfg.WebhookMaxRetries,
		cfg.WebhookRetryBase,
		cfg.WebhookRetryMax,
		logger.Named("webhook"),
	)
	srv := apphttp.NewServer(cfg, cartStore, journal, logger.Named("http"))
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	httpServer.RegisterOnShutdown(srv.CloseStreams)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("shopcart API listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if publisher.Enabled() {
		updates, unsubscribe := cartStore.Subscribe()
		g.Go(func() error {
			defer unsubscribe()
			publisher.Run(gctx, updates)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}
	cartStore.Close()
	logger.Info("cart flushed")
	if relay != nil {
		relay.Wait()
	}
}

func openSnapshotStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storepkg.Store, func()) {
	var (
		st      storepkg.Store
		closeFn = func() {}
	)
	switch {
	case cfg.StoreMode == config.StorePostgres && cfg.DatabaseURL != "":
		pgStore, err := postgres.NewStore(cfg.DatabaseURL)
		if err != nil {
			logger.Warn("postgres store unavailable, falling back to memory store", zap.Error(err))
			st = memory.NewStore()
		} else {
			st = pgStore
			closeFn = func() { _ = pgStore.Close() }
		}
	case cfg.StoreMode == config.StoreRedis:
		rdStore, err := redis.Dial(ctx, cfg.RedisAddr, 3)
		if err != nil {
			logger.Warn("redis store unavailable, falling back to memory store", zap.Error(err))
			st = memory.NewStore()
		} else {
			st = rdStore
			closeFn = func() { _ = rdStore.Close() }
		}
	default:
		st = memory.NewStore()
	}
	logger.Info("snapshot store ready", zap.String("mode", cfg.StoreMode))

	if cfg.SnapshotEncryptionKey == "" {
		return st, closeFn
	}
	box, err := secretbox.New(cfg.SnapshotEncryptionKey)
	if err != nil {
		logger.Fatal("invalid SNAPSHOT_ENCRYPTION_KEY", zap.Error(err))
	}
	return sealed.Wrap(st, box), closeFn
}

func openCatalog(cfg config.Config, logger *zap.Logger) (cart.Catalog, func()) {
	if cfg.CatalogMode == config.CatalogMySQL && cfg.MySQLDSN != "" {
		db, err := mysql.Open(cfg.MySQLDSN)
		if err == nil {
			logger.Info("catalog ready", zap.String("mode", config.CatalogMySQL))
			return db, func() { _ = db.Close() }
		}
		logger.Warn("mysql catalog unavailable, falling back to catalog API", zap.Error(err))
	}
	logger.Info("catalog ready", zap.String("mode", config.CatalogAPI), zap.String("base_url", cfg.CatalogBaseURL))
	return api.NewClient(
		cfg.CatalogBaseURL,
		cfg.CatalogTimeout,
		cfg.CatalogMaxRetries,
		cfg.CatalogRetryBase,
		cfg.CatalogRetryMax,
	).WithRateLimit(cfg.CatalogRateLimit, cfg.CatalogRateBurst), func() {}
}
