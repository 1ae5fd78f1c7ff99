// Package main runs forumwatch: it polls forums for new posts, matches them against
// Telegram subscriptions and delivers notifications, falling back to public feeds
// when a forum stops accepting its session cookie.
package main

import (
	"context"
	"errors"
	"fmt"
	"forumwatch/cache"
	"forumwatch/config"
	"forumwatch/dispatch"
	"forumwatch/email"
	"forumwatch/health"
	"forumwatch/match"
	"forumwatch/poll"
	"forumwatch/server"
	"forumwatch/source"
	"forumwatch/storage"
	"forumwatch/subscription"
	"forumwatch/telegram"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("Failed to load .env file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfgPath := envOr("CONFIG_PATH", "config.json")
	cfgStore, err := config.Open(cfgPath, logger)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	cfg := cfgStore.Config()
	logger.Info("Config loaded", "path", cfgPath, "forums", len(cfg.Forums))

	store, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	subCache, err := openCache(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := subCache.Close(); err != nil {
			logger.Warn("Failed to close cache", "error", err)
		}
	}()

	subs := subscription.New(store, subCache, logger)
	transport := telegram.NewTransport(logger, telegram.DefaultOptions)

	bots, err := startBots(ctx, cfgStore, subs, transport, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, bot := range bots {
			bot.StopReceivingUpdates()
		}
	}()

	var alerters health.Alerters
	if cfg.AdminChatID != 0 {
		alerters = append(alerters, telegram.NewAlerter(transport, cfg.AdminChatID))
	} else {
		logger.Warn("No admin_chat_id configured, Telegram alerts disabled")
	}
	if cfg.AlertEmail != "" {
		provider, err := emailProvider(ctx, logger)
		if err != nil {
			return err
		}
		alerters = append(alerters, email.NewAlerter(provider, cfg.AlertEmail, logger))
	}

	monitor := poll.New(poll.Deps{
		Fetcher:       source.New(&http.Client{Timeout: 30 * time.Second}, logger, source.DefaultOptions),
		Health:        health.New(store, cfgStore, alerters, logger, health.DefaultThreshold),
		Ledger:        store,
		Subscriptions: subs,
		Matcher:       match.New(logger),
		Dispatcher:    dispatch.New(store, transport, logger, dispatch.Options{}),
	}, logger, poll.DefaultPostTimeout)

	scheduler := poll.NewScheduler(monitor, cfgStore, logger)
	scheduler.Start(ctx)

	passwordHash := os.Getenv("ADMIN_PASSWORD_HASH")
	if passwordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH not set, admin routes are unauthenticated")
	}
	srv := server.New(&server.Config{
		Poller:       scheduler,
		Forums:       cfgStore,
		Health:       store,
		Stats:        subs,
		Logger:       logger,
		PasswordHash: passwordHash,
	})
	httpServer := srv.HTTPServer(envOr("PORT", "8080"))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("HTTP server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", "error", err)
	}
	// Waits for posts already being dispatched.
	scheduler.Stop()
	logger.Info("Shutdown complete")

	if serveErr != nil {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openStore selects the persistence backend from STORE_BACKEND: sqlite (default), postgres or bucket.
func openStore(ctx context.Context, logger *slog.Logger) (storage.Store, error) {
	backend := envOr("STORE_BACKEND", "sqlite")
	switch backend {
	case "sqlite":
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			dir := envOr("LOCAL_STORAGE", "./data")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data directory: %w", err)
			}
			dsn = filepath.Join(dir, "forumwatch.db")
		}
		return storage.OpenSQL(ctx, storage.DriverSQLite, dsn, logger)

	case "postgres":
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			return nil, errors.New("DATABASE_URL required for the postgres backend")
		}
		return storage.OpenSQL(ctx, storage.DriverPostgres, dsn, logger)

	case "bucket":
		if bucket := os.Getenv("STORAGE_BUCKET"); bucket != "" {
			client, err := gcs.NewClient(ctx)
			if err != nil {
				return nil, fmt.Errorf("create storage client: %w", err)
			}
			logger.Info("Using Cloud Storage backend", "bucket", bucket)
			return storage.NewBucket(client, bucket, "", logger), nil
		}
		dir := envOr("LOCAL_STORAGE", "./data")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("No STORAGE_BUCKET set, using local directory", "storage_path", dir)
		return storage.NewBucket(nil, "", dir, logger), nil

	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
}

// openCache uses Redis when REDIS_ADDR is set and an in-process cache otherwise.
func openCache(ctx context.Context, logger *slog.Logger) (cache.Cache, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return cache.NewMemory(), nil
	}
	db := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_DB: %w", err)
		}
		db = n
	}
	c, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return c, nil
}

// startBots connects one bot per enabled forum, registers it with the transport and
// starts answering its subscription commands.
func startBots(ctx context.Context, cfgStore *config.Store, subs *subscription.Service, transport *telegram.Transport, logger *slog.Logger) ([]*tgbotapi.BotAPI, error) {
	var bots []*tgbotapi.BotAPI
	for _, forum := range cfgStore.Forums() {
		if !forum.Enabled {
			continue
		}
		bot, err := telegram.NewBot(forum.BotToken, 75*time.Second)
		if err != nil {
			for _, b := range bots {
				b.StopReceivingUpdates()
			}
			return nil, fmt.Errorf("connect bot for forum %s: %w", forum.ID, err)
		}
		logger.Info("Bot connected", "forum", forum.ID, "bot", bot.Self.UserName)

		transport.Register(forum.ID, bot)
		if _, err := bot.Request(telegram.CommandMenu()); err != nil {
			logger.Warn("Failed to publish command menu", "forum", forum.ID, "error", err)
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		go telegram.NewCommands(forum, subs, bot, logger).Run(ctx, bot.GetUpdatesChan(u))
		bots = append(bots, bot)
	}
	return bots, nil
}

// emailProvider picks Brevo when BREVO_API_KEY is set, then the Gmail API, then a logging mock.
func emailProvider(ctx context.Context, logger *slog.Logger) (email.Provider, error) {
	if apiKey := os.Getenv("BREVO_API_KEY"); apiKey != "" {
		from := os.Getenv("ALERT_FROM")
		if from == "" {
			return nil, errors.New("ALERT_FROM required with BREVO_API_KEY")
		}
		logger.Info("Using Brevo for alert email", "from", from)
		return email.NewBrevoProvider(apiKey, from, "forumwatch", logger), nil
	}

	service, err := initGmailService(ctx)
	if err != nil {
		logger.Info("Mock email mode enabled", "reason", err.Error())
		return email.NewMockProvider(logger), nil
	}
	logger.Info("Using Gmail API for alert email")
	return email.NewGmailProvider(service, logger), nil
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On Cloud Run the service account's Application Default Credentials need the gmail.send scope.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}
